package payment

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicops/clinicops/internal/platform/events"
)

// stubTransport captures the broker sink so tests can push settlements and
// connection failures by hand.
type stubTransport struct {
	mu   sync.Mutex
	sink events.Sink
}

func (t *stubTransport) Connect(_ context.Context, sink events.Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
	return nil
}

func (t *stubTransport) Disconnect() error { return nil }

func (t *stubTransport) deliver(stl events.Settlement) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink.Deliver(stl)
}

func (t *stubTransport) dropConnection(err error) {
	t.mu.Lock()
	sink := t.sink
	t.mu.Unlock()
	sink.ConnectionLost(err)
}

type testRig struct {
	orch    *Orchestrator
	gateway *FakeGateway
	trans   *stubTransport
	broker  *events.Broker
	commits atomic.Int32
}

func newTestRig(qrTimeout time.Duration) *testRig {
	rig := &testRig{
		gateway: NewFakeGateway(),
		trans:   &stubTransport{},
	}
	rig.broker = events.NewBroker(rig.trans, zerolog.Nop())
	rig.orch = NewOrchestrator(rig.gateway, rig.broker, qrTimeout, zerolog.Nop())
	return rig
}

// commit counts invocations and returns a fixed result.
func (r *testRig) commit(_ context.Context, _ events.Settlement, _ []LineAllocation) (CommitResult, error) {
	r.commits.Add(1)
	return CommitResult{ReceiptID: "rcpt-1", RecordID: "rec-1", RecordCode: "TRX-001"}, nil
}

func someLines(amounts ...int64) []Line {
	lines := make([]Line, 0, len(amounts))
	for _, a := range amounts {
		lines = append(lines, Line{ID: uuid.New(), Outstanding: a})
	}
	return lines
}

func TestPayCashCommitsOnce(t *testing.T) {
	rig := newTestRig(time.Second)

	receipt, err := rig.orch.PayCash(context.Background(), CashRequest{
		Amount: 700,
		Lines:  someLines(500, 300),
		Commit: rig.commit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rig.commits.Load(); got != 1 {
		t.Fatalf("expected exactly 1 commit, got %d", got)
	}
	if receipt.Method != MethodCash {
		t.Errorf("expected CASH method, got %s", receipt.Method)
	}
	if receipt.Amount != 700 {
		t.Errorf("expected amount 700, got %d", receipt.Amount)
	}
	if receipt.ID != "rcpt-1" || receipt.RecordID != "rec-1" {
		t.Errorf("receipt not filled from commit result: %+v", receipt)
	}
	if len(receipt.Allocations) != 2 {
		t.Errorf("expected 2 allocations on receipt, got %d", len(receipt.Allocations))
	}
}

func TestPayCashRejectsOverpaymentWithoutCommit(t *testing.T) {
	rig := newTestRig(time.Second)

	_, err := rig.orch.PayCash(context.Background(), CashRequest{
		Amount: 900,
		Lines:  someLines(500, 300),
		Commit: rig.commit,
	})
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if got := rig.commits.Load(); got != 0 {
		t.Fatalf("commit must not run on rejection, ran %d times", got)
	}
}

func TestPayCashPropagatesCommitFailure(t *testing.T) {
	rig := newTestRig(time.Second)
	boom := errors.New("db down")

	_, err := rig.orch.PayCash(context.Background(), CashRequest{
		Amount: 100,
		Lines:  someLines(100),
		Commit: func(context.Context, events.Settlement, []LineAllocation) (CommitResult, error) {
			return CommitResult{}, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected commit error surfaced, got %v", err)
	}
}

func TestBeginQRBindsSubscriptionToLinkInvoice(t *testing.T) {
	rig := newTestRig(time.Second)

	session, err := rig.orch.BeginQR(context.Background(), QrRequest{
		Amount: 250,
		Lines:  someLines(250),
		Commit: rig.commit,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	links := rig.gateway.IssuedLinks()
	if len(links) != 1 {
		t.Fatalf("expected 1 issued link, got %d", len(links))
	}
	if session.InvoiceID != links[0].InvoiceID {
		t.Errorf("session bound to %q, link issued %q", session.InvoiceID, links[0].InvoiceID)
	}
	if session.QrPayload == "" {
		t.Error("expected a QR payload on the session")
	}
	if !strings.HasPrefix(session.OrderCode, "PAY-") {
		t.Errorf("unexpected order code %q", session.OrderCode)
	}
	if got := rig.broker.ActiveSubscriptions(); got != 1 {
		t.Errorf("expected 1 active subscription, got %d", got)
	}
	if session.State() != StateAwaitingSettlement {
		t.Errorf("expected AWAITING_SETTLEMENT, got %s", session.State())
	}
}

func TestBeginQRRejectsOverpaymentBeforeGateway(t *testing.T) {
	rig := newTestRig(time.Second)

	_, err := rig.orch.BeginQR(context.Background(), QrRequest{
		Amount: 900,
		Lines:  someLines(500, 300),
		Commit: rig.commit,
	})
	if !errors.Is(err, ErrOverpayment) {
		t.Fatalf("expected ErrOverpayment, got %v", err)
	}
	if got := len(rig.gateway.IssuedLinks()); got != 0 {
		t.Fatalf("gateway must not be called on rejection, issued %d links", got)
	}
}

type emptyInvoiceGateway struct{}

func (emptyInvoiceGateway) CreatePaymentLink(context.Context, LinkRequest) (*PaymentLink, error) {
	return &PaymentLink{OrderCode: "PAY-x", InvoiceID: "", QrPayload: "qr"}, nil
}

func TestBeginQRRejectsEmptyInvoiceID(t *testing.T) {
	trans := &stubTransport{}
	broker := events.NewBroker(trans, zerolog.Nop())
	orch := NewOrchestrator(emptyInvoiceGateway{}, broker, time.Second, zerolog.Nop())

	_, err := orch.BeginQR(context.Background(), QrRequest{
		Amount: 100,
		Lines:  someLines(100),
		Commit: func(context.Context, events.Settlement, []LineAllocation) (CommitResult, error) {
			return CommitResult{}, nil
		},
	})
	if !errors.Is(err, events.ErrEmptyInvoiceID) {
		t.Fatalf("expected ErrEmptyInvoiceID, got %v", err)
	}
}

package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/clinicops/clinicops/internal/platform/events"
)

func beginSession(t *testing.T, rig *testRig, amount int64) *QrSession {
	t.Helper()
	session, err := rig.orch.BeginQR(context.Background(), QrRequest{
		Amount: amount,
		Lines:  someLines(amount),
		Commit: rig.commit,
	})
	if err != nil {
		t.Fatalf("begin qr: %v", err)
	}
	return session
}

func TestSessionSettlesOnDeliveredEvent(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 800)

	go rig.trans.deliver(events.Settlement{
		InvoiceID: session.InvoiceID,
		OrderCode: session.OrderCode,
		Amount:    800,
		PaidAt:    time.Now().UTC(),
	})

	receipt, err := session.AwaitSettlement(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.State() != StateSettled {
		t.Errorf("expected SETTLED, got %s", session.State())
	}
	if got := rig.commits.Load(); got != 1 {
		t.Errorf("expected exactly 1 commit, got %d", got)
	}
	if receipt.Method != MethodQR || receipt.Amount != 800 {
		t.Errorf("unexpected receipt %+v", receipt)
	}
	if receipt.InvoiceID != session.InvoiceID || receipt.OrderCode != session.OrderCode {
		t.Errorf("receipt not tied to session: %+v", receipt)
	}
	if got := rig.broker.ActiveSubscriptions(); got != 0 {
		t.Errorf("subscription should be released after settle, %d still active", got)
	}
}

func TestSessionDuplicateSettlementIsIgnored(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 300)

	stl := events.Settlement{InvoiceID: session.InvoiceID, OrderCode: session.OrderCode, Amount: 300}
	rig.trans.deliver(stl)
	rig.trans.deliver(stl)

	if _, err := session.AwaitSettlement(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := rig.commits.Load(); got != 1 {
		t.Fatalf("duplicate push must not re-commit, got %d commits", got)
	}
}

func TestSessionCancelBeforeSettlement(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 400)

	if state := session.Cancel(); state != StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", state)
	}

	_, err := session.AwaitSettlement(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if got := rig.commits.Load(); got != 0 {
		t.Errorf("cancel must not commit, got %d commits", got)
	}
	if got := rig.broker.ActiveSubscriptions(); got != 0 {
		t.Errorf("subscription should be released after cancel, %d still active", got)
	}

	// A settlement arriving after cancel is dropped by the broker.
	rig.trans.deliver(events.Settlement{InvoiceID: session.InvoiceID, Amount: 400})
	if got := rig.commits.Load(); got != 0 {
		t.Errorf("late settlement must not commit, got %d commits", got)
	}
}

func TestSessionObservedSettlementBeatsCancel(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 600)

	// The broker has accepted the settlement; the operator cancels before the
	// await loop consumes it. Money wins.
	rig.trans.deliver(events.Settlement{InvoiceID: session.InvoiceID, OrderCode: session.OrderCode, Amount: 600})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		session.Cancel()
	}()

	receipt, err := session.AwaitSettlement(context.Background())
	wg.Wait()
	if err != nil {
		t.Fatalf("expected settlement to win over cancel, got %v", err)
	}
	if session.State() != StateSettled {
		t.Fatalf("expected SETTLED, got %s", session.State())
	}
	if receipt == nil || rig.commits.Load() != 1 {
		t.Fatalf("expected exactly one committed receipt, got %d commits", rig.commits.Load())
	}
}

func TestSessionSettleCancelRaceIsExclusive(t *testing.T) {
	// Settlement and cancellation race for the subscription's single-fire
	// slot, so every interleaving must end in exactly one of the two
	// outcomes: a settled session with one commit, or a cancelled session
	// with none.
	for round := 0; round < 200; round++ {
		rig := newTestRig(5 * time.Second)
		session := beginSession(t, rig, 400)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rig.trans.deliver(events.Settlement{
				InvoiceID: session.InvoiceID,
				OrderCode: session.OrderCode,
				Amount:    400,
			})
		}()
		go func() {
			defer wg.Done()
			session.Cancel()
		}()

		receipt, err := session.AwaitSettlement(context.Background())
		wg.Wait()

		switch session.State() {
		case StateSettled:
			if err != nil || receipt == nil {
				t.Fatalf("round %d: settled without receipt: %v", round, err)
			}
			if got := rig.commits.Load(); got != 1 {
				t.Fatalf("round %d: expected 1 commit, got %d", round, got)
			}
		case StateCancelled:
			if !errors.Is(err, ErrCancelled) {
				t.Fatalf("round %d: cancelled with wrong error: %v", round, err)
			}
			if got := rig.commits.Load(); got != 0 {
				t.Fatalf("round %d: cancelled session must not commit, got %d", round, got)
			}
		default:
			t.Fatalf("round %d: session left in %s", round, session.State())
		}
		if got := rig.broker.ActiveSubscriptions(); got != 0 {
			t.Fatalf("round %d: %d subscriptions leaked", round, got)
		}
	}
}

func TestSessionTimesOutWithoutSettlement(t *testing.T) {
	rig := newTestRig(20 * time.Millisecond)
	session := beginSession(t, rig, 100)

	_, err := session.AwaitSettlement(context.Background())
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if session.State() != StateTimedOut {
		t.Errorf("expected TIMED_OUT, got %s", session.State())
	}
	if got := rig.commits.Load(); got != 0 {
		t.Errorf("timeout must not commit, got %d commits", got)
	}
}

func TestSessionBufferedSettlementBeatsDeadline(t *testing.T) {
	rig := newTestRig(10 * time.Millisecond)
	session := beginSession(t, rig, 150)

	// Delivered before the wait even starts: the event sits in the buffer and
	// must settle the session regardless of how short the deadline is.
	rig.trans.deliver(events.Settlement{InvoiceID: session.InvoiceID, OrderCode: session.OrderCode, Amount: 150})
	time.Sleep(30 * time.Millisecond)

	receipt, err := session.AwaitSettlement(context.Background())
	if err != nil {
		t.Fatalf("expected settlement, got %v", err)
	}
	if receipt.Amount != 150 {
		t.Errorf("unexpected receipt %+v", receipt)
	}
}

func TestSessionConnectionLossIsUndeliverable(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 200)

	go rig.trans.dropConnection(errors.New("read: connection reset"))

	_, err := session.AwaitSettlement(context.Background())
	if !errors.Is(err, ErrUndeliverable) {
		t.Fatalf("expected ErrUndeliverable, got %v", err)
	}
	if session.State() != StateUndeliverable {
		t.Errorf("expected UNDELIVERABLE, got %s", session.State())
	}
	if got := rig.commits.Load(); got != 0 {
		t.Errorf("undeliverable must not commit, got %d commits", got)
	}
}

func TestSessionCommitFailureAfterSettlement(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	boom := errors.New("unique violation")

	session, err := rig.orch.BeginQR(context.Background(), QrRequest{
		Amount: 500,
		Lines:  someLines(500),
		Commit: func(context.Context, events.Settlement, []LineAllocation) (CommitResult, error) {
			return CommitResult{}, boom
		},
	})
	if err != nil {
		t.Fatalf("begin qr: %v", err)
	}

	go rig.trans.deliver(events.Settlement{InvoiceID: session.InvoiceID, OrderCode: session.OrderCode, Amount: 500})

	_, err = session.AwaitSettlement(context.Background())
	var commitErr *PostPaymentCommitFailedError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected PostPaymentCommitFailedError, got %v", err)
	}
	if commitErr.InvoiceID != session.InvoiceID || commitErr.OrderCode != session.OrderCode {
		t.Errorf("commit error must identify the payment: %+v", commitErr)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
	// The money moved either way.
	if session.State() != StateSettled {
		t.Errorf("expected SETTLED even on commit failure, got %s", session.State())
	}
}

func TestSessionContextCancellationCancelsSession(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 100)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := session.AwaitSettlement(ctx)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if session.State() != StateCancelled {
		t.Errorf("expected CANCELLED, got %s", session.State())
	}
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	rig := newTestRig(5 * time.Second)
	session := beginSession(t, rig, 100)

	first := session.Cancel()
	second := session.Cancel()
	if first != StateCancelled || second != StateCancelled {
		t.Fatalf("expected CANCELLED twice, got %s then %s", first, second)
	}
}

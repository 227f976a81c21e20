package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// pushMessage is the wire shape of a gateway push notification.
type pushMessage struct {
	InvoiceID string    `json:"invoiceId"`
	OrderCode string    `json:"orderCode"`
	Status    string    `json:"status"`
	Amount    int64     `json:"amount"`
	PaidAt    time.Time `json:"paidAt"`
}

// WebsocketTransport connects to the gateway's realtime push endpoint and
// feeds settlement notifications into the broker.
type WebsocketTransport struct {
	url    string
	logger zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewWebsocketTransport(url string, logger zerolog.Logger) *WebsocketTransport {
	return &WebsocketTransport{url: url, logger: logger}
}

// Connect dials the push endpoint and starts the read pump.
func (t *WebsocketTransport) Connect(ctx context.Context, sink Sink) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.conn = conn

	go t.readPump(conn, sink)
	return nil
}

// Disconnect closes the connection. The read pump exits and reports the drop
// to the sink, which is harmless after an explicit disconnect.
func (t *WebsocketTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	if closeErr := t.conn.Close(); err == nil {
		err = closeErr
	}
	t.conn = nil
	return err
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn, sink Sink) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.mu.Unlock()
			sink.ConnectionLost(err)
			return
		}

		var msg pushMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			t.logger.Debug().Err(err).Msg("malformed push message ignored")
			continue
		}
		if msg.Status != "paid" || msg.InvoiceID == "" {
			continue
		}

		sink.Deliver(Settlement{
			InvoiceID: msg.InvoiceID,
			OrderCode: msg.OrderCode,
			Amount:    msg.Amount,
			PaidAt:    msg.PaidAt,
		})
	}
}

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/diagnosis/labbooking/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

// NewNATSEventBus connects as client name, reconnecting forever.
func NewNATSEventBus(url, name string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "bytes", len(payload))

	return n.conn.Publish(subject, payload)
}

// Handler processes one delivered payload.
type Handler func(ctx context.Context, data []byte) error

// QueueSubscribe delivers subject to h, load balanced across members of
// queue. Handler errors are logged; NATS core has no redelivery.
func (n *NATSEventBus) QueueSubscribe(ctx context.Context, subject, queue string, h Handler) (*nats.Subscription, error) {
	sub, err := n.conn.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		if err := h(ctx, m.Data); err != nil {
			logger.ErrorContext(ctx, "Event handler failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

func (n *NATSEventBus) Connected() bool { return n.conn.IsConnected() }

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// Discard is a Publisher that drops everything. Used when NATS is not configured.
type Discard struct{}

func (Discard) Publish(context.Context, string, interface{}) error { return nil }
func (Discard) Close() error                                       { return nil }

// Subjects
const (
	// Audit trail, one subject per category: audit.auth, audit.data, audit.security, audit.otp.
	AuditPrefix = "audit."

	// Outbound notifications picked up by the notify worker (SMS gateway).
	NotifySend = "notify.send"
)

type NotificationEvent struct {
	Type      string                 `json:"type"`
	Channel   string                 `json:"channel"`
	Recipient string                 `json:"recipient"`
	Subject   string                 `json:"subject,omitempty"`
	Template  string                 `json:"template"`
	Data      map[string]interface{} `json:"data"`
	ExpiresAt time.Time              `json:"expires_at"`
}

package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/rampdev/rampagent/internal/common/logger"
)

// NATSBridge wraps an in-process bus and mirrors every published event
// onto a per-session NATS subject so external consumers can follow runs
// without going through the HTTP stream.
type NATSBridge struct {
	inner  EventBus
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBridge connects to the given NATS URL and wraps the inner bus.
func NewNATSBridge(url string, inner EventBus, log *logger.Logger) (*NATSBridge, error) {
	conn, err := nats.Connect(url,
		nats.Name("rampagent-session-manager"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	log.Info("Connected to NATS", zap.String("url", url))

	return &NATSBridge{
		inner:  inner,
		conn:   conn,
		logger: log,
	}, nil
}

func sessionSubject(sessionID string) string {
	return fmt.Sprintf("rampagent.sessions.%s.events", sessionID)
}

// Publish delivers the event in-process and mirrors it to NATS. A NATS
// publish failure is logged but does not affect local delivery.
func (b *NATSBridge) Publish(sessionID string, ev Event) {
	b.inner.Publish(sessionID, ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("Failed to marshal event for NATS", zap.Error(err))
		return
	}
	if err := b.conn.Publish(sessionSubject(sessionID), payload); err != nil {
		b.logger.Error("Failed to publish event to NATS",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

// Subscribe registers a subscriber on the in-process bus.
func (b *NATSBridge) Subscribe(sessionID string) (*Subscription, func()) {
	return b.inner.Subscribe(sessionID)
}

// Close drains the NATS connection and closes the inner bus.
func (b *NATSBridge) Close() error {
	b.conn.Close()
	return b.inner.Close()
}

var _ EventBus = (*NATSBridge)(nil)

package progress

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/isdmx/codegrader/grade"
)

// NATSConn is the subset of *nats.Conn used by the bridge.
type NATSConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
}

type natsEvent struct {
	Origin   string       `json:"origin"`
	Grade    *grade.Grade `json:"grade"`
	Snapshot Snapshot     `json:"snapshot"`
}

// NATSBridge relays progress between instances: local updates are
// published to <prefix>.<token> and events from other instances are
// delivered to local subscribers.
type NATSBridge struct {
	logger   *zap.Logger
	conn     NATSConn
	registry *Registry
	prefix   string
	origin   string
	sub      *nats.Subscription
}

// ConnectNATS dials the server used by the bridge.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATSBridge creates a bridge identified by origin, which must be unique
// per instance.
func NewNATSBridge(logger *zap.Logger, conn NATSConn, registry *Registry, prefix, origin string) *NATSBridge {
	return &NATSBridge{
		logger:   logger,
		conn:     conn,
		registry: registry,
		prefix:   strings.TrimSuffix(prefix, "."),
		origin:   origin,
	}
}

var _ Publisher = (*NATSBridge)(nil)

// Subject returns the subject events for token are published on.
func (b *NATSBridge) Subject(token string) string {
	return b.prefix + "." + token
}

func (b *NATSBridge) Publish(token string, e Event) error {
	data, err := json.Marshal(natsEvent{Origin: b.origin, Grade: e.Grade, Snapshot: e.Snapshot})
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}
	return b.conn.Publish(b.Subject(token), data)
}

// Start registers the bridge with the registry and subscribes to remote
// events.
func (b *NATSBridge) Start() error {
	sub, err := b.conn.Subscribe(b.prefix+".*", b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s.*: %w", b.prefix, err)
	}
	b.sub = sub
	b.registry.AddPublisher(b)
	b.logger.Info("progress bridge started", zap.String("subject", b.prefix+".*"), zap.String("origin", b.origin))
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	var ev natsEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("discarding malformed progress event", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if ev.Origin == b.origin || ev.Grade == nil {
		return
	}
	b.registry.deliver(Event{Grade: ev.Grade, Snapshot: ev.Snapshot})
}

// Stop unsubscribes and drains the connection.
func (b *NATSBridge) Stop() error {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe progress bridge", zap.Error(err))
		}
	}
	return b.conn.Drain()
}

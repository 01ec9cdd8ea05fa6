package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/oj-sh/oj/internal/common/config"
	"github.com/oj-sh/oj/internal/common/logger"
)

// NATSBus implements Bus on a NATS connection, mirroring the daemon's
// events to external observers.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATSBus connects to NATS with reconnection handling.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	b := &NATSBus{logger: log.WithFields(zap.String("component", "nats-bus"))}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				b.logger.Error("NATS connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn
	b.logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(ctx context.Context, subject string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for a subject pattern.
func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("subject", m.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("handler failed",
				zap.String("subject", m.Subject),
				zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the connection.
func (b *NATSBus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
}

// IsConnected reports connection status.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

package realtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "poker.session."

// NATSBus implements Bus on core NATS subjects, one per session.
type NATSBus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSBus creates a NATS bridge for session events.
func NewNATSBus(nc *nats.Conn, logger *zap.Logger) *NATSBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSBus{nc: nc, logger: logger}
}

// Publish publishes an event and waits for the server to accept it, so
// consecutive publishes of one session keep their order.
func (b *NATSBus) Publish(ctx context.Context, sessionID uuid.UUID, payload []byte) error {
	if err := b.nc.Publish(subjectPrefix+sessionID.String(), payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Subscribe delivers a session's events to handler. NATS runs the callback
// of one subscription sequentially, preserving publish order.
func (b *NATSBus) Subscribe(sessionID uuid.UUID, handler func(payload []byte)) (cancel func(), err error) {
	subject := subjectPrefix + sessionID.String()
	sub, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("nats unsubscribe failed", zap.String("subject", subject), zap.Error(err))
		}
	}, nil
}

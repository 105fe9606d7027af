package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aidenhq/aiden/internal/common/config"
	"github.com/aidenhq/aiden/internal/common/logger"
)

// NATS implements Bus over a NATS connection.
type NATS struct {
	conn   *nats.Conn
	logger *logger.Logger
}

// NewNATS connects to the configured broker with reconnection handling.
func NewNATS(cfg config.BrokerConfig, log *logger.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("broker connection closed", zap.Error(err))
			}
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	log.Info("connected to broker", zap.String("url", cfg.URL))
	return &NATS{conn: conn, logger: log}, nil
}

// Publish sends a message to a subject.
func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	return nil
}

// QueueSubscribe registers a queue-group member for a subject.
func (b *NATS) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(context.Background(), msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close drains and closes the connection.
func (b *NATS) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Provide builds the configured bus implementation: NATS when a broker
// URL is set, in-memory otherwise.
func Provide(cfg config.BrokerConfig, log *logger.Logger) (Bus, error) {
	if cfg.URL != "" {
		return NewNATS(cfg, log)
	}
	return NewMemory(log), nil
}

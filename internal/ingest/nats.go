package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/wsrpc/internal/monitoring"
)

// NATSBridge subscribes to a set of NATS subjects and republishes each
// message as a transient publish on the topic equal to the subject. NATS
// subjects and topic names share the dot-token grammar, so the subject maps
// through unchanged.
type NATSBridge struct {
	conn     *nats.Conn
	subs     []*nats.Subscription
	pub      Publisher
	pool     *Pool
	logger   zerolog.Logger
	subjects []string
}

// NATSConfig configures the bridge connection.
type NATSConfig struct {
	URL      string
	Subjects []string
}

// NewNATSBridge connects to the NATS server. Reconnects are handled by the
// client library; subscriptions survive reconnect.
func NewNATSBridge(cfg NATSConfig, pub Publisher, pool *Pool, logger zerolog.Logger) (*NATSBridge, error) {
	if len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("at least one subject is required")
	}

	log := logger.With().Str("component", "nats_bridge").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSBridge{
		conn:     conn,
		pub:      pub,
		pool:     pool,
		logger:   log,
		subjects: cfg.Subjects,
	}, nil
}

// Start subscribes to every configured subject.
func (b *NATSBridge) Start() error {
	for _, subject := range b.subjects {
		sub, err := b.conn.Subscribe(subject, b.handle)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
		b.logger.Info().Str("subject", subject).Msg("Subscribed to NATS subject")
	}
	return nil
}

func (b *NATSBridge) handle(msg *nats.Msg) {
	if !json.Valid(msg.Data) {
		b.logger.Warn().Str("subject", msg.Subject).Msg("Dropping non-JSON NATS payload")
		return
	}
	subject := msg.Subject
	data := json.RawMessage(msg.Data)
	b.pool.Submit(func() {
		if _, err := b.pub.Publish(subject, data); err != nil {
			b.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish NATS message")
			return
		}
		monitoring.IngestedMessages.WithLabelValues("nats").Inc()
	})
}

// Stop drains the subscriptions and closes the connection.
func (b *NATSBridge) Stop() {
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to unsubscribe")
		}
	}
	b.conn.Close()
	b.logger.Info().Msg("NATS bridge stopped")
}

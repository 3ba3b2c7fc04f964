// Package bus consumes telemetry envelopes published on the swarm NATS
// bus and feeds them through the same ingestion path as HTTP submissions.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"helicarrier/internal/config"
	"helicarrier/internal/ingest"
)

// Default subject for session telemetry. Providers publish one envelope
// per message with the session ID as the subject tail.
const SubjectSessions = "swarm.telemetry.session.>"

// Consumer subscribes to the telemetry subject and ingests each message.
type Consumer struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	svc    *ingest.Service
	logger *slog.Logger
}

// Connect dials NATS with reconnect handling and returns a consumer ready
// to Start.
func Connect(cfg config.NATS, svc *ingest.Service, logger *slog.Logger) (*Consumer, error) {
	l := logger.With("component", "bus")

	opts := []nats.Option{
		nats.Name("helicarrier"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("bus disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			l.Info("bus reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bus connect: %w", err)
	}

	return &Consumer{nc: nc, svc: svc, logger: l}, nil
}

// Start subscribes to the configured subject. Message bodies are full
// ingest envelopes; failures are logged and dropped rather than retried,
// the publisher owns redelivery.
func (c *Consumer) Start(ctx context.Context, subject string) error {
	if subject == "" {
		subject = SubjectSessions
	}

	sub, err := c.nc.Subscribe(subject, func(msg *nats.Msg) {
		if _, err := c.svc.Ingest(ctx, msg.Data); err != nil {
			c.logger.Warn("bus ingest rejected", "subject", msg.Subject, "error", err)
			return
		}
		c.logger.Debug("bus envelope ingested", "subject", msg.Subject)
	})
	if err != nil {
		return fmt.Errorf("bus subscribe: %w", err)
	}
	c.sub = sub
	c.logger.Info("bus consumer started", "subject", subject)
	return nil
}

// Close drains the subscription and connection.
func (c *Consumer) Close() error {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("bus drain failed", "error", err)
		}
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

package events

import (
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Conn is the subset of *nats.Conn the publisher uses
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// Publisher emits events to NATS on "<subject>.<type>"
type Publisher struct {
	conn    Conn
	subject string
	logger  *zap.Logger
	now     func() time.Time
}

// Connect dials NATS and returns a publisher. The connection keeps
// reconnecting in the background if the server goes away.
func Connect(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("events")

	nc, err := nats.Connect(url,
		nats.Name("nighthost"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}

	return NewPublisher(nc, subject, logger), nil
}

// NewPublisher wraps an existing connection
func NewPublisher(conn Conn, subject string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		conn:    conn,
		subject: subject,
		logger:  logger.Named("events"),
		now:     time.Now,
	}
}

// Subject returns the subject an event of type t is published on
func (p *Publisher) Subject(t Type) string {
	return p.subject + "." + string(t)
}

// Emit implements Sink. Publish only buffers locally, so this does not wait
// on the network.
func (p *Publisher) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = p.now().UTC()
	}
	if ev.ID == "" {
		ev.ID = ulid.MustNew(ulid.Timestamp(ev.Time), ulid.DefaultEntropy()).String()
	}

	data, err := sonic.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	if err := p.conn.Publish(p.Subject(ev.Type), data); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("type", string(ev.Type)),
			zap.String("server_id", ev.ServerID),
			zap.Error(err),
		)
	}
}

// Close flushes pending events and closes the connection
func (p *Publisher) Close() error {
	return p.conn.Drain()
}

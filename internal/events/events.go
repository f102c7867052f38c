// Package events publishes ingestion lifecycle events to NATS.
//
// Each state transition of an ingestion is published as JSON to
// <prefix>.ingest.<state>. Publishing is best effort: failures are logged
// and never fail the ingestion.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
)

// Event is one ingestion state transition.
type Event struct {
	DocumentID string    `json:"document_id"`
	OwnerID    string    `json:"owner_id"`
	State      string    `json:"state"`
	ChunkCount int       `json:"chunk_count"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher emits events.
type Publisher interface {
	Publish(ctx context.Context, e Event)
	Close() error
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) {}

// Close implements Publisher.
func (Nop) Close() error { return nil }

// New connects to cfg.NATSURL, or returns Nop when it is empty. The
// connection retries in the background, so an unreachable server does not
// block startup.
func New(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("recalld"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}
	return NewNATSPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher wraps an existing connection. The publisher owns nc and
// closes it on Close.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "recalld"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// Subject returns the subject for state.
func (p *NATSPublisher) Subject(state string) string {
	return p.prefix + ".ingest." + state
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("marshal event failed", zap.Error(err))
		return
	}
	if err := p.nc.Publish(p.Subject(e.State), data); err != nil {
		p.logger.Warn("publish event failed",
			zap.String("state", e.State),
			zap.String("document_id", e.DocumentID),
			zap.Error(err),
		)
	}
}

// Close flushes pending events and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc.IsConnected() {
		if err := p.nc.FlushTimeout(2 * time.Second); err != nil {
			p.logger.Warn("flush events failed", zap.Error(err))
		}
	}
	p.nc.Close()
	return nil
}

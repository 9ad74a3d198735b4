// Package events publishes knowd lifecycle events to NATS.
//
// Subjects are scoped by collection so that a subscriber can follow one
// tenant without learning its id:
//
//	<prefix>.<collection>.ingest.completed
//	<prefix>.<collection>.turn.completed
//	<prefix>.<collection>.knowledge.cleared
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/knowd/internal/config"
	"github.com/fyrsmithlabs/knowd/internal/tenant"
)

// Event types.
const (
	TypeIngestCompleted  = "ingest.completed"
	TypeTurnCompleted    = "turn.completed"
	TypeKnowledgeCleared = "knowledge.cleared"
)

const defaultPrefix = "knowd"

// Event is the JSON payload of every message.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Collection string            `json:"collection"`
	At         time.Time         `json:"at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Publisher emits events. Publishing is best effort; callers log failures
// and carry on.
type Publisher interface {
	Publish(ctx context.Context, tc tenant.Context, eventType string, attrs map[string]string) error
	Close() error
}

// New connects to cfg.URL. An empty URL returns a Nop publisher.
func New(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if cfg.URL == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("knowd"),
		nats.MaxReconnects(-1),
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
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return NewNATS(nc, cfg.SubjectPrefix, logger), nil
}

// NATS publishes on a core NATS connection.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATS wraps an existing connection. The publisher owns nc.
func NewNATS(nc *nats.Conn, prefix string, logger *zap.Logger) *NATS {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject for an event type in tc's collection.
func (n *NATS) Subject(tc tenant.Context, eventType string) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, tc.CollectionName, eventType)
}

// Publish implements Publisher.
func (n *NATS) Publish(ctx context.Context, tc tenant.Context, eventType string, attrs map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Collection: tc.CollectionName,
		At:         time.Now().UTC(),
		Attributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := n.Subject(tc, eventType)
	if err := n.nc.Publish(subject, data); err != nil {
		n.logger.Warn("publish event failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the connection.
func (n *NATS) Close() error {
	return n.nc.Drain()
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, tenant.Context, string, map[string]string) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Package events publishes domain events for downstream consumers and for
// supervisor live feeds.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	TypeMessageIngested   = "message.ingested"
	TypeMessageBlocked    = "message.blocked"
	TypeMessageSent       = "message.sent"
	TypeMessageOverridden = "message.overridden"
	TypeRoutingDecided    = "routing.decided"
	TypeWindowChanged     = "window.changed"
	TypeSupervisorNotice  = "supervisor.notice"
	TypeDeliveryUpdated   = "delivery.updated"
)

// Event is the envelope every publisher carries.
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	OrgID         string    `json:"org_id"`
	OccurredAt    time.Time `json:"occurred_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          any       `json:"data"`
}

func New(eventType, orgID string, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OrgID:      orgID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// RoutingKey is the topic key used by brokers: "<org>.<type>".
func (e Event) RoutingKey() string {
	org := e.OrgID
	if org == "" {
		org = "global"
	}
	return org + "." + e.Type
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

func (f PublisherFunc) Close() error { return nil }

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range m {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, publisher := range m {
		if publisher == nil {
			continue
		}
		if err := publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

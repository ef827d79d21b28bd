package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType names a state change
type EventType string

const (
	EventTransactionRecorded EventType = "transaction.recorded"
	EventTransactionUpdated  EventType = "transaction.updated"
	EventServerProvisioned   EventType = "server.provisioned"
	EventServerUpdated       EventType = "server.updated"
	EventBalanceUpdated      EventType = "balance.updated"
	EventDeploymentUpdated   EventType = "deployment.updated"
)

// Event is a change notification delivered to readers of the coordinator state
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	Account       string    `json:"account"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ServerID      string    `json:"server_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent creates an event with a fresh id
func NewEvent(now time.Time, typ EventType, account string) Event {
	return Event{
		ID:        ulid.MustNewDefault(now).String(),
		Type:      typ,
		Account:   account,
		Timestamp: now,
	}
}

// Publisher defines the interface for publishing change events
//
//go:generate mockgen -source=publisher.go -destination=../mocks/publisher.go -package=mocks -mock_names=Publisher=MockPublisher
type Publisher interface {
	// Publish delivers an event. Delivery is best effort, state is already committed.
	Publish(ctx context.Context, event Event) error
	// Close releases the underlying connection
	Close()
}

type fanout struct {
	publishers []Publisher
}

// Fanout publishes every event to all publishers, joining their errors
func Fanout(publishers ...Publisher) Publisher {
	return &fanout{publishers: publishers}
}

func (f *fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *fanout) Close() {
	for _, p := range f.publishers {
		p.Close()
	}
}

type nop struct{}

// Nop discards every event
func Nop() Publisher {
	return nop{}
}

func (nop) Publish(context.Context, Event) error { return nil }

func (nop) Close() {}

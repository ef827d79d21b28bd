package webhook

import (
	"slices"
	"time"

	"github.com/neuralcloud/deployd/internal/messaging"
)

// EventTypeWildcard is a special filter that matches all event types
const EventTypeWildcard = "*"

// Endpoint is an external receiver of signed change events
type Endpoint struct {
	// ID names the endpoint in logs and metrics
	ID string `mapstructure:"id"`
	// URL receives a POST per event
	URL string `mapstructure:"url"`
	// Secret is the HMAC-SHA256 key of the signature header
	Secret string `mapstructure:"secret"`
	// EventTypes filters deliveries; empty or "*" accepts everything
	EventTypes []string `mapstructure:"event_types"`
	// Accounts filters deliveries by account; empty accepts every account
	Accounts []string `mapstructure:"accounts"`
}

// Accepts reports whether the endpoint subscribes to the event
func (e Endpoint) Accepts(event messaging.Event) bool {
	if len(e.Accounts) > 0 && !slices.Contains(e.Accounts, event.Account) {
		return false
	}
	if len(e.EventTypes) == 0 || slices.Contains(e.EventTypes, EventTypeWildcard) {
		return true
	}
	return slices.Contains(e.EventTypes, string(event.Type))
}

// WebhookEvent represents a webhook event to be delivered to endpoints
type WebhookEvent struct {
	// EventID is the id of the change event, stable across retries for deduplication
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      messaging.Event `json:"data"`
}

// NewWebhookEvent wraps a change event
func NewWebhookEvent(event messaging.Event) WebhookEvent {
	return WebhookEvent{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp,
		Data:      event,
	}
}

// DeliveryResult represents the result of a webhook delivery attempt
type DeliveryResult struct {
	Success    bool
	StatusCode int
	Body       string // limited to 4KB
	Attempts   int
	Error      string
}

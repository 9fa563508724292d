// Package outbox implements the transactional outbox: events enqueued in the
// same transaction as the domain write they describe, relayed to the broker by
// background workers with retry, backoff and dead-lettering.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Row statuses. A row moves PENDING -> SENT on publish, or PENDING -> FAILED
// once the retry budget is exhausted; SENT and FAILED are terminal.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Event is one outbox row. EventType doubles as the broker topic.
type Event struct {
	ID            int64          `json:"id"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Status        string         `json:"status"`
	RetryCount    int            `json:"retry_count"`
	LastError     string         `json:"last_error,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewEvent wraps a domain payload in the outbox envelope. The correlation id
// travels inside the payload so the broker consumer can trace the originating
// request without schema knowledge of the inner event.
func NewEvent(aggregateType, aggregateID, eventType, correlationID string, eventPayload any) Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Event{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Status:        StatusPending,
		Payload: map[string]any{
			"correlation_id": correlationID,
			"event_payload":  eventPayload,
		},
	}
}

// CorrelationID extracts the correlation id from the payload envelope.
func (e Event) CorrelationID() string {
	if v, ok := e.Payload["correlation_id"].(string); ok {
		return v
	}
	return ""
}

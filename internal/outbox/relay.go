package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// Publisher is the broker boundary. The relay assumes nothing about the
// broker beyond at-least-once delivery with per-call success signaling.
type Publisher interface {
	Publish(ctx context.Context, topic, key, correlationID, eventID string, payload []byte) error
	PublishDLQ(ctx context.Context, topic, key, correlationID, eventID string, payload []byte) error
}

// RelayStore is the persistence surface the relay drives rows through.
type RelayStore interface {
	ClaimPending(ctx context.Context, limit int, now time.Time, backoffBase time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, retryCount int, reason string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, retryCount int, reason string, at time.Time) error
}

// Relay claims pending outbox rows and publishes them. Multiple relays may
// run concurrently against the same store; the claim mechanism keeps their
// batches disjoint.
type Relay struct {
	Store     RelayStore
	Publisher Publisher

	// MaxRetries is the retry budget; a row whose retry_count exceeds it is
	// dead-lettered and marked FAILED.
	MaxRetries     int
	BackoffBase    time.Duration
	PublishTimeout time.Duration
	PollInterval   time.Duration

	Now func() time.Time
}

func NewRelay(store RelayStore, pub Publisher) *Relay {
	return &Relay{
		Store:          store,
		Publisher:      pub,
		MaxRetries:     5,
		BackoffBase:    2 * time.Second,
		PublishTimeout: 10 * time.Second,
		PollInterval:   time.Second,
		Now:            time.Now,
	}
}

// RunOnce claims up to limit due rows and attempts each. Returns how many
// rows were attempted. Rows still inside their backoff window are not
// claimed, so a failed row is never retried early.
func (r *Relay) RunOnce(ctx context.Context, limit int) (int, error) {
	now := r.Now().UTC()
	batch, err := r.Store.ClaimPending(ctx, limit, now, r.BackoffBase)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}

	for _, evt := range batch {
		r.attempt(ctx, evt)
	}
	return len(batch), nil
}

// RunForever loops RunOnce at a fixed poll interval until ctx ends. There is
// no push-based wake-up: the relay stays independently restartable.
func (r *Relay) RunForever(ctx context.Context, limit int) {
	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx, limit); err != nil {
				log.Printf("outbox relay: %v", err)
			}
		}
	}
}

func (r *Relay) attempt(ctx context.Context, evt Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		// Unserializable payloads can never publish; dead-letter immediately.
		r.deadLetter(ctx, evt, fmt.Sprintf("marshal payload: %v", err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	err = r.Publisher.Publish(pubCtx, evt.EventType, evt.AggregateID, evt.CorrelationID(), eventID(evt), payload)
	cancel()
	if err == nil {
		if markErr := r.Store.MarkSent(ctx, evt.ID, r.Now().UTC()); markErr != nil {
			// The publish landed; a reclaim after crash republishes, which
			// at-least-once consumers must tolerate anyway.
			log.Printf("outbox relay: mark sent %d: %v", evt.ID, markErr)
		}
		return
	}

	// A timed-out publish counts against the retry budget like any failure.
	reason := err.Error()
	retryCount := evt.RetryCount + 1
	if retryCount > r.MaxRetries {
		r.deadLetter(ctx, evt, reason)
		return
	}
	log.Printf("outbox relay: publish %s id=%d attempt=%d: %s", evt.EventType, evt.ID, retryCount, reason)
	if markErr := r.Store.MarkRetry(ctx, evt.ID, retryCount, reason, r.Now().UTC()); markErr != nil {
		log.Printf("outbox relay: mark retry %d: %v", evt.ID, markErr)
	}
}

func (r *Relay) deadLetter(ctx context.Context, evt Event, reason string) {
	now := r.Now().UTC()
	retryCount := evt.RetryCount + 1

	dlq := map[string]any{
		"event_type":       evt.EventType,
		"aggregate_type":   evt.AggregateType,
		"aggregate_id":     evt.AggregateID,
		"retry_count":      retryCount,
		"reason":           reason,
		"failed_at":        now.Format(time.RFC3339Nano),
		"original_payload": evt.Payload,
	}
	payload, err := json.Marshal(dlq)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"event_type":%q,"reason":%q}`, evt.EventType, reason))
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.PublishTimeout)
	if err := r.Publisher.PublishDLQ(pubCtx, evt.EventType, evt.AggregateID, evt.CorrelationID(), eventID(evt), payload); err != nil {
		log.Printf("outbox relay: DLQ publish %s id=%d: %v", evt.EventType, evt.ID, err)
	}
	cancel()

	log.Printf("outbox relay: dead-lettered %s id=%d after %d attempts: %s", evt.EventType, evt.ID, retryCount, reason)
	if err := r.Store.MarkFailed(ctx, evt.ID, retryCount, reason, now); err != nil {
		log.Printf("outbox relay: mark failed %d: %v", evt.ID, err)
	}
}

func eventID(evt Event) string {
	return fmt.Sprintf("obx_%d", evt.ID)
}

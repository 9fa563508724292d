package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu     sync.Mutex
	events []Event
	nextID int64
}

func (s *fakeStore) add(evt Event) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	evt.ID = s.nextID
	evt.Status = StatusPending
	evt.CreatedAt = time.Date(2026, 3, 1, 0, 0, 0, int(s.nextID), time.UTC)
	s.events = append(s.events, evt)
	return &s.events[len(s.events)-1]
}

func (s *fakeStore) get(id int64) *Event {
	for i := range s.events {
		if s.events[i].ID == id {
			return &s.events[i]
		}
	}
	return nil
}

func (s *fakeStore) ClaimPending(_ context.Context, limit int, now time.Time, backoffBase time.Duration) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for i := range s.events {
		if len(out) >= limit {
			break
		}
		e := &s.events[i]
		if e.Status != StatusPending {
			continue
		}
		if e.LastAttemptAt != nil {
			exp := 0
			if e.RetryCount > 1 {
				exp = e.RetryCount - 1
			}
			wait := backoffBase << exp
			if e.LastAttemptAt.Add(wait).After(now) {
				continue
			}
		}
		at := now
		e.LastAttemptAt = &at
		out = append(out, *e)
	}
	return out, nil
}

func (s *fakeStore) MarkSent(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(id)
	e.Status = StatusSent
	e.LastAttemptAt = &at
	return nil
}

func (s *fakeStore) MarkRetry(_ context.Context, id int64, retryCount int, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(id)
	e.RetryCount = retryCount
	e.LastError = reason
	e.LastAttemptAt = &at
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, id int64, retryCount int, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.get(id)
	e.Status = StatusFailed
	e.RetryCount = retryCount
	e.LastError = reason
	e.LastAttemptAt = &at
	return nil
}

type fakePublisher struct {
	mu           sync.Mutex
	failuresLeft int
	alwaysFail   bool

	publishCalls int
	topics       []string
	dlqCalls     int
	dlqTopics    []string
	dlqPayloads  [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, topic, key, correlationID, eventID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.publishCalls++
	p.topics = append(p.topics, topic)
	if p.alwaysFail {
		return errors.New("broker unavailable")
	}
	if p.failuresLeft > 0 {
		p.failuresLeft--
		return errors.New("broker unavailable")
	}
	return nil
}

func (p *fakePublisher) PublishDLQ(_ context.Context, topic, key, correlationID, eventID string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dlqCalls++
	p.dlqTopics = append(p.dlqTopics, topic)
	p.dlqPayloads = append(p.dlqPayloads, payload)
	return nil
}

func newTestRelay(store *fakeStore, pub *fakePublisher) *Relay {
	r := NewRelay(store, pub)
	r.BackoffBase = 0
	r.PublishTimeout = time.Second
	return r
}

func TestRelayHappyPath(t *testing.T) {
	store := &fakeStore{}
	evt := store.add(NewEvent("impact_ledger", "trip_1", "greenos.impact.calculated", "corr_1", map[string]any{"trip_id": "trip_1"}))
	pub := &fakePublisher{}
	relay := newTestRelay(store, pub)

	n, err := relay.RunOnce(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if n != 1 || pub.publishCalls != 1 {
		t.Fatalf("expected one attempt/publish, got n=%d calls=%d", n, pub.publishCalls)
	}
	if evt.Status != StatusSent || evt.RetryCount != 0 {
		t.Fatalf("unexpected row state: %+v", evt)
	}
	if pub.topics[0] != "greenos.impact.calculated" {
		t.Fatalf("event_type must map to the topic, got %s", pub.topics[0])
	}

	// SENT rows are never reprocessed.
	n, _ = relay.RunOnce(context.Background(), 10)
	if n != 0 || pub.publishCalls != 1 {
		t.Fatalf("expected no further attempts, got n=%d calls=%d", n, pub.publishCalls)
	}
}

func TestRelayRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{}
	evt := store.add(NewEvent("impact_ledger", "trip_1", "greenos.impact.calculated", "corr_1", nil))
	pub := &fakePublisher{failuresLeft: 1}
	relay := newTestRelay(store, pub)

	if _, err := relay.RunOnce(context.Background(), 10); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if evt.Status != StatusPending || evt.RetryCount != 1 {
		t.Fatalf("expected PENDING retry_count=1, got %+v", evt)
	}

	if _, err := relay.RunOnce(context.Background(), 10); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if evt.Status != StatusSent || evt.RetryCount != 1 {
		t.Fatalf("expected SENT retry_count=1, got %+v", evt)
	}
	if pub.publishCalls != 2 || pub.dlqCalls != 0 {
		t.Fatalf("expected exactly two publish attempts and no DLQ, got %d/%d", pub.publishCalls, pub.dlqCalls)
	}
}

func TestRelayExhaustsRetriesAndDeadLetters(t *testing.T) {
	store := &fakeStore{}
	evt := store.add(NewEvent("impact_ledger", "trip_1", "greenos.impact.calculated", "corr_1", map[string]any{"v": 1}))
	pub := &fakePublisher{alwaysFail: true}
	relay := newTestRelay(store, pub)
	relay.MaxRetries = 1

	relay.RunOnce(context.Background(), 10)
	relay.RunOnce(context.Background(), 10)

	if evt.Status != StatusFailed || evt.RetryCount != 2 {
		t.Fatalf("expected FAILED retry_count=2, got %+v", evt)
	}
	if pub.dlqCalls != 1 {
		t.Fatalf("expected exactly one DLQ payload, got %d", pub.dlqCalls)
	}
	if pub.dlqTopics[0] != "greenos.impact.calculated" {
		t.Fatalf("unexpected DLQ topic %s", pub.dlqTopics[0])
	}
	body := string(pub.dlqPayloads[0])
	for _, needle := range []string{`"event_type":"greenos.impact.calculated"`, `"reason":"broker unavailable"`, `"retry_count":2`} {
		if !strings.Contains(body, needle) {
			t.Fatalf("DLQ payload missing %s: %s", needle, body)
		}
	}

	// FAILED is terminal: no further attempts.
	calls := pub.publishCalls
	relay.RunOnce(context.Background(), 10)
	if pub.publishCalls != calls {
		t.Fatalf("FAILED row was reattempted")
	}
}

func TestRelayRespectsBackoffWindow(t *testing.T) {
	store := &fakeStore{}
	evt := store.add(NewEvent("impact_ledger", "trip_1", "greenos.impact.calculated", "corr_1", nil))
	pub := &fakePublisher{alwaysFail: true}
	relay := newTestRelay(store, pub)
	relay.BackoffBase = time.Minute

	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	relay.Now = func() time.Time { return clock }

	relay.RunOnce(context.Background(), 10)
	if pub.publishCalls != 1 {
		t.Fatalf("expected first attempt, got %d", pub.publishCalls)
	}

	// Within the backoff window the row must be skipped, not retried early.
	clock = clock.Add(30 * time.Second)
	relay.RunOnce(context.Background(), 10)
	if pub.publishCalls != 1 {
		t.Fatalf("row retried before backoff elapsed")
	}

	clock = clock.Add(31 * time.Second)
	relay.RunOnce(context.Background(), 10)
	if pub.publishCalls != 2 {
		t.Fatalf("expected retry after backoff, got %d calls", pub.publishCalls)
	}
	if evt.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %d", evt.RetryCount)
	}
}

func TestRelayConcurrentWorkersClaimDisjoint(t *testing.T) {
	store := &fakeStore{}
	evt := store.add(NewEvent("impact_ledger", "trip_1", "greenos.impact.calculated", "corr_1", nil))
	pub := &fakePublisher{}

	relayA := newTestRelay(store, pub)
	relayB := newTestRelay(store, pub)
	// A nonzero backoff makes the claim stamp exclude the losing worker.
	relayA.BackoffBase = time.Minute
	relayB.BackoffBase = time.Minute

	var wg sync.WaitGroup
	for _, r := range []*Relay{relayA, relayB} {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			_, _ = r.RunOnce(context.Background(), 10)
		}(r)
	}
	wg.Wait()

	if pub.publishCalls != 1 {
		t.Fatalf("two workers racing one row must publish once, got %d", pub.publishCalls)
	}
	if evt.Status != StatusSent {
		t.Fatalf("expected SENT, got %s", evt.Status)
	}
}

func TestRelayPreservesCreationOrderWithinBatch(t *testing.T) {
	store := &fakeStore{}
	for i := 0; i < 3; i++ {
		store.add(NewEvent("impact_ledger", "agg_1", "greenos.impact.calculated", "", map[string]any{"n": i}))
	}
	pub := &fakePublisher{}
	relay := newTestRelay(store, pub)

	relay.RunOnce(context.Background(), 10)
	if pub.publishCalls != 3 {
		t.Fatalf("expected 3 publishes, got %d", pub.publishCalls)
	}
	for i, e := range store.events {
		if e.Status != StatusSent {
			t.Fatalf("event %d not sent", i)
		}
	}
}

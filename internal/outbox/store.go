package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/db"
)

const Schema = `
CREATE TABLE IF NOT EXISTS outbox_events (
  id              bigserial PRIMARY KEY,
  aggregate_type  text NOT NULL,
  aggregate_id    text NOT NULL,
  event_type      text NOT NULL,
  payload         jsonb NOT NULL,
  status          text NOT NULL DEFAULT 'PENDING',
  retry_count     int NOT NULL DEFAULT 0,
  last_error      text NOT NULL DEFAULT '',
  last_attempt_at timestamptz,
  created_at      timestamptz NOT NULL DEFAULT now()
)`

const SchemaIndex = `
CREATE INDEX IF NOT EXISTS outbox_events_pending_idx
ON outbox_events (created_at, id) WHERE status = 'PENDING'`

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// InsertTx enqueues evt on the given querier. Callers pass the transaction
// that performs the domain write so both commit or neither does.
func (s *Store) InsertTx(ctx context.Context, q db.DBTX, evt Event) (Event, error) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal outbox payload: %w", err)
	}
	err = q.QueryRow(ctx, `
INSERT INTO outbox_events(aggregate_type,aggregate_id,event_type,payload,status)
VALUES($1,$2,$3,$4::jsonb,'PENDING')
RETURNING id, created_at
`, evt.AggregateType, evt.AggregateID, evt.EventType, string(payload)).Scan(&evt.ID, &evt.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	evt.Status = StatusPending
	return evt, nil
}

// ClaimPending atomically claims up to limit due PENDING rows in creation
// order. SKIP LOCKED keeps concurrent workers off each other's batch; stamping
// last_attempt_at inside the claim means a worker that crashes mid-publish
// only delays the row by one backoff window instead of losing it.
func (s *Store) ClaimPending(ctx context.Context, limit int, now time.Time, backoffBase time.Duration) ([]Event, error) {
	rows, err := s.DB.Query(ctx, `
UPDATE outbox_events o
SET last_attempt_at = $2
FROM (
  SELECT id FROM outbox_events
  WHERE status = 'PENDING'
    AND (
      last_attempt_at IS NULL
      OR last_attempt_at + make_interval(secs => $3 * power(2, GREATEST(retry_count - 1, 0))) <= $2
    )
  ORDER BY created_at, id
  LIMIT $1
  FOR UPDATE SKIP LOCKED
) due
WHERE o.id = due.id
RETURNING o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload,
          o.status, o.retry_count, o.last_error, o.last_attempt_at, o.created_at
`, limit, now.UTC(), backoffBase.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not guarantee order; restore creation order.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id int64, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE outbox_events SET status='SENT', last_error='', last_attempt_at=$2 WHERE id=$1
`, id, at.UTC())
	return err
}

func (s *Store) MarkRetry(ctx context.Context, id int64, retryCount int, reason string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE outbox_events SET retry_count=$2, last_error=$3, last_attempt_at=$4 WHERE id=$1 AND status='PENDING'
`, id, retryCount, reason, at.UTC())
	return err
}

func (s *Store) MarkFailed(ctx context.Context, id int64, retryCount int, reason string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `
UPDATE outbox_events SET status='FAILED', retry_count=$2, last_error=$3, last_attempt_at=$4 WHERE id=$1
`, id, retryCount, reason, at.UTC())
	return err
}

// CountByStatus supports operational visibility endpoints.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.DB.Query(ctx, `SELECT status, count(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload,
			&e.Status, &e.RetryCount, &e.LastError, &e.LastAttemptAt, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package auditmeta keeps pre-signed audit previews: append-only snapshots of
// a ledger window's totals plus the signed report hash, so an auditor can
// check a trip against a window without rebuilding the whole export.
package auditmeta

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/outbox"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/db"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

const EventTypeGenerated = "audit.generated"

var ErrInvalidWindow = errors.New("audit window start must be before end")

// Record is one append-only audit preview row.
type Record struct {
	ID                 string    `json:"id"`
	WindowStart        time.Time `json:"window_start"`
	WindowEnd          time.Time `json:"window_end"`
	ImpactsCount       int64     `json:"impacts_count"`
	TotalCO2KG         float64   `json:"total_co2_kg"`
	TotalDistanceKM    float64   `json:"total_distance_km"`
	ReportHash         string    `json:"report_hash"`
	Signature          string    `json:"signature"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	KeyVersion         string    `json:"key_version"`
	CorrelationID      string    `json:"correlation_id"`
	CreatedAt          time.Time `json:"created_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS audit_previews (
    id                  text PRIMARY KEY,
    window_start        timestamptz NOT NULL,
    window_end          timestamptz NOT NULL,
    impacts_count       bigint NOT NULL,
    total_co2_kg        double precision NOT NULL,
    total_distance_km   double precision NOT NULL,
    report_hash         text NOT NULL,
    signature           text NOT NULL,
    signature_algorithm text NOT NULL,
    key_version         text NOT NULL,
    correlation_id      text NOT NULL,
    created_at          timestamptz NOT NULL DEFAULT now()
);
`

const previewColumns = `id, window_start, window_end, impacts_count, total_co2_kg, total_distance_km,
report_hash, signature, signature_algorithm, key_version, correlation_id, created_at`

// Store persists audit previews. Rows are never updated or deleted.
type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) InsertPreviewTx(ctx context.Context, q db.DBTX, rec Record) (Record, error) {
	err := q.QueryRow(ctx, `
        INSERT INTO audit_previews (
            id, window_start, window_end, impacts_count, total_co2_kg, total_distance_km,
            report_hash, signature, signature_algorithm, key_version, correlation_id
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
        RETURNING created_at
    `, rec.ID, rec.WindowStart, rec.WindowEnd, rec.ImpactsCount, rec.TotalCO2KG, rec.TotalDistanceKM,
		rec.ReportHash, rec.Signature, rec.SignatureAlgorithm, rec.KeyVersion, rec.CorrelationID).Scan(&rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("insert audit preview: %w", err)
	}
	return rec, nil
}

// FindForTrip returns every preview whose window covers the trip's event
// timestamp, newest first. An empty slice means the trip is not yet covered
// by any signed window.
func (s *Store) FindForTrip(ctx context.Context, tripID string) ([]Record, error) {
	rows, err := s.DB.Query(ctx, `
        SELECT `+previewColumns+`
        FROM audit_previews p
        WHERE EXISTS (
            SELECT 1 FROM impact_ledger l
            WHERE l.trip_id = $1
              AND l.event_timestamp >= p.window_start
              AND l.event_timestamp <  p.window_end
        )
        ORDER BY created_at DESC
    `, tripID)
	if err != nil {
		return nil, fmt.Errorf("find audit previews: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.ID, &rec.WindowStart, &rec.WindowEnd, &rec.ImpactsCount, &rec.TotalCO2KG, &rec.TotalDistanceKM,
			&rec.ReportHash, &rec.Signature, &rec.SignatureAlgorithm, &rec.KeyVersion, &rec.CorrelationID, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit preview: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AggregateReader is the slice of the ledger repository the service needs.
type AggregateReader interface {
	AggregateWindow(ctx context.Context, from, to time.Time) (ledger.WindowAggregate, error)
}

// Committer writes the preview row and its outbox event in one transaction.
type Committer interface {
	CommitWithEvent(ctx context.Context, rec Record, evt outbox.Event) (Record, error)
}

// Service builds signed audit previews over a ledger window.
type Service struct {
	Ledger    AggregateReader
	Signer    *signing.Signer
	Committer Committer
	Now       func() time.Time
}

func NewService(aggregates AggregateReader, signer *signing.Signer, committer Committer) *Service {
	return &Service{Ledger: aggregates, Signer: signer, Committer: committer, Now: time.Now}
}

// GeneratePreview aggregates [from, to), signs the report hash and commits
// the preview together with an audit.generated outbox event.
func (s *Service) GeneratePreview(ctx context.Context, from, to time.Time) (Record, error) {
	if !from.Before(to) {
		return Record{}, ErrInvalidWindow
	}
	from, to = from.UTC(), to.UTC()

	agg, err := s.Ledger.AggregateWindow(ctx, from, to)
	if err != nil {
		return Record{}, fmt.Errorf("aggregate window: %w", err)
	}

	report := map[string]any{
		"schema_version":    "audit-preview-v1",
		"window_start":      from.Format(time.RFC3339Nano),
		"window_end":        to.Format(time.RFC3339Nano),
		"impacts_count":     agg.Count,
		"total_co2_kg":      agg.TotalCO2KG,
		"total_distance_km": agg.TotalDistanceKM,
	}
	reportHash, _, err := canonhash.SumCanonical(report)
	if err != nil {
		return Record{}, fmt.Errorf("hash audit report: %w", err)
	}
	sig, err := s.Signer.SignHash(reportHash)
	if err != nil {
		return Record{}, fmt.Errorf("sign audit report: %w", err)
	}

	rec := Record{
		ID:                 "aud_" + uuid.NewString(),
		WindowStart:        from,
		WindowEnd:          to,
		ImpactsCount:       agg.Count,
		TotalCO2KG:         agg.TotalCO2KG,
		TotalDistanceKM:    agg.TotalDistanceKM,
		ReportHash:         reportHash,
		Signature:          sig.Signature,
		SignatureAlgorithm: sig.Algorithm,
		KeyVersion:         sig.KeyVersion,
		CorrelationID:      "corr_" + uuid.NewString(),
	}

	evt := outbox.NewEvent("audit_preview", rec.ID, EventTypeGenerated, rec.CorrelationID, rec)
	return s.Committer.CommitWithEvent(ctx, rec, evt)
}

// TxCommitter is the live Committer backed by Postgres.
type TxCommitter struct {
	DB     *pgxpool.Pool
	Store  *Store
	Outbox *outbox.Store
}

func NewTxCommitter(db *pgxpool.Pool, store *Store, outboxStore *outbox.Store) *TxCommitter {
	return &TxCommitter{DB: db, Store: store, Outbox: outboxStore}
}

func (c *TxCommitter) CommitWithEvent(ctx context.Context, rec Record, evt outbox.Event) (Record, error) {
	tx, err := c.DB.Begin(ctx)
	if err != nil {
		return Record{}, err
	}
	defer tx.Rollback(ctx)

	rec, err = c.Store.InsertPreviewTx(ctx, tx, rec)
	if err != nil {
		return Record{}, err
	}
	if _, err := c.Outbox.InsertTx(ctx, tx, evt); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

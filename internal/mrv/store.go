package mrv

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ExportSchema creates the mrv_exports table. The unique (period_start,
// period_end) index is what makes duplicate-period exports fail loudly.
const ExportSchema = `
CREATE TABLE IF NOT EXISTS mrv_exports (
    id                  text PRIMARY KEY,
    period_start        timestamptz NOT NULL,
    period_end          timestamptz NOT NULL,
    methodology_id      text NOT NULL,
    methodology_version text NOT NULL,
    methodology_hash    text NOT NULL,
    total_co2_kg        double precision NOT NULL,
    total_distance_km   double precision NOT NULL,
    impacts_count       integer NOT NULL,
    avg_confidence      double precision NOT NULL,
    avg_integrity       double precision NOT NULL,
    anomaly_breakdown   jsonb NOT NULL DEFAULT '{}'::jsonb,
    verification_hash   text NOT NULL,
    signature           text NOT NULL,
    signature_algorithm text NOT NULL,
    key_version         text NOT NULL,
    asym_signature      text NOT NULL,
    asym_algorithm      text NOT NULL,
    asym_key_version    text NOT NULL,
    payload             jsonb NOT NULL,
    status              text NOT NULL,
    created_at          timestamptz NOT NULL DEFAULT now(),
    CONSTRAINT mrv_exports_period_unique UNIQUE (period_start, period_end)
);
`

const exportColumns = `id, period_start, period_end, methodology_id, methodology_version, methodology_hash,
total_co2_kg, total_distance_km, impacts_count, avg_confidence, avg_integrity, anomaly_breakdown,
verification_hash, signature, signature_algorithm, key_version,
asym_signature, asym_algorithm, asym_key_version, payload, status, created_at`

// PgExportStore persists exports in Postgres.
type PgExportStore struct {
	DB *pgxpool.Pool
}

func NewPgExportStore(db *pgxpool.Pool) *PgExportStore {
	return &PgExportStore{DB: db}
}

func (s *PgExportStore) Insert(ctx context.Context, exp Export) (Export, error) {
	err := s.DB.QueryRow(ctx, `
        INSERT INTO mrv_exports (
            id, period_start, period_end, methodology_id, methodology_version, methodology_hash,
            total_co2_kg, total_distance_km, impacts_count, avg_confidence, avg_integrity, anomaly_breakdown,
            verification_hash, signature, signature_algorithm, key_version,
            asym_signature, asym_algorithm, asym_key_version, payload, status
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
        RETURNING created_at
    `, exp.ID, exp.PeriodStart, exp.PeriodEnd, exp.MethodologyID, exp.MethodologyVersion, exp.MethodologyHash,
		exp.TotalCO2KG, exp.TotalDistanceKM, exp.ImpactsCount, exp.AvgConfidence, exp.AvgIntegrity, exp.AnomalyBreakdown,
		exp.VerificationHash, exp.Signature, exp.SignatureAlgorithm, exp.KeyVersion,
		exp.AsymSignature, exp.AsymAlgorithm, exp.AsymKeyVersion, exp.Payload, exp.Status).Scan(&exp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Export{}, ErrDuplicatePeriod
		}
		return Export{}, fmt.Errorf("insert mrv export: %w", err)
	}
	return exp, nil
}

func (s *PgExportStore) Get(ctx context.Context, id string) (Export, error) {
	var exp Export
	err := s.DB.QueryRow(ctx, `SELECT `+exportColumns+` FROM mrv_exports WHERE id = $1`, id).Scan(
		&exp.ID, &exp.PeriodStart, &exp.PeriodEnd, &exp.MethodologyID, &exp.MethodologyVersion, &exp.MethodologyHash,
		&exp.TotalCO2KG, &exp.TotalDistanceKM, &exp.ImpactsCount, &exp.AvgConfidence, &exp.AvgIntegrity, &exp.AnomalyBreakdown,
		&exp.VerificationHash, &exp.Signature, &exp.SignatureAlgorithm, &exp.KeyVersion,
		&exp.AsymSignature, &exp.AsymAlgorithm, &exp.AsymKeyVersion, &exp.Payload, &exp.Status, &exp.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Export{}, ErrExportNotFound
	}
	if err != nil {
		return Export{}, fmt.Errorf("get mrv export: %w", err)
	}
	return exp, nil
}

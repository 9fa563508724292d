package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/db"
)

var ErrNotFound = errors.New("ledger record not found")

const Schema = `
CREATE TABLE IF NOT EXISTS impact_ledger (
  trip_id              text NOT NULL,
  model_version        text NOT NULL,
  user_id              text NOT NULL,
  vehicle_id           text NOT NULL,
  country_code         text NOT NULL,
  geo_hash             text NOT NULL,
  distance_km          double precision NOT NULL,
  co2_avoided_kg       double precision NOT NULL,
  thermal_factor_local double precision NOT NULL,
  ev_factor_local      double precision NOT NULL,
  event_hash           text NOT NULL,
  checksum             text NOT NULL,
  signature            text NOT NULL,
  signature_algorithm  text NOT NULL,
  key_version          text NOT NULL,
  asym_signature       text NOT NULL,
  asym_algorithm       text NOT NULL,
  asym_key_version     text NOT NULL,
  confidence_score     int NOT NULL,
  integrity_index      int NOT NULL,
  anomaly_flags        text[] NOT NULL DEFAULT '{}',
  aoq_status           text NOT NULL,
  explanation          jsonb NOT NULL DEFAULT '{}'::jsonb,
  correlation_id       text NOT NULL,
  event_timestamp      timestamptz NOT NULL,
  created_at           timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (trip_id, model_version)
)`

const recordColumns = `
trip_id,model_version,user_id,vehicle_id,country_code,geo_hash,
distance_km,co2_avoided_kg,thermal_factor_local,ev_factor_local,
event_hash,checksum,signature,signature_algorithm,key_version,
asym_signature,asym_algorithm,asym_key_version,
confidence_score,integrity_index,anomaly_flags,aoq_status,explanation,
correlation_id,event_timestamp,created_at`

type Store struct{ DB *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// CreateOrGet inserts rec unless a row for (trip_id, model_version) already
// exists, in which case the existing row is returned unchanged with
// wasIdempotent=true. Safe under concurrent callers racing on the same key:
// the conflict-free upsert lets exactly one insert win and every caller
// observes the same final row.
func (s *Store) CreateOrGet(ctx context.Context, rec Record) (Record, bool, error) {
	return s.CreateOrGetTx(ctx, s.DB, rec)
}

// CreateOrGetTx is CreateOrGet running on the given querier, typically the
// transaction that also enqueues the outbox event.
func (s *Store) CreateOrGetTx(ctx context.Context, q db.DBTX, rec Record) (Record, bool, error) {
	explanation, err := json.Marshal(rec.Explanation)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal explanation: %w", err)
	}
	flags := rec.AnomalyFlags
	if flags == nil {
		flags = []string{}
	}

	err = q.QueryRow(ctx, `
INSERT INTO impact_ledger(
  trip_id,model_version,user_id,vehicle_id,country_code,geo_hash,
  distance_km,co2_avoided_kg,thermal_factor_local,ev_factor_local,
  event_hash,checksum,signature,signature_algorithm,key_version,
  asym_signature,asym_algorithm,asym_key_version,
  confidence_score,integrity_index,anomaly_flags,aoq_status,explanation,
  correlation_id,event_timestamp
)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23::jsonb,$24,$25)
ON CONFLICT (trip_id, model_version) DO NOTHING
RETURNING created_at
`, rec.TripID, rec.ModelVersion, rec.UserID, rec.VehicleID, rec.CountryCode, rec.GeoHash,
		rec.DistanceKM, rec.CO2AvoidedKG, rec.ThermalFactorLocal, rec.EVFactorLocal,
		rec.EventHash, rec.Checksum, rec.Signature, rec.SignatureAlgorithm, rec.KeyVersion,
		rec.AsymSignature, rec.AsymAlgorithm, rec.AsymKeyVersion,
		rec.ConfidenceScore, rec.IntegrityIndex, flags, rec.AOQStatus, string(explanation),
		rec.CorrelationID, rec.EventTimestamp.UTC()).Scan(&rec.CreatedAt)
	if err == nil {
		rec.AnomalyFlags = flags
		return rec, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, err
	}

	// Lost the race or replayed: the winning row is authoritative.
	existing, err := getTx(ctx, q, rec.TripID, rec.ModelVersion)
	if err != nil {
		return Record{}, false, err
	}
	return existing, true, nil
}

// Get returns the row for (tripID, modelVersion), or the most recent row for
// the trip when modelVersion is empty.
func (s *Store) Get(ctx context.Context, tripID, modelVersion string) (Record, error) {
	if modelVersion != "" {
		return getTx(ctx, s.DB, tripID, modelVersion)
	}
	rows, err := s.DB.Query(ctx, `
SELECT `+recordColumns+`
FROM impact_ledger
WHERE trip_id=$1
ORDER BY created_at DESC, model_version DESC
LIMIT 1
`, tripID)
	if err != nil {
		return Record{}, err
	}
	defer rows.Close()
	out, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(out) == 0 {
		return Record{}, ErrNotFound
	}
	return out[0], nil
}

// ListWindow returns every row with event_timestamp in [from, to), in the
// deterministic order all aggregation consumers depend on.
func (s *Store) ListWindow(ctx context.Context, from, to time.Time) ([]Record, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+recordColumns+`
FROM impact_ledger
WHERE event_timestamp >= $1 AND event_timestamp < $2
ORDER BY event_timestamp, trip_id, model_version, created_at
`, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// AggregateWindow totals a window without trip deduplication.
func (s *Store) AggregateWindow(ctx context.Context, from, to time.Time) (WindowAggregate, error) {
	var agg WindowAggregate
	err := s.DB.QueryRow(ctx, `
SELECT count(*), COALESCE(sum(co2_avoided_kg),0), COALESCE(sum(distance_km),0)
FROM impact_ledger
WHERE event_timestamp >= $1 AND event_timestamp < $2
`, from.UTC(), to.UTC()).Scan(&agg.Count, &agg.TotalCO2KG, &agg.TotalDistanceKM)
	return agg, err
}

// ListRecentByUser returns the user's most recent rows, newest first, for
// scoring-history lookups.
func (s *Store) ListRecentByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	rows, err := s.DB.Query(ctx, `
SELECT `+recordColumns+`
FROM impact_ledger
WHERE user_id=$1
ORDER BY event_timestamp DESC, trip_id DESC, model_version DESC, created_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func getTx(ctx context.Context, q db.DBTX, tripID, modelVersion string) (Record, error) {
	rows, err := q.Query(ctx, `
SELECT `+recordColumns+`
FROM impact_ledger
WHERE trip_id=$1 AND model_version=$2
`, tripID, modelVersion)
	if err != nil {
		return Record{}, err
	}
	defer rows.Close()
	out, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	if len(out) == 0 {
		return Record{}, ErrNotFound
	}
	return out[0], nil
}

func scanRecords(rows pgx.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var explanation []byte
		if err := rows.Scan(
			&r.TripID, &r.ModelVersion, &r.UserID, &r.VehicleID, &r.CountryCode, &r.GeoHash,
			&r.DistanceKM, &r.CO2AvoidedKG, &r.ThermalFactorLocal, &r.EVFactorLocal,
			&r.EventHash, &r.Checksum, &r.Signature, &r.SignatureAlgorithm, &r.KeyVersion,
			&r.AsymSignature, &r.AsymAlgorithm, &r.AsymKeyVersion,
			&r.ConfidenceScore, &r.IntegrityIndex, &r.AnomalyFlags, &r.AOQStatus, &explanation,
			&r.CorrelationID, &r.EventTimestamp, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(explanation) > 0 {
			_ = json.Unmarshal(explanation, &r.Explanation)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

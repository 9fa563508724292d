// Package impact computes and records avoided-CO2 calculations: the realtime
// engine resolves country factors, derives the tamper-evidence chain
// (event hash, checksum, dual signature), grades the result through IAESG and
// binds the ledger insert to its outbox event in one transaction.
package impact

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/scoring"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

const co2Digits = 6

// ErrInvalidRequest wraps every boundary validation failure.
var ErrInvalidRequest = errors.New("invalid impact request")

// Request is one realtime calculation request as received at the boundary.
type Request struct {
	TripID         string     `json:"trip_id"`
	UserID         string     `json:"user_id"`
	VehicleID      string     `json:"vehicle_id"`
	CountryCode    string     `json:"country_code"`
	GeoHash        string     `json:"geo_hash"`
	DistanceKM     float64    `json:"distance_km"`
	ModelVersion   string     `json:"model_version"`
	EventTimestamp *time.Time `json:"event_timestamp,omitempty"`
}

func (r Request) validate() error {
	if strings.TrimSpace(r.TripID) == "" || strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("%w: trip_id and user_id are required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.ModelVersion) == "" {
		return fmt.Errorf("%w: model_version is required", ErrInvalidRequest)
	}
	if r.DistanceKM <= 0 {
		return fmt.Errorf("%w: distance_km must be positive", ErrInvalidRequest)
	}
	return nil
}

// Engine is the pure calculation core. It never touches storage: the caller
// supplies history and commits the result.
type Engine struct {
	Factors *FactorTable
	Signer  *signing.Signer
	Now     func() time.Time
}

func NewEngine(factors *FactorTable, signer *signing.Signer) *Engine {
	return &Engine{Factors: factors, Signer: signer, Now: time.Now}
}

// Calculate resolves factors, computes avoided CO2, builds the integrity
// chain and scores the record against history. The returned record is ready
// for the ledger but not yet persisted.
func (e *Engine) Calculate(req Request, history []ledger.Record) (ledger.Record, error) {
	if err := req.validate(); err != nil {
		return ledger.Record{}, err
	}
	factors, err := e.Factors.Lookup(req.CountryCode)
	if err != nil {
		return ledger.Record{}, err
	}

	eventTime := e.Now().UTC()
	if req.EventTimestamp != nil {
		eventTime = req.EventTimestamp.UTC()
	}

	co2 := avoidedCO2(req.DistanceKM, factors)

	rec := ledger.Record{
		TripID:             strings.TrimSpace(req.TripID),
		ModelVersion:       strings.TrimSpace(req.ModelVersion),
		UserID:             strings.TrimSpace(req.UserID),
		VehicleID:          strings.TrimSpace(req.VehicleID),
		CountryCode:        strings.ToUpper(strings.TrimSpace(req.CountryCode)),
		GeoHash:            strings.TrimSpace(req.GeoHash),
		DistanceKM:         req.DistanceKM,
		CO2AvoidedKG:       co2,
		ThermalFactorLocal: factors.Thermal,
		EVFactorLocal:      factors.EV,
		CorrelationID:      "corr_" + uuid.NewString(),
		EventTimestamp:     eventTime,
	}

	rec.EventHash, err = eventHash(rec)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("event hash: %w", err)
	}
	rec.Checksum = recordChecksum(rec)

	sym, err := e.Signer.SignHash(rec.Checksum)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("sign checksum: %w", err)
	}
	rec.Signature, rec.SignatureAlgorithm, rec.KeyVersion = sym.Signature, sym.Algorithm, sym.KeyVersion

	asym, err := e.Signer.SignHashAsymmetric(rec.Checksum)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("sign checksum asymmetric: %w", err)
	}
	rec.AsymSignature, rec.AsymAlgorithm, rec.AsymKeyVersion = asym.Signature, asym.Algorithm, asym.KeyVersion

	features := scoring.ExtractFeatures(rec, history, e.Now().UTC(), e.VerifyRecord(rec))
	rec.ConfidenceScore = scoring.ConfidenceScore(features)
	rec.IntegrityIndex = scoring.IntegrityIndex(features)
	rec.AnomalyFlags = scoring.DetectAnomalies(features)
	rec.AOQStatus = scoring.EvaluateAOQ(rec.ConfidenceScore, rec.AnomalyFlags)
	rec.Explanation = scoring.Explain(features, rec.ConfidenceScore, rec.IntegrityIndex, rec.AnomalyFlags, rec.AOQStatus)

	return rec, nil
}

// VerifyRecord recomputes the integrity chain of a stored record: event hash
// from the raw fields, checksum from the hash, both signatures against the
// key rings. Any tampering breaks at least one link.
func (e *Engine) VerifyRecord(rec ledger.Record) bool {
	expectedHash, err := eventHash(rec)
	if err != nil || expectedHash != rec.EventHash {
		return false
	}
	if recordChecksum(rec) != rec.Checksum {
		return false
	}
	if !e.Signer.VerifyHash(rec.Checksum, rec.Signature, rec.KeyVersion) {
		return false
	}
	return e.Signer.VerifyHashAsymmetric(rec.Checksum, rec.AsymSignature, rec.AsymKeyVersion)
}

func avoidedCO2(distanceKM float64, f CountryFactors) float64 {
	d := decimal.NewFromFloat(distanceKM)
	delta := decimal.NewFromFloat(f.Thermal).Sub(decimal.NewFromFloat(f.EV))
	out, _ := d.Mul(delta).Round(co2Digits).Float64()
	return out
}

// eventHash covers every calculation input including the resolved timestamp.
func eventHash(rec ledger.Record) (string, error) {
	h, _, err := canonhash.SumCanonical(map[string]any{
		"trip_id":              rec.TripID,
		"user_id":              rec.UserID,
		"vehicle_id":           rec.VehicleID,
		"country_code":         rec.CountryCode,
		"geo_hash":             rec.GeoHash,
		"distance_km":          rec.DistanceKM,
		"model_version":        rec.ModelVersion,
		"thermal_factor_local": rec.ThermalFactorLocal,
		"ev_factor_local":      rec.EVFactorLocal,
		"co2_avoided_kg":       rec.CO2AvoidedKG,
		"event_timestamp":      rec.EventTimestamp.UTC().Format(time.RFC3339Nano),
	})
	return h, err
}

func recordChecksum(rec ledger.Record) string {
	return canonhash.SumString(strings.Join([]string{
		rec.EventHash, rec.TripID, rec.ModelVersion, rec.CountryCode,
	}, "|"))
}

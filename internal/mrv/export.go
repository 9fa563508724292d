package mrv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/impact"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

// Export statuses.
const (
	ExportSigned      = "SIGNED"
	ExportEmptyWindow = "EMPTY_WINDOW"
)

var (
	ErrInvalidPeriod   = errors.New("export period must be 3, 6 or 12 months")
	ErrDuplicatePeriod = errors.New("an export for this exact period already exists")
	ErrExportNotFound  = errors.New("export not found")
)

// Export is one immutable MRV export record. Identity is the exact
// [PeriodStart, PeriodEnd) pair.
type Export struct {
	ID                 string         `json:"id"`
	PeriodStart        time.Time      `json:"period_start"`
	PeriodEnd          time.Time      `json:"period_end"`
	MethodologyID      string         `json:"methodology_id"`
	MethodologyVersion string         `json:"methodology_version"`
	MethodologyHash    string         `json:"methodology_hash"`
	TotalCO2KG         float64        `json:"total_co2_kg"`
	TotalDistanceKM    float64        `json:"total_distance_km"`
	ImpactsCount       int            `json:"impacts_count"`
	AvgConfidence      float64        `json:"avg_confidence"`
	AvgIntegrity       float64        `json:"avg_integrity"`
	AnomalyBreakdown   map[string]int `json:"anomaly_breakdown"`
	VerificationHash   string         `json:"verification_hash"`
	Signature          string         `json:"signature"`
	SignatureAlgorithm string         `json:"signature_algorithm"`
	KeyVersion         string         `json:"key_version"`
	AsymSignature      string         `json:"asym_signature"`
	AsymAlgorithm      string         `json:"asym_algorithm"`
	AsymKeyVersion     string         `json:"asym_key_version"`
	Payload            map[string]any `json:"payload"`
	Status             string         `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
}

// LedgerReader is the slice of the ledger repository the export engine needs.
type LedgerReader interface {
	ListWindow(ctx context.Context, from, to time.Time) ([]ledger.Record, error)
}

// MethodologyReader resolves methodology snapshots.
type MethodologyReader interface {
	GetActive(ctx context.Context) (Methodology, error)
	Get(ctx context.Context, id string) (Methodology, error)
}

// ExportStore persists exports with the unique-period constraint.
type ExportStore interface {
	Insert(ctx context.Context, exp Export) (Export, error)
	Get(ctx context.Context, id string) (Export, error)
}

// ExportEngine builds, signs and persists MRV exports.
type ExportEngine struct {
	Ledger        LedgerReader
	Methodologies MethodologyReader
	Factors       *impact.FactorTable
	Signer        *signing.Signer
	Store         ExportStore
	Now           func() time.Time
}

func NewExportEngine(l LedgerReader, m MethodologyReader, factors *impact.FactorTable, signer *signing.Signer, store ExportStore) *ExportEngine {
	return &ExportEngine{Ledger: l, Methodologies: m, Factors: factors, Signer: signer, Store: store, Now: time.Now}
}

// ResolvePeriod returns the canonical [start, end) window: end is refTime
// truncated to midnight UTC, start is periodMonths before it.
func ResolvePeriod(periodMonths int, refTime time.Time) (time.Time, time.Time, error) {
	switch periodMonths {
	case 3, 6, 12:
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: got %d", ErrInvalidPeriod, periodMonths)
	}
	ref := refTime.UTC()
	end := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, -periodMonths, 0), end, nil
}

// BuildExport aggregates the window, proves no trip is counted twice, signs
// the canonical payload twice and persists the export. A second export for
// the identical period fails with ErrDuplicatePeriod.
func (e *ExportEngine) BuildExport(ctx context.Context, periodMonths int, refTime time.Time) (Export, error) {
	start, end, err := ResolvePeriod(periodMonths, refTime)
	if err != nil {
		return Export{}, err
	}

	methodology, err := e.Methodologies.GetActive(ctx)
	if err != nil {
		return Export{}, err
	}
	if err := methodology.ValidateForExport(); err != nil {
		return Export{}, err
	}
	if !e.Factors.Covers(methodology.GeographicScope) {
		return Export{}, ErrMethodologyScopeUncovered
	}
	methodologyHash, err := methodology.Hash()
	if err != nil {
		return Export{}, fmt.Errorf("methodology hash: %w", err)
	}

	rows, err := e.Ledger.ListWindow(ctx, start, end)
	if err != nil {
		return Export{}, fmt.Errorf("read ledger window: %w", err)
	}

	kept, dropped := deduplicateByTrip(rows)
	proof := buildProof(kept, dropped)

	agg := aggregate(kept)
	payload := map[string]any{
		"schema_version": "mrv-export-v1",
		"period": map[string]any{
			"start":  start.Format(time.RFC3339),
			"end":    end.Format(time.RFC3339),
			"months": periodMonths,
		},
		"methodology": map[string]any{
			"id":                       methodology.ID,
			"version":                  methodology.Version,
			"hash":                     methodologyHash,
			"baseline_description":     methodology.BaselineDescription,
			"emission_factor_source":   methodology.EmissionFactorSource,
			"thermal_factor_reference": methodology.ThermalFactorReference,
			"ev_factor_reference":      methodology.EVFactorReference,
			"calculation_formula":      methodology.CalculationFormula,
			"geographic_scope":         methodology.GeographicScope,
			"model_version":            methodology.ModelVersion,
		},
		"factor_catalogue":          observedFactors(kept),
		"model_versions":            observedModelVersions(kept),
		"aggregation":               agg,
		"non_double_counting_proof": proof,
		"impacts":                   impactLines(kept),
	}

	verificationHash, _, err := canonhash.SumCanonical(payload)
	if err != nil {
		return Export{}, fmt.Errorf("hash export payload: %w", err)
	}

	sym, err := e.Signer.SignHash(verificationHash)
	if err != nil {
		return Export{}, fmt.Errorf("sign export: %w", err)
	}
	asym, err := e.Signer.SignHashAsymmetric(verificationHash)
	if err != nil {
		return Export{}, fmt.Errorf("sign export asymmetric: %w", err)
	}

	status := ExportSigned
	if len(kept) == 0 {
		// An empty window is reported as such, never as neutral mid-scale scores.
		status = ExportEmptyWindow
	}

	exp := Export{
		ID:                 "mrv_" + uuid.NewString(),
		PeriodStart:        start,
		PeriodEnd:          end,
		MethodologyID:      methodology.ID,
		MethodologyVersion: methodology.Version,
		MethodologyHash:    methodologyHash,
		TotalCO2KG:         agg["total_co2_kg"].(float64),
		TotalDistanceKM:    agg["total_distance_km"].(float64),
		ImpactsCount:       len(kept),
		AvgConfidence:      agg["avg_confidence"].(float64),
		AvgIntegrity:       agg["avg_integrity"].(float64),
		AnomalyBreakdown:   agg["anomaly_breakdown"].(map[string]int),
		VerificationHash:   verificationHash,
		Signature:          sym.Signature,
		SignatureAlgorithm: sym.Algorithm,
		KeyVersion:         sym.KeyVersion,
		AsymSignature:      asym.Signature,
		AsymAlgorithm:      asym.Algorithm,
		AsymKeyVersion:     asym.KeyVersion,
		Payload:            payload,
		Status:             status,
	}

	return e.Store.Insert(ctx, exp)
}

// deduplicateByTrip keeps, per trip_id, the row with the latest
// (created_at, event_timestamp); everything else is dropped and proven.
func deduplicateByTrip(rows []ledger.Record) (kept []ledger.Record, dropped []ledger.Record) {
	best := map[string]ledger.Record{}
	for _, r := range rows {
		cur, ok := best[r.TripID]
		if !ok || laterRecord(r, cur) {
			best[r.TripID] = r
		}
	}
	for _, r := range rows {
		winner := best[r.TripID]
		if r.ModelVersion == winner.ModelVersion && r.CreatedAt.Equal(winner.CreatedAt) && r.EventTimestamp.Equal(winner.EventTimestamp) {
			kept = append(kept, r)
		} else {
			dropped = append(dropped, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return keyLess(kept[i], kept[j]) })
	sort.Slice(dropped, func(i, j int) bool { return keyLess(dropped[i], dropped[j]) })
	return kept, dropped
}

func laterRecord(a, b ledger.Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.EventTimestamp.After(b.EventTimestamp)
}

func keyLess(a, b ledger.Record) bool {
	if !a.EventTimestamp.Equal(b.EventTimestamp) {
		return a.EventTimestamp.Before(b.EventTimestamp)
	}
	if a.TripID != b.TripID {
		return a.TripID < b.TripID
	}
	return a.ModelVersion < b.ModelVersion
}

func buildProof(kept, dropped []ledger.Record) map[string]any {
	droppedLines := make([]map[string]any, 0, len(dropped))
	for _, r := range dropped {
		droppedLines = append(droppedLines, map[string]any{
			"trip_id":         r.TripID,
			"model_version":   r.ModelVersion,
			"event_timestamp": r.EventTimestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	proof := map[string]any{
		"kept_count":               len(kept),
		"duplicates_removed_count": len(dropped),
		"dropped":                  droppedLines,
	}
	proofHash, _, _ := canonhash.SumCanonical(proof)
	proof["proof_hash"] = proofHash
	return proof
}

func aggregate(kept []ledger.Record) map[string]any {
	breakdown := map[string]int{}
	var co2, distance float64
	var confidence, integrity int
	for _, r := range kept {
		co2 += r.CO2AvoidedKG
		distance += r.DistanceKM
		confidence += r.ConfidenceScore
		integrity += r.IntegrityIndex
		for _, flag := range r.AnomalyFlags {
			breakdown[flag]++
		}
	}
	agg := map[string]any{
		"impacts_count":     len(kept),
		"total_co2_kg":      co2,
		"total_distance_km": distance,
		"avg_confidence":    0.0,
		"avg_integrity":     0.0,
		"anomaly_breakdown": breakdown,
	}
	if len(kept) > 0 {
		agg["avg_confidence"] = float64(confidence) / float64(len(kept))
		agg["avg_integrity"] = float64(integrity) / float64(len(kept))
	}
	return agg
}

func observedFactors(kept []ledger.Record) map[string]any {
	out := map[string]any{}
	for _, r := range kept {
		out[r.CountryCode] = map[string]any{
			"thermal": r.ThermalFactorLocal,
			"ev":      r.EVFactorLocal,
		}
	}
	return out
}

func observedModelVersions(kept []ledger.Record) []string {
	seen := map[string]struct{}{}
	for _, r := range kept {
		seen[r.ModelVersion] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func impactLines(kept []ledger.Record) []map[string]any {
	out := make([]map[string]any, 0, len(kept))
	for _, r := range kept {
		out = append(out, map[string]any{
			"trip_id":         r.TripID,
			"model_version":   r.ModelVersion,
			"country_code":    r.CountryCode,
			"distance_km":     r.DistanceKM,
			"co2_avoided_kg":  r.CO2AvoidedKG,
			"confidence":      r.ConfidenceScore,
			"integrity":       r.IntegrityIndex,
			"anomaly_flags":   r.AnomalyFlags,
			"aoq_status":      r.AOQStatus,
			"checksum":        r.Checksum,
			"event_timestamp": r.EventTimestamp.UTC().Format(time.RFC3339Nano),
		})
	}
	return out
}

package mrv

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/impact"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

const testEdSeed = "9b7f3e1d5c8a2b4f6e0d9c8b7a6f5e4d3c2b1a0f9e8d7c6b5a4f3e2d1c0b9a8f"

type fakeLedger struct {
	rows []ledger.Record
	err  error
}

func (f *fakeLedger) ListWindow(ctx context.Context, from, to time.Time) ([]ledger.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.Record
	for _, r := range f.rows {
		if !r.EventTimestamp.Before(from) && r.EventTimestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeMethodologies struct {
	active    Methodology
	activeErr error
}

func (f *fakeMethodologies) GetActive(ctx context.Context) (Methodology, error) {
	if f.activeErr != nil {
		return Methodology{}, f.activeErr
	}
	return f.active, nil
}

func (f *fakeMethodologies) Get(ctx context.Context, id string) (Methodology, error) {
	if id == f.active.ID {
		return f.active, nil
	}
	return Methodology{}, ErrMethodologyNotFound
}

type fakeExportStore struct {
	inserted []Export
	periods  map[string]bool
}

func (f *fakeExportStore) Insert(ctx context.Context, exp Export) (Export, error) {
	key := exp.PeriodStart.Format(time.RFC3339) + "|" + exp.PeriodEnd.Format(time.RFC3339)
	if f.periods == nil {
		f.periods = map[string]bool{}
	}
	if f.periods[key] {
		return Export{}, ErrDuplicatePeriod
	}
	f.periods[key] = true
	exp.CreatedAt = time.Now().UTC()
	f.inserted = append(f.inserted, exp)
	return exp, nil
}

func (f *fakeExportStore) Get(ctx context.Context, id string) (Export, error) {
	for _, exp := range f.inserted {
		if exp.ID == id {
			return exp, nil
		}
	}
	return Export{}, ErrExportNotFound
}

func testMethodology() Methodology {
	return Methodology{
		ID:                     "meth_test",
		Version:                "1.0.0",
		BaselineDescription:    "thermal vehicle of equivalent class over same route",
		EmissionFactorSource:   "ADEME Base Carbone 2025",
		ThermalFactorReference: "ademe:thermal:compact:2025",
		EVFactorReference:      "ademe:ev:grid-mix:2025",
		CalculationFormula:     "distance_km * (thermal_factor - ev_factor)",
		GeographicScope:        []string{"FR", "SN"},
		ModelVersion:           "impact-v2",
		Status:                 MethodologyActive,
	}
}

func testFactors(t *testing.T) *impact.FactorTable {
	t.Helper()
	factors, err := impact.NewFactorTable(map[string]impact.CountryFactors{
		"FR": {Thermal: 0.192, EV: 0.052},
		"SN": {Thermal: 0.271, EV: 0.083},
	})
	if err != nil {
		t.Fatalf("build factor table: %v", err)
	}
	return factors
}

func testSigner(t *testing.T) *signing.Signer {
	t.Helper()
	signer, err := signing.NewSignerFromKeys(
		"v1", map[string]string{"v1": "mrv-test-hmac-key"},
		"v1", map[string]string{"v1": testEdSeed},
	)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	return signer
}

func ledgerRow(tripID, modelVersion string, at time.Time, co2 float64) ledger.Record {
	return ledger.Record{
		TripID:             tripID,
		ModelVersion:       modelVersion,
		UserID:             "usr_1",
		CountryCode:        "FR",
		DistanceKM:         co2 / 0.140,
		CO2AvoidedKG:       co2,
		ThermalFactorLocal: 0.192,
		EVFactorLocal:      0.052,
		Checksum:           "chk_" + tripID + "_" + modelVersion,
		ConfidenceScore:    90,
		IntegrityIndex:     100,
		AOQStatus:          ledger.AOQPass,
		EventTimestamp:     at,
		CreatedAt:          at,
	}
}

func newTestExportEngine(t *testing.T, rows []ledger.Record) (*ExportEngine, *fakeExportStore, *fakeMethodologies) {
	t.Helper()
	store := &fakeExportStore{}
	methodologies := &fakeMethodologies{active: testMethodology()}
	engine := NewExportEngine(&fakeLedger{rows: rows}, methodologies, testFactors(t), testSigner(t), store)
	return engine, store, methodologies
}

func TestResolvePeriod(t *testing.T) {
	ref := time.Date(2026, 7, 15, 13, 45, 2, 0, time.UTC)
	start, end, err := ResolvePeriod(6, ref)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantEnd := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	if !end.Equal(wantEnd) {
		t.Fatalf("end = %v, want midnight %v", end, wantEnd)
	}
	if !start.Equal(wantEnd.AddDate(0, -6, 0)) {
		t.Fatalf("start = %v, want 6 months before end", start)
	}

	for _, months := range []int{0, 1, 4, 24, -3} {
		if _, _, err := ResolvePeriod(months, ref); !errors.Is(err, ErrInvalidPeriod) {
			t.Fatalf("period %d: err = %v, want ErrInvalidPeriod", months, err)
		}
	}
}

func TestBuildExportAggregatesAndSigns(t *testing.T) {
	ref := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	rows := []ledger.Record{
		ledgerRow("trip_a", "impact-v2", ref.AddDate(0, -1, 0), 1.75),
		ledgerRow("trip_b", "impact-v2", ref.AddDate(0, -2, 0), 2.10),
	}
	engine, store, _ := newTestExportEngine(t, rows)

	exp, err := engine.BuildExport(context.Background(), 3, ref)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}
	if exp.Status != ExportSigned {
		t.Fatalf("status = %q, want %q", exp.Status, ExportSigned)
	}
	if exp.ImpactsCount != 2 {
		t.Fatalf("impacts_count = %d, want 2", exp.ImpactsCount)
	}
	if math.Abs(exp.TotalCO2KG-3.85) > 1e-9 {
		t.Fatalf("total_co2_kg = %v, want 3.85", exp.TotalCO2KG)
	}
	if math.Abs(exp.AvgConfidence-90) > 1e-9 {
		t.Fatalf("avg_confidence = %v, want 90", exp.AvgConfidence)
	}
	if exp.VerificationHash == "" || exp.Signature == "" || exp.AsymSignature == "" {
		t.Fatal("export is missing hash or signatures")
	}
	if exp.SignatureAlgorithm != signing.AlgorithmHMACSHA256 || exp.AsymAlgorithm != signing.AlgorithmEd25519 {
		t.Fatalf("unexpected algorithms %q / %q", exp.SignatureAlgorithm, exp.AsymAlgorithm)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("stored %d exports, want 1", len(store.inserted))
	}
}

func TestBuildExportDeduplicatesByTrip(t *testing.T) {
	ref := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	older := ref.AddDate(0, -2, 0)
	newer := ref.AddDate(0, -1, 0)
	rows := []ledger.Record{
		ledgerRow("trip_dup", "impact-v1", older, 1.00),
		ledgerRow("trip_dup", "impact-v2", newer, 1.20),
		ledgerRow("trip_solo", "impact-v2", older, 0.50),
	}
	engine, _, _ := newTestExportEngine(t, rows)

	exp, err := engine.BuildExport(context.Background(), 3, ref)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}
	if exp.ImpactsCount != 2 {
		t.Fatalf("impacts_count = %d, want 2 after dedup", exp.ImpactsCount)
	}
	// Only the recomputed trip_dup row survives, so its older CO2 must not count.
	if math.Abs(exp.TotalCO2KG-1.70) > 1e-9 {
		t.Fatalf("total_co2_kg = %v, want 1.70", exp.TotalCO2KG)
	}

	proof, ok := exp.Payload["non_double_counting_proof"].(map[string]any)
	if !ok {
		t.Fatal("payload has no non_double_counting_proof")
	}
	if got := proof["duplicates_removed_count"].(int); got != 1 {
		t.Fatalf("duplicates_removed_count = %d, want 1", got)
	}
	if got := proof["kept_count"].(int); got != 2 {
		t.Fatalf("kept_count = %d, want 2", got)
	}
	if proof["proof_hash"].(string) == "" {
		t.Fatal("proof_hash is empty")
	}
	droppedLines := proof["dropped"].([]map[string]any)
	if len(droppedLines) != 1 || droppedLines[0]["trip_id"] != "trip_dup" || droppedLines[0]["model_version"] != "impact-v1" {
		t.Fatalf("dropped = %v, want the single impact-v1 trip_dup row", droppedLines)
	}
}

func TestBuildExportDedupNeverShrinksBelowDistinctTrips(t *testing.T) {
	ref := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	var rows []ledger.Record
	for i := 0; i < 5; i++ {
		at := ref.AddDate(0, -1, -i)
		tripID := fmt.Sprintf("trip_%d", i)
		rows = append(rows, ledgerRow(tripID, "impact-v1", at, 1.0))
		rows = append(rows, ledgerRow(tripID, "impact-v2", at.Add(time.Hour), 1.1))
	}
	engine, _, _ := newTestExportEngine(t, rows)

	exp, err := engine.BuildExport(context.Background(), 3, ref)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}
	if exp.ImpactsCount != 5 {
		t.Fatalf("impacts_count = %d, want one row per distinct trip", exp.ImpactsCount)
	}
	proof := exp.Payload["non_double_counting_proof"].(map[string]any)
	if got := proof["duplicates_removed_count"].(int); got != 5 {
		t.Fatalf("duplicates_removed_count = %d, want 5", got)
	}
}

func TestBuildExportEmptyWindow(t *testing.T) {
	engine, _, _ := newTestExportEngine(t, nil)

	exp, err := engine.BuildExport(context.Background(), 3, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("build export: %v", err)
	}
	if exp.Status != ExportEmptyWindow {
		t.Fatalf("status = %q, want %q", exp.Status, ExportEmptyWindow)
	}
	if exp.ImpactsCount != 0 || exp.TotalCO2KG != 0 || exp.AvgConfidence != 0 {
		t.Fatalf("empty window must report zeroes, got count=%d co2=%v conf=%v",
			exp.ImpactsCount, exp.TotalCO2KG, exp.AvgConfidence)
	}
	// Even an empty export is hashed and dual-signed.
	if exp.VerificationHash == "" || exp.Signature == "" || exp.AsymSignature == "" {
		t.Fatal("empty-window export must still be signed")
	}
}

func TestBuildExportDuplicatePeriodRejected(t *testing.T) {
	ref := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rows := []ledger.Record{ledgerRow("trip_a", "impact-v2", ref.AddDate(0, -1, 0), 1.75)}
	engine, _, _ := newTestExportEngine(t, rows)

	if _, err := engine.BuildExport(context.Background(), 3, ref); err != nil {
		t.Fatalf("first export: %v", err)
	}
	if _, err := engine.BuildExport(context.Background(), 3, ref); !errors.Is(err, ErrDuplicatePeriod) {
		t.Fatalf("second export err = %v, want ErrDuplicatePeriod", err)
	}
}

func TestBuildExportRejectsIncompleteMethodology(t *testing.T) {
	engine, _, methodologies := newTestExportEngine(t, nil)
	methodologies.active.EmissionFactorSource = ""

	if _, err := engine.BuildExport(context.Background(), 3, time.Now()); !errors.Is(err, ErrMethodologyIncomplete) {
		t.Fatalf("err = %v, want ErrMethodologyIncomplete", err)
	}
}

func TestBuildExportRejectsUncoveredScope(t *testing.T) {
	engine, _, methodologies := newTestExportEngine(t, nil)
	methodologies.active.GeographicScope = []string{"FR", "DE"}

	if _, err := engine.BuildExport(context.Background(), 3, time.Now()); !errors.Is(err, ErrMethodologyScopeUncovered) {
		t.Fatalf("err = %v, want ErrMethodologyScopeUncovered", err)
	}
}

func TestBuildExportRequiresActiveMethodology(t *testing.T) {
	engine, _, methodologies := newTestExportEngine(t, nil)
	methodologies.activeErr = ErrNoActiveMethodology

	if _, err := engine.BuildExport(context.Background(), 3, time.Now()); !errors.Is(err, ErrNoActiveMethodology) {
		t.Fatalf("err = %v, want ErrNoActiveMethodology", err)
	}
}

func TestVerifyExport(t *testing.T) {
	ref := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rows := []ledger.Record{ledgerRow("trip_a", "impact-v2", ref.AddDate(0, -1, 0), 1.75)}
	engine, _, methodologies := newTestExportEngine(t, rows)

	exp, err := engine.BuildExport(context.Background(), 3, ref)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}

	res := VerifyExport(context.Background(), exp, engine.Signer, methodologies)
	if !res.Verified || !res.HashValid || !res.SignatureValid || !res.AsymSignatureValid || !res.MethodologyValid {
		t.Fatalf("pristine export must verify fully, got %+v", res)
	}
}

func TestVerifyExportDetectsTampering(t *testing.T) {
	ref := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rows := []ledger.Record{ledgerRow("trip_a", "impact-v2", ref.AddDate(0, -1, 0), 1.75)}
	engine, _, methodologies := newTestExportEngine(t, rows)

	exp, err := engine.BuildExport(context.Background(), 3, ref)
	if err != nil {
		t.Fatalf("build export: %v", err)
	}

	tampered := exp
	tampered.Payload = map[string]any{}
	for k, v := range exp.Payload {
		tampered.Payload[k] = v
	}
	agg := map[string]any{}
	for k, v := range exp.Payload["aggregation"].(map[string]any) {
		agg[k] = v
	}
	agg["total_co2_kg"] = 9999.0
	tampered.Payload["aggregation"] = agg

	res := VerifyExport(context.Background(), tampered, engine.Signer, methodologies)
	if res.HashValid {
		t.Fatal("tampered payload must fail the hash check")
	}
	if res.Verified {
		t.Fatal("tampered export must not verify")
	}

	badSig := exp
	badSig.Signature = "deadbeef"
	res = VerifyExport(context.Background(), badSig, engine.Signer, methodologies)
	if res.SignatureValid || res.Verified {
		t.Fatalf("forged signature must fail, got %+v", res)
	}
	if !res.HashValid || !res.AsymSignatureValid {
		t.Fatalf("only the symmetric check should fail, got %+v", res)
	}

	badMeth := exp
	badMeth.MethodologyHash = "0000000000000000000000000000000000000000000000000000000000000000"
	res = VerifyExport(context.Background(), badMeth, engine.Signer, methodologies)
	if res.MethodologyValid || res.Verified {
		t.Fatalf("methodology hash mismatch must fail, got %+v", res)
	}
}

func TestMethodologyHashDeterministic(t *testing.T) {
	m := testMethodology()
	h1, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := m.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %s vs %s", h1, h2)
	}

	changed := m
	changed.EmissionFactorSource = "different source"
	h3, err := changed.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Fatal("semantic change must change the hash")
	}
}

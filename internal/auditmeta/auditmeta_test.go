package auditmeta

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/outbox"
	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/signing"
)

const testEdSeed = "9b7f3e1d5c8a2b4f6e0d9c8b7a6f5e4d3c2b1a0f9e8d7c6b5a4f3e2d1c0b9a8f"

type fakeAggregates struct {
	agg ledger.WindowAggregate
	err error
}

func (f *fakeAggregates) AggregateWindow(ctx context.Context, from, to time.Time) (ledger.WindowAggregate, error) {
	return f.agg, f.err
}

type fakeCommitter struct {
	records []Record
	events  []outbox.Event
	err     error
}

func (f *fakeCommitter) CommitWithEvent(ctx context.Context, rec Record, evt outbox.Event) (Record, error) {
	if f.err != nil {
		return Record{}, f.err
	}
	rec.CreatedAt = time.Now().UTC()
	f.records = append(f.records, rec)
	f.events = append(f.events, evt)
	return rec, nil
}

func newTestService(t *testing.T, agg ledger.WindowAggregate) (*Service, *fakeCommitter) {
	t.Helper()
	signer, err := signing.NewSignerFromKeys(
		"v1", map[string]string{"v1": "audit-test-hmac-key"},
		"v1", map[string]string{"v1": testEdSeed},
	)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	committer := &fakeCommitter{}
	return NewService(&fakeAggregates{agg: agg}, signer, committer), committer
}

func TestGeneratePreviewSignsAndCommits(t *testing.T) {
	svc, committer := newTestService(t, ledger.WindowAggregate{
		Count: 3, TotalCO2KG: 4.25, TotalDistanceKM: 30.4,
	})

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	rec, err := svc.GeneratePreview(context.Background(), from, to)
	if err != nil {
		t.Fatalf("generate preview: %v", err)
	}

	if rec.ImpactsCount != 3 || rec.TotalCO2KG != 4.25 {
		t.Fatalf("totals not carried: %+v", rec)
	}
	if rec.ReportHash == "" || rec.Signature == "" {
		t.Fatal("preview must carry a signed report hash")
	}
	if !svc.Signer.VerifyHash(rec.ReportHash, rec.Signature, rec.KeyVersion) {
		t.Fatal("report signature does not verify")
	}
	if !strings.HasPrefix(rec.ID, "aud_") || !strings.HasPrefix(rec.CorrelationID, "corr_") {
		t.Fatalf("unexpected identifiers: %+v", rec)
	}

	if len(committer.events) != 1 {
		t.Fatalf("committed %d events, want 1", len(committer.events))
	}
	evt := committer.events[0]
	if evt.EventType != EventTypeGenerated {
		t.Fatalf("event type = %q, want %q", evt.EventType, EventTypeGenerated)
	}
	if evt.AggregateID != rec.ID {
		t.Fatalf("event aggregate_id = %q, want preview id %q", evt.AggregateID, rec.ID)
	}
	if evt.CorrelationID() != rec.CorrelationID {
		t.Fatalf("event correlation = %q, want %q", evt.CorrelationID(), rec.CorrelationID)
	}
}

func TestGeneratePreviewRejectsInvalidWindow(t *testing.T) {
	svc, committer := newTestService(t, ledger.WindowAggregate{})

	at := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GeneratePreview(context.Background(), at, at); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("equal bounds: err = %v, want ErrInvalidWindow", err)
	}
	if _, err := svc.GeneratePreview(context.Background(), at, at.Add(-time.Hour)); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("inverted bounds: err = %v, want ErrInvalidWindow", err)
	}
	if len(committer.records) != 0 {
		t.Fatal("nothing must be committed for an invalid window")
	}
}

func TestGeneratePreviewHashCoversTotals(t *testing.T) {
	svcA, _ := newTestService(t, ledger.WindowAggregate{Count: 3, TotalCO2KG: 4.25, TotalDistanceKM: 30.4})
	svcB, _ := newTestService(t, ledger.WindowAggregate{Count: 3, TotalCO2KG: 4.26, TotalDistanceKM: 30.4})

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recA, err := svcA.GeneratePreview(context.Background(), from, to)
	if err != nil {
		t.Fatalf("generate preview: %v", err)
	}
	recB, err := svcB.GeneratePreview(context.Background(), from, to)
	if err != nil {
		t.Fatalf("generate preview: %v", err)
	}
	if recA.ReportHash == recB.ReportHash {
		t.Fatal("different totals must yield different report hashes")
	}
}

func TestGeneratePreviewPropagatesAggregateErrors(t *testing.T) {
	svc, committer := newTestService(t, ledger.WindowAggregate{})
	wantErr := errors.New("window scan failed")
	svc.Ledger = &fakeAggregates{err: wantErr}

	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	if _, err := svc.GeneratePreview(context.Background(), from, from.Add(time.Hour)); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want wrapped %v", err, wantErr)
	}
	if len(committer.records) != 0 {
		t.Fatal("nothing must be committed when aggregation fails")
	}
}

package impact

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berylholdingsa/berylecosysteme-sub000/internal/ledger"
	"github.com/berylholdingsa/berylecosysteme-sub000/internal/outbox"
)

// EventTypeCalculated is the broker topic for new ledger records.
const EventTypeCalculated = "greenos.impact.calculated"

const defaultHistoryLimit = 50

// HistoryReader supplies the user's recent ledger rows for scoring.
type HistoryReader interface {
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]ledger.Record, error)
}

// Binder commits one ledger record together with its outbox event, or
// neither. A replayed (idempotent) insert must not enqueue a second event.
type Binder interface {
	CommitWithEvent(ctx context.Context, rec ledger.Record, evt outbox.Event) (ledger.Record, bool, error)
}

// Service is the calculate-and-record path: engine output committed through
// the transactional binder.
type Service struct {
	Engine       *Engine
	History      HistoryReader
	Binder       Binder
	HistoryLimit int
}

func NewService(engine *Engine, history HistoryReader, binder Binder) *Service {
	return &Service{Engine: engine, History: history, Binder: binder, HistoryLimit: defaultHistoryLimit}
}

// Record computes the impact for req and persists it idempotently. The
// returned bool reports whether an identical (trip_id, model_version) row
// already existed, in which case that row is returned untouched.
func (s *Service) Record(ctx context.Context, req Request) (ledger.Record, bool, error) {
	history, err := s.History.ListRecentByUser(ctx, req.UserID, s.HistoryLimit)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("load history: %w", err)
	}
	rec, err := s.Engine.Calculate(req, history)
	if err != nil {
		return ledger.Record{}, false, err
	}

	evt := outbox.NewEvent("impact_ledger", rec.TripID, EventTypeCalculated, rec.CorrelationID, rec)
	return s.Binder.CommitWithEvent(ctx, rec, evt)
}

// TxBinder is the pgx implementation of Binder: one transaction spanning the
// ledger upsert and the outbox enqueue — the single hard transactional-scope
// requirement in the subsystem.
type TxBinder struct {
	DB     *pgxpool.Pool
	Ledger *ledger.Store
	Outbox *outbox.Store
}

func NewTxBinder(db *pgxpool.Pool, ledgerStore *ledger.Store, outboxStore *outbox.Store) *TxBinder {
	return &TxBinder{DB: db, Ledger: ledgerStore, Outbox: outboxStore}
}

func (b *TxBinder) CommitWithEvent(ctx context.Context, rec ledger.Record, evt outbox.Event) (ledger.Record, bool, error) {
	tx, err := b.DB.Begin(ctx)
	if err != nil {
		return ledger.Record{}, false, err
	}
	defer tx.Rollback(ctx)

	row, wasIdempotent, err := b.Ledger.CreateOrGetTx(ctx, tx, rec)
	if err != nil {
		return ledger.Record{}, false, err
	}
	if !wasIdempotent {
		if _, err := b.Outbox.InsertTx(ctx, tx, evt); err != nil {
			return ledger.Record{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Record{}, false, err
	}
	return row, wasIdempotent, nil
}

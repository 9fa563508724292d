// Package mrv implements the regulator-facing export path: versioned
// methodology snapshots, deterministic window aggregation with a
// non-double-counting proof, dual signing, and export verification.
package mrv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berylholdingsa/berylecosysteme-sub000/pkg/canonhash"
)

const (
	MethodologyActive     = "ACTIVE"
	MethodologyDeprecated = "DEPRECATED"
)

var (
	ErrNoActiveMethodology       = errors.New("no active methodology configured")
	ErrActiveMethodologyExists   = errors.New("an active methodology already exists")
	ErrMethodologyNotFound       = errors.New("methodology not found")
	ErrMethodologyIncomplete     = errors.New("methodology has empty required fields")
	ErrMethodologyScopeUncovered = errors.New("methodology scope exceeds configured country factors")
)

// Methodology is one immutable snapshot of the accounting methodology.
// Exports bind to it through Hash(), so later methodology changes cannot
// silently alter what a past export meant.
type Methodology struct {
	ID                     string    `json:"id"`
	Version                string    `json:"version"`
	BaselineDescription    string    `json:"baseline_description"`
	EmissionFactorSource   string    `json:"emission_factor_source"`
	ThermalFactorReference string    `json:"thermal_factor_reference"`
	EVFactorReference      string    `json:"ev_factor_reference"`
	CalculationFormula     string    `json:"calculation_formula"`
	GeographicScope        []string  `json:"geographic_scope"`
	ModelVersion           string    `json:"model_version"`
	Status                 string    `json:"status"`
	CreatedAt              time.Time `json:"created_at"`
}

// Hash covers every methodology field that defines accounting semantics.
func (m Methodology) Hash() (string, error) {
	h, _, err := canonhash.SumCanonical(map[string]any{
		"version":                  m.Version,
		"baseline_description":     m.BaselineDescription,
		"emission_factor_source":   m.EmissionFactorSource,
		"thermal_factor_reference": m.ThermalFactorReference,
		"ev_factor_reference":      m.EVFactorReference,
		"calculation_formula":      m.CalculationFormula,
		"geographic_scope":         m.GeographicScope,
		"model_version":            m.ModelVersion,
	})
	return h, err
}

// ValidateForExport enforces the preconditions the export engine requires
// before any signing work happens.
func (m Methodology) ValidateForExport() error {
	if strings.TrimSpace(m.BaselineDescription) == "" ||
		strings.TrimSpace(m.EmissionFactorSource) == "" ||
		strings.TrimSpace(m.ThermalFactorReference) == "" ||
		strings.TrimSpace(m.EVFactorReference) == "" {
		return ErrMethodologyIncomplete
	}
	return nil
}

const MethodologySchema = `
CREATE TABLE IF NOT EXISTS mrv_methodologies (
  id                        text PRIMARY KEY,
  version                   text NOT NULL,
  baseline_description      text NOT NULL,
  emission_factor_source    text NOT NULL,
  thermal_factor_reference  text NOT NULL,
  ev_factor_reference       text NOT NULL,
  calculation_formula       text NOT NULL,
  geographic_scope          text[] NOT NULL DEFAULT '{}',
  model_version             text NOT NULL,
  status                    text NOT NULL,
  created_at                timestamptz NOT NULL DEFAULT now()
)`

type MethodologyStore struct{ DB *pgxpool.Pool }

func NewMethodologyStore(db *pgxpool.Pool) *MethodologyStore { return &MethodologyStore{DB: db} }

// Create inserts a new methodology snapshot. Creating an ACTIVE one while
// another is ACTIVE is rejected; deprecate the old version first.
func (s *MethodologyStore) Create(ctx context.Context, m Methodology) (Methodology, error) {
	if m.ID == "" {
		m.ID = "mtd_" + uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MethodologyActive
	}
	if m.Status != MethodologyActive && m.Status != MethodologyDeprecated {
		return Methodology{}, fmt.Errorf("invalid methodology status %q", m.Status)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Methodology{}, err
	}
	defer tx.Rollback(ctx)

	// Serialize concurrent activations on one advisory lock.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('mrv_methodologies:active'))`); err != nil {
		return Methodology{}, err
	}
	if m.Status == MethodologyActive {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM mrv_methodologies WHERE status=$1 LIMIT 1`, MethodologyActive).Scan(&existing)
		if err == nil {
			return Methodology{}, fmt.Errorf("%w: %s", ErrActiveMethodologyExists, existing)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return Methodology{}, err
		}
	}

	scope := m.GeographicScope
	if scope == nil {
		scope = []string{}
	}
	err = tx.QueryRow(ctx, `
INSERT INTO mrv_methodologies(
  id,version,baseline_description,emission_factor_source,thermal_factor_reference,
  ev_factor_reference,calculation_formula,geographic_scope,model_version,status
)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING created_at
`, m.ID, m.Version, m.BaselineDescription, m.EmissionFactorSource, m.ThermalFactorReference,
		m.EVFactorReference, m.CalculationFormula, scope, m.ModelVersion, m.Status).Scan(&m.CreatedAt)
	if err != nil {
		return Methodology{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Methodology{}, err
	}
	m.GeographicScope = scope
	return m, nil
}

// Deprecate marks a methodology DEPRECATED. The snapshot row itself stays
// immutable in meaning: only the status field transitions, once.
func (s *MethodologyStore) Deprecate(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `
UPDATE mrv_methodologies SET status=$2 WHERE id=$1 AND status=$3
`, id, MethodologyDeprecated, MethodologyActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMethodologyNotFound
	}
	return nil
}

func (s *MethodologyStore) GetActive(ctx context.Context) (Methodology, error) {
	m, err := s.scanOne(ctx, `
SELECT id,version,baseline_description,emission_factor_source,thermal_factor_reference,
       ev_factor_reference,calculation_formula,geographic_scope,model_version,status,created_at
FROM mrv_methodologies WHERE status=$1
ORDER BY created_at DESC LIMIT 1
`, MethodologyActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return Methodology{}, ErrNoActiveMethodology
	}
	return m, err
}

func (s *MethodologyStore) Get(ctx context.Context, id string) (Methodology, error) {
	m, err := s.scanOne(ctx, `
SELECT id,version,baseline_description,emission_factor_source,thermal_factor_reference,
       ev_factor_reference,calculation_formula,geographic_scope,model_version,status,created_at
FROM mrv_methodologies WHERE id=$1
`, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return Methodology{}, ErrMethodologyNotFound
	}
	return m, err
}

func (s *MethodologyStore) scanOne(ctx context.Context, sql string, args ...any) (Methodology, error) {
	var m Methodology
	err := s.DB.QueryRow(ctx, sql, args...).Scan(
		&m.ID, &m.Version, &m.BaselineDescription, &m.EmissionFactorSource, &m.ThermalFactorReference,
		&m.EVFactorReference, &m.CalculationFormula, &m.GeographicScope, &m.ModelVersion, &m.Status, &m.CreatedAt,
	)
	return m, err
}

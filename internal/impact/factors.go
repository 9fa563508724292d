package impact

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrCountryFactorNotConfigured is returned for any country absent from the
// factor table. There is no fallback factor: a missing country is a
// configuration error, never a silent default.
var ErrCountryFactorNotConfigured = errors.New("country emission factors not configured")

// CountryFactors are the per-country grid emission factors in kg CO2 per km.
type CountryFactors struct {
	Thermal float64 `yaml:"thermal" json:"thermal"`
	EV      float64 `yaml:"ev" json:"ev"`
}

// FactorTable is the configured country -> factors catalogue. Immutable after
// load; lookups are safe for concurrent use.
type FactorTable struct {
	factors map[string]CountryFactors
}

type factorFile struct {
	Countries map[string]CountryFactors `yaml:"countries"`
}

// LoadFactorTable reads the YAML factor file, e.g.
//
//	countries:
//	  SN: {thermal: 0.192, ev: 0.052}
//	  CI: {thermal: 0.185, ev: 0.049}
func LoadFactorTable(path string) (*FactorTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read factor table: %w", err)
	}
	var file factorFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse factor table: %w", err)
	}
	if len(file.Countries) == 0 {
		return nil, fmt.Errorf("factor table %s configures no countries", path)
	}
	return NewFactorTable(file.Countries)
}

func NewFactorTable(countries map[string]CountryFactors) (*FactorTable, error) {
	t := &FactorTable{factors: map[string]CountryFactors{}}
	for code, f := range countries {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			return nil, fmt.Errorf("factor table has an empty country code")
		}
		if f.Thermal <= f.EV || f.EV < 0 {
			return nil, fmt.Errorf("factor table %s: thermal must exceed ev and ev must be >= 0", code)
		}
		t.factors[code] = f
	}
	return t, nil
}

func (t *FactorTable) Lookup(countryCode string) (CountryFactors, error) {
	f, ok := t.factors[strings.ToUpper(strings.TrimSpace(countryCode))]
	if !ok {
		return CountryFactors{}, fmt.Errorf("%w: %s", ErrCountryFactorNotConfigured, countryCode)
	}
	return f, nil
}

// Countries lists configured country codes, sorted.
func (t *FactorTable) Countries() []string {
	out := make([]string, 0, len(t.factors))
	for code := range t.factors {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// Covers reports whether every code in scope has configured factors.
func (t *FactorTable) Covers(scope []string) bool {
	for _, code := range scope {
		if _, err := t.Lookup(code); err != nil {
			return false
		}
	}
	return true
}

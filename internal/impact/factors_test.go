package impact

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFactorFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "factors.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write factor file: %v", err)
	}
	return path
}

func TestLoadFactorTable(t *testing.T) {
	path := writeFactorFile(t, `
countries:
  sn: {thermal: 0.192, ev: 0.052}
  CI: {thermal: 0.185, ev: 0.049}
`)
	table, err := LoadFactorTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	f, err := table.Lookup("sn")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if f.Thermal != 0.192 || f.EV != 0.052 {
		t.Fatalf("SN factors = %+v", f)
	}
	if _, err := table.Lookup("DE"); !errors.Is(err, ErrCountryFactorNotConfigured) {
		t.Fatalf("unknown country err = %v", err)
	}
}

func TestLoadFactorTableRejectsBadInput(t *testing.T) {
	if _, err := LoadFactorTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("missing file must fail")
	}
	if _, err := LoadFactorTable(writeFactorFile(t, "countries: {}\n")); err == nil {
		t.Fatal("empty catalogue must fail")
	}
	// Factor sanity checks run at load time too.
	if _, err := LoadFactorTable(writeFactorFile(t, "countries:\n  SN: {thermal: 0.052, ev: 0.192}\n")); err == nil {
		t.Fatal("ev >= thermal must fail")
	}
}

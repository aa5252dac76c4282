package roster

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/text/encoding/charmap"

	"bibwatch/internal/services"
)

func TestParseCommaSeparated(t *testing.T) {
	r, err := Parse([]byte("Number,Name\n007,Anna Smith\n12.0,Bob Jones\n,Nobody\n13,\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
	if bib, name, ok := r.Lookup("7"); !ok || bib != "7" || name != "Anna Smith" {
		t.Fatalf("Lookup(7) = %q %q %v", bib, name, ok)
	}
	if _, name, ok := r.Lookup("12"); !ok || name != "Bob Jones" {
		t.Fatalf("Lookup(12) = %q %v", name, ok)
	}
}

func TestParseSemicolonWithBOM(t *testing.T) {
	raw := append([]byte{0xEF, 0xBB, 0xBF}, []byte("№;ФИО;Клуб\n101;Петров Иван;Альфа\n")...)
	r, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, name, ok := r.Lookup("101"); !ok || name != "Петров Иван" {
		t.Fatalf("Lookup(101) = %q %v", name, ok)
	}
}

func TestParseWindows1251(t *testing.T) {
	encoded, err := charmap.Windows1251.NewEncoder().String("Номер;Атлет\r\n5;Сидорова\r\n")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	r, err := Parse([]byte(encoded))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, name, ok := r.Lookup("5"); !ok || name != "Сидорова" {
		t.Fatalf("Lookup(5) = %q %v", name, ok)
	}
}

func TestParseRejectsMissingColumns(t *testing.T) {
	_, err := Parse([]byte("bib,club\n1,Alpha\n"))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	r, err := Parse(nil)
	if err != nil || r.Len() != 0 {
		t.Fatalf("Parse(nil) = %v, %v", r, err)
	}
}

func TestNormalizeBib(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"123", "123", true},
		{" 0042 ", "42", true},
		{"1O7", "107", true},
		{"zs", "25", true},
		{"B-6", "86", true},
		{"GIT", "617", true},
		{"12345", "", false},
		{"000", "", false},
		{"", "", false},
		{"??", "", false},
	}
	for _, tc := range cases {
		got, ok := NormalizeBib(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NormalizeBib(%q) = %q %v, want %q %v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestLookupAppliesOCRSubstitutions(t *testing.T) {
	r, err := Parse([]byte("id,athlete\n108,Chris\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if bib, name, ok := r.Lookup("IO8"); !ok || bib != "108" || name != "Chris" {
		t.Fatalf("Lookup(IO8) = %q %q %v", bib, name, ok)
	}
	if _, _, ok := r.Lookup("109"); ok {
		t.Fatal("unknown bib should not match")
	}
	var nilRoster *Roster
	if _, _, ok := nilRoster.Lookup("108"); ok || nilRoster.Len() != 0 {
		t.Fatal("nil roster must match nothing")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.csv"))
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSaveStoresValidatedFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rosters")
	name, r, err := Save(dir, "../Start List", []byte("no;name\n1;Ann\n"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if name != "Start List.csv" || r.Len() != 1 {
		t.Fatalf("Save = %q, %d entries", name, r.Len())
	}
	loaded, err := Load(filepath.Join(dir, name))
	if err != nil || loaded.Len() != 1 {
		t.Fatalf("Load after Save = %v, %v", loaded, err)
	}
	if _, _, err := Save(dir, "bad.csv", []byte("a,b\n")); err == nil {
		t.Fatal("expected invalid roster to be rejected")
	}
	if _, err := os.Stat(filepath.Join(dir, "bad.csv")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("invalid roster must not be stored")
	}
}

package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/language"
	"golang.org/x/text/transform"

	"bibwatch/internal/fileutil"
	"bibwatch/internal/services"
	"bibwatch/internal/textutil"
)

const maxBibDigits = 4

var (
	numberAliases = []string{"number", "номер", "num", "id", "no", "№"}
	nameAliases   = []string{"name", "фио", "атлет", "athlete", "имя"}

	ocrReplacer = strings.NewReplacer(
		"Z", "2", "O", "0", "I", "1", "L", "1",
		"S", "5", "B", "8", "G", "6", "T", "7",
	)

	headerCaser = cases.Lower(language.Und)
	upperCaser  = cases.Upper(language.Und)
)

// Roster maps bib numbers to participant names.
type Roster struct {
	entries map[string]string
}

// Parse decodes a roster CSV.
func Parse(raw []byte) (*Roster, error) {
	text, err := decode(raw)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "roster", "decode", "Roster encoding not recognized", err)
	}
	r := &Roster{entries: make(map[string]string)}
	if strings.TrimSpace(text) == "" {
		return r, nil
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sniffDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "roster", "read header", "Roster header unreadable", err)
	}
	numCol, nameCol := pickColumn(header, numberAliases), pickColumn(header, nameAliases)
	if numCol < 0 || nameCol < 0 {
		return nil, services.Wrap(services.ErrValidation, "roster", "read header",
			"Roster needs a number column and a name column", nil)
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "roster", "read row", "Roster row unreadable", err)
		}
		if numCol >= len(record) || nameCol >= len(record) {
			continue
		}
		num := normalizeNumber(record[numCol])
		name := strings.TrimSpace(record[nameCol])
		if num != "" && name != "" {
			r.entries[num] = name
		}
	}
	return r, nil
}

// Load reads and parses the roster at path.
func Load(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrNotFound, "roster", "load", "Roster file not found: "+filepath.Base(path), err)
		}
		return nil, services.Wrap(services.ErrValidation, "roster", "load", "Roster file unreadable", err)
	}
	return Parse(raw)
}

// Save validates raw as a roster and stores it in dir under a sanitized
// form of name. It returns the stored file name and the parsed roster.
func Save(dir, name string, raw []byte) (string, *Roster, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return "", nil, err
	}
	fileName := textutil.EnsureExt(textutil.SafeFileName(name, "roster.csv"), ".csv")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, services.Wrap(services.ErrConfiguration, "roster", "save", "Failed to create roster directory", err)
	}
	target, err := fileutil.Contained(dir, fileName)
	if err != nil {
		return "", nil, services.Wrap(services.ErrValidation, "roster", "save", "Invalid roster file name", err)
	}
	partial := fileutil.PartialPath(target)
	if err := os.WriteFile(partial, raw, 0o644); err != nil {
		return "", nil, services.Wrap(services.ErrValidation, "roster", "save", "Failed to store roster", err)
	}
	if err := fileutil.Publish(partial, target); err != nil {
		return "", nil, services.Wrap(services.ErrValidation, "roster", "save", "Failed to store roster", err)
	}
	return fileName, parsed, nil
}

// Len returns the number of participants.
func (r *Roster) Len() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// Lookup maps raw recognized text to a bib and participant name.
func (r *Roster) Lookup(raw string) (bib, name string, ok bool) {
	if r == nil {
		return "", "", false
	}
	bib, ok = NormalizeBib(raw)
	if !ok {
		return "", "", false
	}
	name, ok = r.entries[bib]
	if !ok {
		return "", "", false
	}
	return bib, name, true
}

// NormalizeBib converts recognized text into a canonical bib number:
// confusable letters become digits, everything else non-numeric is dropped,
// and leading zeros are stripped. Results longer than four digits are
// rejected.
func NormalizeBib(raw string) (string, bool) {
	text := ocrReplacer.Replace(upperCaser.String(strings.TrimSpace(raw)))
	var digits strings.Builder
	for _, ch := range text {
		if ch >= '0' && ch <= '9' {
			digits.WriteRune(ch)
		}
	}
	bib := strings.TrimLeft(digits.String(), "0")
	if bib == "" || len(bib) > maxBibDigits {
		return "", false
	}
	return bib, true
}

func normalizeNumber(raw string) string {
	value := strings.TrimSpace(raw)
	if idx := strings.Index(value, "."); idx >= 0 {
		value = value[:idx]
	}
	trimmed := strings.TrimLeft(value, "0")
	if trimmed == "" && value == "0" {
		return "0"
	}
	return trimmed
}

func pickColumn(header []string, aliases []string) int {
	index := make(map[string]int, len(header))
	for i, h := range header {
		key := headerCaser.String(strings.TrimSpace(h))
		if _, seen := index[key]; key != "" && !seen {
			index[key] = i
		}
	}
	for _, alias := range aliases {
		if i, ok := index[alias]; ok {
			return i
		}
	}
	return -1
}

// sniffDelimiter picks ';' when the header line has more semicolons than
// commas.
func sniffDelimiter(text string) rune {
	line, _, _ := strings.Cut(text, "\n")
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

func decode(raw []byte) (string, error) {
	if utf8.Valid(raw) {
		out, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), raw)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	out, _, err := transform.Bytes(charmap.Windows1251.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("windows-1251: %w", err)
	}
	return string(out), nil
}

package confirm

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatTime renders whole seconds as MM:SS, switching to HH:MM:SS past the hour.
func FormatTime(seconds float64) string {
	s := int(seconds)
	if s < 0 {
		s = 0
	}
	h := s / 3600
	m := (s % 3600) / 60
	sec := s % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}

// ParseTime accepts SS, MM:SS, or HH:MM:SS and returns whole seconds.
func ParseTime(text string) (int, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	parts := strings.Split(text, ":")
	if len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

// ResultsText renders entries one per line as "TIME #BIB NAME".
func ResultsText(entries []Entry) string {
	var b strings.Builder
	for i, entry := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(entry.TimeText)
		b.WriteString(" #")
		b.WriteString(entry.Bib)
		if name := strings.TrimSpace(entry.Name); name != "" {
			b.WriteByte(' ')
			b.WriteString(name)
		}
	}
	return b.String()
}

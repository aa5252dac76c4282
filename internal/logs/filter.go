package logs

import (
	"encoding/json"
	"strings"

	"bibwatch/internal/logging"
)

// Filters narrows log lines by structured field. Empty fields match
// everything.
type Filters struct {
	JobID     string
	Component string
	// Level is the minimum level: debug, info, warn, or error.
	Level  string
	Search string
}

func (f Filters) empty() bool {
	return strings.TrimSpace(f.JobID) == "" &&
		strings.TrimSpace(f.Component) == "" &&
		strings.TrimSpace(f.Level) == "" &&
		strings.TrimSpace(f.Search) == ""
}

// Match reports whether line passes every filter. Lines that are not JSON
// only match when no structured filter is set.
func (f Filters) Match(line string) bool {
	if f.empty() {
		return true
	}
	if search := strings.TrimSpace(f.Search); search != "" &&
		!strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
		return false
	}
	if strings.TrimSpace(f.JobID) == "" && strings.TrimSpace(f.Component) == "" && strings.TrimSpace(f.Level) == "" {
		return true
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return false
	}
	if id := strings.TrimSpace(f.JobID); id != "" && fieldString(record, logging.FieldJobID) != id {
		return false
	}
	if component := strings.TrimSpace(f.Component); component != "" &&
		!strings.EqualFold(fieldString(record, logging.FieldComponent), component) {
		return false
	}
	if level := strings.TrimSpace(f.Level); level != "" &&
		levelRank(fieldString(record, "level")) < levelRank(level) {
		return false
	}
	return true
}

func fieldString(record map[string]any, key string) string {
	value, _ := record[key].(string)
	return value
}

func levelRank(level string) int {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return 0
	case "info", "":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}

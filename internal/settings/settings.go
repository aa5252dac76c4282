// Package settings holds the per-job tuning knobs that drive frame sampling
// and the confirmation engine.
package settings

import (
	"fmt"

	"bibwatch/internal/services"
)

// Settings are the tuning parameters applied to a single processing job.
type Settings struct {
	FrameIntervalSec  int `json:"frame_interval_sec" toml:"frame_interval_sec"`
	ConfLimit         int `json:"conf_limit" toml:"conf_limit"`
	SessionTimeoutSec int `json:"session_timeout_sec" toml:"session_timeout_sec"`
	PhantomTimeoutSec int `json:"phantom_timeout_sec" toml:"phantom_timeout_sec"`
}

// Bounds is an inclusive integer range.
type Bounds struct {
	Min int
	Max int
}

func (b Bounds) clamp(v int) int {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

var (
	FrameIntervalBounds  = Bounds{Min: 1, Max: 30}
	ConfLimitBounds      = Bounds{Min: 1, Max: 10}
	SessionTimeoutBounds = Bounds{Min: 10, Max: 3600}
	PhantomTimeoutBounds = Bounds{Min: 5, Max: 3600}
)

// Default returns the settings used when a job does not supply its own.
func Default() Settings {
	return Settings{
		FrameIntervalSec:  3,
		ConfLimit:         3,
		SessionTimeoutSec: 240,
		PhantomTimeoutSec: 60,
	}
}

// Clamp forces every field into its allowed range. Zero values fall back to
// the defaults first so partially filled requests stay usable.
func (s Settings) Clamp() Settings {
	def := Default()
	if s.FrameIntervalSec == 0 {
		s.FrameIntervalSec = def.FrameIntervalSec
	}
	if s.ConfLimit == 0 {
		s.ConfLimit = def.ConfLimit
	}
	if s.SessionTimeoutSec == 0 {
		s.SessionTimeoutSec = def.SessionTimeoutSec
	}
	if s.PhantomTimeoutSec == 0 {
		s.PhantomTimeoutSec = def.PhantomTimeoutSec
	}
	s.FrameIntervalSec = FrameIntervalBounds.clamp(s.FrameIntervalSec)
	s.ConfLimit = ConfLimitBounds.clamp(s.ConfLimit)
	s.SessionTimeoutSec = SessionTimeoutBounds.clamp(s.SessionTimeoutSec)
	s.PhantomTimeoutSec = PhantomTimeoutBounds.clamp(s.PhantomTimeoutSec)
	return s
}

// Validate reports the first field outside its allowed range.
func (s Settings) Validate() error {
	checks := []struct {
		name   string
		value  int
		bounds Bounds
	}{
		{"frame_interval_sec", s.FrameIntervalSec, FrameIntervalBounds},
		{"conf_limit", s.ConfLimit, ConfLimitBounds},
		{"session_timeout_sec", s.SessionTimeoutSec, SessionTimeoutBounds},
		{"phantom_timeout_sec", s.PhantomTimeoutSec, PhantomTimeoutBounds},
	}
	for _, c := range checks {
		if c.value < c.bounds.Min || c.value > c.bounds.Max {
			return services.Wrap(services.ErrValidation, "settings", "validate",
				fmt.Sprintf("%s must be between %d and %d, got %d", c.name, c.bounds.Min, c.bounds.Max, c.value), nil)
		}
	}
	return nil
}

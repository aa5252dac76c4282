package confirm

import (
	"sort"
)

// Detection is one matched bib sighting in a frame.
type Detection struct {
	Bib  string
	Name string
}

// Entry is a confirmed crossing.
type Entry struct {
	TimeSeconds float64 `json:"time"`
	TimeText    string  `json:"time_text"`
	Bib         string  `json:"bib"`
	Name        string  `json:"name"`
}

// Candidate is an unconfirmed bib accumulating sightings.
type Candidate struct {
	Bib             string  `json:"bib"`
	Count           int     `json:"count"`
	FirstSeenText   string  `json:"first_seen_text"`
	FirstSeenSec    float64 `json:"first_seen"`
	Name            string  `json:"name"`
	LastSeenSeconds float64 `json:"last_seen"`
}

// Params configures an Engine. Timeouts are expressed in seconds of video time.
type Params struct {
	ConfLimit      int
	SessionTimeout float64
	PhantomTimeout float64
}

// Engine tracks candidates and confirmations across frames of a single video.
type Engine struct {
	params        Params
	candidates    map[string]*Candidate
	lastConfirmed map[string]float64
	results       []Entry
}

// NewEngine constructs an engine. A confirmation limit below one is treated as one.
func NewEngine(params Params) *Engine {
	if params.ConfLimit < 1 {
		params.ConfLimit = 1
	}
	return &Engine{
		params:        params,
		candidates:    make(map[string]*Candidate),
		lastConfirmed: make(map[string]float64),
	}
}

// ProcessFrame applies the detections observed at frameSec and returns the
// entries confirmed by this frame, in detection order.
func (e *Engine) ProcessFrame(detections []Detection, frameSec float64, frameText string) []Entry {
	for bib, cand := range e.candidates {
		if frameSec-cand.LastSeenSeconds > e.params.PhantomTimeout {
			delete(e.candidates, bib)
		}
	}

	var confirmed []Entry
	for _, det := range detections {
		if det.Bib == "" {
			continue
		}
		if last, ok := e.lastConfirmed[det.Bib]; ok && frameSec-last < e.params.SessionTimeout {
			continue
		}

		cand, open := e.candidates[det.Bib]
		if !open {
			// Opening a candidate never confirms, even with a limit of one.
			e.candidates[det.Bib] = &Candidate{
				Bib:             det.Bib,
				Count:           1,
				FirstSeenText:   frameText,
				FirstSeenSec:    frameSec,
				Name:            det.Name,
				LastSeenSeconds: frameSec,
			}
			continue
		}
		cand.LastSeenSeconds = frameSec
		cand.Count++
		if cand.Count < e.params.ConfLimit {
			continue
		}
		entry := Entry{
			TimeSeconds: cand.FirstSeenSec,
			TimeText:    cand.FirstSeenText,
			Bib:         det.Bib,
			Name:        det.Name,
		}
		e.results = append(e.results, entry)
		e.lastConfirmed[det.Bib] = frameSec
		delete(e.candidates, det.Bib)
		confirmed = append(confirmed, entry)
	}
	return confirmed
}

// Results returns the confirmed entries ordered by crossing time.
func (e *Engine) Results() []Entry {
	out := make([]Entry, len(e.results))
	copy(out, e.results)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimeSeconds < out[j].TimeSeconds
	})
	return out
}

// Candidates returns a snapshot of the open candidates ordered by bib.
func (e *Engine) Candidates() []Candidate {
	out := make([]Candidate, 0, len(e.candidates))
	for _, cand := range e.candidates {
		out = append(out, *cand)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Bib < out[j].Bib
	})
	return out
}

// Candidate reports the open candidate for bib, if any.
func (e *Engine) Candidate(bib string) (Candidate, bool) {
	cand, ok := e.candidates[bib]
	if !ok {
		return Candidate{}, false
	}
	return *cand, true
}

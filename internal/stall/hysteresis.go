// Package stall detects datasources and oracle participants that hold a flat price while the
// market moves, with hysteresis so a single evaluation never flips an alert.
package stall

import "oracle-health-alerts/internal/storage"

// Transition is the alert-relevant effect of one evaluation.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOpened
	TransitionCleared
)

func (t Transition) String() string {
	switch t {
	case TransitionOpened:
		return "opened"
	case TransitionCleared:
		return "cleared"
	default:
		return "none"
	}
}

// Hysteresis holds the consecutive-evaluation thresholds of one detector.
type Hysteresis struct {
	OpenAfter  int
	ClearAfter int
}

// Step is the outcome of applying one evaluation to a state.
type Step struct {
	Prev       storage.StallState
	Next       storage.StallState
	Transition Transition
	// Replayed is set when the state already reflects runID; nothing changed.
	Replayed bool
}

// Apply folds one evaluation into prev. A stalled state stays stalled through good evaluations
// until ClearAfter of them arrive in a row; a candidate never opens without OpenAfter bad ones.
func (h Hysteresis) Apply(prev storage.StallState, found, bad bool, runID int64) Step {
	if !found {
		prev.Status = storage.StallOK
	} else if prev.LastSeenRunID == runID {
		return Step{Prev: prev, Next: prev, Replayed: true}
	}

	next := prev
	next.LastSeenRunID = runID
	if bad {
		next.ConsecBad = prev.ConsecBad + 1
		next.ConsecGood = 0
		if next.FirstBadRunID == nil {
			first := runID
			next.FirstBadRunID = &first
		}
		if prev.IsOpen() || next.ConsecBad >= h.openAfter() {
			next.Status = storage.StallStalled
		} else {
			next.Status = storage.StallCandidate
		}
	} else {
		next.ConsecGood = prev.ConsecGood + 1
		next.ConsecBad = 0
		switch {
		case prev.Status == storage.StallOK:
			next.FirstBadRunID = nil
		case next.ConsecGood >= h.clearAfter():
			next.Status = storage.StallOK
			next.FirstBadRunID = nil
		}
	}

	step := Step{Prev: prev, Next: next}
	switch {
	case !prev.IsOpen() && next.IsOpen():
		step.Transition = TransitionOpened
	case prev.IsOpen() && !next.IsOpen():
		step.Transition = TransitionCleared
	}
	return step
}

func (h Hysteresis) openAfter() int {
	if h.OpenAfter < 1 {
		return 1
	}
	return h.OpenAfter
}

func (h Hysteresis) clearAfter() int {
	if h.ClearAfter < 1 {
		return 1
	}
	return h.ClearAfter
}

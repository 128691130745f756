package detect

import (
	"time"
)

// State is the debounced presence state of the slate in the stream.
type State int

const (
	// StateUnknown is the initial state before the first stable run.
	StateUnknown State = iota
	// StateAbsent means the slate is confirmed absent.
	StateAbsent
	// StatePresent means the slate is confirmed present.
	StatePresent
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StatePresent:
		return "present"
	default:
		return "unknown"
	}
}

// Transition is emitted exactly once per confirmed state change. The
// initial settling out of StateUnknown does not emit one.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine converts a noisy per-frame score stream into debounced
// transitions. Single owner: only the scoring stage calls Observe.
//
// Hysteresis rule: a score on the opposite side of the threshold from the
// current run resets that run, so the counter restarts at 1 on the new
// side. No weighted averaging, no partial credit.
//
// Multiple references combine with logical OR: the frame counts as
// "slate present" if any reference crosses the threshold. Each reference
// keeps its own above-threshold run counter; absence requires every
// reference to stay below for the full debounce run.
type Machine struct {
	threshold float64
	debounce  int

	state          State
	aboveRuns      map[string]int
	belowRun       int
	lastTransition time.Time
}

// NewMachine builds a state machine in StateUnknown. threshold must be in
// (0,1] and debounce >= 1; config validation guarantees both.
func NewMachine(threshold float64, debounce int, labels []string) *Machine {
	runs := make(map[string]int, len(labels))
	for _, l := range labels {
		runs[l] = 0
	}
	return &Machine{
		threshold: threshold,
		debounce:  debounce,
		state:     StateUnknown,
		aboveRuns: runs,
	}
}

// State returns the current debounced state.
func (m *Machine) State() State { return m.state }

// LastTransition returns when the state last changed (zero before the
// first confirmed transition).
func (m *Machine) LastTransition() time.Time { return m.lastTransition }

// Observe classifies one frame's scores and returns a Transition if this
// frame confirms a state change, nil otherwise.
func (m *Machine) Observe(scores map[string]float64, at time.Time) *Transition {
	present := false
	maxAboveRun := 0
	for label := range m.aboveRuns {
		if scores[label] >= m.threshold {
			present = true
			m.aboveRuns[label]++
			if m.aboveRuns[label] > maxAboveRun {
				maxAboveRun = m.aboveRuns[label]
			}
		} else {
			m.aboveRuns[label] = 0
		}
	}

	if present {
		m.belowRun = 0
	} else {
		m.belowRun++
	}

	var confirmed State
	switch {
	case present && maxAboveRun >= m.debounce:
		confirmed = StatePresent
	case !present && m.belowRun >= m.debounce:
		confirmed = StateAbsent
	default:
		return nil
	}

	if confirmed == m.state {
		// Already stable on this side; never re-emit.
		return nil
	}

	from := m.state
	m.state = confirmed
	m.lastTransition = at

	if from == StateUnknown {
		// Startup settling is not a change worth reporting.
		return nil
	}
	return &Transition{From: from, To: confirmed, At: at}
}

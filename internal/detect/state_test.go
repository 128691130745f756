package detect

import (
	"testing"
	"time"
)

func scoresOf(v float64) map[string]float64 {
	return map[string]float64{"slate": v}
}

// feed runs a score sequence through the machine and returns every emitted
// transition.
func feed(m *Machine, seq []float64) []*Transition {
	var out []*Transition
	at := time.Unix(1700000000, 0)
	for i, v := range seq {
		if tr := m.Observe(scoresOf(v), at.Add(time.Duration(i)*time.Second)); tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

func TestMachineCleanAppearance(t *testing.T) {
	m := NewMachine(0.9, 3, []string{"slate"})

	// Settle into absent first; startup settling emits nothing.
	if trs := feed(m, []float64{0.1, 0.1, 0.1}); len(trs) != 0 {
		t.Fatalf("startup settling emitted %d transitions, want 0", len(trs))
	}
	if m.State() != StateAbsent {
		t.Fatalf("state = %v, want absent", m.State())
	}

	trs := feed(m, []float64{0.95, 0.95, 0.95})
	if len(trs) != 1 {
		t.Fatalf("got %d transitions, want 1", len(trs))
	}
	if trs[0].From != StateAbsent || trs[0].To != StatePresent {
		t.Fatalf("transition %v -> %v, want absent -> present", trs[0].From, trs[0].To)
	}
	if m.State() != StatePresent {
		t.Fatalf("state = %v, want present", m.State())
	}
}

func TestMachineFlapImmunity(t *testing.T) {
	m := NewMachine(0.9, 3, []string{"slate"})
	feed(m, []float64{0.1, 0.1, 0.1}) // settle absent

	// Two above, one below: the run resets before confirmation.
	trs := feed(m, []float64{0.95, 0.95, 0.1})
	if len(trs) != 0 {
		t.Fatalf("flap emitted %d transitions, want 0", len(trs))
	}
	if m.State() != StateAbsent {
		t.Fatalf("state = %v, want absent after flap", m.State())
	}

	// The run restarts from 1 on the next above frame.
	trs = feed(m, []float64{0.95, 0.95})
	if len(trs) != 0 {
		t.Fatalf("partial run emitted %d transitions, want 0", len(trs))
	}
	trs = feed(m, []float64{0.95})
	if len(trs) != 1 || trs[0].To != StatePresent {
		t.Fatalf("completed run got %v, want one transition to present", trs)
	}
}

func TestMachineDisappearanceWithBlip(t *testing.T) {
	m := NewMachine(0.9, 3, []string{"slate"})
	feed(m, []float64{0.95, 0.95, 0.95}) // settle present

	// Two below, a blip above, then a full below run.
	trs := feed(m, []float64{0.1, 0.1, 0.95, 0.1, 0.1})
	if len(trs) != 0 {
		t.Fatalf("incomplete below run emitted %d transitions, want 0", len(trs))
	}
	trs = feed(m, []float64{0.1})
	if len(trs) != 1 {
		t.Fatalf("got %d transitions, want 1", len(trs))
	}
	if trs[0].From != StatePresent || trs[0].To != StateAbsent {
		t.Fatalf("transition %v -> %v, want present -> absent", trs[0].From, trs[0].To)
	}
}

func TestMachineIdempotentWhileStable(t *testing.T) {
	m := NewMachine(0.9, 2, []string{"slate"})
	feed(m, []float64{0.95, 0.95}) // settle present

	trs := feed(m, []float64{0.95, 0.95, 0.95, 0.95, 0.95})
	if len(trs) != 0 {
		t.Fatalf("stable presence emitted %d transitions, want 0", len(trs))
	}
}

func TestMachineThresholdBoundary(t *testing.T) {
	m := NewMachine(0.9, 1, []string{"slate"})
	feed(m, []float64{0.1}) // settle absent

	// A score exactly at the threshold counts as present.
	trs := feed(m, []float64{0.9})
	if len(trs) != 1 || trs[0].To != StatePresent {
		t.Fatalf("score at threshold got %v, want transition to present", trs)
	}
}

func TestMachineMultipleReferencesOr(t *testing.T) {
	m := NewMachine(0.9, 2, []string{"intro", "outro"})
	at := time.Unix(1700000000, 0)

	// Settle absent.
	for i := 0; i < 2; i++ {
		m.Observe(map[string]float64{"intro": 0.1, "outro": 0.1}, at)
	}
	if m.State() != StateAbsent {
		t.Fatalf("state = %v, want absent", m.State())
	}

	t.Run("any reference above confirms presence", func(t *testing.T) {
		m.Observe(map[string]float64{"intro": 0.1, "outro": 0.95}, at)
		tr := m.Observe(map[string]float64{"intro": 0.1, "outro": 0.95}, at)
		if tr == nil || tr.To != StatePresent {
			t.Fatalf("got %v, want transition to present", tr)
		}
	})

	t.Run("absence requires every reference below", func(t *testing.T) {
		// outro drops but intro rises: still present, no transition.
		m.Observe(map[string]float64{"intro": 0.95, "outro": 0.1}, at)
		tr := m.Observe(map[string]float64{"intro": 0.95, "outro": 0.1}, at)
		if tr != nil {
			t.Fatalf("got %v, want nil while any reference matches", tr)
		}
		if m.State() != StatePresent {
			t.Fatalf("state = %v, want present", m.State())
		}

		m.Observe(map[string]float64{"intro": 0.1, "outro": 0.1}, at)
		tr = m.Observe(map[string]float64{"intro": 0.1, "outro": 0.1}, at)
		if tr == nil || tr.To != StateAbsent {
			t.Fatalf("got %v, want transition to absent", tr)
		}
	})
}

func TestMachineNoEventOutOfUnknown(t *testing.T) {
	for _, tc := range []struct {
		name string
		seq  []float64
		want State
	}{
		{"settles present", []float64{0.95, 0.95}, StatePresent},
		{"settles absent", []float64{0.1, 0.1}, StateAbsent},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMachine(0.9, 2, []string{"slate"})
			if trs := feed(m, tc.seq); len(trs) != 0 {
				t.Fatalf("emitted %d transitions out of unknown, want 0", len(trs))
			}
			if m.State() != tc.want {
				t.Fatalf("state = %v, want %v", m.State(), tc.want)
			}
		})
	}
}

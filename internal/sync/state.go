package sync

import "fmt"

// Phase is the lifecycle state of one mapping within a run
type Phase string

const (
	PhaseLoaded    Phase = "loaded"
	PhaseScanned   Phase = "scanned"
	PhasePlanned   Phase = "planned"
	PhaseExecuting Phase = "executing"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// IsTerminal reports whether no further transition is possible from p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

func isAllowedTransition(from, to Phase) bool {
	switch from {
	case PhaseLoaded:
		return to == PhaseScanned || to == PhaseFailed
	case PhaseScanned:
		return to == PhasePlanned || to == PhaseFailed
	case PhasePlanned:
		return to == PhaseExecuting
	case PhaseExecuting:
		// Partial action failures still complete the mapping.
		return to == PhaseCompleted
	default:
		return false
	}
}

// transition moves m from its current phase to next. The report is left
// untouched when the transition is not allowed.
func (m *MappingReport) transition(next Phase) error {
	if !isAllowedTransition(m.Phase, next) {
		return fmt.Errorf("mapping %q: disallowed transition %s -> %s", m.Name, m.Phase, next)
	}
	m.Phase = next
	return nil
}

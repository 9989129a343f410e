package model

import "fmt"

// transitions is the complete lifecycle table. Anything not listed is rejected.
var transitions = map[RunStatus][]RunStatus{
	RunStatusQueued:  {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusSucceeded, RunStatusFailed, RunStatusCancelled},
}

// CanTransition reports whether a single hop from -> to is in the table.
func CanTransition(from, to RunStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError describes a status change the lifecycle table does not allow.
type TransitionError struct {
	From RunStatus
	To   RunStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// Route returns the hops needed to move a run from its current status to the
// requested one. A terminal report for a run that never reported progress is
// routed through running, because the automation must have started it.
// The returned slice excludes from and ends with to.
func Route(from, to RunStatus) ([]RunStatus, error) {
	if CanTransition(from, to) {
		return []RunStatus{to}, nil
	}
	if from == RunStatusQueued && CanTransition(RunStatusRunning, to) {
		return []RunStatus{RunStatusRunning, to}, nil
	}
	return nil, &TransitionError{From: from, To: to}
}

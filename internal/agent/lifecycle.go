package agent

import (
	"fmt"
	"time"
)

// transitions is the complete edge set of the status machine. Delete is
// allowed from every state and handled by the service.
var transitions = map[Status]map[Action]Status{
	StatusDraft:  {ActionActivate: StatusActive},
	StatusActive: {ActionPause: StatusPaused, ActionDisable: StatusDisabled},
	StatusPaused: {ActionResume: StatusActive, ActionDisable: StatusDisabled},
}

// CanTransition reports whether action is allowed from status.
func CanTransition(from Status, action Action) bool {
	_, ok := transitions[from][action]
	return ok
}

// Transition applies action to d at now. It never mutates d; on error the
// returned Definition is the zero value.
func Transition(d Definition, action Action, now time.Time) (Definition, error) {
	to, ok := transitions[d.Status][action]
	if !ok {
		return Definition{}, fmt.Errorf("%w: cannot %s an agent in status %s", ErrInvalidTransition, action, d.Status)
	}

	next := d
	next.Status = to
	switch action {
	case ActionActivate:
		next.ActivatedAt = ptr(now)
		next.ResumedAt = nil
		next.LastRunAt = nil
		next.FailureCount = 0
	case ActionResume:
		// Missed occurrences are not replayed: scheduling restarts from now.
		next.ResumedAt = ptr(now)
		next.FailureCount = 0
	}

	if to == StatusActive {
		next.NextRunAt = next.nextRunAt(now)
	} else {
		next.NextRunAt = nil
	}
	next.UpdatedAt = laterOf(d.UpdatedAt, now)
	return next, nil
}

// laterOf keeps UpdatedAt monotonic when the clock steps backwards.
func laterOf(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}

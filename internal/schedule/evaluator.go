package schedule

import "time"

// State is the part of an agent the evaluator reads. Zero times mean "unset".
type State struct {
	Active      bool
	Schedule    Schedule
	ActivatedAt time.Time
	ResumedAt   time.Time
	// LastRunAt is when the most recent run started.
	LastRunAt time.Time
}

// DueAt returns the instant from which the agent is due. ok is false when the
// agent is never due (inactive, or the schedule has no further occurrence).
//
// Interval cadences are anchored on the later of LastRunAt and ResumedAt; with
// neither set the agent is due as soon as it is active. Cron cadences fire at
// the first occurrence at or after the later of ActivatedAt and ResumedAt that
// has not already been consumed by LastRunAt.
func DueAt(st State) (due time.Time, ok bool) {
	if !st.Active {
		return time.Time{}, false
	}

	switch st.Schedule.Kind() {
	case KindInterval:
		anchor := latest(st.LastRunAt, st.ResumedAt)
		if anchor.IsZero() {
			return st.ActivatedAt, true
		}
		return anchor.Add(st.Schedule.Interval()), true

	case KindCron:
		base := latest(st.ActivatedAt, st.ResumedAt)
		var next time.Time
		switch {
		case !st.LastRunAt.IsZero() && !st.LastRunAt.Before(base):
			next = st.Schedule.Next(st.LastRunAt)
		case !base.IsZero():
			next = st.Schedule.nextAtOrAfter(base)
		}
		if next.IsZero() {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

// IsDue reports whether a run should start at now.
func IsDue(st State, now time.Time) bool {
	due, ok := DueAt(st)
	return ok && !now.Before(due)
}

// NextRunAfter returns the earliest instant at or after from at which the
// agent is due, or the zero time if it never will be. Missed occurrences
// collapse into a single run at from; they are not replayed.
func NextRunAfter(st State, from time.Time) time.Time {
	due, ok := DueAt(st)
	if !ok {
		return time.Time{}
	}
	if due.Before(from) {
		return from
	}
	return due
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

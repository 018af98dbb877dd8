package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
)

func TestRecordRunStartUpdatesSchedule(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	def := createActive(t, svc, "alice")

	clock.Advance(10 * time.Second)
	run, err := svc.RecordRunStart(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, run.Outcome)
	assert.Equal(t, now, run.ScheduledFor, "scheduled for the due instant")
	assert.Equal(t, now.Add(10*time.Second), run.StartedAt)
	assert.Empty(t, run.SignalIDs)

	got, err := svc.Get(ctx, "alice", def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, run.StartedAt, *got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, run.StartedAt.Add(5*time.Minute), *got.NextRunAt)

	st, err := got.ScheduleState()
	require.NoError(t, err)
	assert.False(t, schedule.IsDue(st, clock.Now()))
}

func TestRecordRunStartRequiresActive(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	draft, _ := svc.Create(ctx, "alice", validInput())
	_, err := svc.RecordRunStart(ctx, draft.ID)
	assert.ErrorIs(t, err, ErrAgentNotActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = svc.RecordRunStart(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

// Two concurrent starts for one agent: exactly one wins, the other sees
// ErrRunAlreadyInProgress.
func TestRecordRunStartConcurrentSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	def := createActive(t, svc, "alice")

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordRunStart(ctx, def.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrRunAlreadyInProgress):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
	assert.Equal(t, callers-1, rejected)
}

func TestRecordRunOutcomeIdempotent(t *testing.T) {
	svc, clock, _ := newTestService(t)
	ctx := context.Background()
	def := createActive(t, svc, "alice")

	run, err := svc.RecordRunStart(ctx, def.ID)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	o := Outcome{Kind: OutcomeSucceeded, SignalIDs: []string{"sig-1", "sig-2"}}
	first, err := svc.RecordRunOutcome(ctx, run.ID, o)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, first.Outcome)
	require.NotNil(t, first.FinishedAt)
	assert.False(t, first.FinishedAt.Before(first.StartedAt))

	clock.Advance(time.Minute)
	again, err := svc.RecordRunOutcome(ctx, run.ID, o)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = svc.RecordRunOutcome(ctx, run.ID, Outcome{Kind: OutcomeFailed, ErrorDetail: "boom"})
	assert.ErrorIs(t, err, ErrRunAlreadyFinished)

	_, err = svc.RecordRunOutcome(ctx, run.ID, Outcome{Kind: OutcomeSucceeded, SignalIDs: []string{"sig-2", "sig-1"}})
	assert.ErrorIs(t, err, ErrRunAlreadyFinished, "signal order matters")

	// The agent can start again once the run finished.
	_, err = svc.RecordRunStart(ctx, def.ID)
	assert.NoError(t, err)
}

func TestRecordRunOutcomeRejectsPending(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	def := createActive(t, svc, "alice")
	run, _ := svc.RecordRunStart(ctx, def.ID)

	_, err := svc.RecordRunOutcome(ctx, run.ID, Outcome{Kind: OutcomePending})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.RecordRunOutcome(ctx, uuid.New(), Outcome{Kind: OutcomeSkipped})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishRunChecksOwnership(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	def := createActive(t, svc, "alice")
	run, _ := svc.StartRun(ctx, "alice", def.ID)

	_, err := svc.FinishRun(ctx, "bob", def.ID, run.ID, Outcome{Kind: OutcomeSkipped})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.FinishRun(ctx, "alice", uuid.New(), run.ID, Outcome{Kind: OutcomeSkipped})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.FinishRun(ctx, "alice", def.ID, run.ID, Outcome{Kind: OutcomeSkipped})
	assert.NoError(t, err)
}

func runOnce(t *testing.T, svc *Service, clock *fakeClock, id uuid.UUID, kind OutcomeKind) {
	t.Helper()
	ctx := context.Background()
	run, err := svc.RecordRunStart(ctx, id)
	require.NoError(t, err)
	_, err = svc.RecordRunOutcome(ctx, run.ID, Outcome{Kind: kind, ErrorDetail: "detail"})
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)
}

func TestFailureStreakAutoPauses(t *testing.T) {
	svc, clock, _ := newTestService(t, WithMaxConsecutiveFailures(3))
	ctx := context.Background()
	def := createActive(t, svc, "alice")

	runOnce(t, svc, clock, def.ID, OutcomeFailed)
	runOnce(t, svc, clock, def.ID, OutcomeFailed)
	runOnce(t, svc, clock, def.ID, OutcomeSucceeded)

	got, _ := svc.Get(ctx, "alice", def.ID)
	assert.Equal(t, 0, got.FailureCount, "success resets the streak")

	runOnce(t, svc, clock, def.ID, OutcomeFailed)
	runOnce(t, svc, clock, def.ID, OutcomeSkipped)
	runOnce(t, svc, clock, def.ID, OutcomeFailed)
	got, _ = svc.Get(ctx, "alice", def.ID)
	assert.Equal(t, 2, got.FailureCount, "skips do not reset the streak")
	assert.Equal(t, StatusActive, got.Status)

	runOnce(t, svc, clock, def.ID, OutcomeFailed)
	got, _ = svc.Get(ctx, "alice", def.ID)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRunAt)

	resumed, err := svc.Transition(ctx, "alice", def.ID, ActionResume)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed.FailureCount)
}

func TestFailureStreakDisabled(t *testing.T) {
	svc, clock, _ := newTestService(t, WithMaxConsecutiveFailures(0))
	def := createActive(t, svc, "alice")
	for i := 0; i < 8; i++ {
		runOnce(t, svc, clock, def.ID, OutcomeFailed)
	}
	got, _ := svc.Get(context.Background(), "alice", def.ID)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 8, got.FailureCount)
}

func TestListRunsNewestFirst(t *testing.T) {
	svc, clock, _ := newTestService(t)
	def := createActive(t, svc, "alice")
	for i := 0; i < 3; i++ {
		runOnce(t, svc, clock, def.ID, OutcomeSucceeded)
	}

	runs, err := svc.ListRuns(context.Background(), "alice", def.ID, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))
}

// For any sequence of reported outcomes, a finished run keeps its first
// outcome and every later report is either a no-op or ErrRunAlreadyFinished.
func TestPropertyOutcomeFirstWriteWins(t *testing.T) {
	kinds := []OutcomeKind{OutcomeSucceeded, OutcomeFailed, OutcomeSkipped}
	rapid.Check(t, func(rt *rapid.T) {
		svc, _, _ := newTestService(t, WithMaxConsecutiveFailures(0))
		ctx := context.Background()
		def := createActive(t, svc, "alice")
		run, err := svc.RecordRunStart(ctx, def.ID)
		if err != nil {
			rt.Fatalf("start: %v", err)
		}

		genOutcome := rapid.Custom(func(t *rapid.T) Outcome {
			return Outcome{
				Kind:      rapid.SampledFrom(kinds).Draw(t, "kind"),
				SignalIDs: rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b"}), 0, 2).Draw(t, "signals"),
			}
		})
		first := genOutcome.Draw(rt, "first")
		want, err := svc.RecordRunOutcome(ctx, run.ID, first)
		if err != nil {
			rt.Fatalf("first outcome: %v", err)
		}

		n := rapid.IntRange(1, 5).Draw(rt, "reports")
		for i := 0; i < n; i++ {
			o := genOutcome.Draw(rt, "next")
			got, err := svc.RecordRunOutcome(ctx, run.ID, o)
			switch {
			case err == nil:
				if got.Outcome != want.Outcome || len(got.SignalIDs) != len(want.SignalIDs) {
					rt.Fatalf("run changed from %+v to %+v", want, got)
				}
			case errors.Is(err, ErrRunAlreadyFinished):
			default:
				rt.Fatalf("unexpected error: %v", err)
			}
		}
	})
}

func TestListRunsPageSize(t *testing.T) {
	svc, clock, _ := newTestService(t)
	def := createActive(t, svc, "alice")
	for i := 0; i < maxRunsLimit+5; i++ {
		runOnce(t, svc, clock, def.ID, OutcomeSucceeded)
	}

	for _, tt := range []struct {
		limit int
		want  int
	}{
		{0, defaultRunsLimit},
		{-1, defaultRunsLimit},
		{7, 7},
		{maxRunsLimit, maxRunsLimit},
		{500, maxRunsLimit},
	} {
		runs, err := svc.ListRuns(context.Background(), "alice", def.ID, tt.limit)
		require.NoError(t, err)
		assert.Len(t, runs, tt.want, "limit %d", tt.limit)
	}
}

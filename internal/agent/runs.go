package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/store"
)

// RecordRunStart opens a pending run for an active agent. At most one run per
// agent is pending at a time; a concurrent or overlapping start fails with
// ErrRunAlreadyInProgress.
func (s *Service) RecordRunStart(ctx context.Context, agentID uuid.UUID) (Run, error) {
	return s.startRun(ctx, "", agentID)
}

// StartRun is RecordRunStart for a request made on behalf of ownerID.
func (s *Service) StartRun(ctx context.Context, ownerID string, agentID uuid.UUID) (Run, error) {
	return s.startRun(ctx, ownerID, agentID)
}

func (s *Service) startRun(ctx context.Context, ownerID string, agentID uuid.UUID) (Run, error) {
	var out Run
	err := s.withAgentLock(ctx, agentID, func() error {
		return s.store.Tx(ctx, func(q store.Querier) error {
			def, err := s.load(ctx, q, ownerID, agentID)
			if err != nil {
				return err
			}
			if def.Status != StatusActive {
				return fmt.Errorf("%w: status %s", ErrAgentNotActive, def.Status)
			}

			now := s.now().UTC()
			scheduledFor := now
			if st, err := def.ScheduleState(); err == nil {
				if due, ok := schedule.DueAt(st); ok && !due.After(now) {
					scheduledFor = due
				}
			}

			row, err := q.CreateRunIfIdle(ctx, store.AgentRun{
				ID:           uuid.New(),
				AgentID:      agentID,
				ScheduledFor: scheduledFor,
				StartedAt:    now,
				Outcome:      string(OutcomePending),
				SignalIDs:    []string{},
			})
			if err != nil {
				switch {
				case errors.Is(err, store.ErrRunInProgress):
					return ErrRunAlreadyInProgress
				case errors.Is(err, store.ErrNotFound):
					return ErrNotFound
				}
				return fmt.Errorf("agent: create run: %w", err)
			}

			def.LastRunAt = ptr(now)
			def.NextRunAt = def.nextRunAt(now)
			if _, err := s.save(ctx, q, def); err != nil {
				return err
			}
			out = runFromStore(row)
			return nil
		})
	})
	if err != nil {
		return Run{}, err
	}
	s.log.Debug("run started",
		zap.String("agent_id", agentID.String()),
		zap.String("run_id", out.ID.String()),
		zap.Time("scheduled_for", out.ScheduledFor),
	)
	return out, nil
}

// RecordRunOutcome finishes a pending run. Reporting the identical outcome
// again is a no-op; reporting a different one fails with
// ErrRunAlreadyFinished.
func (s *Service) RecordRunOutcome(ctx context.Context, runID uuid.UUID, o Outcome) (Run, error) {
	return s.finishRun(ctx, "", uuid.Nil, runID, o)
}

// FinishRun is RecordRunOutcome for a request made on behalf of ownerID. The
// run must belong to agentID.
func (s *Service) FinishRun(ctx context.Context, ownerID string, agentID, runID uuid.UUID, o Outcome) (Run, error) {
	return s.finishRun(ctx, ownerID, agentID, runID, o)
}

func (s *Service) finishRun(ctx context.Context, ownerID string, agentID, runID uuid.UUID, o Outcome) (Run, error) {
	if !o.Kind.terminal() {
		return Run{}, fmt.Errorf("%w: outcome must be succeeded, failed or skipped, got %q", ErrValidation, o.Kind)
	}
	if o.SignalIDs == nil {
		o.SignalIDs = []string{}
	}

	peek, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Run{}, ErrNotFound
		}
		return Run{}, fmt.Errorf("agent: get run: %w", err)
	}
	if agentID != uuid.Nil && peek.AgentID != agentID {
		return Run{}, ErrNotFound
	}

	var (
		out     Run
		paused  bool
		changed bool
	)
	err = s.withAgentLock(ctx, peek.AgentID, func() error {
		return s.store.Tx(ctx, func(q store.Querier) error {
			def, err := s.load(ctx, q, ownerID, peek.AgentID)
			if err != nil {
				return err
			}
			row, err := q.GetRun(ctx, runID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("agent: get run: %w", err)
			}
			cur := runFromStore(row)
			if cur.Outcome.terminal() {
				if cur.sameOutcome(o) {
					out = cur
					return nil
				}
				return fmt.Errorf("%w: run %s finished as %s", ErrRunAlreadyFinished, runID, cur.Outcome)
			}

			now := s.now().UTC()
			finished := laterOf(row.StartedAt, now)
			row.FinishedAt = &finished
			row.Outcome = string(o.Kind)
			row.SignalIDs = o.SignalIDs
			row.ErrorDetail = nil
			if o.ErrorDetail != "" {
				detail := o.ErrorDetail
				row.ErrorDetail = &detail
			}
			saved, err := q.FinishRun(ctx, row)
			if err != nil {
				if errors.Is(err, store.ErrConflict) {
					return ErrRunAlreadyFinished
				}
				return fmt.Errorf("agent: finish run: %w", err)
			}
			out = runFromStore(saved)
			changed = true

			next, pause := s.applyFailurePolicy(def, o.Kind, now)
			paused = pause
			if next.FailureCount == def.FailureCount && next.Status == def.Status {
				return nil
			}
			_, err = s.save(ctx, q, next)
			return err
		})
	})
	if err != nil {
		return Run{}, err
	}

	if changed {
		s.log.Info("run finished",
			zap.String("agent_id", out.AgentID.String()),
			zap.String("run_id", out.ID.String()),
			zap.String("outcome", string(out.Outcome)),
			zap.Int("signals", len(out.SignalIDs)),
		)
	}
	if paused {
		s.log.Warn("agent auto-paused after consecutive failures",
			zap.String("agent_id", out.AgentID.String()),
			zap.Int("max_failures", s.maxFailures),
		)
	}
	return out, nil
}

// applyFailurePolicy updates the failure streak for outcome and pauses an
// active agent that reached the configured limit.
func (s *Service) applyFailurePolicy(def Definition, kind OutcomeKind, now time.Time) (Definition, bool) {
	next := def
	switch kind {
	case OutcomeSucceeded:
		next.FailureCount = 0
	case OutcomeFailed:
		next.FailureCount++
	}
	if kind != OutcomeFailed || s.maxFailures <= 0 || next.FailureCount < s.maxFailures || next.Status != StatusActive {
		return next, false
	}
	paused, err := Transition(next, ActionPause, now)
	if err != nil {
		return next, false
	}
	return paused, true
}

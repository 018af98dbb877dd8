// Package scheduler drives agent runs: on every tick it starts a run for each
// due agent, asks the signal engine for signals and records the outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/agent"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/cronrunner"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/logger"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/signal"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/strategy"
	"github.com/seantuckercm/spytradr2.0-sub001/pkg/config"
)

// outcomeTimeout bounds recording an outcome after the run context ended.
const outcomeTimeout = 10 * time.Second

// AgentService is the part of agent.Service the scheduler drives.
type AgentService interface {
	ListActive(ctx context.Context) ([]agent.Definition, error)
	ListRuns(ctx context.Context, ownerID string, id uuid.UUID, limit int) ([]agent.Run, error)
	RecordRunStart(ctx context.Context, agentID uuid.UUID) (agent.Run, error)
	RecordRunOutcome(ctx context.Context, runID uuid.UUID, o agent.Outcome) (agent.Run, error)
}

// StrategyResolver checks that a strategy still exists at execution time.
type StrategyResolver interface {
	Resolve(id string) (strategy.Descriptor, error)
}

// Summary counts what one tick did.
type Summary struct {
	Due       int
	Started   int
	Busy      int
	Succeeded int
	Failed    int
	Skipped   int
}

// Scheduler is the run driver.
type Scheduler struct {
	svc        AgentService
	gen        signal.Generator
	strategies StrategyResolver
	cfg        config.SchedulerConfig
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	runner *cronrunner.Runner
}

// New creates a scheduler.
func New(svc AgentService, gen signal.Generator, strategies StrategyResolver, cfg config.SchedulerConfig, log *zap.Logger) *Scheduler {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 2 * time.Minute
	}
	return &Scheduler{
		svc:        svc,
		gen:        gen,
		strategies: strategies,
		cfg:        cfg,
		log:        logger.OrNop(log),
		now:        time.Now,
	}
}

// Start recovers abandoned runs and then ticks on cfg.Tick until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner != nil {
		return errors.New("scheduler: already started")
	}

	if err := s.Recover(ctx, s.now().UTC()); err != nil {
		s.log.Error("scheduler: recover abandoned runs", zap.Error(err))
	}

	runner := cronrunner.New(s.log, ctx)
	if _, err := runner.Add(s.cfg.Tick, func(ctx context.Context) {
		if _, err := s.Tick(ctx, s.now().UTC()); err != nil {
			s.log.Error("scheduler: tick failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("scheduler: tick spec %q: %w", s.cfg.Tick, err)
	}
	runner.Start()
	s.runner = runner
	s.log.Info("scheduler started",
		zap.String("tick", s.cfg.Tick),
		zap.Int("max_concurrent_runs", s.cfg.MaxConcurrentRuns),
		zap.Duration("run_timeout", s.cfg.RunTimeout),
	)
	return nil
}

// Stop halts ticking and waits for in-flight runs to record their outcome.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
		s.log.Info("scheduler stopped")
	}
}

// Tick starts and executes a run for every active agent due at now. Runs
// execute concurrently up to MaxConcurrentRuns; Tick returns once all of
// them recorded an outcome.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Summary, error) {
	defs, err := s.svc.ListActive(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("scheduler: list active agents: %w", err)
	}

	var (
		sum                                       Summary
		started, busy, succeeded, failed, skipped atomic.Int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentRuns)

	for _, def := range defs {
		st, err := def.ScheduleState()
		if err != nil {
			s.log.Warn("scheduler: unusable schedule",
				zap.String("agent_id", def.ID.String()),
				zap.String("schedule", def.Schedule),
				zap.Error(err),
			)
			continue
		}
		if !schedule.IsDue(st, now) {
			continue
		}
		sum.Due++

		def := def
		g.Go(func() error {
			kind, err := s.execute(gctx, def)
			switch {
			case errors.Is(err, agent.ErrRunAlreadyInProgress):
				busy.Add(1)
				return nil
			case errors.Is(err, agent.ErrInvalidTransition), errors.Is(err, agent.ErrNotFound):
				// Paused, disabled or deleted since it was listed.
				return nil
			case err != nil:
				s.log.Error("scheduler: run", zap.String("agent_id", def.ID.String()), zap.Error(err))
				return nil
			}
			started.Add(1)
			switch kind {
			case agent.OutcomeSucceeded:
				succeeded.Add(1)
			case agent.OutcomeFailed:
				failed.Add(1)
			case agent.OutcomeSkipped:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	sum.Started = int(started.Load())
	sum.Busy = int(busy.Load())
	sum.Succeeded = int(succeeded.Load())
	sum.Failed = int(failed.Load())
	sum.Skipped = int(skipped.Load())
	if sum.Due > 0 {
		s.log.Info("scheduler: tick",
			zap.Int("active", len(defs)),
			zap.Int("due", sum.Due),
			zap.Int("started", sum.Started),
			zap.Int("busy", sum.Busy),
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
			zap.Int("skipped", sum.Skipped),
		)
	}
	return sum, nil
}

// execute runs one agent end to end. Once a run has started an outcome is
// always recorded, even when the generator panics or ctx is cancelled.
func (s *Scheduler) execute(ctx context.Context, def agent.Definition) (kind agent.OutcomeKind, err error) {
	run, err := s.svc.RecordRunStart(ctx, def.ID)
	if err != nil {
		return "", err
	}

	outcome := agent.Outcome{Kind: agent.OutcomeFailed, SignalIDs: []string{}}
	defer func() {
		if r := recover(); r != nil {
			outcome = agent.Outcome{Kind: agent.OutcomeFailed, SignalIDs: []string{}, ErrorDetail: fmt.Sprintf("panic: %v", r)}
		}
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
		defer cancel()
		if _, recErr := s.svc.RecordRunOutcome(recCtx, run.ID, outcome); recErr != nil {
			err = fmt.Errorf("record outcome of run %s: %w", run.ID, recErr)
			return
		}
		kind = outcome.Kind
	}()

	if _, rerr := s.strategies.Resolve(def.StrategyID); rerr != nil {
		outcome = agent.Outcome{Kind: agent.OutcomeSkipped, SignalIDs: []string{}, ErrorDetail: rerr.Error()}
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	ids, gerr := s.gen.Generate(runCtx, signal.Request{
		AgentID:        def.ID,
		RunID:          run.ID,
		StrategyID:     def.StrategyID,
		Symbols:        def.Symbols,
		Timeframe:      def.Timeframe,
		RiskParameters: def.RiskParameters,
		ScheduledFor:   run.ScheduledFor,
	})
	switch {
	case gerr == nil:
		if ids == nil {
			ids = []string{}
		}
		outcome = agent.Outcome{Kind: agent.OutcomeSucceeded, SignalIDs: ids}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome.ErrorDetail = fmt.Sprintf("run timed out after %s", s.cfg.RunTimeout)
	default:
		outcome.ErrorDetail = gerr.Error()
	}
	return
}

// Recover fails runs left pending by a previous process. A run counts as
// abandoned once it has been pending for twice the run timeout.
func (s *Scheduler) Recover(ctx context.Context, now time.Time) error {
	defs, err := s.svc.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list active agents: %w", err)
	}
	cutoff := now.Add(-2 * s.cfg.RunTimeout)

	recovered := 0
	for _, def := range defs {
		runs, err := s.svc.ListRuns(ctx, def.OwnerID, def.ID, 1)
		if err != nil {
			s.log.Error("scheduler: list runs", zap.String("agent_id", def.ID.String()), zap.Error(err))
			continue
		}
		if len(runs) == 0 || runs[0].Outcome != agent.OutcomePending || runs[0].StartedAt.After(cutoff) {
			continue
		}
		_, err = s.svc.RecordRunOutcome(ctx, runs[0].ID, agent.Outcome{
			Kind:        agent.OutcomeFailed,
			SignalIDs:   []string{},
			ErrorDetail: "abandoned: process stopped before the run finished",
		})
		if err != nil {
			s.log.Error("scheduler: recover run", zap.String("run_id", runs[0].ID.String()), zap.Error(err))
			continue
		}
		recovered++
	}
	s.log.Info("scheduler: recovery complete", zap.Int("agents", len(defs)), zap.Int("recovered", recovered))
	return nil
}

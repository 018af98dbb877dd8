package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/lock"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/logger"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/store"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/strategy"
)

// DefaultMaxConsecutiveFailures is the failure streak that auto-pauses an
// agent unless overridden.
const DefaultMaxConsecutiveFailures = 5

// Service provides agent CRUD, lifecycle and run recording.
type Service struct {
	store       store.Store
	catalog     *strategy.Catalog
	validator   *Validator
	locker      lock.Locker
	now         func() time.Time
	log         *zap.Logger
	maxFailures int
}

// Option configures a Service.
type Option func(*Service)

// WithLocker replaces the in-process per-agent lock.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = logger.OrNop(l) } }

// WithMaxConsecutiveFailures sets the failure streak that pauses an agent.
// Zero disables auto-pausing.
func WithMaxConsecutiveFailures(n int) Option { return func(s *Service) { s.maxFailures = n } }

// NewService creates a new agent service.
func NewService(st store.Store, catalog *strategy.Catalog, opts ...Option) *Service {
	s := &Service{
		store:       st,
		catalog:     catalog,
		validator:   NewValidator(catalog),
		locker:      lock.NewLocal(),
		now:         time.Now,
		log:         zap.NewNop(),
		maxFailures: DefaultMaxConsecutiveFailures,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Catalog returns the strategy catalog the service validates against.
func (s *Service) Catalog() *strategy.Catalog { return s.catalog }

// Create validates in and stores it as a new draft owned by ownerID.
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (Definition, error) {
	now := s.now().UTC()
	def, err := s.validator.Validate(in, now)
	if err != nil {
		return Definition{}, err
	}
	def.ID = uuid.New()
	def.OwnerID = ownerID
	def.CreatedAt = now
	def.UpdatedAt = now

	row, err := toStore(def)
	if err != nil {
		return Definition{}, err
	}
	created, err := s.store.CreateAgent(ctx, row)
	if err != nil {
		return Definition{}, fmt.Errorf("agent: create: %w", err)
	}
	s.log.Info("agent created", zap.String("agent_id", def.ID.String()), zap.String("owner_id", ownerID))
	return fromStore(created)
}

// Get returns an agent owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID string, id uuid.UUID) (Definition, error) {
	return s.load(ctx, s.store, ownerID, id)
}

// List returns the owner's agents, newest first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Definition, error) {
	rows, err := s.store.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	out := make([]Definition, 0, len(rows))
	for _, r := range rows {
		d, err := fromStore(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ListActive returns every active agent regardless of owner.
func (s *Service) ListActive(ctx context.Context) ([]Definition, error) {
	rows, err := s.store.ListAgentsByStatus(ctx, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("agent: list active: %w", err)
	}
	out := make([]Definition, 0, len(rows))
	for _, r := range rows {
		d, err := fromStore(r)
		if err != nil {
			s.log.Warn("skipping undecodable agent", zap.String("agent_id", r.ID.String()), zap.Error(err))
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Update replaces the user-editable configuration of an agent. Disabled
// agents cannot be edited.
func (s *Service) Update(ctx context.Context, ownerID string, id uuid.UUID, in Input) (Definition, error) {
	var out Definition
	err := s.withAgentLock(ctx, id, func() error {
		cur, err := s.load(ctx, s.store, ownerID, id)
		if err != nil {
			return err
		}
		if cur.Status == StatusDisabled {
			return fmt.Errorf("%w: disabled agents cannot be edited", ErrInvalidTransition)
		}

		now := s.now().UTC()
		valid, err := s.validator.Validate(in, now)
		if err != nil {
			return err
		}

		next := cur
		next.Name = valid.Name
		next.StrategyID = valid.StrategyID
		next.Symbols = valid.Symbols
		next.Timeframe = valid.Timeframe
		next.Schedule = valid.Schedule
		next.RiskParameters = valid.RiskParameters
		next.UpdatedAt = laterOf(cur.UpdatedAt, now)
		if next.Status == StatusActive {
			next.NextRunAt = next.nextRunAt(now)
		}

		out, err = s.save(ctx, s.store, next)
		return err
	})
	return out, err
}

// Transition applies a lifecycle action. Activation and resumption
// re-validate the stored configuration against the current catalog.
func (s *Service) Transition(ctx context.Context, ownerID string, id uuid.UUID, action Action) (Definition, error) {
	var out Definition
	err := s.withAgentLock(ctx, id, func() error {
		cur, err := s.load(ctx, s.store, ownerID, id)
		if err != nil {
			return err
		}
		now := s.now().UTC()

		if action == ActionActivate || action == ActionResume {
			if !CanTransition(cur.Status, action) {
				return fmt.Errorf("%w: cannot %s an agent in status %s", ErrInvalidTransition, action, cur.Status)
			}
			if _, err := s.validator.Validate(cur.input(), now); err != nil {
				return err
			}
			if _, err := s.catalog.Resolve(cur.StrategyID); err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
		}

		next, err := Transition(cur, action, now)
		if err != nil {
			return err
		}
		out, err = s.save(ctx, s.store, next)
		if err != nil {
			return err
		}
		s.log.Info("agent transitioned",
			zap.String("agent_id", id.String()),
			zap.String("action", string(action)),
			zap.String("from", string(cur.Status)),
			zap.String("to", string(out.Status)),
		)
		return nil
	})
	return out, err
}

// Delete removes an agent and its run history from any status.
func (s *Service) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	return s.withAgentLock(ctx, id, func() error {
		if _, err := s.load(ctx, s.store, ownerID, id); err != nil {
			return err
		}
		if err := s.store.DeleteAgent(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("agent: delete: %w", err)
		}
		s.log.Info("agent deleted", zap.String("agent_id", id.String()))
		return nil
	})
}

// Page sizes for ListRuns.
const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// ListRuns returns up to limit of the agent's runs, most recent first. A
// non-positive limit means the default page size; larger limits are capped.
func (s *Service) ListRuns(ctx context.Context, ownerID string, id uuid.UUID, limit int) ([]Run, error) {
	if _, err := s.load(ctx, s.store, ownerID, id); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = defaultRunsLimit
	case limit > maxRunsLimit:
		limit = maxRunsLimit
	}
	rows, err := s.store.ListRuns(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("agent: list runs: %w", err)
	}
	out := make([]Run, len(rows))
	for i, r := range rows {
		out[i] = runFromStore(r)
	}
	return out, nil
}

// NextRun previews when the agent will next be due. ok is false when it
// never will be, e.g. because it is not active.
func (s *Service) NextRun(ctx context.Context, ownerID string, id uuid.UUID) (next time.Time, ok bool, err error) {
	def, err := s.load(ctx, s.store, ownerID, id)
	if err != nil {
		return time.Time{}, false, err
	}
	st, err := def.ScheduleState()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("agent: stored schedule %q: %w", def.Schedule, err)
	}
	next = schedule.NextRunAfter(st, s.now().UTC())
	return next, !next.IsZero(), nil
}

// --- helpers ---

// load fetches an agent and checks ownership. An empty ownerID skips the
// check for internal callers.
func (s *Service) load(ctx context.Context, q store.Querier, ownerID string, id uuid.UUID) (Definition, error) {
	row, err := q.GetAgent(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Definition{}, ErrNotFound
		}
		return Definition{}, fmt.Errorf("agent: get: %w", err)
	}
	if ownerID != "" && row.OwnerID != ownerID {
		return Definition{}, ErrForbidden
	}
	return fromStore(row)
}

// save performs the conditional write of d against its loaded version.
func (s *Service) save(ctx context.Context, q store.Querier, d Definition) (Definition, error) {
	row, err := toStore(d)
	if err != nil {
		return Definition{}, err
	}
	saved, err := q.UpdateAgent(ctx, row)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return Definition{}, ErrConflict
		case errors.Is(err, store.ErrNotFound):
			return Definition{}, ErrNotFound
		}
		return Definition{}, fmt.Errorf("agent: save: %w", err)
	}
	return fromStore(saved)
}

func (s *Service) withAgentLock(ctx context.Context, id uuid.UUID, fn func() error) error {
	unlock, err := s.locker.Lock(ctx, "agent:"+id.String())
	if err != nil {
		return fmt.Errorf("agent: lock %s: %w", id, err)
	}
	defer unlock()
	return fn()
}

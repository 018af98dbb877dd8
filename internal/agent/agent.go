// Package agent provides agent definition validation, lifecycle management
// and run recording.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seantuckercm/spytradr2.0-sub001/internal/risk"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/schedule"
	"github.com/seantuckercm/spytradr2.0-sub001/internal/store"
)

// Errors returned by the agent service.
var (
	ErrNotFound             = errors.New("agent: not found")
	ErrForbidden            = errors.New("agent: forbidden")
	ErrConflict             = errors.New("agent: concurrent modification")
	ErrValidation           = errors.New("agent: validation error")
	ErrInvalidTransition    = errors.New("agent: invalid status transition")
	ErrAgentNotActive       = fmt.Errorf("%w: agent is not active", ErrInvalidTransition)
	ErrRunAlreadyInProgress = errors.New("agent: run already in progress")
	ErrRunAlreadyFinished   = errors.New("agent: run already finished")
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
)

// Action is a lifecycle command.
type Action string

const (
	ActionActivate Action = "activate"
	ActionPause    Action = "pause"
	ActionResume   Action = "resume"
	ActionDisable  Action = "disable"
)

// Input is an unvalidated agent configuration as submitted by a user.
type Input struct {
	Name           string      `json:"name"`
	StrategyID     string      `json:"strategyId"`
	Symbols        []string    `json:"symbols"`
	Timeframe      string      `json:"timeframe"`
	Schedule       string      `json:"schedule"`
	RiskParameters risk.Params `json:"riskParameters"`
}

// Definition is a validated agent. Scheduling bookkeeping is maintained by
// the service and is read-only to users.
type Definition struct {
	ID             uuid.UUID   `json:"id"`
	OwnerID        string      `json:"ownerId"`
	Name           string      `json:"name"`
	StrategyID     string      `json:"strategyId"`
	Symbols        []string    `json:"symbols"`
	Timeframe      string      `json:"timeframe"`
	Schedule       string      `json:"schedule"`
	RiskParameters risk.Params `json:"riskParameters"`
	Status         Status      `json:"status"`
	FailureCount   int         `json:"failureCount"`
	Version        int64       `json:"version"`
	ActivatedAt    *time.Time  `json:"activatedAt,omitempty"`
	ResumedAt      *time.Time  `json:"resumedAt,omitempty"`
	LastRunAt      *time.Time  `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time  `json:"nextRunAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// input returns the user-editable part of d.
func (d Definition) input() Input {
	return Input{
		Name:           d.Name,
		StrategyID:     d.StrategyID,
		Symbols:        d.Symbols,
		Timeframe:      d.Timeframe,
		Schedule:       d.Schedule,
		RiskParameters: d.RiskParameters,
	}
}

// ScheduleState converts d into the evaluator's view of it.
func (d Definition) ScheduleState() (schedule.State, error) {
	sched, err := schedule.Parse(d.Schedule)
	if err != nil {
		return schedule.State{}, err
	}
	return schedule.State{
		Active:      d.Status == StatusActive,
		Schedule:    sched,
		ActivatedAt: deref(d.ActivatedAt),
		ResumedAt:   deref(d.ResumedAt),
		LastRunAt:   deref(d.LastRunAt),
	}, nil
}

// nextRunAt recomputes the cached next-run instant from now.
func (d Definition) nextRunAt(now time.Time) *time.Time {
	st, err := d.ScheduleState()
	if err != nil {
		return nil
	}
	next := schedule.NextRunAfter(st, now)
	if next.IsZero() {
		return nil
	}
	return &next
}

// OutcomeKind is the state of a run.
type OutcomeKind string

const (
	OutcomePending   OutcomeKind = store.OutcomePending
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
)

func (k OutcomeKind) terminal() bool {
	return k == OutcomeSucceeded || k == OutcomeFailed || k == OutcomeSkipped
}

// Outcome is the terminal result reported for a run.
type Outcome struct {
	Kind        OutcomeKind `json:"outcome"`
	SignalIDs   []string    `json:"signalIds"`
	ErrorDetail string      `json:"errorDetail,omitempty"`
}

// Run is one execution of an agent.
type Run struct {
	ID           uuid.UUID   `json:"id"`
	AgentID      uuid.UUID   `json:"agentId"`
	ScheduledFor time.Time   `json:"scheduledFor"`
	StartedAt    time.Time   `json:"startedAt"`
	FinishedAt   *time.Time  `json:"finishedAt,omitempty"`
	Outcome      OutcomeKind `json:"outcome"`
	SignalIDs    []string    `json:"signalIds"`
	ErrorDetail  string      `json:"errorDetail,omitempty"`
}

// sameOutcome reports whether r already finished with exactly o.
func (r Run) sameOutcome(o Outcome) bool {
	if r.Outcome != o.Kind || r.ErrorDetail != o.ErrorDetail || len(r.SignalIDs) != len(o.SignalIDs) {
		return false
	}
	for i := range r.SignalIDs {
		if r.SignalIDs[i] != o.SignalIDs[i] {
			return false
		}
	}
	return true
}

// --- store conversion ---

func toStore(d Definition) (store.Agent, error) {
	params := d.RiskParameters
	if params == nil {
		params = risk.Params{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return store.Agent{}, fmt.Errorf("agent: encode risk parameters: %w", err)
	}
	return store.Agent{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Name:         d.Name,
		StrategyID:   d.StrategyID,
		Symbols:      d.Symbols,
		Timeframe:    d.Timeframe,
		Schedule:     d.Schedule,
		RiskParams:   raw,
		Status:       string(d.Status),
		FailureCount: int32(d.FailureCount),
		Version:      d.Version,
		ActivatedAt:  d.ActivatedAt,
		ResumedAt:    d.ResumedAt,
		LastRunAt:    d.LastRunAt,
		NextRunAt:    d.NextRunAt,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}, nil
}

func fromStore(a store.Agent) (Definition, error) {
	params := risk.Params{}
	if len(a.RiskParams) > 0 {
		if err := json.Unmarshal(a.RiskParams, &params); err != nil {
			return Definition{}, fmt.Errorf("agent: decode risk parameters of %s: %w", a.ID, err)
		}
	}
	symbols := a.Symbols
	if symbols == nil {
		symbols = []string{}
	}
	return Definition{
		ID:             a.ID,
		OwnerID:        a.OwnerID,
		Name:           a.Name,
		StrategyID:     a.StrategyID,
		Symbols:        symbols,
		Timeframe:      a.Timeframe,
		Schedule:       a.Schedule,
		RiskParameters: params,
		Status:         Status(a.Status),
		FailureCount:   int(a.FailureCount),
		Version:        a.Version,
		ActivatedAt:    a.ActivatedAt,
		ResumedAt:      a.ResumedAt,
		LastRunAt:      a.LastRunAt,
		NextRunAt:      a.NextRunAt,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}, nil
}

func runFromStore(r store.AgentRun) Run {
	out := Run{
		ID:           r.ID,
		AgentID:      r.AgentID,
		ScheduledFor: r.ScheduledFor,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		Outcome:      OutcomeKind(r.Outcome),
		SignalIDs:    r.SignalIDs,
	}
	if out.SignalIDs == nil {
		out.SignalIDs = []string{}
	}
	if r.ErrorDetail != nil {
		out.ErrorDetail = *r.ErrorDetail
	}
	return out
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func ptr(t time.Time) *time.Time { return &t }

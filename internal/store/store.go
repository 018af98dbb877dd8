// Package store is the persistence port for agent definitions and their run
// history, with in-memory and PostgreSQL adapters.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Errors returned by every adapter.
var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a conditional write lost against a concurrent writer.
	ErrConflict = errors.New("store: version conflict")
	// ErrRunInProgress means the agent already has a pending run.
	ErrRunInProgress = errors.New("store: run already in progress")
)

// OutcomePending marks a run that has started but not finished.
const OutcomePending = "pending"

// Agent is the persisted form of an agent definition.
type Agent struct {
	ID           uuid.UUID
	OwnerID      string
	Name         string
	StrategyID   string
	Symbols      []string
	Timeframe    string
	Schedule     string
	RiskParams   json.RawMessage
	Status       string
	FailureCount int32
	Version      int64
	ActivatedAt  *time.Time
	ResumedAt    *time.Time
	LastRunAt    *time.Time
	NextRunAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentRun is the persisted form of one execution of an agent.
type AgentRun struct {
	ID           uuid.UUID
	AgentID      uuid.UUID
	ScheduledFor time.Time
	StartedAt    time.Time
	FinishedAt   *time.Time
	Outcome      string
	SignalIDs    []string
	ErrorDetail  *string
}

// Querier is the set of record operations. GetAgent is the load, CreateAgent
// the save and UpdateAgent the conditional save of the persistence port.
type Querier interface {
	CreateAgent(ctx context.Context, a Agent) (Agent, error)
	GetAgent(ctx context.Context, id uuid.UUID) (Agent, error)
	// ListAgentsByOwner returns the owner's agents, newest first.
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error)
	ListAgentsByStatus(ctx context.Context, status string) ([]Agent, error)
	// UpdateAgent writes a only if the stored version equals a.Version, and
	// returns the record with its version incremented. Otherwise ErrConflict.
	UpdateAgent(ctx context.Context, a Agent) (Agent, error)
	// DeleteAgent removes the agent and all of its runs.
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// CreateRunIfIdle inserts r unless the agent already has a pending run,
	// in which case it returns ErrRunInProgress.
	CreateRunIfIdle(ctx context.Context, r AgentRun) (AgentRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (AgentRun, error)
	// FinishRun writes r only if the stored run is still pending. Otherwise
	// ErrConflict.
	FinishRun(ctx context.Context, r AgentRun) (AgentRun, error)
	// ListRuns returns up to limit runs of an agent, most recent first.
	ListRuns(ctx context.Context, agentID uuid.UUID, limit int) ([]AgentRun, error)
}

// Store is a Querier with transaction support.
type Store interface {
	Querier
	// Tx executes fn atomically. If fn returns an error every write made
	// through q is discarded.
	Tx(ctx context.Context, fn func(q Querier) error) error
}

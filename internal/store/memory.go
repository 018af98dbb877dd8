package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. A single mutex serializes every operation,
// which makes each call and each Tx atomic.
type Memory struct {
	mu   sync.Mutex
	data memData
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: newMemData()}
}

type memData struct {
	agents map[uuid.UUID]Agent
	runs   map[uuid.UUID]AgentRun
}

func newMemData() memData {
	return memData{
		agents: make(map[uuid.UUID]Agent),
		runs:   make(map[uuid.UUID]AgentRun),
	}
}

func (d memData) clone() memData {
	c := newMemData()
	for k, v := range d.agents {
		c.agents[k] = cloneAgent(v)
	}
	for k, v := range d.runs {
		c.runs[k] = cloneRun(v)
	}
	return c
}

// Tx runs fn under the store lock and restores the previous state on error.
func (m *Memory) Tx(ctx context.Context, fn func(q Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.data.clone()
	if err := fn(&memQueries{d: &m.data}); err != nil {
		m.data = snapshot
		return err
	}
	return nil
}

func (m *Memory) locked(fn func(q *memQueries)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&memQueries{d: &m.data})
}

func (m *Memory) CreateAgent(ctx context.Context, a Agent) (out Agent, err error) {
	m.locked(func(q *memQueries) { out, err = q.CreateAgent(ctx, a) })
	return
}

func (m *Memory) GetAgent(ctx context.Context, id uuid.UUID) (out Agent, err error) {
	m.locked(func(q *memQueries) { out, err = q.GetAgent(ctx, id) })
	return
}

func (m *Memory) ListAgentsByOwner(ctx context.Context, ownerID string) (out []Agent, err error) {
	m.locked(func(q *memQueries) { out, err = q.ListAgentsByOwner(ctx, ownerID) })
	return
}

func (m *Memory) ListAgentsByStatus(ctx context.Context, status string) (out []Agent, err error) {
	m.locked(func(q *memQueries) { out, err = q.ListAgentsByStatus(ctx, status) })
	return
}

func (m *Memory) UpdateAgent(ctx context.Context, a Agent) (out Agent, err error) {
	m.locked(func(q *memQueries) { out, err = q.UpdateAgent(ctx, a) })
	return
}

func (m *Memory) DeleteAgent(ctx context.Context, id uuid.UUID) (err error) {
	m.locked(func(q *memQueries) { err = q.DeleteAgent(ctx, id) })
	return
}

func (m *Memory) CreateRunIfIdle(ctx context.Context, r AgentRun) (out AgentRun, err error) {
	m.locked(func(q *memQueries) { out, err = q.CreateRunIfIdle(ctx, r) })
	return
}

func (m *Memory) GetRun(ctx context.Context, id uuid.UUID) (out AgentRun, err error) {
	m.locked(func(q *memQueries) { out, err = q.GetRun(ctx, id) })
	return
}

func (m *Memory) FinishRun(ctx context.Context, r AgentRun) (out AgentRun, err error) {
	m.locked(func(q *memQueries) { out, err = q.FinishRun(ctx, r) })
	return
}

func (m *Memory) ListRuns(ctx context.Context, agentID uuid.UUID, limit int) (out []AgentRun, err error) {
	m.locked(func(q *memQueries) { out, err = q.ListRuns(ctx, agentID, limit) })
	return
}

// memQueries implements Querier on data the caller has already locked.
type memQueries struct {
	d *memData
}

func (q *memQueries) CreateAgent(_ context.Context, a Agent) (Agent, error) {
	if _, exists := q.d.agents[a.ID]; exists {
		return Agent{}, fmt.Errorf("store: agent %s already exists: %w", a.ID, ErrConflict)
	}
	a.Version = 1
	q.d.agents[a.ID] = cloneAgent(a)
	return cloneAgent(a), nil
}

func (q *memQueries) GetAgent(_ context.Context, id uuid.UUID) (Agent, error) {
	a, ok := q.d.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (q *memQueries) ListAgentsByOwner(_ context.Context, ownerID string) ([]Agent, error) {
	out := make([]Agent, 0)
	for _, a := range q.d.agents {
		if a.OwnerID == ownerID {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (q *memQueries) ListAgentsByStatus(_ context.Context, status string) ([]Agent, error) {
	out := make([]Agent, 0)
	for _, a := range q.d.agents {
		if a.Status == status {
			out = append(out, cloneAgent(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (q *memQueries) UpdateAgent(_ context.Context, a Agent) (Agent, error) {
	cur, ok := q.d.agents[a.ID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	if cur.Version != a.Version {
		return Agent{}, ErrConflict
	}
	a.Version++
	q.d.agents[a.ID] = cloneAgent(a)
	return cloneAgent(a), nil
}

func (q *memQueries) DeleteAgent(_ context.Context, id uuid.UUID) error {
	if _, ok := q.d.agents[id]; !ok {
		return ErrNotFound
	}
	delete(q.d.agents, id)
	for rid, r := range q.d.runs {
		if r.AgentID == id {
			delete(q.d.runs, rid)
		}
	}
	return nil
}

func (q *memQueries) CreateRunIfIdle(_ context.Context, r AgentRun) (AgentRun, error) {
	if _, ok := q.d.agents[r.AgentID]; !ok {
		return AgentRun{}, ErrNotFound
	}
	for _, existing := range q.d.runs {
		if existing.AgentID == r.AgentID && existing.Outcome == OutcomePending {
			return AgentRun{}, ErrRunInProgress
		}
	}
	q.d.runs[r.ID] = cloneRun(r)
	return cloneRun(r), nil
}

func (q *memQueries) GetRun(_ context.Context, id uuid.UUID) (AgentRun, error) {
	r, ok := q.d.runs[id]
	if !ok {
		return AgentRun{}, ErrNotFound
	}
	return cloneRun(r), nil
}

func (q *memQueries) FinishRun(_ context.Context, r AgentRun) (AgentRun, error) {
	cur, ok := q.d.runs[r.ID]
	if !ok {
		return AgentRun{}, ErrNotFound
	}
	if cur.Outcome != OutcomePending {
		return AgentRun{}, ErrConflict
	}
	q.d.runs[r.ID] = cloneRun(r)
	return cloneRun(r), nil
}

func (q *memQueries) ListRuns(_ context.Context, agentID uuid.UUID, limit int) ([]AgentRun, error) {
	out := make([]AgentRun, 0)
	for _, r := range q.d.runs {
		if r.AgentID == agentID {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- copy helpers ---

func cloneAgent(a Agent) Agent {
	a.Symbols = append([]string(nil), a.Symbols...)
	a.RiskParams = append(json.RawMessage(nil), a.RiskParams...)
	a.ActivatedAt = cloneTime(a.ActivatedAt)
	a.ResumedAt = cloneTime(a.ResumedAt)
	a.LastRunAt = cloneTime(a.LastRunAt)
	a.NextRunAt = cloneTime(a.NextRunAt)
	return a
}

func cloneRun(r AgentRun) AgentRun {
	r.SignalIDs = append([]string(nil), r.SignalIDs...)
	r.FinishedAt = cloneTime(r.FinishedAt)
	if r.ErrorDetail != nil {
		s := *r.ErrorDetail
		r.ErrorDetail = &s
	}
	return r
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

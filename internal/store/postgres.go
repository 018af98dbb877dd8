package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Postgres is the PostgreSQL Store.
type Postgres struct {
	pool DBTX
	*Queries
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Store on the given connection pool.
func NewPostgres(pool DBTX) *Postgres {
	return &Postgres{pool: pool, Queries: &Queries{db: pool}}
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed. When the pool cannot
// begin transactions (it already is one) fn runs directly.
func (p *Postgres) Tx(ctx context.Context, fn func(q Querier) error) error {
	beginner, ok := p.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(p.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(&Queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Queries implements Querier against a DBTX.
type Queries struct {
	db DBTX
}

const agentColumns = `id, owner_id, name, strategy_id, symbols, timeframe, schedule, risk_params,
	status, failure_count, version, activated_at, resumed_at, last_run_at, next_run_at,
	created_at, updated_at`

const runColumns = `id, agent_id, scheduled_for, started_at, finished_at, outcome, signal_ids, error_detail`

func scanAgent(row pgx.Row) (Agent, error) {
	var a Agent
	err := row.Scan(
		&a.ID, &a.OwnerID, &a.Name, &a.StrategyID, &a.Symbols, &a.Timeframe, &a.Schedule, &a.RiskParams,
		&a.Status, &a.FailureCount, &a.Version, &a.ActivatedAt, &a.ResumedAt, &a.LastRunAt, &a.NextRunAt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	return a, mapErr(err)
}

func scanRun(row pgx.Row) (AgentRun, error) {
	var r AgentRun
	err := row.Scan(&r.ID, &r.AgentID, &r.ScheduledFor, &r.StartedAt, &r.FinishedAt, &r.Outcome, &r.SignalIDs, &r.ErrorDetail)
	return r, mapErr(err)
}

func riskJSON(a Agent) string {
	if len(a.RiskParams) == 0 {
		return "{}"
	}
	return string(a.RiskParams)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (q *Queries) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO agents (id, owner_id, name, strategy_id, symbols, timeframe, schedule, risk_params,
			status, failure_count, version, activated_at, resumed_at, last_run_at, next_run_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13, $14, $15, $16)
		RETURNING `+agentColumns,
		a.ID, a.OwnerID, a.Name, a.StrategyID, nonNil(a.Symbols), a.Timeframe, a.Schedule, riskJSON(a),
		a.Status, a.FailureCount, a.ActivatedAt, a.ResumedAt, a.LastRunAt, a.NextRunAt,
		a.CreatedAt, a.UpdatedAt,
	)
	return scanAgent(row)
}

func (q *Queries) GetAgent(ctx context.Context, id uuid.UUID) (Agent, error) {
	return scanAgent(q.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (q *Queries) ListAgentsByOwner(ctx context.Context, ownerID string) ([]Agent, error) {
	return q.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
}

func (q *Queries) ListAgentsByStatus(ctx context.Context, status string) ([]Agent, error) {
	return q.listAgents(ctx, `SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY id`, status)
}

func (q *Queries) listAgents(ctx context.Context, sql string, args ...interface{}) ([]Agent, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) UpdateAgent(ctx context.Context, a Agent) (Agent, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE agents SET
			name = $3, strategy_id = $4, symbols = $5, timeframe = $6, schedule = $7, risk_params = $8,
			status = $9, failure_count = $10, activated_at = $11, resumed_at = $12, last_run_at = $13,
			next_run_at = $14, updated_at = $15, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING `+agentColumns,
		a.ID, a.Version,
		a.Name, a.StrategyID, nonNil(a.Symbols), a.Timeframe, a.Schedule, riskJSON(a),
		a.Status, a.FailureCount, a.ActivatedAt, a.ResumedAt, a.LastRunAt,
		a.NextRunAt, a.UpdatedAt,
	)
	out, err := scanAgent(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a stale version from a missing row.
		if _, getErr := q.GetAgent(ctx, a.ID); getErr == nil {
			return Agent{}, ErrConflict
		}
	}
	return out, err
}

func (q *Queries) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *Queries) CreateRunIfIdle(ctx context.Context, r AgentRun) (AgentRun, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO agent_runs (id, agent_id, scheduled_for, started_at, finished_at, outcome, signal_ids, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+runColumns,
		r.ID, r.AgentID, r.ScheduledFor, r.StartedAt, r.FinishedAt, r.Outcome, nonNil(r.SignalIDs), r.ErrorDetail,
	)
	return scanRun(row)
}

func (q *Queries) GetRun(ctx context.Context, id uuid.UUID) (AgentRun, error) {
	return scanRun(q.db.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
}

func (q *Queries) FinishRun(ctx context.Context, r AgentRun) (AgentRun, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE agent_runs SET finished_at = $2, outcome = $3, signal_ids = $4, error_detail = $5
		WHERE id = $1 AND outcome = '`+OutcomePending+`'
		RETURNING `+runColumns,
		r.ID, r.FinishedAt, r.Outcome, nonNil(r.SignalIDs), r.ErrorDetail,
	)
	out, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := q.GetRun(ctx, r.ID); getErr == nil {
			return AgentRun{}, ErrConflict
		}
	}
	return out, err
}

func (q *Queries) ListRuns(ctx context.Context, agentID uuid.UUID, limit int) ([]AgentRun, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := q.db.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE agent_id = $1 ORDER BY started_at DESC LIMIT $2`,
		agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AgentRun, 0)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SQLSTATE codes this package translates.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// mapErr converts driver errors into the package's sentinel errors.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == "agent_runs_one_pending_idx" {
				return ErrRunInProgress
			}
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	return err
}

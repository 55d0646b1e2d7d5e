package statestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/flowkit/wfengine/internal/domain"
)

// executionResultModel is the audit row for one terminal ExecutionResult.
type executionResultModel struct {
	bun.BaseModel `bun:"table:execution_results,alias:er"`

	ExecutionID   string         `bun:"execution_id,pk"`
	WorkflowID    string         `bun:"workflow_id"`
	Status        string         `bun:"status"`
	StartedAt     time.Time      `bun:"started_at"`
	FinishedAt    time.Time      `bun:"finished_at"`
	FinalState    map[string]any `bun:"final_state,type:jsonb"`
	NodesExecuted int            `bun:"nodes_executed"`
	NodesFailed   int            `bun:"nodes_failed"`
	ErrorMessage  string         `bun:"error_message"`
}

// PostgresStateStore persists terminal ExecutionResults via bun +
// pgdialect + pgdriver. It never participates in the strictly-serialized
// per-execution update discipline the engine's in-memory state manager
// owns; it only observes results after an execution has already reached a
// terminal status.
type PostgresStateStore struct {
	db *bun.DB
}

// NewPostgresStateStore opens a connection pool against dsn without
// validating it; call InitSchema (and ideally Ping) before relying on it.
func NewPostgresStateStore(dsn string) *PostgresStateStore {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return &PostgresStateStore{db: bun.NewDB(sqldb, pgdialect.New())}
}

// InitSchema creates the execution_results table if it does not exist.
func (s *PostgresStateStore) InitSchema(ctx context.Context) error {
	_, err := s.db.NewCreateTable().Model((*executionResultModel)(nil)).IfNotExists().Exec(ctx)
	return err
}

// RecordResult upserts result as an audit row. Write failures are logged,
// not returned, since ResultSink.RecordResult carries no error channel: an
// audit-sink outage must never fail or block the execution it observes.
func (s *PostgresStateStore) RecordResult(ctx context.Context, result *domain.ExecutionResult) {
	if result == nil {
		return
	}
	model := &executionResultModel{
		ExecutionID:   result.ExecutionID,
		WorkflowID:    result.WorkflowID,
		Status:        result.Status.String(),
		StartedAt:     result.StartedAt,
		FinishedAt:    result.FinishedAt,
		FinalState:    result.FinalState,
		NodesExecuted: result.Metrics.NodesExecuted,
		NodesFailed:   result.Metrics.NodesFailed,
	}
	if result.Error != nil {
		model.ErrorMessage = result.Error.Error()
	}
	if _, err := s.db.NewInsert().Model(model).On("CONFLICT (execution_id) DO UPDATE").Exec(ctx); err != nil {
		log.Warn().Str("execution_id", result.ExecutionID).Err(err).Msg("statestore: failed to persist execution result")
	}
}

// List returns a summary of every audited execution, most recent first.
func (s *PostgresStateStore) List(ctx context.Context) ([]ExecutionSummary, error) {
	var models []executionResultModel
	if err := s.db.NewSelect().Model(&models).Order("started_at DESC").Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]ExecutionSummary, len(models))
	for i, m := range models {
		out[i] = ExecutionSummary{
			ExecutionID: m.ExecutionID,
			WorkflowID:  m.WorkflowID,
			Status:      m.Status,
			StartedAt:   m.StartedAt,
			FinishedAt:  m.FinishedAt,
		}
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *PostgresStateStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying connection pool.
func (s *PostgresStateStore) Close() error { return s.db.Close() }

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/learner"
	"github.com/xkilldash9x/webpilot/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can use pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Schema creates the tables the store writes to.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_snapshots (
    execution_id TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    current_step TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    data         JSONB NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_executions (
    execution_id    TEXT PRIMARY KEY,
    workflow_id     TEXT NOT NULL,
    status          TEXT NOT NULL,
    error           TEXT NOT NULL DEFAULT '',
    error_kind      TEXT NOT NULL DEFAULT '',
    metrics         JSONB NOT NULL,
    vars            JSONB NOT NULL,
    recommendations JSONB NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    finished_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_step_runs (
    execution_id TEXT NOT NULL REFERENCES workflow_executions (execution_id) ON DELETE CASCADE,
    seq          INTEGER NOT NULL,
    step_id      TEXT NOT NULL,
    kind         TEXT NOT NULL,
    started_at   TIMESTAMPTZ NOT NULL,
    duration_ms  BIGINT NOT NULL,
    success      BOOLEAN NOT NULL,
    skipped      BOOLEAN NOT NULL,
    recovered    BOOLEAN NOT NULL,
    retries      INTEGER NOT NULL,
    error_kind   TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    outputs      JSONB NOT NULL,
    PRIMARY KEY (execution_id, seq)
);
CREATE TABLE IF NOT EXISTS learner_records (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    task_type   TEXT NOT NULL,
    tier        TEXT NOT NULL DEFAULT '',
    success     BOOLEAN NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    data        JSONB NOT NULL
);`

const (
	sqlUpsertSnapshot = `
        INSERT INTO workflow_snapshots (execution_id, workflow_id, current_step, status, data, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (execution_id) DO UPDATE SET
            current_step = EXCLUDED.current_step,
            status = EXCLUDED.status,
            data = EXCLUDED.data,
            updated_at = EXCLUDED.updated_at;`

	sqlSelectSnapshot = `SELECT data FROM workflow_snapshots WHERE execution_id = $1;`

	sqlUpsertExecution = `
        INSERT INTO workflow_executions (execution_id, workflow_id, status, error, error_kind, metrics, vars, recommendations, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (execution_id) DO UPDATE SET
            status = EXCLUDED.status,
            error = EXCLUDED.error,
            error_kind = EXCLUDED.error_kind,
            metrics = EXCLUDED.metrics,
            vars = EXCLUDED.vars,
            recommendations = EXCLUDED.recommendations,
            finished_at = EXCLUDED.finished_at;`

	sqlDeleteStepRuns = `DELETE FROM workflow_step_runs WHERE execution_id = $1;`

	sqlInsertRecord = `
        INSERT INTO learner_records (id, workflow_id, task_type, tier, success, recorded_at, data)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO NOTHING;`

	sqlRecentRecords = `
        SELECT data FROM learner_records
        ORDER BY recorded_at DESC
        LIMIT $1;`
)

var stepRunColumns = []string{
	"execution_id", "seq", "step_id", "kind", "started_at", "duration_ms",
	"success", "skipped", "recovered", "retries", "error_kind", "error", "outputs",
}

// Store persists snapshots, execution results and learner records in
// PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("database pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, log: logger.Named("store"), now: time.Now}, nil
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the snapshot of an execution.
func (s *Store) SaveSnapshot(ctx context.Context, snap workflow.Snapshot) error {
	data, err := snap.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlUpsertSnapshot,
		snap.ExecutionID, snap.WorkflowID, snap.CurrentStep, string(snap.Status), data, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.ExecutionID, err)
	}
	return nil
}

// LoadSnapshot returns the latest snapshot of an execution, or a NotFound
// error.
func (s *Store) LoadSnapshot(ctx context.Context, executionID string) (workflow.Snapshot, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, sqlSelectSnapshot, executionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Snapshot{}, schemas.NewError(schemas.KindNotFound, "store.LoadSnapshot",
			fmt.Sprintf("no snapshot for execution %s", executionID), err)
	}
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("failed to load snapshot %s: %w", executionID, err)
	}
	return workflow.DecodeSnapshot(data)
}

// SaveExecutionResult writes the result row and replaces its step runs in
// one transaction.
func (s *Store) SaveExecutionResult(ctx context.Context, res *workflow.ExecutionResult) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode metrics: %w", err)
	}
	vars, err := json.Marshal(nonNilMap(res.Vars))
	if err != nil {
		return fmt.Errorf("failed to encode vars: %w", err)
	}
	recs := res.Recommendations
	if recs == nil {
		recs = []string{}
	}
	recommendations, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, sqlUpsertExecution,
		res.ExecutionID, res.WorkflowID, string(res.Status), res.Error, string(res.ErrorKind),
		metrics, vars, recommendations, res.StartedAt.UTC(), res.FinishedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert execution %s: %w", res.ExecutionID, err)
	}
	if _, err := tx.Exec(ctx, sqlDeleteStepRuns, res.ExecutionID); err != nil {
		return fmt.Errorf("failed to clear step runs: %w", err)
	}
	if len(res.Steps) > 0 {
		if err := s.copyStepRuns(ctx, tx, res); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyStepRuns(ctx context.Context, tx pgx.Tx, res *workflow.ExecutionResult) error {
	rows := make([][]any, len(res.Steps))
	for i, r := range res.Steps {
		outputs, err := json.Marshal(nonNilMap(r.Outputs))
		if err != nil {
			return fmt.Errorf("failed to encode outputs of %s: %w", r.StepID, err)
		}
		rows[i] = []any{
			res.ExecutionID, i, r.StepID, string(r.Kind), r.StartedAt.UTC(), r.DurationMS,
			r.Success, r.Skipped, r.Recovered, r.RetriesUsed, string(r.ErrorKind), r.Error, outputs,
		}
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{"workflow_step_runs"}, stepRunColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy step runs: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied step runs: expected %d, got %d", len(rows), n)
	}
	return nil
}

// SaveRecords inserts learner records in one batch. Records already stored
// are skipped.
func (s *Store) SaveRecords(ctx context.Context, records []learner.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", r.ID, err)
		}
		batch.Queue(sqlInsertRecord, r.ID, r.WorkflowID, r.TaskType, r.Tier, r.Outcome.Success, r.Timestamp.UTC(), data)
	}

	br := s.pool.SendBatch(ctx, batch)
	if br == nil {
		return errors.New("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()
	for i := range records {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert learner record %s (index %d): %w", records[i].ID, i, err)
		}
	}
	s.log.Debug("Learner records saved", zap.Int("count", len(records)))
	return nil
}

// RecentRecords loads up to limit records, oldest first, for warming a
// learner.
func (s *Store) RecentRecords(ctx context.Context, limit int) ([]learner.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRecords, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query learner records: %w", err)
	}
	defer rows.Close()

	var out []learner.ExecutionRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan learner record: %w", err)
		}
		var r learner.ExecutionRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("failed to decode learner record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

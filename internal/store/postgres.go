package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/deepresearch/orchestrator/internal/model"
)

// Pool is the subset of *pgxpool.Pool the store needs; kept as an
// interface so tests can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore implements Store using pgxpool against a durable
// document-ish schema (JSONB payload columns) for tasks, reports, and
// logs.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

var preparedStatements = map[string]string{
	"insert_task":        `INSERT INTO tasks (id, query, kind, config, status, payload, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
	"update_task_status": `UPDATE tasks SET status=$1, payload=$2, updated_at=$3 WHERE id=$4`,
	"get_task":           `SELECT id, query, kind, config, status, payload, created_at, updated_at FROM tasks WHERE id=$1`,
	"insert_report":      `INSERT INTO reports (task_id, payload, created_at) VALUES ($1,$2,$3)`,
	"get_report":         `SELECT task_id, payload, created_at FROM reports WHERE task_id=$1`,
	"insert_log":         `INSERT INTO logs (task_id, level, message, event_type, payload, ts) VALUES ($1,$2,$3,$4,$5,$6)`,
}

// NewPostgres creates a PostgresStore with a connection pool, preparing
// frequently-used statements on each new connection the same way the
// teacher's enrichment store does.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	query      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	config     JSONB NOT NULL,
	status     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at DESC);

CREATE TABLE IF NOT EXISTS reports (
	task_id    TEXT PRIMARY KEY REFERENCES tasks(id),
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_created_at ON reports(created_at DESC);

CREATE TABLE IF NOT EXISTS logs (
	id         BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL,
	level      TEXT NOT NULL,
	message    TEXT NOT NULL,
	event_type TEXT NOT NULL DEFAULT '',
	payload    JSONB,
	ts         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_logs_task_ts ON logs(task_id, ts ASC);
CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
`

func (s *PostgresStore) Backend() Backend { return BackendDurable }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// taskPayload carries the mutable/optional fields of a ResearchTask that
// don't have their own column, mirroring the teacher's JSONB "result"
// column pattern in its enrichment run table.
type taskPayload struct {
	ErrorReason    string               `json:"error_reason,omitempty"`
	EvidenceCount  int                  `json:"evidence_count"`
	SourcesSummary model.SourcesSummary `json:"sources_summary"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	CompletedAt    *time.Time           `json:"completed_at,omitempty"`
}

func (s *PostgresStore) CreateTask(ctx context.Context, task model.ResearchTask) error {
	cfgJSON, err := json.Marshal(task.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task config")
	}
	payload := taskPayload{
		ErrorReason:    task.ErrorReason,
		EvidenceCount:  task.EvidenceCount,
		SourcesSummary: task.SourcesSummary,
		StartedAt:      task.StartedAt,
		CompletedAt:    task.CompletedAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task payload")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, query, kind, config, status, payload, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		task.ID, task.Query, string(task.Kind), cfgJSON, string(task.Status), payloadJSON, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return eris.Wrap(err, "postgres: insert task")
	}
	return nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id string, status model.TaskStatus, extras TaskExtras) error {
	existing, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if extras.ErrorReason != nil {
		existing.ErrorReason = *extras.ErrorReason
	}
	if extras.EvidenceCount != nil {
		existing.EvidenceCount = *extras.EvidenceCount
	}
	if extras.SourcesSummary != nil {
		existing.SourcesSummary = *extras.SourcesSummary
	}
	if extras.StartedAt != nil {
		existing.StartedAt = extras.StartedAt
	}
	if extras.CompletedAt != nil {
		existing.CompletedAt = extras.CompletedAt
	}

	payload := taskPayload{
		ErrorReason:    existing.ErrorReason,
		EvidenceCount:  existing.EvidenceCount,
		SourcesSummary: existing.SourcesSummary,
		StartedAt:      existing.StartedAt,
		CompletedAt:    existing.CompletedAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task payload")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status=$1, payload=$2, updated_at=$3 WHERE id=$4`,
		string(status), payloadJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update task status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.ResearchTask, error) {
	var t model.ResearchTask
	var kind, status string
	var cfgJSON, payloadJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, query, kind, config, status, payload, created_at, updated_at FROM tasks WHERE id=$1`,
		id,
	).Scan(&t.ID, &t.Query, &kind, &cfgJSON, &status, &payloadJSON, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get task %s", id)
	}
	t.Kind = model.TaskKind(kind)
	t.Status = model.TaskStatus(status)
	if err := json.Unmarshal(cfgJSON, &t.Config); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal task config")
	}
	var payload taskPayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal task payload")
	}
	t.ErrorReason = payload.ErrorReason
	t.EvidenceCount = payload.EvidenceCount
	t.SourcesSummary = payload.SourcesSummary
	t.StartedAt = payload.StartedAt
	t.CompletedAt = payload.CompletedAt
	return &t, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]model.ResearchTask, error) {
	query := `SELECT id, query, kind, config, status, payload, created_at, updated_at FROM tasks WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tasks")
	}
	defer rows.Close()

	var out []model.ResearchTask
	for rows.Next() {
		var t model.ResearchTask
		var kind, status string
		var cfgJSON, payloadJSON []byte
		if err := rows.Scan(&t.ID, &t.Query, &kind, &cfgJSON, &status, &payloadJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		t.Kind = model.TaskKind(kind)
		t.Status = model.TaskStatus(status)
		if err := json.Unmarshal(cfgJSON, &t.Config); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task config")
		}
		var payload taskPayload
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task payload")
		}
		t.ErrorReason = payload.ErrorReason
		t.EvidenceCount = payload.EvidenceCount
		t.SourcesSummary = payload.SourcesSummary
		t.StartedAt = payload.StartedAt
		t.CompletedAt = payload.CompletedAt
		out = append(out, t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list tasks iterate")
}

func (s *PostgresStore) CreateReport(ctx context.Context, report model.Report) error {
	payloadJSON, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal report")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reports (task_id, payload, created_at) VALUES ($1,$2,$3)`,
		report.TaskID, payloadJSON, report.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return eris.Wrap(err, "postgres: insert report")
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, taskID string) (*model.Report, error) {
	var payloadJSON []byte
	var createdAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT payload, created_at FROM reports WHERE task_id=$1`,
		taskID,
	).Scan(&payloadJSON, &createdAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get report")
	}
	var report model.Report
	if err := json.Unmarshal(payloadJSON, &report); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal report")
	}
	report.CreatedAt = createdAt
	return &report, nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, rec model.LogRecord) error {
	var payloadJSON []byte
	if rec.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(rec.Payload)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal log payload")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO logs (task_id, level, message, event_type, payload, ts) VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.TaskID, string(rec.Level), rec.Message, string(rec.EventType), payloadJSON, rec.Timestamp,
	)
	return eris.Wrap(err, "postgres: append log")
}

func (s *PostgresStore) ListLogs(ctx context.Context, taskID string, since *time.Time) ([]model.LogRecord, error) {
	query := `SELECT task_id, level, message, event_type, payload, ts FROM logs WHERE task_id=$1`
	args := []any{taskID}
	if since != nil {
		query += ` AND ts > $2`
		args = append(args, *since)
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list logs")
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var r model.LogRecord
		var level, eventType string
		var payloadJSON []byte
		if err := rows.Scan(&r.TaskID, &level, &r.Message, &eventType, &payloadJSON, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		r.Level = model.LogLevel(level)
		r.EventType = model.EventKind(eventType)
		if len(payloadJSON) > 0 {
			if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal log payload")
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Package runlog keeps an audit trail of pipeline runs in Postgres: one
// etl_run row per run and one etl_run_event row per notable event.
package runlog

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	StatusRunning   = "RUNNING"
	StatusSuccess   = "SUCCESS"
	StatusError     = "ERROR"
	StatusCancelled = "CANCELLED"
)

const (
	startRunQuery = `
INSERT INTO etl_run (run_id, pipeline, operator, status, started_at, message)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (run_id) DO UPDATE
   SET status = EXCLUDED.status,
       finished_at = NULL
RETURNING id`

	finishRunQuery = `
UPDATE etl_run
   SET status = $2,
       finished_at = $3,
       message = $4
 WHERE id = $1`

	addEventQuery = `
INSERT INTO etl_run_event (run_ref, level, stage, code, message, detail, attempt, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`
)

// Run is the opening row of a run.
type Run struct {
	RunID     string
	Pipeline  string
	Operator  string
	StartedAt time.Time
}

// EventRow is one etl_run_event row.
type EventRow struct {
	RunRef  int64
	Level   string
	Stage   string
	Code    string
	Message string
	Detail  map[string]any
	Attempt int
	At      time.Time
}

// Writer persists run log rows. Store is the Postgres implementation.
type Writer interface {
	StartRun(ctx context.Context, run Run) (int64, error)
	FinishRun(ctx context.Context, id int64, status string, finishedAt time.Time, message string) error
	AddEvent(ctx context.Context, ev EventRow) error
}

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) StartRun(ctx context.Context, run Run) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, startRunQuery,
		run.RunID, run.Pipeline, run.Operator, StatusRunning, run.StartedAt, "(run started)",
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert etl_run: %w", err)
	}
	return id, nil
}

func (s *Store) FinishRun(ctx context.Context, id int64, status string, finishedAt time.Time, message string) error {
	if _, err := s.pool.Exec(ctx, finishRunQuery, id, status, finishedAt, message); err != nil {
		return fmt.Errorf("update etl_run %d: %w", id, err)
	}
	return nil
}

func (s *Store) AddEvent(ctx context.Context, ev EventRow) error {
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		if detail, err = json.Marshal(ev.Detail); err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, addEventQuery,
		ev.RunRef, ev.Level, nullable(ev.Stage), nullable(ev.Code), ev.Message, detail, ev.Attempt, ev.At,
	)
	if err != nil {
		return fmt.Errorf("insert etl_run_event: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Migrate applies the embedded run log migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/5TFG4/Weaver-sub002/internal/domain/runstore"
	"github.com/5TFG4/Weaver-sub002/internal/domain/schema"
)

// RunStore persists run lifecycle state.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
)

const (
	runInsertSQL = `
INSERT INTO runs (
    id,
    mode,
    strategy_id,
    symbols,
    timeframe,
    start_time,
    end_time,
    status,
    error_message,
    created_at
)
VALUES (
    @id,
    @mode,
    @strategy_id,
    @symbols,
    @timeframe,
    @start_time,
    @end_time,
    @status,
    @error_message,
    NOW()
);
`

	runUpdateSQL = `
UPDATE runs
SET status = @status,
    error_message = COALESCE(@error_message, error_message),
    started_at = COALESCE(@started_at, started_at),
    stopped_at = COALESCE(@stopped_at, stopped_at)
WHERE id = @id;
`

	runSelectBase = `
SELECT
    id,
    mode,
    strategy_id,
    symbols,
    timeframe,
    start_time,
    end_time,
    status,
    COALESCE(error_message, ''),
    created_at,
    started_at,
    stopped_at
FROM runs
`
)

// CreateRun inserts a new run row.
func (s *RunStore) CreateRun(ctx context.Context, run runstore.Run) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	if strings.TrimSpace(run.ID) == "" {
		return fmt.Errorf("run store: run id required")
	}
	args := pgx.NamedArgs{
		"id":            run.ID,
		"mode":          string(run.Mode),
		"strategy_id":   run.StrategyID,
		"symbols":       run.Symbols,
		"timeframe":     string(run.Timeframe),
		"start_time":    nullableTime(run.StartTime),
		"end_time":      nullableTime(run.EndTime),
		"status":        string(run.Status),
		"error_message": nullableString(run.ErrorMessage),
	}
	if _, err := s.pool.Exec(ctx, runInsertSQL, args); err != nil {
		if isUniqueViolation(err) {
			return runstore.ErrDuplicate
		}
		return fmt.Errorf("run store: insert run: %w", err)
	}
	return nil
}

// UpdateRun applies a status transition to an existing run.
func (s *RunStore) UpdateRun(ctx context.Context, update runstore.Update) error {
	if s.pool == nil {
		return fmt.Errorf("run store: nil pool")
	}
	if strings.TrimSpace(update.ID) == "" {
		return fmt.Errorf("run store: run id required")
	}
	args := pgx.NamedArgs{
		"id":            update.ID,
		"status":        string(update.Status),
		"error_message": nullableString(update.ErrorMessage),
		"started_at":    nullableTime(update.StartedAt),
		"stopped_at":    nullableTime(update.StoppedAt),
	}
	tag, err := s.pool.Exec(ctx, runUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("run store: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return runstore.ErrNotFound
	}
	return nil
}

// GetRun retrieves one run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (runstore.Run, error) {
	if s.pool == nil {
		return runstore.Run{}, fmt.Errorf("run store: nil pool")
	}
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return runstore.Run{}, fmt.Errorf("run store: run id required")
	}
	row := s.pool.QueryRow(ctx, runSelectBase+" WHERE id = $1", trimmed)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return runstore.Run{}, runstore.ErrNotFound
	}
	if err != nil {
		return runstore.Run{}, err
	}
	return run, nil
}

// ListRuns retrieves runs matching the supplied query filters, newest first.
func (s *RunStore) ListRuns(ctx context.Context, query runstore.Query) ([]runstore.Run, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	limit := clampLimit(query.Limit, defaultRunLimit, maxRunLimit)

	builder := strings.Builder{}
	builder.WriteString(runSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if query.Mode != "" {
		fmt.Fprintf(&builder, " AND mode = $%d", argPos)
		args = append(args, string(query.Mode))
		argPos++
	}
	if query.Status != "" {
		fmt.Fprintf(&builder, " AND status = $%d", argPos)
		args = append(args, string(query.Status))
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("run store: list runs: %w", err)
	}
	defer rows.Close()

	var runs []runstore.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row rowScanner) (runstore.Run, error) {
	var (
		run       runstore.Run
		mode      string
		timeframe string
		status    string
		startAt   pgtype.Timestamptz
		endAt     pgtype.Timestamptz
		createdAt time.Time
		startedAt pgtype.Timestamptz
		stoppedAt pgtype.Timestamptz
	)
	if err := row.Scan(
		&run.ID,
		&mode,
		&run.StrategyID,
		&run.Symbols,
		&timeframe,
		&startAt,
		&endAt,
		&status,
		&run.ErrorMessage,
		&createdAt,
		&startedAt,
		&stoppedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return runstore.Run{}, err
		}
		return runstore.Run{}, fmt.Errorf("run store: scan run: %w", err)
	}
	run.Mode = schema.RunMode(mode)
	run.Timeframe = schema.Timeframe(timeframe)
	run.Status = schema.RunStatus(status)
	run.StartTime = timePtr(startAt)
	run.EndTime = timePtr(endAt)
	run.CreatedAt = createdAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.StoppedAt = timePtr(stoppedAt)
	return run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ runstore.Store = (*RunStore)(nil)

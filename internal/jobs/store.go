package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codebridger/subturtle-core/internal/storage"
)

// ErrJobNotFound is returned when a job name has no persisted row.
var ErrJobNotFound = errors.New("job not found")

// Store persists job definitions and their execution history.
//
// State transitions go through conditional UPDATEs so that concurrent
// triggers for the same job resolve to a single winner inside SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(db *storage.DB) *Store {
	return &Store{db: db.Handle()}
}

const jobColumns = `name, job_type, cron_expr, run_at, time_zone, function_id,
	args, execution_type, catch_up, state, expected_time, last_run, created_at, updated_at`

// Upsert inserts or replaces the job definition keyed by name. The state of
// an existing row is reset to scheduled; history in job_runs is untouched.
func (s *Store) Upsert(ctx context.Context, j Job) error {
	args, err := encodeArgs(j.Args)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", j.Name, err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'scheduled', NULL, NULL, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			job_type = excluded.job_type,
			cron_expr = excluded.cron_expr,
			run_at = excluded.run_at,
			time_zone = excluded.time_zone,
			function_id = excluded.function_id,
			args = excluded.args,
			execution_type = excluded.execution_type,
			catch_up = excluded.catch_up,
			state = 'scheduled',
			expected_time = NULL,
			updated_at = excluded.updated_at`,
		j.Name, string(j.Type), storage.NullStr(j.CronExpr), storage.NullTime(j.RunAt),
		storage.NullStr(j.TimeZone), j.FunctionID, args, string(j.ExecutionType),
		boolInt(j.CatchUp), storage.NullTime(now), storage.NullTime(now))
	return err
}

func (s *Store) Get(ctx context.Context, name string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE name = ?`, name)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return j, err
}

func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE name = ?`, name)
	return err
}

// List returns all persisted jobs ordered by name.
func (s *Store) List(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Claim attempts the atomic claim for a trigger firing at expected.
// It reports false when the job is mid-flight (queued or executing) or gone.
// toState must be StateQueued or StateExecuting depending on execution mode.
func (s *Store) Claim(ctx context.Context, name string, toState State, expected time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, expected_time = ?, updated_at = ?
		WHERE name = ? AND state IN ('scheduled', 'executed', 'failed')`,
		string(toState), storage.NullTime(expected), storage.NullTime(time.Now().UTC()), name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimNextQueued moves the oldest queued job to executing and returns it.
// The conditional UPDATE ... RETURNING makes the dequeue atomic, so two
// drain passes can never pick up the same row.
func (s *Store) ClaimNextQueued(ctx context.Context) (Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET state = 'executing', updated_at = ?
		WHERE name = (
			SELECT name FROM jobs WHERE state = 'queued'
			ORDER BY updated_at ASC LIMIT 1
		)
		RETURNING `+jobColumns,
		storage.NullTime(time.Now().UTC()))
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return j, true, nil
}

// ResetExecuting marks rows stuck in executing as failed. Called once at
// startup; an executing row can only survive a process crash.
func (s *Store) ResetExecuting(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'failed', expected_time = NULL, updated_at = ?
		WHERE state = 'executing'`,
		storage.NullTime(time.Now().UTC()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Finish settles an execution: terminal state plus last_run bookkeeping.
func (s *Store) Finish(ctx context.Context, name string, state State, executed time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = ?, expected_time = NULL, last_run = ?, updated_at = ?
		WHERE name = ?`,
		string(state), storage.NullTime(executed), storage.NullTime(time.Now().UTC()), name)
	return err
}

// AppendRun records one execution attempt in the history table.
func (s *Store) AppendRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, job_name, expected_time, executed_time, duration_ms, err)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobName, storage.NullTime(r.ExpectedTime), storage.NullTime(r.ExecutedTime),
		r.Duration.Milliseconds(), storage.NullStr(r.Error))
	return err
}

// Runs returns the most recent executions for a job, newest first.
func (s *Store) Runs(ctx context.Context, name string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_name, expected_time, executed_time, duration_ms, err
		FROM job_runs WHERE job_name = ?
		ORDER BY executed_time DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			exp, exe sql.NullString
			ms       int64
			errStr   sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.JobName, &exp, &exe, &ms, &errStr); err != nil {
			return nil, err
		}
		if r.ExpectedTime, err = storage.ParseTime(exp); err != nil {
			return nil, err
		}
		if r.ExecutedTime, err = storage.ParseTime(exe); err != nil {
			return nil, err
		}
		r.Duration = time.Duration(ms) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var (
		j                        Job
		jobType, execType, state string
		cron, tz, args           sql.NullString
		runAt, expected, last    sql.NullString
		created, updated         sql.NullString
		catchUp                  int
	)
	err := row.Scan(&j.Name, &jobType, &cron, &runAt, &tz, &j.FunctionID,
		&args, &execType, &catchUp, &state, &expected, &last, &created, &updated)
	if err != nil {
		return Job{}, err
	}
	j.Type = JobType(jobType)
	j.ExecutionType = ExecutionType(execType)
	j.State = State(state)
	j.CronExpr = cron.String
	j.TimeZone = tz.String
	j.CatchUp = catchUp != 0
	if j.Args, err = decodeArgs(args); err != nil {
		return Job{}, err
	}
	if j.RunAt, err = storage.ParseTime(runAt); err != nil {
		return Job{}, err
	}
	if j.ExpectedTime, err = storage.ParseTime(expected); err != nil {
		return Job{}, err
	}
	if j.LastRun, err = storage.ParseTime(last); err != nil {
		return Job{}, err
	}
	if j.CreatedAt, err = storage.ParseTime(created); err != nil {
		return Job{}, err
	}
	if j.UpdatedAt, err = storage.ParseTime(updated); err != nil {
		return Job{}, err
	}
	return j, nil
}

func encodeArgs(args map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeArgs(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

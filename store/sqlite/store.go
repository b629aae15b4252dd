// Package sqlite provides a SQLite-backed job store using database/sql
// with the modernc.org/sqlite driver. Suitable for single-node
// deployments; every transition is a single statement or transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// Ensure Store implements the job transition contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path. Use ":memory:"
// for an ephemeral store.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: open %s: %w", path, err)
	}

	// WAL mode for better concurrent read performance; busy timeout so
	// concurrent workers retry instead of failing on a locked database.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, fmt.Errorf("typeset/sqlite: %s: %w", pragma, err)
		}
	}

	return &Store{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS typeset_jobs (
			id               TEXT PRIMARY KEY,
			owner_key        TEXT NOT NULL,
			kind             TEXT NOT NULL,
			source_ref       TEXT NOT NULL,
			state            TEXT NOT NULL DEFAULT 'queued',
			artifact_ref     TEXT NOT NULL DEFAULT '',
			error_kind       TEXT NOT NULL DEFAULT '',
			error_message    TEXT NOT NULL DEFAULT '',
			error_excerpt    TEXT NOT NULL DEFAULT '',
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			worker_id        TEXT NOT NULL DEFAULT '',
			submitted_at     DATETIME NOT NULL,
			started_at       DATETIME,
			finished_at      DATETIME,
			created_at       DATETIME NOT NULL,
			updated_at       DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_typeset_jobs_state        ON typeset_jobs(state);
		CREATE INDEX IF NOT EXISTS idx_typeset_jobs_owner        ON typeset_jobs(owner_key);
		CREATE INDEX IF NOT EXISTS idx_typeset_jobs_submitted_at ON typeset_jobs(submitted_at);
		CREATE INDEX IF NOT EXISTS idx_typeset_jobs_finished_at  ON typeset_jobs(finished_at);
	`)
	if err != nil {
		return fmt.Errorf("typeset/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const jobColumns = `id, owner_key, kind, source_ref, state, artifact_ref,
	error_kind, error_message, error_excerpt, cancel_requested, worker_id,
	submitted_at, started_at, finished_at, created_at, updated_at`

// CreateExclusive persists a new Queued job unless the owner already
// has a non-terminal one. Owner exclusivity and the insert are one
// statement, so concurrent submits cannot both slip through.
func (s *Store) CreateExclusive(ctx context.Context, j *job.Job) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO typeset_jobs
			(id, owner_key, kind, source_ref, state, cancel_requested, worker_id,
			 submitted_at, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, 0, '', ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM typeset_jobs
			WHERE owner_key = ? AND state IN ('queued', 'running')
		)
	`,
		j.ID.String(), j.OwnerKey, string(j.Kind), j.SourceRef, string(j.State),
		j.SubmittedAt.UTC(), j.CreatedAt.UTC(), j.UpdatedAt.UTC(),
		j.OwnerKey,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return typeset.ErrJobAlreadyExists
		}
		return fmt.Errorf("typeset/sqlite: create job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return typeset.ErrJobAlreadyActive
	}
	return nil
}

// Get retrieves a snapshot of a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM typeset_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, typeset.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: get job: %w", err)
	}
	return j, nil
}

// Claim atomically transitions the oldest Queued job to Running.
// SQLite has no FOR UPDATE SKIP LOCKED; UPDATE with a subquery plus
// RETURNING gives the same single-claimer guarantee.
func (s *Store) Claim(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE typeset_jobs
		SET state = 'running', started_at = ?, worker_id = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM typeset_jobs
			WHERE state = 'queued'
			ORDER BY submitted_at ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, workerID.String(), now,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: claim: %w", err)
	}
	return j, nil
}

// RequestCancel marks a job for cancellation. The queued fast path and
// the running flag are separate guarded updates inside one transaction.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var state string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM typeset_jobs WHERE id = ?`, jobID.String()).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, typeset.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: request cancel: %w", err)
	}
	if job.State(state).IsTerminal() {
		return nil, typeset.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	if state == string(job.StateQueued) {
		_, err = tx.ExecContext(ctx, `
			UPDATE typeset_jobs
			SET state = 'cancelled', cancel_requested = 1, finished_at = ?, updated_at = ?
			WHERE id = ? AND state = 'queued'
		`, now, now, jobID.String())
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE typeset_jobs
			SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND state = 'running'
		`, now, jobID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: request cancel: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM typeset_jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: request cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("typeset/sqlite: commit: %w", err)
	}
	return j, nil
}

// Finish transitions a Running job into a terminal state.
func (s *Store) Finish(ctx context.Context, jobID id.JobID, state job.State, artifactRef string, errDetail *job.ErrorDetail) error {
	if !job.StateRunning.CanTransitionTo(state) {
		return typeset.ErrInvalidTransition
	}

	var errKind, errMessage, errExcerpt string
	if errDetail != nil {
		errKind = string(errDetail.Kind)
		errMessage = errDetail.Message
		errExcerpt = errDetail.LogExcerpt
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE typeset_jobs
		SET state = ?, artifact_ref = ?, error_kind = ?, error_message = ?,
		    error_excerpt = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'
	`,
		string(state), artifactRef, errKind, errMessage, errExcerpt,
		now, now, jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("typeset/sqlite: finish: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		// Either the job is unknown or it is not Running anymore.
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return typeset.ErrInvalidTransition
	}
	return nil
}

// ActiveByOwner returns the owner's non-terminal job.
func (s *Store) ActiveByOwner(ctx context.Context, ownerKey string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM typeset_jobs
		WHERE owner_key = ? AND state IN ('queued', 'running')
		LIMIT 1
	`, ownerKey)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, typeset.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: active by owner: %w", err)
	}
	return j, nil
}

// SweepExpired evicts terminal jobs finished before cutoff.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM typeset_jobs
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND finished_at IS NOT NULL
		  AND finished_at < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("typeset/sqlite: sweep: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// ResetRunning moves Running jobs back to Queued for crash recovery.
func (s *Store) ResetRunning(ctx context.Context) ([]id.JobID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM typeset_jobs WHERE state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: query running jobs: %w", err)
	}
	defer rows.Close()

	var ids []id.JobID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("typeset/sqlite: scan job id: %w", err)
		}
		jobID, err := id.ParseJobID(raw)
		if err != nil {
			return nil, fmt.Errorf("typeset/sqlite: bad stored id %q: %w", raw, err)
		}
		ids = append(ids, jobID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("typeset/sqlite: iterate running jobs: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE typeset_jobs
		SET state = 'queued', started_at = NULL, worker_id = '', updated_at = ?
		WHERE state = 'running'
	`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: reset running jobs: %w", err)
	}
	return ids, nil
}

// ListByState returns jobs in the given state ordered by submission time.
func (s *Store) ListByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM typeset_jobs WHERE state = ?`
	args := []any{string(state)}
	if opts.OwnerKey != "" {
		query += ` AND owner_key = ?`
		args = append(args, opts.OwnerKey)
	}
	query += ` ORDER BY submitted_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("typeset/sqlite: list by state: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("typeset/sqlite: list scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("typeset/sqlite: list iterate: %w", err)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the options.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM typeset_jobs WHERE 1=1`
	var args []any
	if opts.State != "" {
		query += ` AND state = ?`
		args = append(args, string(opts.State))
	}
	if opts.OwnerKey != "" {
		query += ` AND owner_key = ?`
		args = append(args, opts.OwnerKey)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("typeset/sqlite: count: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                 job.Job
		rawID, rawWorker  string
		kind, state       string
		errKind           string
		errMessage        string
		errExcerpt        string
		cancelRequested   int
		startedAt, doneAt sql.NullTime
	)

	err := row.Scan(
		&rawID, &j.OwnerKey, &kind, &j.SourceRef, &state, &j.ArtifactRef,
		&errKind, &errMessage, &errExcerpt, &cancelRequested, &rawWorker,
		&j.SubmittedAt, &startedAt, &doneAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	jobID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("bad stored job id %q: %w", rawID, err)
	}
	j.ID = jobID
	j.Kind = job.Kind(kind)
	j.State = job.State(state)
	j.CancelRequested = cancelRequested != 0

	if rawWorker != "" {
		workerID, err := id.ParseWorkerID(rawWorker)
		if err != nil {
			return nil, fmt.Errorf("bad stored worker id %q: %w", rawWorker, err)
		}
		j.WorkerID = workerID
	}
	if errKind != "" {
		j.ErrorDetail = &job.ErrorDetail{
			Kind:       job.ErrorKind(errKind),
			Message:    errMessage,
			LogExcerpt: errExcerpt,
		}
	}
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		j.StartedAt = &t
	}
	if doneAt.Valid {
		t := doneAt.Time.UTC()
		j.FinishedAt = &t
	}
	return &j, nil
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// CreateExclusive persists a new Queued job. The partial unique index
// on (owner_key) WHERE state IN ('queued','running') makes owner
// exclusivity a constraint, not a check-then-act.
func (s *Store) CreateExclusive(ctx context.Context, j *job.Job) error {
	m := toJobModel(j)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		switch uniqueViolation(err) {
		case "typeset_jobs_pkey":
			return typeset.ErrJobAlreadyExists
		case "typeset_jobs_owner_active_uniq":
			return typeset.ErrJobAlreadyActive
		}
		return fmt.Errorf("typeset/bun: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", jobID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, typeset.ErrJobNotFound
		}
		return nil, fmt.Errorf("typeset/bun: get job: %w", err)
	}
	return fromJobModel(m)
}

// Claim atomically transitions the oldest Queued job to Running. FOR
// UPDATE SKIP LOCKED keeps concurrent claimers from blocking on or
// double-claiming the same row.
func (s *Store) Claim(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE typeset_jobs
		SET state = 'running', worker_id = ?0, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM typeset_jobs
			WHERE state = 'queued'
			ORDER BY submitted_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`,
		workerID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("typeset/bun: claim: %w", err)
	}
	if len(models) == 0 {
		return nil, nil
	}
	return fromJobModel(&models[0])
}

// RequestCancel marks a job for cancellation. Both branches are guarded
// updates; whichever matches the current state wins, and a miss on both
// means the job is unknown or already terminal.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE typeset_jobs
		SET cancel_requested = TRUE,
		    state       = CASE WHEN state = 'queued' THEN 'cancelled' ELSE state END,
		    finished_at = CASE WHEN state = 'queued' THEN NOW() ELSE finished_at END,
		    updated_at  = NOW()
		WHERE id = ?0 AND state IN ('queued', 'running')
		RETURNING *`,
		jobID.String(),
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("typeset/bun: request cancel: %w", err)
	}
	if len(models) == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return nil, getErr
		}
		return nil, typeset.ErrAlreadyTerminal
	}
	return fromJobModel(&models[0])
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

	res, err := s.db.NewUpdate().
		TableExpr("typeset_jobs").
		Set("state = ?", string(state)).
		Set("artifact_ref = ?", artifactRef).
		Set("error_kind = ?", errKind).
		Set("error_message = ?", errMessage).
		Set("error_excerpt = ?", errExcerpt).
		Set("finished_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", jobID.String()).
		Where("state = 'running'").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("typeset/bun: finish: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.Get(ctx, jobID); getErr != nil {
			return getErr
		}
		return typeset.ErrInvalidTransition
	}
	return nil
}

// ActiveByOwner returns the owner's non-terminal job.
func (s *Store) ActiveByOwner(ctx context.Context, ownerKey string) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().Model(m).
		Where("owner_key = ?", ownerKey).
		Where("state IN ('queued', 'running')").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, typeset.ErrJobNotFound
		}
		return nil, fmt.Errorf("typeset/bun: active by owner: %w", err)
	}
	return fromJobModel(m)
}

// SweepExpired evicts terminal jobs finished before cutoff.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.NewDelete().
		TableExpr("typeset_jobs").
		Where("state IN ('completed', 'failed', 'cancelled')").
		Where("finished_at IS NOT NULL").
		Where("finished_at < ?", cutoff.UTC()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("typeset/bun: sweep: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	return int(rows), nil
}

// ResetRunning moves Running jobs back to Queued for crash recovery.
func (s *Store) ResetRunning(ctx context.Context) ([]id.JobID, error) {
	var models []jobModel
	_, err := s.db.NewRaw(`
		UPDATE typeset_jobs
		SET state = 'queued', worker_id = '', started_at = NULL, updated_at = NOW()
		WHERE state = 'running'
		RETURNING *`,
	).Exec(ctx, &models)
	if err != nil {
		return nil, fmt.Errorf("typeset/bun: reset running: %w", err)
	}

	ids := make([]id.JobID, 0, len(models))
	for i := range models {
		jobID, parseErr := id.ParseJobID(models[i].ID)
		if parseErr != nil {
			return nil, fmt.Errorf("typeset/bun: bad stored id %q: %w", models[i].ID, parseErr)
		}
		ids = append(ids, jobID)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// ListByState returns jobs matching the given state, ordered by
// submission time ascending.
func (s *Store) ListByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().Model(&models).
		Where("state = ?", string(state))

	if opts.OwnerKey != "" {
		q = q.Where("owner_key = ?", opts.OwnerKey)
	}

	q = q.Order("submitted_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("typeset/bun: list by state: %w", err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, convErr := fromJobModel(&models[i])
		if convErr != nil {
			return nil, fmt.Errorf("typeset/bun: list convert: %w", convErr)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Count returns the number of jobs matching the given options.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().TableExpr("typeset_jobs")

	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}
	if opts.OwnerKey != "" {
		q = q.Where("owner_key = ?", opts.OwnerKey)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("typeset/bun: count: %w", err)
	}
	return int64(count), nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// claimScript flips a popped job to Running only while it is still
// Queued, so a cancel that landed between enqueue and pop can never be
// overwritten. KEYS[1] is the job hash; ARGV carries the worker id and
// timestamp.
var claimScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state ~= 'queued' then
	return 0
end
redis.call('HSET', KEYS[1],
	'state', 'running',
	'worker_id', ARGV[1],
	'started_at', ARGV[2],
	'updated_at', ARGV[2])
return 1
`)

// cancelScript performs the cancel transition against whichever state
// the job is in at execution time, keeping the read and the write in
// one atomic step. KEYS: job hash, queued zset, terminal zset,
// owner-active key. ARGV: job id, timestamp, finish score.
var cancelScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'missing'
end
if state == 'queued' then
	redis.call('HSET', KEYS[1],
		'state', 'cancelled',
		'cancel_requested', '1',
		'finished_at', ARGV[2],
		'updated_at', ARGV[2])
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	redis.call('DEL', KEYS[4])
	return 'cancelled'
end
if state == 'running' then
	redis.call('HSET', KEYS[1], 'cancel_requested', '1', 'updated_at', ARGV[2])
	return 'flagged'
end
return 'terminal'
`)

// CreateExclusive stores the job as a Hash and adds it to the queue.
// Owner exclusivity is a SetNX on the owner's active-job key; the key
// is removed on every terminal transition.
func (s *Store) CreateExclusive(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("typeset/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return typeset.ErrJobAlreadyExists
	}

	ok, err := s.client.SetNX(ctx, ownerActiveKey(j.OwnerKey), jID, 0).Result()
	if err != nil {
		return fmt.Errorf("typeset/redis: create owner lock: %w", err)
	}
	if !ok {
		// The lock may be stale if the referenced job was evicted
		// before its terminal transition cleared the key.
		if s.ownerLockIsStale(ctx, j.OwnerKey) {
			if err := s.client.Set(ctx, ownerActiveKey(j.OwnerKey), jID, 0).Err(); err != nil {
				return fmt.Errorf("typeset/redis: create owner lock: %w", err)
			}
		} else {
			return typeset.ErrJobAlreadyActive
		}
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, jobToMap(j))
	pipe.SAdd(ctx, jobIDsKey, jID)
	pipe.ZAdd(ctx, queuedKey, goredis.Z{
		Score:  float64(j.SubmittedAt.UnixMilli()),
		Member: jID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typeset/redis: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// Claim pops the earliest Queued job and marks it Running. The flip is
// a conditional script, so a popped id whose record is no longer Queued
// (cancelled in flight, evicted) is skipped and the next one is tried.
func (s *Store) Claim(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	for {
		members, err := s.client.ZPopMin(ctx, queuedKey, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("typeset/redis: claim zpopmin: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}
		jID, ok := members[0].Member.(string)
		if !ok {
			continue
		}

		key := jobKey(jID)
		now := time.Now().UTC()
		flipped, err := claimScript.Run(ctx, s.client, []string{key},
			workerID.String(), now.Format(time.RFC3339Nano)).Int()
		if err != nil {
			return nil, fmt.Errorf("typeset/redis: claim flip: %w", err)
		}
		if flipped == 0 {
			continue
		}
		return s.getJobByKey(ctx, key)
	}
}

// RequestCancel marks a job for cancellation. Queued jobs terminate
// immediately; Running jobs only get the flag. The transition runs as
// one script so a concurrent claim cannot slip between the state read
// and the write.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	key := jobKey(jobID.String())
	// The owner key is immutable, so reading it ahead of the script is
	// safe; the script re-reads the state atomically.
	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := cancelScript.Run(ctx, s.client,
		[]string{key, queuedKey, terminalKey, ownerActiveKey(j.OwnerKey)},
		jobID.String(), now.Format(time.RFC3339Nano), now.UnixMilli(),
	).Text()
	if err != nil {
		return nil, fmt.Errorf("typeset/redis: request cancel: %w", err)
	}

	switch res {
	case "missing":
		return nil, typeset.ErrJobNotFound
	case "terminal":
		return nil, typeset.ErrAlreadyTerminal
	}
	return s.getJobByKey(ctx, key)
}

// Finish transitions a Running job into a terminal state.
func (s *Store) Finish(ctx context.Context, jobID id.JobID, state job.State, artifactRef string, errDetail *job.ErrorDetail) error {
	key := jobKey(jobID.String())
	j, err := s.getJobByKey(ctx, key)
	if err != nil {
		return err
	}
	if j.State != job.StateRunning || !j.State.CanTransitionTo(state) {
		return typeset.ErrInvalidTransition
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"state":        string(state),
		"artifact_ref": artifactRef,
		"finished_at":  now.Format(time.RFC3339Nano),
		"updated_at":   now.Format(time.RFC3339Nano),
	}
	if errDetail != nil {
		fields["error_kind"] = string(errDetail.Kind)
		fields["error_message"] = errDetail.Message
		fields["error_excerpt"] = errDetail.LogExcerpt
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, terminalKey, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: jobID.String(),
	})
	pipe.Del(ctx, ownerActiveKey(j.OwnerKey))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("typeset/redis: finish job: %w", err)
	}
	return nil
}

// ActiveByOwner returns the owner's non-terminal job.
func (s *Store) ActiveByOwner(ctx context.Context, ownerKey string) (*job.Job, error) {
	jID, err := s.client.Get(ctx, ownerActiveKey(ownerKey)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, typeset.ErrJobNotFound
		}
		return nil, fmt.Errorf("typeset/redis: active by owner: %w", err)
	}

	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return nil, err
	}
	if j.State.IsTerminal() {
		return nil, typeset.ErrJobNotFound
	}
	return j, nil
}

// SweepExpired evicts terminal jobs finished before cutoff.
func (s *Store) SweepExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, terminalKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("typeset/redis: sweep range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, jID := range ids {
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		pipe.ZRem(ctx, terminalKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("typeset/redis: sweep delete: %w", err)
	}
	return len(ids), nil
}

// ResetRunning moves all Running jobs back to Queued for crash recovery.
func (s *Store) ResetRunning(ctx context.Context) ([]id.JobID, error) {
	jIDs, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("typeset/redis: reset smembers: %w", err)
	}

	var reset []id.JobID
	now := time.Now().UTC()
	for _, jID := range jIDs {
		j, err := s.getJobByKey(ctx, jobKey(jID))
		if err != nil {
			continue // evicted mid-scan
		}
		if j.State != job.StateRunning {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, jobKey(jID),
			"state", string(job.StateQueued),
			"worker_id", "",
			"started_at", "",
			"updated_at", now.Format(time.RFC3339Nano),
		)
		pipe.ZAdd(ctx, queuedKey, goredis.Z{
			Score:  float64(j.SubmittedAt.UnixMilli()),
			Member: jID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("typeset/redis: reset job %s: %w", jID, err)
		}
		reset = append(reset, j.ID)
	}
	return reset, nil
}

// ListByState returns jobs matching the given state, ordered by
// submission time ascending.
func (s *Store) ListByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	jIDs, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("typeset/redis: list smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(jIDs))
	for _, jID := range jIDs {
		j, err := s.getJobByKey(ctx, jobKey(jID))
		if err != nil {
			continue // skip missing
		}
		if j.State != state {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].SubmittedAt.Before(jobs[k].SubmittedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// Count returns the number of jobs matching the given options.
func (s *Store) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	jIDs, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("typeset/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range jIDs {
		j, err := s.getJobByKey(ctx, jobKey(jID))
		if err != nil {
			continue
		}
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// ownerLockIsStale reports whether the owner's active-job key points at
// a missing or terminal record.
func (s *Store) ownerLockIsStale(ctx context.Context, ownerKey string) bool {
	jID, err := s.client.Get(ctx, ownerActiveKey(ownerKey)).Result()
	if err != nil {
		return errors.Is(err, goredis.Nil)
	}
	j, err := s.getJobByKey(ctx, jobKey(jID))
	if err != nil {
		return errors.Is(err, typeset.ErrJobNotFound)
	}
	return j.State.IsTerminal()
}

func jobToMap(j *job.Job) map[string]interface{} {
	cancelRequested := "0"
	if j.CancelRequested {
		cancelRequested = "1"
	}
	m := map[string]interface{}{
		"id":               j.ID.String(),
		"owner_key":        j.OwnerKey,
		"kind":             string(j.Kind),
		"source_ref":       j.SourceRef,
		"state":            string(j.State),
		"artifact_ref":     j.ArtifactRef,
		"cancel_requested": cancelRequested,
		"worker_id":        j.WorkerID.String(),
		"submitted_at":     j.SubmittedAt.Format(time.RFC3339Nano),
		"created_at":       j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.ErrorDetail != nil {
		m["error_kind"] = string(j.ErrorDetail.Kind)
		m["error_message"] = j.ErrorDetail.Message
		m["error_excerpt"] = j.ErrorDetail.LogExcerpt
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.FinishedAt != nil {
		m["finished_at"] = j.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("typeset/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, typeset.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("typeset/redis: parse job id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	submittedAt, _ := time.Parse(time.RFC3339Nano, m["submitted_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: typeset.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:              jID,
		OwnerKey:        m["owner_key"],
		Kind:            job.Kind(m["kind"]),
		SourceRef:       m["source_ref"],
		State:           job.State(m["state"]),
		ArtifactRef:     m["artifact_ref"],
		CancelRequested: m["cancel_requested"] == "1",
		SubmittedAt:     submittedAt,
	}

	if wid := m["worker_id"]; wid != "" {
		j.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if kind := m["error_kind"]; kind != "" {
		j.ErrorDetail = &job.ErrorDetail{
			Kind:       job.ErrorKind(kind),
			Message:    m["error_message"],
			LogExcerpt: m["error_excerpt"],
		}
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FinishedAt = &t
	}
	return j, nil
}

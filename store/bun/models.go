package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

type jobModel struct {
	bun.BaseModel `bun:"table:typeset_jobs"`

	ID              string     `bun:"id,pk"`
	OwnerKey        string     `bun:"owner_key,notnull"`
	Kind            string     `bun:"kind,notnull"`
	SourceRef       string     `bun:"source_ref,notnull"`
	State           string     `bun:"state,notnull,default:'queued'"`
	ArtifactRef     string     `bun:"artifact_ref"`
	ErrorKind       string     `bun:"error_kind"`
	ErrorMessage    string     `bun:"error_message"`
	ErrorExcerpt    string     `bun:"error_excerpt"`
	CancelRequested bool       `bun:"cancel_requested,notnull,default:false"`
	WorkerID        string     `bun:"worker_id"`
	SubmittedAt     time.Time  `bun:"submitted_at,notnull"`
	StartedAt       *time.Time `bun:"started_at"`
	FinishedAt      *time.Time `bun:"finished_at"`
	CreatedAt       time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toJobModel(j *job.Job) *jobModel {
	m := &jobModel{
		ID:              j.ID.String(),
		OwnerKey:        j.OwnerKey,
		Kind:            string(j.Kind),
		SourceRef:       j.SourceRef,
		State:           string(j.State),
		ArtifactRef:     j.ArtifactRef,
		CancelRequested: j.CancelRequested,
		WorkerID:        j.WorkerID.String(),
		SubmittedAt:     j.SubmittedAt,
		StartedAt:       j.StartedAt,
		FinishedAt:      j.FinishedAt,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	if j.ErrorDetail != nil {
		m.ErrorKind = string(j.ErrorDetail.Kind)
		m.ErrorMessage = j.ErrorDetail.Message
		m.ErrorExcerpt = j.ErrorDetail.LogExcerpt
	}
	return m
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("typeset/bun: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		Entity: typeset.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:              parsedID,
		OwnerKey:        m.OwnerKey,
		Kind:            job.Kind(m.Kind),
		SourceRef:       m.SourceRef,
		State:           job.State(m.State),
		ArtifactRef:     m.ArtifactRef,
		CancelRequested: m.CancelRequested,
		SubmittedAt:     m.SubmittedAt,
		StartedAt:       m.StartedAt,
		FinishedAt:      m.FinishedAt,
	}

	if m.ErrorKind != "" {
		j.ErrorDetail = &job.ErrorDetail{
			Kind:       job.ErrorKind(m.ErrorKind),
			Message:    m.ErrorMessage,
			LogExcerpt: m.ErrorExcerpt,
		}
	}
	if m.WorkerID != "" {
		parsedWorker, wErr := id.ParseWorkerID(m.WorkerID)
		if wErr == nil {
			j.WorkerID = parsedWorker
		}
	}
	return j, nil
}

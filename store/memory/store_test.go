package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

func newJob(owner string) *job.Job {
	return job.New(owner, job.KindFull, "thesis")
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func() error
	}{
		{"Migrate", func() error { return s.Migrate(ctx) }},
		{"Ping", func() error { return s.Ping(ctx) }},
		{"Close", func() error { return s.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Fatalf("%s returned error: %v", tt.name, err)
			}
		})
	}
}

func TestCreateExclusiveAndGet(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("u1")
	if err := s.CreateExclusive(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Same id again is rejected.
	if err := s.CreateExclusive(ctx, j); !errors.Is(err, typeset.ErrJobAlreadyExists) {
		t.Errorf("duplicate id error = %v, want ErrJobAlreadyExists", err)
	}

	// Same owner with a fresh id is rejected while the first is queued.
	if err := s.CreateExclusive(ctx, newJob("u1")); !errors.Is(err, typeset.ErrJobAlreadyActive) {
		t.Errorf("active owner error = %v, want ErrJobAlreadyActive", err)
	}

	// A different owner is fine.
	if err := s.CreateExclusive(ctx, newJob("u2")); err != nil {
		t.Errorf("second owner: %v", err)
	}

	got, err := s.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != job.StateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}

	if _, err := s.Get(ctx, id.NewJobID()); !errors.Is(err, typeset.ErrJobNotFound) {
		t.Errorf("unknown id error = %v, want ErrJobNotFound", err)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("u1")
	if err := s.CreateExclusive(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	snap, _ := s.Get(ctx, j.ID)
	snap.State = job.StateFailed // mutating the snapshot must not leak back

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateQueued {
		t.Error("Get returned a reference into the store, not a copy")
	}
}

func TestClaimOrdersBySubmission(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	first := newJob("u1")
	second := newJob("u2")
	second.SubmittedAt = first.SubmittedAt.Add(time.Second)

	if err := s.CreateExclusive(ctx, second); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if err := s.CreateExclusive(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	wkr := id.NewWorkerID()

	claimed, err := s.Claim(ctx, wkr)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID.String() != first.ID.String() {
		t.Errorf("claimed %s, want the earliest submission %s", claimed.ID, first.ID)
	}
	if claimed.State != job.StateRunning {
		t.Errorf("claimed state = %s, want running", claimed.State)
	}
	if claimed.StartedAt == nil {
		t.Error("StartedAt not set on claim")
	}
	if claimed.WorkerID.String() != wkr.String() {
		t.Errorf("worker = %s, want %s", claimed.WorkerID, wkr)
	}

	if _, err := s.Claim(ctx, wkr); err != nil {
		t.Fatalf("claim second: %v", err)
	}

	// Nothing left.
	j, err := s.Claim(ctx, wkr)
	if err != nil || j != nil {
		t.Errorf("empty claim = (%v, %v), want (nil, nil)", j, err)
	}
}

func TestRequestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("queued job cancels immediately", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}

		got, err := s.RequestCancel(ctx, j.ID)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.State != job.StateCancelled {
			t.Errorf("state = %s, want cancelled", got.State)
		}
		if got.FinishedAt == nil {
			t.Error("FinishedAt not set")
		}
		if got.ArtifactRef != "" || got.ErrorDetail != nil {
			t.Error("cancelled job must carry no outcome")
		}

		// Cancelled work is never claimable.
		if claimed, _ := s.Claim(ctx, id.NewWorkerID()); claimed != nil {
			t.Error("cancelled job was claimed")
		}
	})

	t.Run("running job only gets the flag", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Claim(ctx, id.NewWorkerID()); err != nil {
			t.Fatalf("claim: %v", err)
		}

		got, err := s.RequestCancel(ctx, j.ID)
		if err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if got.State != job.StateRunning {
			t.Errorf("state = %s, want running", got.State)
		}
		if !got.CancelRequested {
			t.Error("CancelRequested not set")
		}
	})

	t.Run("terminal job rejects cancel", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.RequestCancel(ctx, j.ID); err != nil {
			t.Fatalf("first cancel: %v", err)
		}

		if _, err := s.RequestCancel(ctx, j.ID); !errors.Is(err, typeset.ErrAlreadyTerminal) {
			t.Errorf("second cancel error = %v, want ErrAlreadyTerminal", err)
		}
	})
}

func TestConcurrentCancelIdempotent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("u1")
	if err := s.CreateExclusive(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	const callers = 16
	var wg sync.WaitGroup
	results := make([]error, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = s.RequestCancel(ctx, j.ID)
		}()
	}
	wg.Wait()

	changed := 0
	for _, err := range results {
		switch {
		case err == nil:
			changed++
		case errors.Is(err, typeset.ErrAlreadyTerminal):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if changed != 1 {
		t.Errorf("state changed by %d callers, want exactly 1", changed)
	}
}

func TestFinish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("completed records the artifact", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Claim(ctx, id.NewWorkerID()); err != nil {
			t.Fatalf("claim: %v", err)
		}

		if err := s.Finish(ctx, j.ID, job.StateCompleted, "art_01h2x", nil); err != nil {
			t.Fatalf("finish: %v", err)
		}

		got, _ := s.Get(ctx, j.ID)
		if got.State != job.StateCompleted || got.ArtifactRef != "art_01h2x" {
			t.Errorf("got state=%s artifact=%q", got.State, got.ArtifactRef)
		}
		if got.FinishedAt == nil {
			t.Error("FinishedAt not set")
		}
	})

	t.Run("failed records the diagnostic", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := s.Claim(ctx, id.NewWorkerID()); err != nil {
			t.Fatalf("claim: %v", err)
		}

		detail := &job.ErrorDetail{Kind: job.ErrEngine, Message: "undefined control sequence"}
		if err := s.Finish(ctx, j.ID, job.StateFailed, "", detail); err != nil {
			t.Fatalf("finish: %v", err)
		}

		got, _ := s.Get(ctx, j.ID)
		if got.ErrorDetail == nil || got.ErrorDetail.Kind != job.ErrEngine {
			t.Errorf("error detail = %+v", got.ErrorDetail)
		}
	})

	t.Run("invalid transitions rejected", func(t *testing.T) {
		t.Parallel()
		s := New()
		j := newJob("u1")
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create: %v", err)
		}

		// Still queued: finishing is invalid.
		if err := s.Finish(ctx, j.ID, job.StateCompleted, "art_x", nil); !errors.Is(err, typeset.ErrInvalidTransition) {
			t.Errorf("finish queued error = %v, want ErrInvalidTransition", err)
		}

		if _, err := s.Claim(ctx, id.NewWorkerID()); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := s.Finish(ctx, j.ID, job.StateCompleted, "art_x", nil); err != nil {
			t.Fatalf("finish: %v", err)
		}

		// Terminal: finishing again is invalid.
		if err := s.Finish(ctx, j.ID, job.StateFailed, "", nil); !errors.Is(err, typeset.ErrInvalidTransition) {
			t.Errorf("double finish error = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestActiveByOwner(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("u1")
	if err := s.CreateExclusive(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.ActiveByOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if got.ID.String() != j.ID.String() {
		t.Errorf("active = %s, want %s", got.ID, j.ID)
	}

	if _, err := s.ActiveByOwner(ctx, "u2"); !errors.Is(err, typeset.ErrJobNotFound) {
		t.Errorf("no active error = %v, want ErrJobNotFound", err)
	}

	// Terminal jobs don't count as active.
	if _, err := s.RequestCancel(ctx, j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.ActiveByOwner(ctx, "u1"); !errors.Is(err, typeset.ErrJobNotFound) {
		t.Errorf("after cancel error = %v, want ErrJobNotFound", err)
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	old := newJob("u1")
	if err := s.CreateExclusive(ctx, old); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.RequestCancel(ctx, old.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	fresh := newJob("u2")
	if err := s.CreateExclusive(ctx, fresh); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A cutoff in the future evicts the terminal job but not the queued one.
	evicted, err := s.SweepExpired(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, typeset.ErrJobNotFound) {
		t.Errorf("evicted job error = %v, want ErrJobNotFound", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Errorf("queued job swept: %v", err)
	}

	// A cutoff in the past evicts nothing.
	done := newJob("u3")
	if err := s.CreateExclusive(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.RequestCancel(ctx, done.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	evicted, err = s.SweepExpired(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if evicted != 0 {
		t.Errorf("evicted = %d, want 0 for a young terminal job", evicted)
	}
}

func TestResetRunning(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	j := newJob("u1")
	if err := s.CreateExclusive(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Claim(ctx, id.NewWorkerID()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ids, err := s.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(ids) != 1 || ids[0].String() != j.ID.String() {
		t.Errorf("reset ids = %v, want [%s]", ids, j.ID)
	}

	got, _ := s.Get(ctx, j.ID)
	if got.State != job.StateQueued {
		t.Errorf("state = %s, want queued", got.State)
	}
	if got.StartedAt != nil || !got.WorkerID.IsNil() {
		t.Error("claim metadata not cleared")
	}
}

func TestListAndCount(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	owners := []string{"a", "b", "c"}
	base := time.Now().UTC()
	for i, o := range owners {
		j := newJob(o)
		j.SubmittedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateExclusive(ctx, j); err != nil {
			t.Fatalf("create %s: %v", o, err)
		}
	}

	queued, err := s.ListByState(ctx, job.StateQueued, job.ListOpts{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("len = %d, want 3", len(queued))
	}
	for i := 1; i < len(queued); i++ {
		if queued[i].SubmittedAt.Before(queued[i-1].SubmittedAt) {
			t.Error("list not ordered by submission time")
		}
	}

	paged, err := s.ListByState(ctx, job.StateQueued, job.ListOpts{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list paged: %v", err)
	}
	if len(paged) != 1 || paged[0].OwnerKey != "b" {
		t.Errorf("paged = %+v, want owner b", paged)
	}

	n, err := s.Count(ctx, job.CountOpts{State: job.StateQueued})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	n, err = s.Count(ctx, job.CountOpts{OwnerKey: "b"})
	if err != nil {
		t.Fatalf("count owner: %v", err)
	}
	if n != 1 {
		t.Errorf("owner count = %d, want 1", n)
	}
}

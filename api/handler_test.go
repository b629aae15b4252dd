package api_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/api"
	"github.com/typefold/typeset/engine"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/orchestrator"
	"github.com/typefold/typeset/project"
	"github.com/typefold/typeset/store/memory"
)

type stubProjects struct{}

func (stubProjects) Resolve(_ context.Context, ref string) (*project.Tree, error) {
	if ref == "" || ref == "missing" {
		return nil, typeset.ErrSourceNotFound
	}
	return &project.Tree{Ref: ref, Root: "/src/" + ref, MainFile: "main.tex"}, nil
}

type stubEngine struct{}

func (stubEngine) Run(_ context.Context, _ *project.Tree, _ job.Kind) (*engine.Result, error) {
	return &engine.Result{ArtifactRef: "out.pdf"}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	orch, err := orchestrator.New(memory.New(), stubProjects{}, stubEngine{})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	mux := http.NewServeMux()
	api.NewHandler(orch).RegisterRoutes(mux)
	srv := httptest.NewServer(api.Chain(slog.Default(), mux))
	t.Cleanup(srv.Close)
	return srv
}

func submitJob(t *testing.T, srv *httptest.Server, owner, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/jobs", strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if owner != "" {
		req.Header.Set("X-Owner-Key", owner)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeJob(t *testing.T, resp *http.Response) *job.Job {
	t.Helper()
	defer resp.Body.Close()
	var j job.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return &j
}

func TestSubmitJob(t *testing.T) {
	srv := newTestServer(t)

	t.Run("accepts a valid submission", func(t *testing.T) {
		resp := submitJob(t, srv, "alice", `{"kind":"full","source_ref":"thesis"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
		if got := resp.Header.Get("X-Request-ID"); !strings.HasPrefix(got, "req_") {
			t.Errorf("request id = %q, want req_ prefix", got)
		}
		j := decodeJob(t, resp)
		if j.State != job.StateQueued {
			t.Errorf("state = %q, want queued", j.State)
		}
		if j.ID.IsNil() {
			t.Error("expected an assigned id")
		}
	})

	t.Run("rejects a second active job", func(t *testing.T) {
		resp := submitJob(t, srv, "alice", `{"kind":"draft","source_ref":"thesis"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
	})

	t.Run("rejects a missing owner header", func(t *testing.T) {
		resp := submitJob(t, srv, "", `{"kind":"full","source_ref":"thesis"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("rejects an unknown kind", func(t *testing.T) {
		resp := submitJob(t, srv, "bob", `{"kind":"incremental","source_ref":"thesis"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("rejects a missing source", func(t *testing.T) {
		resp := submitJob(t, srv, "bob", `{"kind":"full","source_ref":"missing"}`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		resp := submitJob(t, srv, "bob", `{"kind":`)
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestGetJob(t *testing.T) {
	srv := newTestServer(t)

	resp := submitJob(t, srv, "alice", `{"kind":"full","source_ref":"thesis"}`)
	created := decodeJob(t, resp)

	t.Run("returns the snapshot", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/v1/jobs/" + created.ID.String())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		j := decodeJob(t, resp)
		if j.ID.String() != created.ID.String() {
			t.Errorf("id = %q, want %q", j.ID, created.ID)
		}
	})

	t.Run("unknown id responds 404", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/v1/jobs/job_01h455vb4pex5vsknk084sn02q")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("malformed id responds 404", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/v1/jobs/not-an-id")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestCancelJob(t *testing.T) {
	srv := newTestServer(t)

	resp := submitJob(t, srv, "alice", `{"kind":"full","source_ref":"thesis"}`)
	created := decodeJob(t, resp)

	cancelURL := srv.URL + "/v1/jobs/" + created.ID.String() + "/cancel"

	t.Run("cancels a queued job", func(t *testing.T) {
		resp, err := srv.Client().Post(cancelURL, "application/json", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		j := decodeJob(t, resp)
		if j.State != job.StateCancelled {
			t.Errorf("state = %q, want cancelled", j.State)
		}
	})

	t.Run("second cancel responds 409", func(t *testing.T) {
		resp, err := srv.Client().Post(cancelURL, "application/json", nil)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusConflict {
			t.Fatalf("status = %d, want 409", resp.StatusCode)
		}
	})
}

func TestListJobs(t *testing.T) {
	srv := newTestServer(t)

	t.Run("empty list is an array", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/v1/jobs?state=queued")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Jobs []*job.Job `json:"jobs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Jobs == nil {
			t.Error("jobs should be an empty array, not null")
		}
	})

	t.Run("lists queued jobs", func(t *testing.T) {
		submitJob(t, srv, "alice", `{"kind":"full","source_ref":"thesis"}`).Body.Close()
		submitJob(t, srv, "bob", `{"kind":"draft","source_ref":"notes"}`).Body.Close()

		resp, err := srv.Client().Get(srv.URL + "/v1/jobs?state=queued")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		var body struct {
			Jobs []*job.Job `json:"jobs"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Jobs) != 2 {
			t.Errorf("len(jobs) = %d, want 2", len(body.Jobs))
		}
	})

	t.Run("unknown state responds 400", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/v1/jobs?state=bogus")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestJobCounts(t *testing.T) {
	srv := newTestServer(t)

	submitJob(t, srv, "alice", `{"kind":"full","source_ref":"thesis"}`).Body.Close()

	resp, err := srv.Client().Get(srv.URL + "/v1/jobs/counts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var counts api.CountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&counts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if counts.Queued != 1 {
		t.Errorf("queued = %d, want 1", counts.Queued)
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/v1/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})
	srv := httptest.NewServer(api.Chain(slog.Default(), panicky))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/anything")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

// Package poller implements the client side of the HTTP contract: a
// Client for submit/status/cancel calls and a Poller that watches one
// job until it reaches a terminal state.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/api"
	"github.com/typefold/typeset/backoff"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// Client is an HTTP client for the orchestrator API.
type Client struct {
	baseURL string
	owner   string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a Client for the given base URL and owner key.
func NewClient(baseURL, owner string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		owner:   owner,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit requests a new compile job and returns the Queued snapshot.
func (c *Client) Submit(ctx context.Context, kind job.Kind, sourceRef string) (*job.Job, error) {
	body, err := json.Marshal(api.SubmitRequest{Kind: string(kind), SourceRef: sourceRef})
	if err != nil {
		return nil, fmt.Errorf("poller: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-Key", c.owner)

	return c.doJob(req, http.StatusAccepted)
}

// Status fetches a point-in-time snapshot of a job.
func (c *Client) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.doJob(req, http.StatusOK)
}

// Cancel requests cancellation and returns the updated snapshot.
func (c *Client) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs/"+jobID.String()+"/cancel", nil)
	if err != nil {
		return nil, err
	}
	return c.doJob(req, http.StatusOK)
}

func (c *Client) doJob(req *http.Request, wantStatus int) (*job.Job, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return nil, statusError(resp)
	}

	var j job.Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return nil, fmt.Errorf("poller: decode response: %w", err)
	}
	return &j, nil
}

// statusError maps API error responses back to the sentinel errors the
// server-side callers see.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", typeset.ErrJobNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", typeset.ErrAlreadyTerminal, msg)
	default:
		return fmt.Errorf("poller: unexpected status %d: %s", resp.StatusCode, msg)
	}
}

// Poller polls one job's status on a fixed interval until it is
// terminal. Transport errors are retried with backoff up to a bounded
// count; the job's own failure is a result, not an error. A Poller
// runs one poll loop at a time: starting a new Wait stops the prior
// one.
type Poller struct {
	client      *Client
	interval    time.Duration
	backoff     backoff.Strategy
	maxFailures int

	mu         sync.Mutex
	cancelPrev context.CancelFunc
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithInterval sets the poll interval. The default is one second.
func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

// WithRetryBackoff sets the backoff applied after transport errors.
func WithRetryBackoff(s backoff.Strategy) PollerOption {
	return func(p *Poller) { p.backoff = s }
}

// WithMaxFailures sets how many consecutive transport failures are
// tolerated before Wait gives up. The default is 10.
func WithMaxFailures(n int) PollerOption {
	return func(p *Poller) { p.maxFailures = n }
}

// NewPoller creates a Poller over the client.
func NewPoller(client *Client, opts ...PollerOption) *Poller {
	p := &Poller{
		client:      client,
		interval:    time.Second,
		backoff:     backoff.DefaultStrategy(),
		maxFailures: 10,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait polls until the job reaches a terminal state and returns the
// terminal snapshot. It returns early when ctx is cancelled, when the
// record is evicted mid-poll (typeset.ErrJobNotFound), or after too
// many consecutive transport failures. A prior Wait still in flight on
// the same Poller is cancelled.
func (p *Poller) Wait(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.cancelPrev != nil {
		p.cancelPrev()
	}
	p.cancelPrev = cancel
	p.mu.Unlock()

	failures := 0
	for {
		j, err := p.client.Status(ctx, jobID)
		switch {
		case err == nil:
			failures = 0
			if j.State.IsTerminal() {
				return j, nil
			}
			if err := sleep(ctx, p.interval); err != nil {
				return nil, err
			}

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case errors.Is(err, typeset.ErrJobNotFound):
			// Evicted or never existed; polling further cannot succeed.
			return nil, err

		default:
			failures++
			if failures > p.maxFailures {
				return nil, fmt.Errorf("poller: giving up after %d consecutive failures: %w", failures, err)
			}
			if err := sleep(ctx, p.backoff.Delay(failures)); err != nil {
				return nil, err
			}
		}
	}
}

// SubmitAndWait submits a job and polls it to completion.
func (p *Poller) SubmitAndWait(ctx context.Context, kind job.Kind, sourceRef string) (*job.Job, error) {
	j, err := p.client.Submit(ctx, kind, sourceRef)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx, j.ID)
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

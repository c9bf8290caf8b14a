// Package client is a Go client for the chronos HTTP and WebSocket API.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/timmy/chronos/internal/domain"
)

// DefaultBaseURL is the address of a locally running tracker.
const DefaultBaseURL = "http://localhost:8080"

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// DefaultOptions returns the client defaults.
func DefaultOptions() Options {
	return Options{
		BaseURL:    DefaultBaseURL,
		Timeout:    30 * time.Second,
		RetryCount: 2,
	}
}

// Client talks to one tracker instance.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New creates a client. Reads failing with a server error or a transport failure
// are retried RetryCount times.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}

	hc := resty.New()
	hc.SetBaseURL(base)
	hc.SetHeader("Content-Type", "application/json")
	hc.SetHeader("Accept", "application/json")
	hc.SetTimeout(opts.Timeout)
	hc.SetRetryCount(opts.RetryCount)
	hc.SetRetryWaitTime(100 * time.Millisecond)
	hc.SetRetryMaxWaitTime(2 * time.Second)
	hc.AddRetryCondition(func(r *resty.Response, err error) bool {
		// Writes are not idempotent; only reads are retried.
		if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
			return false
		}
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	return &Client{http: hc, baseURL: base}, nil
}

// BaseURL returns the server address the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// APIError is a non-2xx response from the tracker.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Code       string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chronos: %s (%d %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("chronos: %s (%d)", e.Message, e.StatusCode)
}

// Unwrap maps the rejection code back to its domain error, so callers can use
// errors.Is(err, domain.ErrNotFound).
func (e *APIError) Unwrap() error {
	return domain.ReasonForCode(e.Code)
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	apiErr := &APIError{}
	req := c.http.R().
		SetContext(ctx).
		SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode())
		}
		return apiErr
	}
	return nil
}

// ArchiveResult lists the jobs created by Archive.
type ArchiveResult struct {
	JobIDs []string     `json:"job_ids"`
	Jobs   []domain.Job `json:"jobs"`
}

// Archive submits urls for archiving.
func (c *Client) Archive(ctx context.Context, urls []string, priority domain.Priority) (*ArchiveResult, error) {
	var out ArchiveResult
	body := map[string]interface{}{"urls": urls, "priority": string(priority)}
	if err := c.do(ctx, http.MethodPost, "/api/archive", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Transition is a producer report for one job.
type Transition struct {
	Status   string `json:"status"`
	Progress *int   `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Submit reports a transition for job id and returns the committed record.
func (c *Client) Submit(ctx context.Context, id string, tr Transition) (domain.Job, error) {
	var job domain.Job
	err := c.do(ctx, http.MethodPost, "/api/jobs/"+url.PathEscape(id)+"/transitions", tr, &job)
	return job, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (domain.Job, error) {
	var job domain.Job
	err := c.do(ctx, http.MethodGet, "/api/jobs/"+url.PathEscape(id), nil, &job)
	return job, err
}

// ListOptions filters ListJobs. Zero values are omitted.
type ListOptions struct {
	Limit      int
	Status     string
	Stage      string
	ActiveOnly bool
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Stage != "" {
		q.Set("stage", o.Stage)
	}
	if o.ActiveOnly {
		q.Set("active", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// JobList is one page of recent jobs.
type JobList struct {
	Jobs     []domain.Job `json:"jobs"`
	Count    int          `json:"count"`
	Revision uint64       `json:"revision"`
}

// ListJobs returns recent jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) (*JobList, error) {
	var out JobList
	if err := c.do(ctx, http.MethodGet, "/api/jobs"+opts.query(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pipeline returns the per-stage summary.
func (c *Client) Pipeline(ctx context.Context) (domain.PipelineSummary, error) {
	var out domain.PipelineSummary
	err := c.do(ctx, http.MethodGet, "/api/pipeline", nil, &out)
	return out, err
}

// Clear runs the audited administrative reset.
func (c *Client) Clear(ctx context.Context, actor, reason string) (domain.AuditEntry, error) {
	var out struct {
		Audit domain.AuditEntry `json:"audit"`
	}
	body := map[string]string{"actor": actor, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/api/admin/clear", body, &out)
	return out.Audit, err
}

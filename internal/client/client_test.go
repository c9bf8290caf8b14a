package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/chronos/internal/api"
	"github.com/timmy/chronos/internal/config"
	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/tracker"
)

func newTestServer(t *testing.T) (*Client, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(tracker.Options{Delivery: tracker.DeliveryConfig{
		MailboxSize:          1024,
		SendTimeout:          time.Second,
		MaxRetries:           1,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}})

	cfg := &config.Config{
		Server:  config.ServerConfig{Mode: "test", CORS: config.CORSConfig{AllowAllOrigins: true}},
		Tracker: config.TrackerConfig{RecentLimit: 50, MaxListLimit: 500},
		Stream:  config.StreamConfig{SendTimeout: time.Second, PingInterval: time.Second, PongWait: 5 * time.Second},
	}
	srv := httptest.NewServer(api.SetupRouter(api.Dependencies{Tracker: tr}, cfg))
	t.Cleanup(func() {
		tr.Close()
		srv.Close()
	})

	c, err := New(Options{BaseURL: srv.URL, Timeout: 5 * time.Second, RetryCount: 1})
	require.NoError(t, err)
	return c, tr
}

func TestNew_RejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
	_, err = New(Options{BaseURL: "localhost"})
	assert.Error(t, err)

	c, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.BaseURL())
}

func TestClient_ProducerRoundTrip(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	res, err := c.Archive(ctx, []string{"https://a.example", "https://b.example"}, domain.PriorityLow)
	require.NoError(t, err)
	require.Len(t, res.JobIDs, 2)
	id := res.JobIDs[0]

	job, err := c.Submit(ctx, id, Transition{Status: "downloading", Progress: domain.ProgressOf(60)})
	require.NoError(t, err)
	assert.Equal(t, domain.StageIngestion, job.Stage)

	_, err = c.Submit(ctx, id, Transition{Status: "downloading", Progress: domain.ProgressOf(20)})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProgressRegression)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	got, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 60, got.Progress)
	assert.Equal(t, domain.PriorityLow, got.Priority)

	_, err = c.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := c.ListJobs(ctx, ListOptions{Stage: "ingestion"})
	require.NoError(t, err)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, id, list.Jobs[0].ID)

	summary, err := c.Pipeline(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Active)

	audit, err := c.Clear(ctx, "tester", "done")
	require.NoError(t, err)
	assert.Equal(t, 2, audit.SkippedJobs)
}

func TestClient_WatchSeesSnapshotAndUpdates(t *testing.T) {
	c, tr := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := c.Archive(ctx, []string{"https://a.example"}, "")
	require.NoError(t, err)

	var (
		mu     sync.Mutex
		events []domain.Event
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev domain.Event) error {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
			return nil
		})
	}()

	require.Eventually(t, func() bool { return tr.Bus.ObserverCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, err = c.Submit(ctx, res.JobIDs[0], Transition{Status: "discovered"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.EventSnapshot, events[0].Type)
	assert.Equal(t, domain.EventJobUpdate, events[1].Type)
	assert.Equal(t, domain.StatusDiscovered, events[1].Job.Status)
}

func TestSimulator_DrivesJobsToTerminal(t *testing.T) {
	c, tr := newTestServer(t)
	ctx := context.Background()

	res, err := c.Archive(ctx, []string{"https://1.example", "https://2.example", "https://3.example"}, "")
	require.NoError(t, err)

	sim := &Simulator{Client: c, ProgressStep: 50, Workers: 2}
	out, err := sim.Run(ctx, res.JobIDs)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Indexed)
	assert.Zero(t, out.Failed)

	summary := tr.Aggregator.Summary()
	assert.Equal(t, 3, summary.Indexed)
	assert.Zero(t, summary.Active)
}

func TestSimulator_FailureRate(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	res, err := c.Archive(ctx, []string{"https://1.example", "https://2.example"}, "")
	require.NoError(t, err)

	sim := &Simulator{Client: c, FailureRate: 1}
	out, err := sim.Run(ctx, res.JobIDs)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Failed)

	for _, id := range res.JobIDs {
		job, err := c.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, job.Status)
		assert.Contains(t, job.Error, "simulated failure")
	}
}

func TestPipelineSteps(t *testing.T) {
	steps := pipelineSteps(50)
	assert.Equal(t, "discovered", steps[0].status)
	assert.Equal(t, "indexed", steps[len(steps)-1].status)

	// Every ramp ends at 100.
	for i, st := range steps {
		if st.progress != nil && i+1 < len(steps) && steps[i+1].status != st.status {
			assert.Equal(t, 100, *st.progress, st.status)
		}
	}
}

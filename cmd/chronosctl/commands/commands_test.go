package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/chronos/internal/api"
	"github.com/timmy/chronos/internal/client"
	"github.com/timmy/chronos/internal/config"
	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/tracker"
)

func startServer(t *testing.T) (string, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(tracker.Options{})
	cfg := &config.Config{
		Server:  config.ServerConfig{Mode: "test"},
		Tracker: config.TrackerConfig{RecentLimit: 50, MaxListLimit: 500},
	}
	srv := httptest.NewServer(api.SetupRouter(api.Dependencies{Tracker: tr}, cfg))
	t.Cleanup(func() {
		tr.Close()
		srv.Close()
	})
	return srv.URL, tr
}

func run(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--" + flagServerAddress, addr}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range NewRootCmd().Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"archive", "submit", "list", "get", "pipeline", "clear", "watch", "simulate"} {
		assert.Contains(t, names, want)
	}
}

func TestArchiveSubmitGet(t *testing.T) {
	addr, tr := startServer(t)

	out, err := run(t, addr, "archive", "--priority", "high", "https://a.example")
	require.NoError(t, err)
	var res client.ArchiveResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.JobIDs, 1)
	id := res.JobIDs[0]

	_, err = run(t, addr, "submit", id, "--status", "downloading", "--progress", "40")
	require.NoError(t, err)

	out, err = run(t, addr, "get", id)
	require.NoError(t, err)
	var job domain.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, domain.StatusDownloading, job.Status)
	assert.Equal(t, 40, job.Progress)
	assert.Equal(t, domain.PriorityHigh, job.Priority)

	_, err = run(t, addr, "submit", id, "--status", "downloading", "--progress", "10")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProgressRegression)

	live, err := tr.Registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 40, live.Progress)
}

func TestSubmit_RequiresStatus(t *testing.T) {
	addr, _ := startServer(t)
	_, err := run(t, addr, "submit", "some-id")
	assert.Error(t, err)
}

func TestArchive_RejectsUnknownPriority(t *testing.T) {
	addr, tr := startServer(t)
	_, err := run(t, addr, "archive", "--priority", "urgent", "https://a.example")
	assert.ErrorIs(t, err, domain.ErrInvalidSubmission)
	assert.Zero(t, tr.Registry.Len())
}

func TestListAndPipeline(t *testing.T) {
	addr, _ := startServer(t)
	_, err := run(t, addr, "archive", "https://a.example", "https://b.example")
	require.NoError(t, err)

	out, err := run(t, addr, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "https://a.example")
	assert.Contains(t, out, "pending")

	out, err = run(t, addr, "list", "-o", "json", "--status", "failed")
	require.NoError(t, err)
	var list client.JobList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Zero(t, list.Count)

	out, err = run(t, addr, "pipeline")
	require.NoError(t, err)
	assert.Contains(t, out, "discovery")
	assert.Contains(t, out, "active=2")
}

func TestSimulateAndClear(t *testing.T) {
	addr, tr := startServer(t)

	out, err := run(t, addr, "simulate", "-n", "3", "--delay", "0s", "--progress-step", "50")
	require.NoError(t, err)
	assert.Contains(t, out, "created 3 jobs")
	assert.Contains(t, out, "indexed=3 failed=0")
	assert.Equal(t, 3, tr.Aggregator.Summary().Indexed)

	_, err = run(t, addr, "clear")
	assert.Error(t, err, "actor is required")

	out, err = run(t, addr, "clear", "--actor", "ops", "--reason", "test")
	require.NoError(t, err)
	var entry domain.AuditEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, 3, entry.EvictedJobs)
	assert.Zero(t, tr.Registry.Len())
}

func TestPrintEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	job := domain.Job{ID: "j1", Status: domain.StatusFailed, Stage: domain.StageIngestion, Progress: 30, Error: "timeout"}

	var buf bytes.Buffer
	printEvent(&buf, domain.Snapshot([]domain.Job{job}, nil, at))
	printEvent(&buf, domain.JobUpdated(job))
	printEvent(&buf, domain.Event{Type: domain.EventAck, At: at})

	out := buf.String()
	assert.Contains(t, out, "snapshot: 1 jobs")
	assert.Contains(t, out, "j1 ingestion/failed 30% error=timeout")
	assert.NotContains(t, out, "ack")
}

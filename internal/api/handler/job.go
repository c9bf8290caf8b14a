package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
	"github.com/timmy/chronos/internal/tracker"
)

// JobHistory looks up jobs that have left the live registry.
type JobHistory interface {
	GetByID(ctx context.Context, id string) (domain.Job, error)
}

// JobHandler serves the job, archive, transition and pipeline endpoints.
type JobHandler struct {
	registry     *tracker.Registry
	aggregator   *tracker.Aggregator
	history      JobHistory
	recentLimit  int
	maxListLimit int
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - registry: live job registry.
//   - aggregator: cached pipeline summary.
//   - history: optional persisted history, nil when the database is disabled.
//   - recentLimit: default number of jobs listed.
//   - maxListLimit: upper bound for the limit query parameter.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(registry *tracker.Registry, aggregator *tracker.Aggregator, history JobHistory, recentLimit, maxListLimit int) *JobHandler {
	return &JobHandler{
		registry:     registry,
		aggregator:   aggregator,
		history:      history,
		recentLimit:  recentLimit,
		maxListLimit: maxListLimit,
	}
}

// ListJobsResponse is the body of GET /api/jobs.
type ListJobsResponse struct {
	Jobs     []domain.Job `json:"jobs"`
	Count    int          `json:"count"`
	Revision uint64       `json:"revision"`
}

// ListJobs handles GET /api/jobs.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) ListJobs(c *gin.Context) {
	filter := domain.ListFilter{Limit: h.recentLimit}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		filter.Limit = min(limit, h.maxListLimit)
	}
	if raw := c.Query("status"); raw != "" {
		status, err := domain.ParseStatus(raw)
		if err != nil {
			respondError(c, err)
			return
		}
		filter.Status = status
	}
	if raw := c.Query("stage"); raw != "" {
		stage, err := domain.ParseStage(raw)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		filter.Stage = stage
	}
	if raw := c.Query("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "active must be a boolean")
			return
		}
		filter.ActiveOnly = active
	}

	revision := h.registry.Revision()
	jobs := h.registry.List(filter)
	c.JSON(http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs), Revision: revision})
}

// GetJob handles GET /api/jobs/:id. Jobs evicted from the live view are served
// from history when it is available.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")

	job, err := h.registry.Get(id)
	if errors.Is(err, domain.ErrNotFound) && h.history != nil {
		job, err = h.history.GetByID(c.Request.Context(), id)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ArchiveRequest is the body of POST /api/archive.
type ArchiveRequest struct {
	URLs     []string `json:"urls" binding:"required,min=1,max=1000"`
	Priority string   `json:"priority"`
}

// ArchiveResponse lists the jobs created for an archive request.
type ArchiveResponse struct {
	JobIDs []string     `json:"job_ids"`
	Jobs   []domain.Job `json:"jobs"`
}

// Archive handles POST /api/archive.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Archive(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}
	priority, err := domain.ParsePriority(req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}

	jobs, err := h.registry.CreateBatch(c.Request.Context(), req.URLs, priority)
	if err != nil {
		respondError(c, err)
		return
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	c.JSON(http.StatusCreated, ArchiveResponse{JobIDs: ids, Jobs: jobs})
}

// TransitionRequest is a producer's status report for one job.
type TransitionRequest struct {
	Status   string `json:"status" binding:"required"`
	Progress *int   `json:"progress"`
	Error    string `json:"error"`
}

// SubmitTransition handles POST /api/jobs/:id/transitions.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) SubmitTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	id := c.Param("id")
	ctx := logger.SetJobID(c.Request.Context(), id)
	job, err := h.registry.Submit(ctx, id, req.Status, req.Progress, req.Error)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// Pipeline handles GET /api/pipeline.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *JobHandler) Pipeline(c *gin.Context) {
	c.JSON(http.StatusOK, h.aggregator.Summary())
}

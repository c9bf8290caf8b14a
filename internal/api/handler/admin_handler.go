package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
	"github.com/timmy/chronos/internal/storage"
	"github.com/timmy/chronos/internal/tracker"
)

// AuditHistory lists persisted audit entries.
type AuditHistory interface {
	ListRecent(ctx context.Context, limit int) ([]domain.AuditEntry, error)
}

// SnapshotLoader reads a pre-clear snapshot back from object storage.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, key string) (*storage.SnapshotDocument, error)
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	registry  *tracker.Registry
	audit     AuditHistory
	snapshots SnapshotLoader
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - registry: live job registry.
//   - audit: optional persisted audit log; the in-memory log is used when nil.
//   - snapshots: optional snapshot archive, nil when storage is disabled.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(registry *tracker.Registry, audit AuditHistory, snapshots SnapshotLoader) *AdminHandler {
	return &AdminHandler{
		registry:  registry,
		audit:     audit,
		snapshots: snapshots,
	}
}

// ClearRequest represents the clear API request.
type ClearRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason"`
}

// ClearResponse represents the clear API response.
type ClearResponse struct {
	Message string            `json:"message"`
	Audit   domain.AuditEntry `json:"audit"`
}

// ClearJobs handles POST /api/admin/clear.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) ClearJobs(c *gin.Context) {
	ctx := c.Request.Context()

	var req ClearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.CtxWarn(ctx, "Invalid clear request: client_ip=%s, error=%v", c.ClientIP(), err)
		badRequest(c, "Invalid request: "+err.Error())
		return
	}

	logger.CtxInfo(ctx, "Received clear request: actor=%s, client_ip=%s", req.Actor, c.ClientIP())

	startTime := time.Now()
	entry, err := h.registry.Clear(ctx, req.Actor, req.Reason)
	duration := time.Since(startTime)
	if err != nil {
		logger.With(logger.Fields{
			logger.FieldDurationMs: duration.Milliseconds(),
		}).Error(ctx, "Clear failed: actor=%s, error=%v", req.Actor, err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}

	logger.With(logger.Fields{
		logger.FieldDurationMs: duration.Milliseconds(),
		logger.FieldCount:      entry.EvictedJobs,
	}).Info(ctx, "Clear completed: actor=%s, skipped=%d, snapshot=%s",
		req.Actor, entry.SkippedJobs, entry.SnapshotKey)

	c.JSON(http.StatusOK, ClearResponse{Message: "Jobs cleared", Audit: entry})
}

// ListAudit handles GET /api/admin/audit.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) ListAudit(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var entries []domain.AuditEntry
	if h.audit != nil {
		var err error
		entries, err = h.audit.ListRecent(c.Request.Context(), limit)
		if err != nil {
			respondError(c, err)
			return
		}
	} else {
		entries = h.registry.AuditLog(limit)
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetSnapshot handles GET /api/admin/snapshots/*key.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) GetSnapshot(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "snapshot storage is disabled"})
		return
	}

	key := strings.TrimPrefix(c.Param("key"), "/")
	doc, err := h.snapshots.LoadSnapshot(c.Request.Context(), key)
	switch {
	case errors.Is(err, storage.ErrObjectNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "snapshot not found"})
		return
	case err != nil:
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// JobCounter reports the number of jobs in the live view.
type JobCounter interface {
	Len() int
}

// ObserverCounter reports the number of connected observers.
type ObserverCounter interface {
	ObserverCount() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	jobs      JobCounter
	observers ObserverCounter
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(jobs JobCounter, observers ObserverCounter) *HealthHandler {
	return &HealthHandler{jobs: jobs, observers: observers}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"jobs":      h.jobs.Len(),
		"observers": h.observers.ObserverCount(),
	})
}

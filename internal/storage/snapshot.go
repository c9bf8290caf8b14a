package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// ErrObjectNotFound is returned when a requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// SnapshotDocument is the stored form of a registry snapshot.
type SnapshotDocument struct {
	ExportedAt time.Time    `json:"exported_at"`
	Count      int          `json:"count"`
	Jobs       []domain.Job `json:"jobs"`
}

// SnapshotArchive exports registry snapshots as JSON objects under a key prefix.
type SnapshotArchive struct {
	store  ObjectStorage
	prefix string
}

// NewSnapshotArchive creates an archive writing below prefix.
func NewSnapshotArchive(store ObjectStorage, prefix string) *SnapshotArchive {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &SnapshotArchive{store: store, prefix: prefix}
}

// Key returns the object key for a snapshot taken at at.
func (a *SnapshotArchive) Key(at time.Time) string {
	return a.prefix + "jobs-" + at.UTC().Format("20060102T150405.000Z") + ".json"
}

// ExportSnapshot uploads jobs and returns the key they were stored under. An
// existing object is never overwritten.
func (a *SnapshotArchive) ExportSnapshot(ctx context.Context, at time.Time, jobs []domain.Job) (string, error) {
	key := a.Key(at)
	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		key = strings.TrimSuffix(key, ".json") + "-" + uuid.NewString()[:8] + ".json"
	}

	if jobs == nil {
		jobs = []domain.Job{}
	}
	body, err := json.Marshal(SnapshotDocument{ExportedAt: at.UTC(), Count: len(jobs), Jobs: jobs})
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := a.store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(jobs),
		logger.FieldSize:  len(body),
	}).Info(ctx, "Exported job snapshot to %s", key)
	return key, nil
}

// LoadSnapshot reads back a snapshot written by ExportSnapshot. Keys outside the
// archive prefix are reported as not found.
func (a *SnapshotArchive) LoadSnapshot(ctx context.Context, key string) (*SnapshotDocument, error) {
	if !strings.HasPrefix(key, a.prefix) || strings.Contains(key, "..") {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	rc, err := a.store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var doc SnapshotDocument
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}
	return &doc, nil
}

package cache

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/erdsync/internal/diagram"
	"go.uber.org/zap"
)

const (
	diagramKeyPrefix = "project:diagram:"
	// DiagramKeyPattern matches every cached diagram key.
	DiagramKeyPattern = diagramKeyPrefix + "*"
	// DefaultDiagramTTL is the lifetime of a cached diagram after its last touch.
	DefaultDiagramTTL = time.Hour
)

// DiagramKey returns the cache key holding the live diagram of a project.
func DiagramKey(projectID diagram.ProjectID) string {
	return diagramKeyPrefix + projectID.String()
}

// ProjectIDFromDiagramKey extracts the project id from a diagram key.
func ProjectIDFromDiagramKey(key string) (diagram.ProjectID, bool) {
	if !strings.HasPrefix(key, diagramKeyPrefix) {
		return "", false
	}
	projectID, err := diagram.NewProjectID(strings.TrimPrefix(key, diagramKeyPrefix))
	if err != nil {
		return "", false
	}
	return projectID, true
}

// DiagramCache stores live diagrams in a Store, refreshing the TTL on every touch.
type DiagramCache struct {
	store *Store
	ttl   time.Duration
}

// NewDiagramCache wraps store. A non-positive ttl falls back to DefaultDiagramTTL.
func NewDiagramCache(store *Store, ttl time.Duration) *DiagramCache {
	if ttl <= 0 {
		ttl = DefaultDiagramTTL
	}
	return &DiagramCache{store: store, ttl: ttl}
}

// LoadDiagram returns the cached diagram for projectID. A hit extends the entry's TTL.
func (c *DiagramCache) LoadDiagram(ctx context.Context, projectID diagram.ProjectID) (diagram.Diagram, bool, error) {
	key := DiagramKey(projectID)
	value, found, err := c.store.Get(ctx, key)
	if err != nil || !found {
		return diagram.Diagram{}, false, err
	}
	var current diagram.Diagram
	if err := value.Decode(&current); err != nil {
		return diagram.Diagram{}, false, err
	}
	if _, err := c.store.Touch(ctx, key, c.ttl); err != nil {
		c.store.logger.Debug("diagram ttl refresh failed", zap.String(fieldKey, key), zap.Error(err))
	}
	return current.Normalize(), true, nil
}

// StoreDiagram overwrites the cached diagram for projectID and resets its TTL.
func (c *DiagramCache) StoreDiagram(ctx context.Context, projectID diagram.ProjectID, current diagram.Diagram) error {
	return c.store.Set(ctx, DiagramKey(projectID), current.Normalize(), c.ttl)
}

package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/optforge/optforge/internal/core"
	"github.com/optforge/optforge/internal/domain/model"
)

const defaultRunCacheTTL = 5 * time.Minute

// RunCache is a read-through snapshot cache for run lookups on the HTTP
// poll path. Only terminal runs are cached: they are immutable, so a
// cached copy can never go stale mid-lifecycle.
type RunCache struct {
	cache core.CacheRepository
	ttl   time.Duration
}

// NewRunCache constructs a RunCache over the given cache repository. A
// non-positive TTL falls back to the default.
func NewRunCache(cache core.CacheRepository, ttl time.Duration) *RunCache {
	if ttl <= 0 {
		ttl = defaultRunCacheTTL
	}
	return &RunCache{cache: cache, ttl: ttl}
}

// Get returns the cached snapshot for a run, or nil on a miss.
func (c *RunCache) Get(ctx context.Context, id string) (*model.Run, error) {
	if c == nil || c.cache == nil || id == "" {
		return nil, nil
	}

	raw, err := c.cache.Get(ctx, runSnapshotKey(id))
	if err != nil {
		return nil, fmt.Errorf("run cache get: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var run model.Run
	if err := json.Unmarshal(raw, &run); err != nil {
		// A corrupt entry is dropped rather than surfaced to the read path.
		_, _ = c.cache.Delete(ctx, runSnapshotKey(id))
		return nil, nil
	}
	return &run, nil
}

// Set caches a run snapshot. Non-terminal runs are ignored.
func (c *RunCache) Set(ctx context.Context, run *model.Run) error {
	if c == nil || c.cache == nil || run == nil || !run.Status.Terminal() {
		return nil
	}

	raw, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("run cache marshal: %w", err)
	}
	if err := c.cache.Set(ctx, runSnapshotKey(run.ID), raw, c.ttl); err != nil {
		return fmt.Errorf("run cache set: %w", err)
	}
	return nil
}

// Invalidate drops the cached snapshot for a run.
func (c *RunCache) Invalidate(ctx context.Context, id string) error {
	if c == nil || c.cache == nil || id == "" {
		return nil
	}
	if _, err := c.cache.Delete(ctx, runSnapshotKey(id)); err != nil {
		return fmt.Errorf("run cache invalidate: %w", err)
	}
	return nil
}

func runSnapshotKey(id string) string {
	return "run:snapshot:" + id
}

package tools

import (
	"context"
	"maps"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"missionloop/internal/domain/mission"
	"missionloop/internal/domain/mission/ports"
)

const (
	defaultCacheMaxSize = 128
	defaultCacheTTL     = 5 * time.Minute
)

type cacheEntry struct {
	result   ports.ToolResult
	storedAt time.Time
}

// cacheInvoker memoises successful results of read-only tools keyed by the
// invocation fingerprint.
type cacheInvoker struct {
	ports.ToolInvoker
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
	now   func() time.Time
}

// NewCacheInvoker wraps inner with an LRU result cache. Zero values select
// defaults.
func NewCacheInvoker(inner ports.ToolInvoker, size int, ttl time.Duration) ports.ToolInvoker {
	if inner == nil {
		return nil
	}
	if size <= 0 {
		size = defaultCacheMaxSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return inner
	}
	return &cacheInvoker{ToolInvoker: inner, cache: cache, ttl: ttl, now: time.Now}
}

func (c *cacheInvoker) Invoke(ctx context.Context, name, operation string, params map[string]any) ports.ToolResult {
	spec, ok := c.Spec(name)
	if !ok || !spec.ReadOnly || spec.RequiresApproval {
		return c.ToolInvoker.Invoke(ctx, name, operation, params)
	}
	key := mission.InvocationKey(mission.ToolCall{Tool: name, Operation: operation, Input: params})
	if key == "" {
		return c.ToolInvoker.Invoke(ctx, name, operation, params)
	}

	if entry, hit := c.cache.Get(key); hit {
		if c.now().Sub(entry.storedAt) < c.ttl {
			return cloneResult(entry.result)
		}
		c.cache.Remove(key)
	}

	result := c.ToolInvoker.Invoke(ctx, name, operation, params)
	if result.Status == ports.ToolStatusOK {
		c.cache.Add(key, cacheEntry{result: cloneResult(result), storedAt: c.now()})
	}
	return result
}

func cloneResult(result ports.ToolResult) ports.ToolResult {
	result.Data = maps.Clone(result.Data)
	return result
}

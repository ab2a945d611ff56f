package tab

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"finitefield.org/campus-portal/internal/portal/observability"
)

// Factory builds and starts the tab for a browser.
type Factory func(ctx context.Context, browserID string) (*Tab, error)

// Registry keeps one started Tab per browser. A tab expires once it has not
// been requested for the TTL and is closed on eviction.
type Registry struct {
	cache   *lru.LRU[string, *Tab]
	factory Factory
	group   singleflight.Group
	live    atomic.Int64
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewRegistry constructs a Registry holding at most size tabs.
func NewRegistry(size int, ttl time.Duration, factory Factory, metrics *observability.Metrics, logger *zap.Logger) *Registry {
	if factory == nil {
		panic("tab: registry factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{factory: factory, metrics: metrics, logger: logger}
	// The eviction callback runs under the cache lock, so it must not call back into the cache.
	r.cache = lru.NewLRU[string, *Tab](size, func(id string, t *Tab) {
		if t.Closed() {
			return
		}
		t.Close()
		r.metrics.SetActiveTabs(int(r.live.Add(-1)))
		r.logger.Debug("tab evicted", zap.String("browser_id", id))
	}, ttl)
	return r
}

// Get returns the tab for browserID, creating and starting it on first use.
// Concurrent first requests for the same browser share one creation.
func (r *Registry) Get(ctx context.Context, browserID string) (*Tab, error) {
	if browserID == "" {
		return nil, errors.New("tab: browser id is required")
	}
	if t, ok := r.touch(browserID); ok {
		return t, nil
	}

	v, err, _ := r.group.Do(browserID, func() (any, error) {
		if t, ok := r.touch(browserID); ok {
			return t, nil
		}
		// An expired entry may linger until the cache reaps it; close it first.
		r.cache.Remove(browserID)
		t, err := r.factory(context.WithoutCancel(ctx), browserID)
		if err != nil {
			return nil, err
		}
		r.metrics.SetActiveTabs(int(r.live.Add(1)))
		r.cache.Add(browserID, t)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tab), nil
}

// touch returns the open tab for browserID and restarts its expiry.
func (r *Registry) touch(browserID string) (*Tab, bool) {
	t, ok := r.cache.Get(browserID)
	if !ok || t.Closed() {
		return nil, false
	}
	r.cache.Add(browserID, t)
	if t.Closed() {
		return nil, false
	}
	return t, true
}

// Remove closes and forgets the tab for browserID.
func (r *Registry) Remove(browserID string) {
	r.cache.Remove(browserID)
}

// Len returns the number of live tabs.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close closes every tab.
func (r *Registry) Close() {
	r.cache.Purge()
}

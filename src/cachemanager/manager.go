// Package cachemanager owns every computed return: it serves cached reads,
// tracks per-key freshness, and keeps results current as ledger writes
// arrive. Recomputation is single-flight per key; a newer invalidation
// cancels an in-flight computation and discards its result.
package cachemanager

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/clientfolio/backend/src/aggregator"
	"github.com/username/clientfolio/backend/src/collector"
	"github.com/username/clientfolio/backend/src/logger"
	"github.com/username/clientfolio/backend/src/models"
	"github.com/username/clientfolio/backend/src/store"
)

// ErrSuperseded is returned when repeated invalidations keep cancelling the
// computation before it can finish.
var ErrSuperseded = errors.New("computation repeatedly superseded by newer invalidations")

// maxComputeAttempts bounds how often a synchronous read retries after its
// computation was superseded mid-flight.
const maxComputeAttempts = 3

// Aggregator computes one return figure; satisfied by the aggregator engine.
type Aggregator interface {
	Aggregate(ctx context.Context, level models.Level, entityID string, asOf time.Time) (models.IRRResult, error)
}

// Persister is the durable layer behind the in-memory cache; satisfied by
// the sqlite store.
type Persister interface {
	SaveCacheEntry(ctx context.Context, entry models.CacheEntry) error
	LoadCacheEntries(ctx context.Context) ([]models.CacheEntry, error)
}

// flight is one in-flight computation. Concurrent requests for the same key
// share it instead of starting duplicates.
type flight struct {
	done       chan struct{}
	entry      models.CacheEntry
	err        error
	superseded bool
	cancel     context.CancelFunc
	gen        uint64
}

type Manager struct {
	mu          sync.Mutex
	hot         *cache.Cache
	inflight    map[string]*flight
	generations map[string]uint64

	engine    Aggregator
	hierarchy store.HierarchyReader
	persist   Persister

	queue chan models.AggregationKey
	quit  chan struct{}
	wg    sync.WaitGroup
}

func New(engine Aggregator, hierarchy store.HierarchyReader, persist Persister, ttl, cleanup time.Duration, queueSize int) *Manager {
	return &Manager{
		hot:         cache.New(ttl, cleanup),
		inflight:    make(map[string]*flight),
		generations: make(map[string]uint64),
		engine:      engine,
		hierarchy:   hierarchy,
		persist:     persist,
		queue:       make(chan models.AggregationKey, queueSize),
		quit:        make(chan struct{}),
	}
}

// WarmStart loads persisted entries into the in-memory cache, marked stale
// so the first reader after a restart decides between serving and refreshing.
func (m *Manager) WarmStart(ctx context.Context) (int, error) {
	entries, err := m.persist.LoadCacheEntries(ctx)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range entries {
		entry.Status = models.StatusStale
		m.hot.Set(entry.Key.String(), entry, cache.DefaultExpiration)
	}
	return len(entries), nil
}

// StartWorkers launches the background refresh pool.
func (m *Manager) StartWorkers(n int) {
	for i := 0; i < n; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	logger.L.Info("Cache refresh workers started", "count", n)
}

// Close stops the background workers. In-flight computations finish on their
// own goroutines.
func (m *Manager) Close() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case key := <-m.queue:
			if _, err := m.computeSync(context.Background(), key, false); err != nil {
				logger.L.Warn("Background refresh failed", "key", key.String(), "error", err)
			}
		}
	}
}

// Get serves the return for one key. A fresh entry is returned as-is. For a
// stale entry, allowStale trades freshness for latency: the last known value
// is returned immediately and a background refresh is scheduled; otherwise
// the caller pays for a synchronous recomputation. A concurrent computation
// for the same key is joined, never duplicated.
func (m *Manager) Get(ctx context.Context, key models.AggregationKey, allowStale bool) (models.CacheEntry, error) {
	k := key.String()

	m.mu.Lock()
	entry, have := m.lookup(k)
	if have && entry.Status == models.StatusFresh {
		m.mu.Unlock()
		return entry, nil
	}
	if allowStale && have && entry.Result.AsOfDate.Equal(key.AsOf) {
		if m.inflight[k] == nil {
			m.scheduleRefresh(key)
		}
		m.mu.Unlock()
		// Computing is internal bookkeeping; readers see the prior value
		// as stale.
		if entry.Status == models.StatusComputing {
			entry.Status = models.StatusStale
		}
		return entry, nil
	}
	m.mu.Unlock()

	return m.computeSync(ctx, key, false)
}

// Refresh forces a synchronous recomputation regardless of freshness.
func (m *Manager) Refresh(ctx context.Context, key models.AggregationKey) (models.CacheEntry, error) {
	return m.computeSync(ctx, key, true)
}

// Invalidate marks every cached as-of date of the entity stale, cancels any
// in-flight computation for it, and propagates upward: a fund-level change
// also stales the portfolio, product, client and organization aggregates
// that include it. Sibling entities are untouched.
func (m *Manager) Invalidate(entityID string, level models.Level) {
	ancestors, err := m.hierarchy.Ancestors(context.Background(), entityID)
	if err != nil {
		logger.L.Error("Failed to resolve ancestors for invalidation; invalidating entity only",
			"entityID", entityID, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stale := m.invalidateEntityLocked(level, entityID)
	for _, ancestor := range ancestors {
		stale += m.invalidateEntityLocked(ancestor.Level, ancestor.ID)
	}
	logger.L.Info("Invalidated cached returns", "entityID", entityID, "level", level, "entriesMarkedStale", stale)
}

func (m *Manager) invalidateEntityLocked(level models.Level, entityID string) int {
	prefix := models.EntityKeyPrefix(level, entityID)
	var count int
	seen := make(map[string]bool)
	for k, item := range m.hot.Items() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		seen[k] = true
		m.generations[k]++
		entry := item.Object.(models.CacheEntry)
		if f := m.inflight[k]; f != nil {
			// The running computation no longer reflects the latest data;
			// its result must be discarded, not stored.
			f.cancel()
		} else if entry.Status != models.StatusStale {
			entry.Status = models.StatusStale
			m.hot.Set(k, entry, cache.DefaultExpiration)
		}
		m.scheduleRefresh(entry.Key)
		count++
	}
	// A computation can outlive its hot entry's TTL; it still has to be
	// cancelled and its generation bumped, or its result would land fresh.
	for k, f := range m.inflight {
		if seen[k] || !strings.HasPrefix(k, prefix) {
			continue
		}
		m.generations[k]++
		f.cancel()
		count++
	}
	return count
}

func (m *Manager) scheduleRefresh(key models.AggregationKey) {
	select {
	case m.queue <- key:
	default:
		logger.L.Warn("Refresh queue full, dropping background refresh", "key", key.String())
	}
}

func (m *Manager) lookup(k string) (models.CacheEntry, bool) {
	v, found := m.hot.Get(k)
	if !found {
		return models.CacheEntry{}, false
	}
	return v.(models.CacheEntry), true
}

// computeSync joins the in-flight computation for the key or starts one, and
// waits for its outcome. A superseded computation is retried a bounded number
// of times against the newer data.
func (m *Manager) computeSync(ctx context.Context, key models.AggregationKey, force bool) (models.CacheEntry, error) {
	k := key.String()
	for attempt := 0; attempt < maxComputeAttempts; attempt++ {
		m.mu.Lock()
		if !force {
			if entry, have := m.lookup(k); have && entry.Status == models.StatusFresh {
				m.mu.Unlock()
				return entry, nil
			}
		}
		f := m.inflight[k]
		if f == nil {
			f = m.startComputeLocked(key, k)
		}
		m.mu.Unlock()

		select {
		case <-f.done:
			if f.superseded {
				continue
			}
			return f.entry, f.err
		case <-ctx.Done():
			return models.CacheEntry{}, ctx.Err()
		}
	}
	return models.CacheEntry{}, ErrSuperseded
}

func (m *Manager) startComputeLocked(key models.AggregationKey, k string) *flight {
	cctx, cancel := context.WithCancel(context.Background())
	f := &flight{
		done:   make(chan struct{}),
		cancel: cancel,
		gen:    m.generations[k],
	}
	m.inflight[k] = f

	entry, have := m.lookup(k)
	if !have {
		entry = models.CacheEntry{Key: key}
	}
	entry.Status = models.StatusComputing
	m.hot.Set(k, entry, cache.DefaultExpiration)

	go m.run(cctx, key, k, f)
	return f
}

func (m *Manager) run(ctx context.Context, key models.AggregationKey, k string, f *flight) {
	defer f.cancel()

	result, err := m.engine.Aggregate(ctx, key.Level, key.EntityID, key.AsOf)
	if err != nil {
		// Failures that are a property of the data fold into a storable
		// non-converged result. Only infrastructure failures stay errors.
		switch {
		case errors.Is(err, collector.ErrDataIncomplete):
			result, err = models.NonConverged(key.Level, key.EntityID, key.AsOf, models.ReasonDataIncomplete), nil
		case errors.Is(err, collector.ErrEmptySeries), errors.Is(err, aggregator.ErrNoActiveChildren):
			result, err = models.NonConverged(key.Level, key.EntityID, key.AsOf, models.ReasonInsufficientEvents), nil
		}
	}

	m.mu.Lock()
	if m.inflight[k] == f {
		delete(m.inflight, k)
	}

	if ctx.Err() != nil || m.generations[k] != f.gen {
		f.superseded = true
		if entry, have := m.lookup(k); have {
			entry.Status = models.StatusStale
			m.hot.Set(k, entry, cache.DefaultExpiration)
		}
		m.mu.Unlock()
		close(f.done)
		return
	}

	if err != nil {
		f.err = err
		if entry, have := m.lookup(k); have {
			entry.Status = models.StatusStale
			m.hot.Set(k, entry, cache.DefaultExpiration)
		}
		m.mu.Unlock()
		logger.L.Error("Return computation failed", "key", k, "error", err)
		close(f.done)
		return
	}

	entry := models.CacheEntry{
		Key:        key,
		Result:     result,
		ComputedAt: time.Now().UTC(),
		Status:     models.StatusFresh,
	}
	m.hot.Set(k, entry, cache.DefaultExpiration)
	f.entry = entry
	m.mu.Unlock()

	if perr := m.persist.SaveCacheEntry(context.Background(), entry); perr != nil {
		logger.L.Error("Failed to persist cache entry", "key", k, "error", perr)
	}
	close(f.done)
}

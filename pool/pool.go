// Package pool manages the fleet of isolated execution units: eager
// prewarming, pop-or-spawn allocation, dirty release with destroy and
// respawn, and a background sweeper that ages out idle units without ever
// dropping below the configured floor.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/types"
)

// Manager owns every unit from spawn to destruction. Sessions hold
// non-owning references to allocated units and must return them through
// Release.
type Manager struct {
	rt        runtime.Runtime
	cfg       config.PoolConfig
	collector *metrics.Collector
	logger    *zap.Logger

	mu        sync.Mutex
	idle      []*types.Unit
	allocated map[string]*types.Unit

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewManager creates a pool manager. The collector may be nil.
func NewManager(rt runtime.Runtime, cfg config.PoolConfig, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rt:        rt,
		cfg:       cfg,
		collector: collector,
		logger:    logger.With(zap.String("component", "pool")),
		allocated: make(map[string]*types.Unit),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Prewarm spawns up to n units eagerly so first allocations do not pay
// cold-start latency. Failures are logged and tolerated; the pool starts
// with however many units came up.
func (m *Manager) Prewarm(ctx context.Context, n int) int {
	var wg sync.WaitGroup
	results := make(chan *types.Unit, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unit, err := m.spawn(ctx)
			if err != nil {
				m.logger.Warn("prewarm spawn failed", zap.Error(err))
				return
			}
			results <- unit
		}()
	}
	wg.Wait()
	close(results)

	warmed := 0
	m.mu.Lock()
	for unit := range results {
		m.idle = append(m.idle, unit)
		warmed++
	}
	m.mu.Unlock()
	m.publishStats()

	m.logger.Info("pool prewarmed", zap.Int("requested", n), zap.Int("warmed", warmed))
	return warmed
}

// Allocate hands out an idle unit, preferring the most recently used, or
// cold-spawns one when the pool is empty but under capacity. At capacity it
// fails with POOL_EXHAUSTED without blocking.
func (m *Manager) Allocate(ctx context.Context) (*types.Unit, error) {
	m.mu.Lock()
	if n := len(m.idle); n > 0 {
		unit := m.idle[n-1]
		m.idle = m.idle[:n-1]
		unit.State = types.UnitAllocated
		unit.LastUsed = time.Now()
		m.allocated[unit.ID] = unit
		m.mu.Unlock()
		m.publishStats()
		return unit, nil
	}
	if m.total() >= m.cfg.MaxCapacity {
		m.mu.Unlock()
		return nil, types.Errorf(types.ErrPoolExhausted,
			"all %d units allocated", m.cfg.MaxCapacity)
	}
	// Reserve a slot before releasing the lock so concurrent allocations
	// cannot overshoot capacity while a spawn is in flight.
	placeholder := &types.Unit{State: types.UnitSpawning}
	reservation := "spawning-" + uuid.NewString()
	m.allocated[reservation] = placeholder
	m.mu.Unlock()

	unit, err := m.spawn(ctx)

	m.mu.Lock()
	delete(m.allocated, reservation)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	unit.State = types.UnitAllocated
	m.allocated[unit.ID] = unit
	m.mu.Unlock()
	m.publishStats()
	return unit, nil
}

// Release takes a unit back from a session. Dirty units are destroyed and,
// when the pool would fall below min_size, replaced with a fresh spawn.
// Clean units rejoin the idle pool with a refreshed last-used time.
func (m *Manager) Release(ctx context.Context, unitID string, dirty bool) error {
	m.mu.Lock()
	unit, ok := m.allocated[unitID]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("release of unknown unit", zap.String("unit_id", unitID))
		return nil
	}
	delete(m.allocated, unitID)

	if !dirty {
		unit.State = types.UnitIdle
		unit.LastUsed = time.Now()
		m.idle = append(m.idle, unit)
		m.mu.Unlock()
		m.publishStats()
		return nil
	}

	unit.State = types.UnitDirty
	needRefloor := m.total() < m.cfg.MinSize
	m.mu.Unlock()

	if err := m.rt.Destroy(ctx, unitID); err != nil {
		m.logger.Error("destroy dirty unit failed",
			zap.String("unit_id", unitID), zap.Error(err))
	}
	if m.collector != nil {
		m.collector.RecordDestroy()
	}

	if needRefloor {
		if fresh, err := m.spawn(ctx); err != nil {
			m.logger.Warn("refloor spawn failed", zap.Error(err))
		} else {
			m.mu.Lock()
			m.idle = append(m.idle, fresh)
			m.mu.Unlock()
		}
	}
	m.publishStats()
	return nil
}

// Sweep destroys idle units unused for longer than the idle timeout,
// never dropping the pool below min_size. Oldest units go first.
func (m *Manager) Sweep(ctx context.Context) int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var keep, victims []*types.Unit
	for _, unit := range m.idle {
		if unit.LastUsed.Before(cutoff) && m.total()-len(victims) > m.cfg.MinSize {
			victims = append(victims, unit)
		} else {
			keep = append(keep, unit)
		}
	}
	m.idle = keep
	m.mu.Unlock()

	for _, unit := range victims {
		unit.State = types.UnitDestroyed
		if err := m.rt.Destroy(ctx, unit.ID); err != nil {
			m.logger.Error("sweep destroy failed",
				zap.String("unit_id", unit.ID), zap.Error(err))
		}
		if m.collector != nil {
			m.collector.RecordDestroy()
		}
	}
	if len(victims) > 0 {
		m.publishStats()
		m.logger.Info("idle units swept", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Stats returns a point-in-time occupancy snapshot.
func (m *Manager) Stats() types.PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return types.PoolStats{
		Available: len(m.idle),
		Allocated: len(m.allocated),
		Total:     m.total(),
		Capacity:  m.cfg.MaxCapacity,
	}
}

// Start launches the background sweep loop.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop and destroys every remaining unit.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.doneCh:
	case <-time.After(time.Second):
	}

	m.mu.Lock()
	units := make([]*types.Unit, 0, len(m.idle)+len(m.allocated))
	units = append(units, m.idle...)
	for _, unit := range m.allocated {
		if unit.ID != "" {
			units = append(units, unit)
		}
	}
	m.idle = nil
	m.allocated = make(map[string]*types.Unit)
	m.mu.Unlock()

	for _, unit := range units {
		if err := m.rt.Destroy(ctx, unit.ID); err != nil {
			m.logger.Error("teardown destroy failed",
				zap.String("unit_id", unit.ID), zap.Error(err))
		}
	}
	m.logger.Info("pool stopped", zap.Int("destroyed", len(units)))
}

// total counts live and reserved units. Callers hold m.mu.
func (m *Manager) total() int { return len(m.idle) + len(m.allocated) }

// spawn creates one unit, retrying transient failures with exponential
// backoff.
func (m *Manager) spawn(ctx context.Context) (*types.Unit, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = m.cfg.SpawnBackoffMin

	unit, err := backoff.Retry(ctx, func() (*types.Unit, error) {
		unit, err := m.rt.Spawn(ctx)
		if err != nil {
			if m.collector != nil {
				m.collector.RecordSpawn(false)
			}
			if !types.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return unit, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(m.cfg.SpawnRetries))
	if err != nil {
		return nil, types.NewError(types.ErrSpawnFailure, "unit spawn exhausted retries").
			WithRetryable(true).WithCause(err)
	}
	if m.collector != nil {
		m.collector.RecordSpawn(true)
	}
	return unit, nil
}

func (m *Manager) publishStats() {
	if m.collector == nil {
		return
	}
	stats := m.Stats()
	m.collector.SetPoolStats(stats.Available, stats.Allocated, stats.Total)
}

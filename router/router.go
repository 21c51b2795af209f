// Package router is the distributed-mode front door: it pins each
// conversation to one worker through Redis-backed affinity records,
// tracks worker health with periodic probes, and proxies the worker API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/types"
)

const (
	routeThreadPrefix  = "route:thread:"
	routeSessionPrefix = "route:session:"
)

// workerState is the probe-maintained view of one worker.
type workerState struct {
	healthy bool
	load    int // allocated units, from the worker's health payload
}

// Router selects workers and owns the affinity records. Affinity wins
// over load: a thread with a healthy affinity always goes back to its
// worker, because only that worker holds the thread's workspace.
type Router struct {
	cfg       config.RouterConfig
	ttl       time.Duration
	rdb       *redis.Client
	client    *http.Client
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.RWMutex
	workers map[string]workerState

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a router over the given worker set. ttl bounds affinity
// records and should match the workers' session TTL.
func New(cfg config.RouterConfig, ttl time.Duration, rdb *redis.Client, collector *metrics.Collector, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make(map[string]workerState, len(cfg.Workers))
	for _, w := range cfg.Workers {
		// Workers start unknown; the first probe round settles them.
		workers[w] = workerState{}
	}
	return &Router{
		cfg:       cfg,
		ttl:       ttl,
		rdb:       rdb,
		client:    &http.Client{Timeout: cfg.ProbeTimeout},
		collector: collector,
		logger:    logger.With(zap.String("component", "router")),
		workers:   workers,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Route returns the worker endpoint for a thread. An existing affinity to
// a healthy worker is reused; otherwise a healthy worker is selected and
// the affinity recorded before the caller forwards anything.
func (r *Router) Route(ctx context.Context, threadID string) (string, error) {
	worker, err := r.rdb.Get(ctx, routeThreadPrefix+threadID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("read thread affinity: %w", err)
	}
	if worker != "" && r.isHealthy(worker) {
		return worker, nil
	}
	if worker != "" {
		// Affinity points at a dead worker. The workspace is lost; clear
		// the record so the thread starts fresh elsewhere.
		r.logger.Warn("clearing affinity to unhealthy worker",
			zap.String("thread_id", threadID), zap.String("worker", worker))
		if err := r.ClearThread(ctx, threadID); err != nil {
			return "", err
		}
	}

	selected, err := r.selectWorker()
	if err != nil {
		return "", err
	}
	if err := r.rdb.Set(ctx, routeThreadPrefix+threadID, selected, r.ttl).Err(); err != nil {
		return "", fmt.Errorf("record thread affinity: %w", err)
	}
	return selected, nil
}

// RouteSession returns the worker owning a session, or "" if unknown.
func (r *Router) RouteSession(ctx context.Context, sessionID string) (string, error) {
	worker, err := r.rdb.Get(ctx, routeSessionPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session route: %w", err)
	}
	return worker, nil
}

// BindSession records which worker owns a session.
func (r *Router) BindSession(ctx context.Context, sessionID, worker string) error {
	return r.rdb.Set(ctx, routeSessionPrefix+sessionID, worker, r.ttl).Err()
}

// ClearThread removes a thread's affinity record.
func (r *Router) ClearThread(ctx context.Context, threadID string) error {
	return r.rdb.Del(ctx, routeThreadPrefix+threadID).Err()
}

// ClearSession removes a session's route record.
func (r *Router) ClearSession(ctx context.Context, sessionID string) error {
	return r.rdb.Del(ctx, routeSessionPrefix+sessionID).Err()
}

// selectWorker picks the healthy worker with the lowest load, breaking
// ties randomly so simultaneous creations spread out.
func (r *Router) selectWorker() (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []string
	best := -1
	for worker, state := range r.workers {
		if !state.healthy {
			continue
		}
		switch {
		case best == -1 || state.load < best:
			best = state.load
			candidates = candidates[:0]
			candidates = append(candidates, worker)
		case state.load == best:
			candidates = append(candidates, worker)
		}
	}
	if len(candidates) == 0 {
		return "", types.NewError(types.ErrNoHealthyWorker, "no healthy workers available").
			WithRetryable(true)
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (r *Router) isHealthy(worker string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[worker].healthy
}

// markUnhealthy downgrades a worker immediately after a failed forward,
// without waiting for the next probe round.
func (r *Router) markUnhealthy(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.workers[worker]; ok {
		state.healthy = false
		r.workers[worker] = state
	}
}

// healthEnvelope is the worker /healthz response shape.
type healthEnvelope struct {
	Data struct {
		WorkerID string `json:"worker_id"`
		Pool     struct {
			Allocated int `json:"allocated"`
		} `json:"pool"`
	} `json:"data"`
}

// Probe checks every worker once and updates the health table.
func (r *Router) Probe(ctx context.Context) {
	var wg sync.WaitGroup
	for worker := range r.snapshot() {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			healthy, load := r.probeOne(ctx, worker)
			r.mu.Lock()
			r.workers[worker] = workerState{healthy: healthy, load: load}
			r.mu.Unlock()
		}(worker)
	}
	wg.Wait()
}

func (r *Router) probeOne(ctx context.Context, worker string) (bool, int) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, worker+"/healthz", nil)
	if err != nil {
		return false, 0
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("probe failed", zap.String("worker", worker), zap.Error(err))
		return false, 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, 0
	}
	var env healthEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return false, 0
	}
	return true, env.Data.Pool.Allocated
}

func (r *Router) snapshot() map[string]workerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make(map[string]workerState, len(r.workers))
	for k, v := range r.workers {
		cp[k] = v
	}
	return cp
}

// Start probes immediately, then on the configured interval.
func (r *Router) Start(ctx context.Context) {
	r.Probe(ctx)
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.Probe(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop.
func (r *Router) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
	}
}

// Healthy returns the currently healthy worker endpoints.
func (r *Router) Healthy() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var healthy []string
	for worker, state := range r.workers {
		if state.healthy {
			healthy = append(healthy, worker)
		}
	}
	return healthy
}

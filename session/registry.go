package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/pool"
	"github.com/BaSui01/shellbox/types"
)

// tombstoneRetention bounds how long an expired session id is remembered
// for the NOT_FOUND vs EXPIRED distinction.
const tombstoneRetention = 24 * time.Hour

// Handle is the worker-local live state of a session: the record plus the
// mutex that serializes its execute and transfer operations.
type Handle struct {
	mu   sync.Mutex
	sess *types.Session
}

// Lock acquires the per-session mutex.
func (h *Handle) Lock() { h.mu.Lock() }

// Unlock releases the per-session mutex.
func (h *Handle) Unlock() { h.mu.Unlock() }

// Session returns the live record. Callers mutating it or reading the
// unit id must hold the handle lock.
func (h *Handle) Session() *types.Session { return h.sess }

// Registry owns the thread-to-session binding on one worker. Creation is
// idempotent per thread; expiry and close both send the unit back to the
// pool dirty, so a workspace never outlives its conversation.
type Registry struct {
	store     Store
	units     *pool.Manager
	cfg       config.SessionConfig
	collector *metrics.Collector
	logger    *zap.Logger

	workerID     string
	workspaceDir string

	creating singleflight.Group

	mu         sync.Mutex
	handles    map[string]*Handle
	tombstones map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithWorkerID records the worker identity on every session.
func WithWorkerID(id string) Option {
	return func(r *Registry) { r.workerID = id }
}

// WithWorkspaceDir records the workspace path on every session.
func WithWorkspaceDir(dir string) Option {
	return func(r *Registry) { r.workspaceDir = dir }
}

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(r *Registry) { r.collector = c }
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a registry backed by store and units.
func NewRegistry(store Store, units *pool.Manager, cfg config.SessionConfig, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		units:      units,
		cfg:        cfg,
		logger:     zap.NewNop(),
		handles:    make(map[string]*Handle),
		tombstones: make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "session"))
	return r
}

// GetOrCreate returns the thread's active session, creating one if none
// exists. Concurrent calls for the same thread collapse into a single
// creation; every caller gets the same session. A non-positive ttl uses
// the configured default.
func (r *Registry) GetOrCreate(ctx context.Context, userID, threadID string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = r.cfg.TTL
	}

	v, err, _ := r.creating.Do(threadID, func() (any, error) {
		return r.getOrCreate(ctx, userID, threadID, ttl)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) getOrCreate(ctx context.Context, userID, threadID string, ttl time.Duration) (*Handle, error) {
	// Re-check under the creation lock: a concurrent caller may have just
	// created the session.
	sessionID, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if sessionID != "" {
		r.mu.Lock()
		h, ok := r.handles[sessionID]
		r.mu.Unlock()
		if ok && !r.isExpired(h) {
			if err := r.Touch(ctx, sessionID); err != nil {
				return nil, err
			}
			return h, nil
		}
		if ok {
			// Lapsed but not yet swept: retire it fully now. Leaving the
			// stale handle behind would let a later sweep tear down the
			// thread mapping of the replacement created below.
			r.expire(ctx, h)
		} else {
			// Mapping without a live local handle: the previous session
			// died with its worker. Clear the records and remember the id.
			r.dropRecords(ctx, sessionID, threadID)
			r.tombstone(sessionID)
		}
	}

	unit, err := r.units.Allocate(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &types.Session{
		ID:           uuid.NewString(),
		ThreadID:     threadID,
		UserID:       userID,
		UnitID:       unit.ID,
		Worker:       r.workerID,
		State:        types.SessionActive,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		WorkspaceDir: r.workspaceDir,
	}

	if err := r.store.PutSession(ctx, sess, ttl); err != nil {
		_ = r.units.Release(ctx, unit.ID, true)
		return nil, err
	}
	if err := r.store.PutThread(ctx, threadID, sess.ID, ttl); err != nil {
		_ = r.store.DeleteSession(ctx, sess.ID)
		_ = r.units.Release(ctx, unit.ID, true)
		return nil, err
	}

	h := &Handle{sess: sess}
	r.mu.Lock()
	r.handles[sess.ID] = h
	r.mu.Unlock()

	if r.collector != nil {
		r.collector.SessionOpened()
	}
	r.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("thread_id", threadID),
		zap.String("unit_id", unit.ID))
	return h, nil
}

// Get returns the live handle for a session id, distinguishing sessions
// that never existed from ones that expired.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Handle, error) {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	_, dead := r.tombstones[sessionID]
	r.mu.Unlock()

	if ok {
		if r.isExpired(h) {
			r.expire(ctx, h)
			return nil, types.Errorf(types.ErrSessionExpired, "session %s has expired", sessionID)
		}
		return h, nil
	}
	if dead {
		return nil, types.Errorf(types.ErrSessionExpired, "session %s has expired", sessionID)
	}

	// A store record without a local handle means the owning process lost
	// the unit; the workspace is gone either way.
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		r.dropRecords(ctx, sessionID, sess.ThreadID)
		r.tombstone(sessionID)
		return nil, types.Errorf(types.ErrSessionExpired, "session %s has expired", sessionID)
	}
	return nil, types.Errorf(types.ErrSessionNotFound, "session %s not found", sessionID)
}

// Touch refreshes a session's idle deadline and store TTLs. Called on
// every execute and transfer operation regardless of outcome.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	r.mu.Unlock()
	if !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %s not found", sessionID)
	}

	h.mu.Lock()
	if h.sess.State != types.SessionActive {
		h.mu.Unlock()
		return types.Errorf(types.ErrSessionExpired, "session %s has expired", sessionID)
	}
	now := time.Now()
	h.sess.LastActivity = now
	h.sess.ExpiresAt = now.Add(r.cfg.TTL)
	snapshot := *h.sess
	h.mu.Unlock()

	if err := r.store.PutSession(ctx, &snapshot, r.cfg.TTL); err != nil {
		return err
	}
	return r.store.PutThread(ctx, snapshot.ThreadID, sessionID, r.cfg.TTL)
}

// Close terminates a session explicitly. The unit goes back dirty and the
// thread becomes free to start a fresh session.
func (r *Registry) Close(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	h, ok := r.handles[sessionID]
	delete(r.handles, sessionID)
	r.mu.Unlock()
	if !ok {
		return types.Errorf(types.ErrSessionNotFound, "session %s not found", sessionID)
	}

	h.Lock()
	if h.sess.State != types.SessionActive {
		h.Unlock()
		return types.Errorf(types.ErrSessionExpired, "session %s has expired", sessionID)
	}
	h.sess.State = types.SessionClosed
	unitID, threadID := h.sess.UnitID, h.sess.ThreadID
	h.Unlock()

	r.dropRecords(ctx, sessionID, threadID)
	if err := r.units.Release(ctx, unitID, true); err != nil {
		r.logger.Error("release on close failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if r.collector != nil {
		r.collector.SessionReleased("closed")
	}
	r.logger.Info("session closed",
		zap.String("session_id", sessionID), zap.String("thread_id", threadID))
	return nil
}

// ReplaceUnit swaps a faulted unit for a fresh one, keeping the session
// alive with an empty workspace. The caller must hold the handle lock.
func (r *Registry) ReplaceUnit(ctx context.Context, h *Handle) error {
	// A close or expiry that raced the fault already released the unit;
	// allocating a replacement here would leak it forever.
	if h.sess.State != types.SessionActive {
		return types.Errorf(types.ErrSessionExpired, "session %s is no longer active", h.sess.ID)
	}
	old := h.sess.UnitID
	if err := r.units.Release(ctx, old, true); err != nil {
		r.logger.Error("release of faulted unit failed",
			zap.String("unit_id", old), zap.Error(err))
	}

	unit, err := r.units.Allocate(ctx)
	if err != nil {
		return err
	}
	h.sess.UnitID = unit.ID
	if err := r.store.PutSession(ctx, h.sess, r.cfg.TTL); err != nil {
		return err
	}
	r.logger.Warn("session unit replaced",
		zap.String("session_id", h.sess.ID),
		zap.String("old_unit", old),
		zap.String("new_unit", unit.ID))
	return nil
}

// ExpireSweep releases every session past its idle deadline and prunes
// old tombstones.
func (r *Registry) ExpireSweep(ctx context.Context) int {
	now := time.Now()

	r.mu.Lock()
	candidates := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		candidates = append(candidates, h)
	}
	for id, at := range r.tombstones {
		if now.Sub(at) > tombstoneRetention {
			delete(r.tombstones, id)
		}
	}
	r.mu.Unlock()

	expired := 0
	for _, h := range candidates {
		if r.isExpired(h) && r.expire(ctx, h) {
			expired++
		}
	}
	return expired
}

// expire releases one expired session's unit and records the tombstone.
// Idempotent: a handle already retired, closed, or refreshed by a
// concurrent Touch is left alone.
func (r *Registry) expire(ctx context.Context, h *Handle) bool {
	h.Lock()
	if h.sess.State != types.SessionActive || time.Now().Before(h.sess.ExpiresAt) {
		h.Unlock()
		return false
	}
	h.sess.State = types.SessionExpired
	sessionID, threadID, unitID := h.sess.ID, h.sess.ThreadID, h.sess.UnitID
	h.Unlock()

	r.mu.Lock()
	delete(r.handles, sessionID)
	r.mu.Unlock()
	r.tombstone(sessionID)

	r.dropRecords(ctx, sessionID, threadID)
	if err := r.units.Release(ctx, unitID, true); err != nil {
		r.logger.Error("release on expiry failed",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	if r.collector != nil {
		r.collector.SessionReleased("expired")
	}
	r.logger.Info("session expired",
		zap.String("session_id", sessionID), zap.String("thread_id", threadID))
	return true
}

// Start launches the background expiry sweep loop.
func (r *Registry) Start(ctx context.Context) {
	go func() {
		defer close(r.doneCh)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.ExpireSweep(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweep loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
	case <-time.After(time.Second):
	}
}

func (r *Registry) isExpired(h *Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Now().After(h.sess.ExpiresAt)
}

func (r *Registry) tombstone(sessionID string) {
	r.mu.Lock()
	r.tombstones[sessionID] = time.Now()
	r.mu.Unlock()
}

func (r *Registry) dropRecords(ctx context.Context, sessionID, threadID string) {
	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		r.logger.Error("delete session record failed", zap.Error(err))
	}
	if threadID == "" {
		return
	}
	// The thread may already be bound to a successor session; only remove
	// the mapping while it still names this one.
	current, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		r.logger.Error("read thread record failed", zap.Error(err))
		return
	}
	if current != "" && current != sessionID {
		return
	}
	if err := r.store.DeleteThread(ctx, threadID); err != nil {
		r.logger.Error("delete thread record failed", zap.Error(err))
	}
}

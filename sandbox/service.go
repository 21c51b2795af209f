// Package sandbox is the top-level entry point: a Service facade wiring
// the pool, registry, validator, engine and transfer manager together, and
// a Client abstraction that makes in-process and remote workers
// interchangeable, including their error behavior.
package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/engine"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/pool"
	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/session"
	"github.com/BaSui01/shellbox/transfer"
	"github.com/BaSui01/shellbox/types"
	"github.com/BaSui01/shellbox/validator"
)

// Health is the worker health snapshot served to routers and monitors.
type Health struct {
	WorkerID string          `json:"worker_id"`
	Pool     types.PoolStats `json:"pool"`
	Sessions int             `json:"active_sessions"`
}

// Service executes agent commands in pooled isolated units. One Service
// instance is one worker.
type Service struct {
	cfg       *config.Config
	rt        runtime.Runtime
	units     *pool.Manager
	sessions  *session.Registry
	exec      *engine.Engine
	files     *transfer.Manager
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewService wires a worker from its configuration, runtime adapter and
// session store. The collector may be nil.
func NewService(cfg *config.Config, rt runtime.Runtime, store session.Store, collector *metrics.Collector, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	units := pool.NewManager(rt, cfg.Pool, collector, logger)
	sessions := session.NewRegistry(store, units, cfg.Session,
		session.WithWorkerID(cfg.Server.WorkerID),
		session.WithWorkspaceDir(cfg.Runtime.WorkspaceDir),
		session.WithCollector(collector),
		session.WithLogger(logger),
	)
	gate := validator.New(validator.WithLogger(logger))

	return &Service{
		cfg:       cfg,
		rt:        rt,
		units:     units,
		sessions:  sessions,
		exec:      engine.New(rt, gate, sessions, cfg.Limits, collector, logger),
		files:     transfer.NewManager(rt, sessions, cfg.Limits, collector, logger),
		collector: collector,
		logger:    logger.With(zap.String("component", "sandbox")),
	}
}

// Start prewarms the pool and launches the background sweep loops.
func (s *Service) Start(ctx context.Context) {
	s.units.Prewarm(ctx, s.cfg.Pool.PrewarmSize)
	s.units.Start(ctx)
	s.sessions.Start(ctx)
}

// Stop halts the sweepers and destroys every unit.
func (s *Service) Stop(ctx context.Context) {
	s.sessions.Stop()
	s.units.Stop(ctx)
}

// Sessions exposes the registry for the HTTP layer.
func (s *Service) Sessions() *session.Registry { return s.sessions }

// CreateOrGetSession returns the thread's active session, creating one on
// first use. The returned record is a snapshot.
func (s *Service) CreateOrGetSession(ctx context.Context, userID, threadID string, ttl time.Duration) (*types.Session, error) {
	h, err := s.sessions.GetOrCreate(ctx, userID, threadID, ttl)
	if err != nil {
		return nil, err
	}
	h.Lock()
	snapshot := *h.Session()
	h.Unlock()
	return &snapshot, nil
}

// GetSession returns a snapshot of a live session's record.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	h, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	h.Lock()
	snapshot := *h.Session()
	h.Unlock()
	return &snapshot, nil
}

// Execute runs a command in the session's unit. A unit-level fault swaps
// in a fresh unit and retries once; the replacement starts with an empty
// workspace. A second fault is returned as-is.
func (s *Service) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*types.ExecResult, error) {
	h, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result, err := s.exec.Execute(ctx, h, command, timeout)
	if err == nil || !types.IsCode(err, types.ErrContainerFault) {
		return result, err
	}

	s.logger.Warn("unit fault, retrying on fresh unit",
		zap.String("session_id", sessionID), zap.Error(err))
	h.Lock()
	replaceErr := s.sessions.ReplaceUnit(ctx, h)
	h.Unlock()
	if replaceErr != nil {
		return nil, replaceErr
	}
	return s.exec.Execute(ctx, h, command, timeout)
}

// Upload places a file into the session workspace.
func (s *Service) Upload(ctx context.Context, sessionID, filename string, data []byte) error {
	h, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.files.Upload(ctx, h, filename, data)
}

// Download returns a workspace file's bytes.
func (s *Service) Download(ctx context.Context, sessionID, filename string) ([]byte, error) {
	h, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.files.Download(ctx, h, filename)
}

// ListFiles returns workspace files newest-first.
func (s *Service) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	h, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.files.List(ctx, h)
}

// Cleanup terminates a session and destroys its unit.
func (s *Service) Cleanup(ctx context.Context, sessionID string) error {
	return s.sessions.Close(ctx, sessionID)
}

// PoolHealth reports this worker's identity and pool occupancy.
func (s *Service) PoolHealth(ctx context.Context) Health {
	stats := s.units.Stats()
	return Health{
		WorkerID: s.cfg.Server.WorkerID,
		Pool:     stats,
		Sessions: stats.Allocated,
	}
}

// Package transfer moves files in and out of session workspaces with
// traversal checks and per-dimension quota enforcement.
package transfer

import (
	"context"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/session"
	"github.com/BaSui01/shellbox/types"
)

// Manager validates and executes workspace file transfers. Quotas are
// recomputed from the live workspace on every upload: commands run by the
// session mutate files out-of-band, so cached counters would drift.
type Manager struct {
	rt        runtime.Runtime
	sessions  *session.Registry
	limits    config.LimitsConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewManager creates a transfer manager. The collector may be nil.
func NewManager(rt runtime.Runtime, sessions *session.Registry, limits config.LimitsConfig, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		rt:        rt,
		sessions:  sessions,
		limits:    limits,
		collector: collector,
		logger:    logger.With(zap.String("component", "transfer")),
	}
}

// Upload writes data into the session workspace after checking the name
// and all three quota dimensions.
func (m *Manager) Upload(ctx context.Context, h *session.Handle, filename string, data []byte) error {
	defer m.touch(ctx, h)

	clean, err := checkName(filename)
	if err != nil {
		return err
	}
	if int64(len(data)) > m.limits.MaxFileSize() {
		return types.Errorf(types.ErrQuotaExceeded,
			"file %s is %d bytes, limit is %d", clean, len(data), m.limits.MaxFileSize()).
			WithDimension(types.DimensionFileSize)
	}

	h.Lock()
	defer h.Unlock()
	unitID := h.Session().UnitID

	stat, err := m.rt.StatWorkspace(ctx, unitID)
	if err != nil {
		return err
	}
	if stat.FileCount+1 > m.limits.MaxTotalFiles {
		return types.Errorf(types.ErrQuotaExceeded,
			"workspace holds %d files, limit is %d", stat.FileCount, m.limits.MaxTotalFiles).
			WithDimension(types.DimensionFileCount)
	}
	if stat.TotalBytes+int64(len(data)) > m.limits.MaxWorkspaceSize() {
		return types.Errorf(types.ErrQuotaExceeded,
			"workspace would grow to %d bytes, limit is %d",
			stat.TotalBytes+int64(len(data)), m.limits.MaxWorkspaceSize()).
			WithDimension(types.DimensionWorkspaceSize)
	}

	if err := m.rt.PutFile(ctx, unitID, clean, data); err != nil {
		return err
	}
	if m.collector != nil {
		m.collector.RecordTransfer("upload", int64(len(data)))
	}
	m.logger.Debug("file uploaded",
		zap.String("session_id", h.Session().ID),
		zap.String("filename", clean),
		zap.Int("bytes", len(data)))
	return nil
}

// Download returns a workspace file's raw bytes.
func (m *Manager) Download(ctx context.Context, h *session.Handle, filename string) ([]byte, error) {
	defer m.touch(ctx, h)

	clean, err := checkName(filename)
	if err != nil {
		return nil, err
	}

	h.Lock()
	defer h.Unlock()

	data, err := m.rt.GetFile(ctx, h.Session().UnitID, clean)
	if err != nil {
		return nil, err
	}
	if m.collector != nil {
		m.collector.RecordTransfer("download", int64(len(data)))
	}
	return data, nil
}

// List returns workspace files newest-first.
func (m *Manager) List(ctx context.Context, h *session.Handle) ([]types.FileInfo, error) {
	defer m.touch(ctx, h)

	h.Lock()
	defer h.Unlock()

	files, err := m.rt.ListWorkspace(ctx, h.Session().UnitID)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}

func (m *Manager) touch(ctx context.Context, h *session.Handle) {
	if err := m.sessions.Touch(ctx, h.Session().ID); err != nil {
		m.logger.Warn("touch failed", zap.String("session_id", h.Session().ID), zap.Error(err))
	}
}

// checkName rejects names that could address anything outside the
// workspace. Relative subdirectory paths are allowed.
func checkName(filename string) (string, error) {
	if filename == "" {
		return "", types.NewError(types.ErrPathTraversal, "empty filename")
	}
	clean := path.Clean(filename)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", types.Errorf(types.ErrPathTraversal, "filename %q escapes workspace", filename)
	}
	return clean, nil
}

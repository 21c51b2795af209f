package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

// killGrace is how long a forced termination may take to be confirmed
// before the unit is considered corrupted.
const killGrace = 2 * time.Second

// LocalRuntime runs units as local processes with per-unit temporary
// workspace directories. It provides filesystem isolation only (no resource
// limits, no user switching) and is intended for standalone development and
// tests; production deployments use DockerRuntime.
type LocalRuntime struct {
	cfg     config.RuntimeConfig
	baseDir string
	logger  *zap.Logger

	mu     sync.Mutex
	units  map[string]string // unit id -> workspace dir
	closed bool
}

// NewLocalRuntime creates a process-backed runtime rooted at a fresh
// temporary directory.
func NewLocalRuntime(cfg config.RuntimeConfig, logger *zap.Logger) (*LocalRuntime, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseDir, err := os.MkdirTemp("", "shellbox-units-*")
	if err != nil {
		return nil, fmt.Errorf("create runtime base dir: %w", err)
	}
	return &LocalRuntime{
		cfg:     cfg,
		baseDir: baseDir,
		logger:  logger.With(zap.String("component", "runtime.local")),
		units:   make(map[string]string),
	}, nil
}

// Spawn implements Runtime.
func (r *LocalRuntime) Spawn(ctx context.Context) (*types.Unit, error) {
	id := "local-" + uuid.NewString()
	dir := filepath.Join(r.baseDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.ErrSpawnFailure, "create unit workspace").
			WithRetryable(true).WithCause(err)
	}

	r.mu.Lock()
	r.units[id] = dir
	r.mu.Unlock()

	now := time.Now()
	r.logger.Debug("unit spawned", zap.String("unit_id", id))
	return &types.Unit{
		ID:        id,
		State:     types.UnitIdle,
		CreatedAt: now,
		LastUsed:  now,
	}, nil
}

func (r *LocalRuntime) workspace(unitID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dir, ok := r.units[unitID]
	if !ok {
		return "", fault(fmt.Sprintf("unit %s not found", unitID), nil)
	}
	return dir, nil
}

// Exec implements Runtime. The command runs in its own process group so a
// timeout can terminate the whole tree.
func (r *LocalRuntime) Exec(ctx context.Context, unitID string, req ExecRequest) (*ExecOutput, error) {
	dir, err := r.workspace(unitID)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fault("start command", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if req.Timeout > 0 {
		timer := time.NewTimer(req.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	timedOut := false
	select {
	case <-done:
	case <-deadline:
		timedOut = true
		if err := r.killGroup(cmd); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		if err := r.killGroup(cmd); err != nil {
			return nil, err
		}
		return nil, fault("execution canceled", ctx.Err())
	}

	if timedOut {
		// Wait for termination confirmation within the grace window; an
		// unconfirmed kill means the unit can no longer be trusted.
		select {
		case <-done:
		case <-time.After(killGrace):
			return nil, fault("unit did not confirm termination", nil)
		}
	}

	exitCode := 0
	if state := cmd.ProcessState; state != nil {
		exitCode = state.ExitCode()
	}

	return &ExecOutput{
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
	}, nil
}

// killGroup force-terminates the command's process group.
func (r *LocalRuntime) killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fault("terminate process group", err)
	}
	return nil
}

// resolve joins filename onto the unit workspace, rejecting escapes. The
// transfer manager performs the user-facing traversal check; this is the
// runtime's own backstop.
func (r *LocalRuntime) resolve(unitID, filename string) (string, error) {
	dir, err := r.workspace(unitID)
	if err != nil {
		return "", err
	}
	clean := filepath.Clean(filename)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", types.Errorf(types.ErrPathTraversal, "filename %q escapes workspace", filename)
	}
	return filepath.Join(dir, clean), nil
}

// PutFile implements Runtime.
func (r *LocalRuntime) PutFile(ctx context.Context, unitID, filename string, data []byte) error {
	full, err := r.resolve(unitID, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fault("create parent directory", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fault("write workspace file", err)
	}
	return nil
}

// GetFile implements Runtime.
func (r *LocalRuntime) GetFile(ctx context.Context, unitID, filename string) ([]byte, error) {
	full, err := r.resolve(unitID, filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		return nil, types.Errorf(types.ErrFileNotFound, "file not found in workspace: %s", filename)
	}
	if err != nil {
		return nil, fault("read workspace file", err)
	}
	return data, nil
}

// ListWorkspace implements Runtime.
func (r *LocalRuntime) ListWorkspace(ctx context.Context, unitID string) ([]types.FileInfo, error) {
	dir, err := r.workspace(unitID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fault("list workspace", err)
	}

	var files []types.FileInfo
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, types.FileInfo{
			Name:        entry.Name(),
			Size:        info.Size(),
			Modified:    info.ModTime(),
			Permissions: info.Mode().String(),
		})
	}
	return files, nil
}

// StatWorkspace implements Runtime.
func (r *LocalRuntime) StatWorkspace(ctx context.Context, unitID string) (*WorkspaceStat, error) {
	dir, err := r.workspace(unitID)
	if err != nil {
		return nil, err
	}

	stat := &WorkspaceStat{}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		stat.FileCount++
		stat.TotalBytes += info.Size()
		return nil
	})
	if err != nil {
		return nil, fault("stat workspace", err)
	}
	return stat, nil
}

// Destroy implements Runtime.
func (r *LocalRuntime) Destroy(ctx context.Context, unitID string) error {
	r.mu.Lock()
	dir, ok := r.units[unitID]
	delete(r.units, unitID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fault("remove unit workspace", err)
	}
	r.logger.Debug("unit destroyed", zap.String("unit_id", unitID))
	return nil
}

// Close implements Runtime. All remaining unit workspaces are removed.
func (r *LocalRuntime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.units = make(map[string]string)
	return os.RemoveAll(r.baseDir)
}

var _ Runtime = (*LocalRuntime)(nil)

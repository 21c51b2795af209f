// Package runtime defines the container runtime boundary of shellbox and
// its two adapters: Docker-backed units and local process-backed units.
//
// All adapters expose the same narrow contract: spawn an isolated unit,
// execute commands inside it as the unprivileged sandbox identity with a
// fixed working directory, move file bytes in and out of its workspace, and
// destroy it. Runtime-level faults (unit unreachable, removed, corrupted)
// surface as CONTAINER_FAULT typed errors, kept strictly separate from the
// exit codes of executed programs.
package runtime

import (
	"context"
	"time"

	"github.com/BaSui01/shellbox/types"
)

// ExecRequest describes one command execution inside a unit.
type ExecRequest struct {
	// Command is passed to `sh -c` inside the unit's workspace.
	Command string
	// Timeout bounds wall-clock execution; zero means no limit. On expiry
	// the process group is forcibly terminated.
	Timeout time.Duration
}

// ExecOutput is the raw outcome of one execution.
type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// TimedOut reports that the timeout forced termination. Never folded
	// into ExitCode.
	TimedOut bool
}

// WorkspaceStat is an on-demand measurement of a unit's workspace. Never
// cached: commands executed by the caller mutate the workspace out-of-band.
type WorkspaceStat struct {
	FileCount  int
	TotalBytes int64
}

// Runtime is the container runtime adapter consumed by the pool, engine
// and transfer manager.
type Runtime interface {
	// Spawn creates and starts one isolated unit.
	Spawn(ctx context.Context) (*types.Unit, error)

	// Exec runs a command inside the unit as the sandbox identity in the
	// fixed workspace directory.
	Exec(ctx context.Context, unitID string, req ExecRequest) (*ExecOutput, error)

	// PutFile writes data into the unit's workspace at the given relative
	// path, owned by the sandbox identity.
	PutFile(ctx context.Context, unitID, filename string, data []byte) error

	// GetFile reads a workspace file's raw bytes.
	GetFile(ctx context.Context, unitID, filename string) ([]byte, error)

	// ListWorkspace returns metadata for all regular files in the
	// workspace, unordered.
	ListWorkspace(ctx context.Context, unitID string) ([]types.FileInfo, error)

	// StatWorkspace recomputes the workspace file count and aggregate size.
	StatWorkspace(ctx context.Context, unitID string) (*WorkspaceStat, error)

	// Destroy tears the unit down. Destroying an already-destroyed unit is
	// not an error.
	Destroy(ctx context.Context, unitID string) error

	// Close releases adapter resources.
	Close() error
}

// fault wraps a runtime-level failure as a CONTAINER_FAULT typed error.
func fault(msg string, cause error) *types.Error {
	return types.NewError(types.ErrContainerFault, msg).WithCause(cause)
}

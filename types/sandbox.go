package types

import "time"

// UnitState is the lifecycle state of an isolated execution unit.
type UnitState string

const (
	UnitSpawning  UnitState = "spawning"
	UnitIdle      UnitState = "idle"
	UnitAllocated UnitState = "allocated"
	UnitDirty     UnitState = "dirty"
	UnitDestroyed UnitState = "destroyed"
)

// Unit is one isolated execution environment. Units are exclusively owned
// by the pool manager; a session holds a non-owning reference while
// allocated.
type Unit struct {
	ID        string    `json:"id"`
	State     UnitState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
}

// SessionState is the lifecycle state of a session. Both expired and closed
// are terminal and release the session's unit as dirty.
type SessionState string

const (
	SessionActive  SessionState = "active"
	SessionExpired SessionState = "expired"
	SessionClosed  SessionState = "closed"
)

// Session binds a conversation (thread_id) to a live unit. UserID is
// advisory only and never used for access decisions.
type Session struct {
	ID           string       `json:"session_id"`
	ThreadID     string       `json:"thread_id"`
	UserID       string       `json:"user_id"`
	UnitID       string       `json:"unit_id"`
	Worker       string       `json:"worker,omitempty"`
	State        SessionState `json:"state"`
	CreatedAt    time.Time    `json:"created_at"`
	LastActivity time.Time    `json:"last_activity"`
	ExpiresAt    time.Time    `json:"expires_at"`
	WorkspaceDir string       `json:"workspace_dir"`
}

// ExecResult is the outcome of a single command execution. A nonzero exit
// code is the executed program's own outcome, not a platform error. TimedOut
// is reported separately and never folded into ExitCode.
type ExecResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
}

// FileInfo describes one file in a unit's workspace.
type FileInfo struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size_bytes"`
	Modified    time.Time `json:"modified"`
	Permissions string    `json:"permissions"`
}

// PoolStats is a point-in-time snapshot of pool occupancy.
// Invariant: Available + Allocated = Total <= Capacity.
type PoolStats struct {
	Available int `json:"available"`
	Allocated int `json:"allocated"`
	Total     int `json:"total"`
	Capacity  int `json:"max_capacity"`
}

// ValidationResult is the ephemeral verdict of the command safety gate.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Rule   string `json:"rule,omitempty"`
	Reason string `json:"reason,omitempty"`
}

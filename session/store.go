// Package session binds conversations to execution units: a registry with
// an idempotent creation path, idle expiry, and a pluggable state store so
// standalone workers keep records in memory while distributed deployments
// share them through Redis.
package session

import (
	"context"
	"time"

	"github.com/BaSui01/shellbox/types"
)

// Store persists session records and the thread-to-session affinity
// mapping. Both implementations share one contract: records disappear when
// their TTL elapses, lookups of absent records return nil without error,
// and writing a record refreshes its TTL.
type Store interface {
	// PutSession writes or refreshes a session record with the given TTL.
	PutSession(ctx context.Context, sess *types.Session, ttl time.Duration) error

	// GetSession returns the session record, or nil if absent or expired.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// DeleteSession removes a session record. Absent records are not an
	// error.
	DeleteSession(ctx context.Context, sessionID string) error

	// PutThread maps a thread to its one active session with the given TTL.
	PutThread(ctx context.Context, threadID, sessionID string, ttl time.Duration) error

	// GetThread returns the session id mapped to a thread, or "" if absent
	// or expired.
	GetThread(ctx context.Context, threadID string) (string, error)

	// DeleteThread removes a thread mapping.
	DeleteThread(ctx context.Context, threadID string) error

	// Close releases store resources.
	Close() error
}

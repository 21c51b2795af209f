package runtime

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/shellbox/types"
)

// Limited wraps a Runtime with a weighted semaphore so that blocking
// runtime calls (spawn, exec, file copy) cannot stall an unbounded number
// of request handlers behind one slow sandbox.
type Limited struct {
	inner Runtime
	sem   *semaphore.Weighted
}

// NewLimited bounds concurrent calls into inner at max.
func NewLimited(inner Runtime, max int64) *Limited {
	if max < 1 {
		max = 1
	}
	return &Limited{inner: inner, sem: semaphore.NewWeighted(max)}
}

func (l *Limited) acquire(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return types.NewError(types.ErrContainerFault, "runtime limiter wait canceled").WithCause(err)
	}
	return nil
}

// Spawn implements Runtime.
func (l *Limited) Spawn(ctx context.Context) (*types.Unit, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.Spawn(ctx)
}

// Exec implements Runtime.
func (l *Limited) Exec(ctx context.Context, unitID string, req ExecRequest) (*ExecOutput, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.Exec(ctx, unitID, req)
}

// PutFile implements Runtime.
func (l *Limited) PutFile(ctx context.Context, unitID, filename string, data []byte) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.inner.PutFile(ctx, unitID, filename, data)
}

// GetFile implements Runtime.
func (l *Limited) GetFile(ctx context.Context, unitID, filename string) ([]byte, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.GetFile(ctx, unitID, filename)
}

// ListWorkspace implements Runtime.
func (l *Limited) ListWorkspace(ctx context.Context, unitID string) ([]types.FileInfo, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.ListWorkspace(ctx, unitID)
}

// StatWorkspace implements Runtime.
func (l *Limited) StatWorkspace(ctx context.Context, unitID string) (*WorkspaceStat, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.inner.StatWorkspace(ctx, unitID)
}

// Destroy implements Runtime.
func (l *Limited) Destroy(ctx context.Context, unitID string) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return l.inner.Destroy(ctx, unitID)
}

// Close implements Runtime.
func (l *Limited) Close() error { return l.inner.Close() }

var _ Runtime = (*Limited)(nil)

// String implements fmt.Stringer for log fields.
func (l *Limited) String() string { return fmt.Sprintf("limited(%T)", l.inner) }

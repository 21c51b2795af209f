package testutil

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/types"
)

// FakeRuntime is an in-memory runtime.Runtime with builder-style error
// injection. Each spawned unit gets its own map-backed workspace; Exec
// returns scripted outputs keyed by command, defaulting to exit 0 with
// the command echoed on stdout.
type FakeRuntime struct {
	mu sync.Mutex

	nextID     int
	workspaces map[string]map[string][]byte
	mtimes     map[string]map[string]time.Time
	scripted   map[string]*runtime.ExecOutput

	spawnErr   error
	spawnFails int // inject spawnErr for this many calls, then succeed
	execErr    error
	execFails  int // inject execErr for this many calls, then succeed
	destroyErr error
	spawnDelay time.Duration

	SpawnCount   int
	DestroyCount int
	ExecCount    int
	Destroyed    []string
}

// NewFakeRuntime returns an empty fake.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		workspaces: make(map[string]map[string][]byte),
		mtimes:     make(map[string]map[string]time.Time),
		scripted:   make(map[string]*runtime.ExecOutput),
	}
}

// WithSpawnError makes every Spawn fail with err.
func (f *FakeRuntime) WithSpawnError(err error) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr = err
	f.spawnFails = -1
	return f
}

// WithSpawnErrorN makes the next n Spawn calls fail with err, after which
// spawning succeeds again.
func (f *FakeRuntime) WithSpawnErrorN(err error, n int) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnErr = err
	f.spawnFails = n
	return f
}

// WithSpawnDelay makes each Spawn sleep for d before returning.
func (f *FakeRuntime) WithSpawnDelay(d time.Duration) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spawnDelay = d
	return f
}

// WithExecError makes every Exec fail with err.
func (f *FakeRuntime) WithExecError(err error) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
	f.execFails = -1
	return f
}

// WithExecErrorN makes the next n Exec calls fail with err, after which
// execution succeeds again.
func (f *FakeRuntime) WithExecErrorN(err error, n int) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr = err
	f.execFails = n
	return f
}

// WithDestroyError makes every Destroy fail with err.
func (f *FakeRuntime) WithDestroyError(err error) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
	return f
}

// Script pins the output Exec returns for an exact command string.
func (f *FakeRuntime) Script(command string, out *runtime.ExecOutput) *FakeRuntime {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[command] = out
	return f
}

// Units returns the ids of all live (not destroyed) units.
func (f *FakeRuntime) Units() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.workspaces))
	for id := range f.workspaces {
		ids = append(ids, id)
	}
	return ids
}

// Spawn implements runtime.Runtime.
func (f *FakeRuntime) Spawn(ctx context.Context) (*types.Unit, error) {
	f.mu.Lock()
	f.SpawnCount++
	delay := f.spawnDelay
	if f.spawnErr != nil && f.spawnFails != 0 {
		if f.spawnFails > 0 {
			f.spawnFails--
		}
		err := f.spawnErr
		f.mu.Unlock()
		return nil, err
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.workspaces[id] = make(map[string][]byte)
	f.mtimes[id] = make(map[string]time.Time)
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	now := time.Now()
	return &types.Unit{ID: id, State: types.UnitIdle, CreatedAt: now, LastUsed: now}, nil
}

func (f *FakeRuntime) workspace(unitID string) (map[string][]byte, error) {
	ws, ok := f.workspaces[unitID]
	if !ok {
		return nil, types.NewError(types.ErrContainerFault, "unit not found: "+unitID)
	}
	return ws, nil
}

// Exec implements runtime.Runtime.
func (f *FakeRuntime) Exec(ctx context.Context, unitID string, req runtime.ExecRequest) (*runtime.ExecOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExecCount++
	if f.execErr != nil && f.execFails != 0 {
		if f.execFails > 0 {
			f.execFails--
		}
		return nil, f.execErr
	}
	if _, err := f.workspace(unitID); err != nil {
		return nil, err
	}
	if out, ok := f.scripted[req.Command]; ok {
		cp := *out
		return &cp, nil
	}
	return &runtime.ExecOutput{ExitCode: 0, Stdout: req.Command + "\n"}, nil
}

// PutFile implements runtime.Runtime.
func (f *FakeRuntime) PutFile(ctx context.Context, unitID, filename string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, err := f.workspace(unitID)
	if err != nil {
		return err
	}
	ws[path.Clean(filename)] = append([]byte(nil), data...)
	f.mtimes[unitID][path.Clean(filename)] = time.Now()
	return nil
}

// GetFile implements runtime.Runtime.
func (f *FakeRuntime) GetFile(ctx context.Context, unitID, filename string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, err := f.workspace(unitID)
	if err != nil {
		return nil, err
	}
	data, ok := ws[path.Clean(filename)]
	if !ok {
		return nil, types.Errorf(types.ErrFileNotFound, "file not found in workspace: %s", filename)
	}
	return append([]byte(nil), data...), nil
}

// ListWorkspace implements runtime.Runtime. Only top-level files are
// listed, matching the real adapters.
func (f *FakeRuntime) ListWorkspace(ctx context.Context, unitID string) ([]types.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, err := f.workspace(unitID)
	if err != nil {
		return nil, err
	}
	var files []types.FileInfo
	for name, data := range ws {
		if strings.Contains(name, "/") {
			continue
		}
		files = append(files, types.FileInfo{Name: name, Size: int64(len(data)), Modified: f.mtimes[unitID][name]})
	}
	return files, nil
}

// StatWorkspace implements runtime.Runtime.
func (f *FakeRuntime) StatWorkspace(ctx context.Context, unitID string) (*runtime.WorkspaceStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, err := f.workspace(unitID)
	if err != nil {
		return nil, err
	}
	stat := &runtime.WorkspaceStat{}
	for _, data := range ws {
		stat.FileCount++
		stat.TotalBytes += int64(len(data))
	}
	return stat, nil
}

// Destroy implements runtime.Runtime.
func (f *FakeRuntime) Destroy(ctx context.Context, unitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DestroyCount++
	if f.destroyErr != nil {
		return f.destroyErr
	}
	delete(f.workspaces, unitID)
	delete(f.mtimes, unitID)
	f.Destroyed = append(f.Destroyed, unitID)
	return nil
}

// Close implements runtime.Runtime.
func (f *FakeRuntime) Close() error { return nil }

var _ runtime.Runtime = (*FakeRuntime)(nil)

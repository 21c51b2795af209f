package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/types"
)

func newTestRuntime(t *testing.T) *LocalRuntime {
	t.Helper()
	rt, err := NewLocalRuntime(config.Default().Runtime, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestLocalRuntimeSpawnAndDestroy(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.UnitIdle, unit.State)
	assert.NotEmpty(t, unit.ID)

	require.NoError(t, rt.Destroy(ctx, unit.ID))
	// Destroy is idempotent.
	require.NoError(t, rt.Destroy(ctx, unit.ID))
}

func TestLocalRuntimeExec(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	out, err := rt.Exec(ctx, unit.ID, ExecRequest{Command: "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, "hello\n", out.Stdout)
	assert.False(t, out.TimedOut)

	out, err = rt.Exec(ctx, unit.ID, ExecRequest{Command: "echo oops >&2; exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, out.ExitCode)
	assert.Equal(t, "oops\n", out.Stderr)
}

func TestLocalRuntimeExecTimeout(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	start := time.Now()
	out, err := rt.Exec(ctx, unit.ID, ExecRequest{
		Command: "sleep 10",
		Timeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalRuntimeExecUnknownUnit(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.Exec(context.Background(), "no-such-unit", ExecRequest{Command: "true"})
	assert.Equal(t, types.ErrContainerFault, types.GetErrorCode(err))
}

func TestLocalRuntimeFileRoundTrip(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	data := []byte("line one\nline two\n")
	require.NoError(t, rt.PutFile(ctx, unit.ID, "notes.txt", data))

	got, err := rt.GetFile(ctx, unit.ID, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Commands observe uploaded files.
	out, err := rt.Exec(ctx, unit.ID, ExecRequest{Command: "cat notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, string(data), out.Stdout)
}

func TestLocalRuntimeGetFileNotFound(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	_, err = rt.GetFile(ctx, unit.ID, "missing.txt")
	assert.Equal(t, types.ErrFileNotFound, types.GetErrorCode(err))
}

func TestLocalRuntimeRejectsTraversal(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	for _, name := range []string{"../escape.txt", "/etc/passwd", "a/../../b"} {
		err := rt.PutFile(ctx, unit.ID, name, []byte("x"))
		assert.Equal(t, types.ErrPathTraversal, types.GetErrorCode(err), "filename %q", name)

		_, err = rt.GetFile(ctx, unit.ID, name)
		assert.Equal(t, types.ErrPathTraversal, types.GetErrorCode(err), "filename %q", name)
	}
}

func TestLocalRuntimeListAndStat(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	unit, err := rt.Spawn(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.PutFile(ctx, unit.ID, "a.txt", []byte("aaaa")))
	require.NoError(t, rt.PutFile(ctx, unit.ID, "b.txt", []byte("bb")))
	require.NoError(t, rt.PutFile(ctx, unit.ID, "sub/c.txt", []byte("c")))

	files, err := rt.ListWorkspace(ctx, unit.ID)
	require.NoError(t, err)
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	// Top-level regular files only.
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, names)

	stat, err := rt.StatWorkspace(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stat.FileCount)
	assert.Equal(t, int64(7), stat.TotalBytes)
}

func TestLocalRuntimeWorkspaceIsolation(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	u1, err := rt.Spawn(ctx)
	require.NoError(t, err)
	u2, err := rt.Spawn(ctx)
	require.NoError(t, err)

	require.NoError(t, rt.PutFile(ctx, u1.ID, "secret.txt", []byte("u1")))

	_, err = rt.GetFile(ctx, u2.ID, "secret.txt")
	assert.Equal(t, types.ErrFileNotFound, types.GetErrorCode(err))
}

func TestLimitedRuntimeBoundsConcurrency(t *testing.T) {
	rt := newTestRuntime(t)
	limited := NewLimited(rt, 1)
	ctx := context.Background()

	unit, err := limited.Spawn(ctx)
	require.NoError(t, err)

	// With a saturated limiter, a canceled context fails fast with a
	// typed fault instead of queueing forever.
	require.NoError(t, limited.sem.Acquire(ctx, 1))
	defer limited.sem.Release(1)

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = limited.Exec(canceled, unit.ID, ExecRequest{Command: "true"})
	assert.Equal(t, types.ErrContainerFault, types.GetErrorCode(err))
}

func TestParseLsOutput(t *testing.T) {
	out := `total 12
drwxr-xr-x 2 sandboxuser sandboxuser 4096 1756100000 .
drwxr-xr-x 3 root        root        4096 1756100000 ..
-rw-r--r-- 1 sandboxuser sandboxuser  120 1756100123 data.csv
-rw-r--r-- 1 sandboxuser sandboxuser   42 1756100456 with space.txt
drwxr-xr-x 2 sandboxuser sandboxuser 4096 1756100000 subdir
`
	files := parseLsOutput(out)
	require.Len(t, files, 2)
	assert.Equal(t, "data.csv", files[0].Name)
	assert.Equal(t, int64(120), files[0].Size)
	assert.Equal(t, time.Unix(1756100123, 0), files[0].Modified)
	assert.Equal(t, "with space.txt", files[1].Name)
}

package sandbox_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/shellbox/api"
	"github.com/BaSui01/shellbox/sandbox"
	"github.com/BaSui01/shellbox/testutil"
	"github.com/BaSui01/shellbox/types"
)

// clients returns a local and a remote client backed by the same service,
// so tests can assert identical behavior across transports.
func clients(t *testing.T) map[string]sandbox.Client {
	t.Helper()
	svc, _ := newTestService(t)

	server := httptest.NewServer(api.NewMux(svc, nil, nil, nil))
	t.Cleanup(server.Close)

	return map[string]sandbox.Client{
		"local":  sandbox.NewLocalClient(svc),
		"remote": sandbox.NewRemoteClient(server.URL, server.Client()),
	}
}

func TestClientSessionLifecycleParity(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)

			sess, err := client.CreateOrGetSession(ctx, "u1", "thread-"+name, 0)
			require.NoError(t, err)
			assert.NotEmpty(t, sess.ID)
			assert.Equal(t, "thread-"+name, sess.ThreadID)

			got, err := client.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)

			require.NoError(t, client.Cleanup(ctx, sess.ID))
			_, err = client.GetSession(ctx, sess.ID)
			assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
		})
	}
}

func TestClientExecuteParity(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			sess, err := client.CreateOrGetSession(ctx, "u1", "thread-"+name, 0)
			require.NoError(t, err)

			result, err := client.Execute(ctx, sess.ID, "echo hello", 0)
			require.NoError(t, err)
			assert.Equal(t, 0, result.ExitCode)
			assert.Equal(t, "echo hello\n", result.Stdout)
		})
	}
}

func TestClientErrorParity(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)

			// Unknown session: same code on both transports.
			_, err := client.Execute(ctx, "no-such-session", "echo hi", 0)
			assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))

			sess, err := client.CreateOrGetSession(ctx, "u1", "thread-"+name, 0)
			require.NoError(t, err)

			// Rejected command carries the violated rule across the wire.
			_, err = client.Execute(ctx, sess.ID, "rm -rf /", 0)
			require.Equal(t, types.ErrValidationRejected, types.GetErrorCode(err))
			var typed *types.Error
			require.ErrorAs(t, err, &typed)
			assert.NotEmpty(t, typed.Rule)

			// Missing file.
			_, err = client.Download(ctx, sess.ID, "ghost.txt")
			assert.Equal(t, types.ErrFileNotFound, types.GetErrorCode(err))

			// Traversal.
			err = client.Upload(ctx, sess.ID, "../escape.txt", []byte("x"))
			assert.Equal(t, types.ErrPathTraversal, types.GetErrorCode(err))
		})
	}
}

func TestClientFileTransferParity(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			ctx := testutil.TestContext(t)
			sess, err := client.CreateOrGetSession(ctx, "u1", "thread-"+name, 0)
			require.NoError(t, err)

			data := []byte("hello workspace\n")
			require.NoError(t, client.Upload(ctx, sess.ID, "notes.txt", data))

			got, err := client.Download(ctx, sess.ID, "notes.txt")
			require.NoError(t, err)
			assert.Equal(t, data, got)

			files, err := client.ListFiles(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, files, 1)
			assert.Equal(t, "notes.txt", files[0].Name)
			assert.Equal(t, int64(len(data)), files[0].Size)
		})
	}
}

func TestClientHealthParity(t *testing.T) {
	for name, client := range clients(t) {
		t.Run(name, func(t *testing.T) {
			health, err := client.Health(testutil.TestContext(t))
			require.NoError(t, err)
			assert.Equal(t, "standalone", health.WorkerID)
		})
	}
}

func TestSessionClientLazyCreation(t *testing.T) {
	svc, _ := newTestService(t)
	sc := sandbox.NewSessionClient(sandbox.NewLocalClient(svc), "u1", "t1")
	ctx := testutil.TestContext(t)

	assert.Empty(t, sc.SessionID())

	result, err := sc.Execute(ctx, "echo hi", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.NotEmpty(t, sc.SessionID())
}

func TestSessionClientRecreatesExpiredOnce(t *testing.T) {
	svc, _ := newTestService(t)
	client := sandbox.NewLocalClient(svc)
	sc := sandbox.NewSessionClient(client, "u1", "t1")
	ctx := testutil.TestContext(t)

	_, err := sc.Execute(ctx, "echo hi", 0)
	require.NoError(t, err)
	first := sc.SessionID()

	// Kill the session out from under the wrapper.
	require.NoError(t, client.Cleanup(ctx, first))

	result, err := sc.Execute(ctx, "echo again", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.NotEqual(t, first, sc.SessionID(), "wrapper must have started a fresh session")
}

func TestSessionClientClose(t *testing.T) {
	svc, _ := newTestService(t)
	sc := sandbox.NewSessionClient(sandbox.NewLocalClient(svc), "u1", "t1")
	ctx := testutil.TestContext(t)

	// Closing before any call is a no-op.
	require.NoError(t, sc.Close(ctx))

	_, err := sc.Execute(ctx, "echo hi", 0)
	require.NoError(t, err)
	require.NoError(t, sc.Close(ctx))
	assert.Empty(t, sc.SessionID())
}

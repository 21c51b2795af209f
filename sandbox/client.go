package sandbox

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/shellbox/types"
)

// Client is the worker surface independent of transport. LocalClient and
// RemoteClient return identical typed errors for identical failures, so
// callers never branch on deployment mode.
type Client interface {
	CreateOrGetSession(ctx context.Context, userID, threadID string, ttl time.Duration) (*types.Session, error)
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)
	Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*types.ExecResult, error)
	Upload(ctx context.Context, sessionID, filename string, data []byte) error
	Download(ctx context.Context, sessionID, filename string) ([]byte, error)
	ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error)
	Cleanup(ctx context.Context, sessionID string) error
	Health(ctx context.Context) (*Health, error)
}

// LocalClient runs against an in-process Service.
type LocalClient struct {
	svc *Service
}

// NewLocalClient wraps svc.
func NewLocalClient(svc *Service) *LocalClient {
	return &LocalClient{svc: svc}
}

// CreateOrGetSession implements Client.
func (c *LocalClient) CreateOrGetSession(ctx context.Context, userID, threadID string, ttl time.Duration) (*types.Session, error) {
	return c.svc.CreateOrGetSession(ctx, userID, threadID, ttl)
}

// GetSession implements Client.
func (c *LocalClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return c.svc.GetSession(ctx, sessionID)
}

// Execute implements Client.
func (c *LocalClient) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*types.ExecResult, error) {
	return c.svc.Execute(ctx, sessionID, command, timeout)
}

// Upload implements Client.
func (c *LocalClient) Upload(ctx context.Context, sessionID, filename string, data []byte) error {
	return c.svc.Upload(ctx, sessionID, filename, data)
}

// Download implements Client.
func (c *LocalClient) Download(ctx context.Context, sessionID, filename string) ([]byte, error) {
	return c.svc.Download(ctx, sessionID, filename)
}

// ListFiles implements Client.
func (c *LocalClient) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	return c.svc.ListFiles(ctx, sessionID)
}

// Cleanup implements Client.
func (c *LocalClient) Cleanup(ctx context.Context, sessionID string) error {
	return c.svc.Cleanup(ctx, sessionID)
}

// Health implements Client.
func (c *LocalClient) Health(ctx context.Context) (*Health, error) {
	h := c.svc.PoolHealth(ctx)
	return &h, nil
}

var _ Client = (*LocalClient)(nil)

// SessionClient pins a client to one conversation. It lazily creates the
// session and, when the session expires between calls, transparently
// starts a fresh one and retries the operation once. The fresh session
// has an empty workspace.
type SessionClient struct {
	client   Client
	userID   string
	threadID string
	ttl      time.Duration

	mu        sync.Mutex
	sessionID string
}

// NewSessionClient binds client to a thread.
func NewSessionClient(client Client, userID, threadID string) *SessionClient {
	return &SessionClient{client: client, userID: userID, threadID: threadID}
}

// SessionID returns the current session id, if one has been created.
func (s *SessionClient) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *SessionClient) ensure(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != "" {
		return s.sessionID, nil
	}
	sess, err := s.client.CreateOrGetSession(ctx, s.userID, s.threadID, s.ttl)
	if err != nil {
		return "", err
	}
	s.sessionID = sess.ID
	return sess.ID, nil
}

func (s *SessionClient) recreate(ctx context.Context) (string, error) {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
	return s.ensure(ctx)
}

// do runs op against the current session, recreating it once on expiry.
func (s *SessionClient) do(ctx context.Context, op func(sessionID string) error) error {
	sessionID, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	err = op(sessionID)
	if err == nil || !expired(err) {
		return err
	}

	sessionID, err = s.recreate(ctx)
	if err != nil {
		return err
	}
	return op(sessionID)
}

func expired(err error) bool {
	return types.IsCode(err, types.ErrSessionExpired) ||
		types.IsCode(err, types.ErrSessionNotFound)
}

// Execute runs a command in the conversation's workspace.
func (s *SessionClient) Execute(ctx context.Context, command string, timeout time.Duration) (*types.ExecResult, error) {
	var result *types.ExecResult
	err := s.do(ctx, func(sessionID string) error {
		var opErr error
		result, opErr = s.client.Execute(ctx, sessionID, command, timeout)
		return opErr
	})
	return result, err
}

// Upload places a file into the conversation's workspace.
func (s *SessionClient) Upload(ctx context.Context, filename string, data []byte) error {
	return s.do(ctx, func(sessionID string) error {
		return s.client.Upload(ctx, sessionID, filename, data)
	})
}

// Download returns a workspace file's bytes.
func (s *SessionClient) Download(ctx context.Context, filename string) ([]byte, error) {
	var data []byte
	err := s.do(ctx, func(sessionID string) error {
		var opErr error
		data, opErr = s.client.Download(ctx, sessionID, filename)
		return opErr
	})
	return data, err
}

// ListFiles returns workspace files newest-first.
func (s *SessionClient) ListFiles(ctx context.Context) ([]types.FileInfo, error) {
	var files []types.FileInfo
	err := s.do(ctx, func(sessionID string) error {
		var opErr error
		files, opErr = s.client.ListFiles(ctx, sessionID)
		return opErr
	})
	return files, err
}

// Close terminates the conversation's session, if any.
func (s *SessionClient) Close(ctx context.Context) error {
	s.mu.Lock()
	sessionID := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()
	if sessionID == "" {
		return nil
	}
	return s.client.Cleanup(ctx, sessionID)
}

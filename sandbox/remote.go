package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/shellbox/types"
)

// RemoteClient talks to a worker (or the router) over HTTP. Typed errors
// are reconstructed from the response envelope, so failures look exactly
// like LocalClient failures.
type RemoteClient struct {
	baseURL string
	http    *http.Client
}

// NewRemoteClient creates a client for the worker at baseURL. A nil
// httpClient uses a default with a 5 minute overall timeout; per-call
// deadlines come from the context.
func NewRemoteClient(baseURL string, httpClient *http.Client) *RemoteClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &RemoteClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

// envelope mirrors the api package's response format.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Rule      string `json:"rule,omitempty"`
	Dimension string `json:"dimension,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *wireError) toError() *types.Error {
	err := types.NewError(types.ErrorCode(e.Code), e.Message).WithRetryable(e.Retryable)
	if e.Rule != "" {
		err = err.WithRule(e.Rule)
	}
	if e.Dimension != "" {
		err = err.WithDimension(e.Dimension)
	}
	return err
}

func unreachable(err error) *types.Error {
	return types.NewError(types.ErrWorkerUnreachable, "worker unreachable").
		WithRetryable(true).WithCause(err)
}

// doJSON performs a request and decodes the envelope's data into out.
func (c *RemoteClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, out)
}

func decodeEnvelope(r io.Reader, out any) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return unreachable(err)
	}
	if !env.Success {
		if env.Error == nil {
			return types.NewError(types.ErrWorkerUnreachable, "malformed error response")
		}
		return env.Error.toError()
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return unreachable(err)
	}
	return nil
}

// CreateOrGetSession implements Client.
func (c *RemoteClient) CreateOrGetSession(ctx context.Context, userID, threadID string, ttl time.Duration) (*types.Session, error) {
	req := map[string]any{
		"user_id":   userID,
		"thread_id": threadID,
	}
	if ttl > 0 {
		req["ttl_seconds"] = int(ttl / time.Second)
	}
	var sess types.Session
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSession implements Client.
func (c *RemoteClient) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(sessionID), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Execute implements Client.
func (c *RemoteClient) Execute(ctx context.Context, sessionID, command string, timeout time.Duration) (*types.ExecResult, error) {
	req := map[string]any{"command": command}
	if timeout > 0 {
		req["timeout_seconds"] = int(timeout / time.Second)
	}
	var result types.ExecResult
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/execute"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Upload implements Client.
func (c *RemoteClient) Upload(ctx context.Context, sessionID, filename string, data []byte) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("build multipart form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build multipart form: %w", err)
	}
	if err := writer.WriteField("filename", filename); err != nil {
		return fmt.Errorf("build multipart form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build multipart form: %w", err)
	}

	path := c.baseURL + "/v1/sessions/" + url.PathEscape(sessionID) + "/files"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return unreachable(err)
	}
	defer resp.Body.Close()

	return decodeEnvelope(resp.Body, nil)
}

// Download implements Client. Success responses carry raw bytes; error
// responses carry the JSON envelope.
func (c *RemoteClient) Download(ctx context.Context, sessionID, filename string) ([]byte, error) {
	path := c.baseURL + "/v1/sessions/" + url.PathEscape(sessionID) + "/files/" + escapePath(filename)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unreachable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeEnvelope(resp.Body, nil)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unreachable(err)
	}
	return data, nil
}

// ListFiles implements Client.
func (c *RemoteClient) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	var files []types.FileInfo
	path := "/v1/sessions/" + url.PathEscape(sessionID) + "/files"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// Cleanup implements Client.
func (c *RemoteClient) Cleanup(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(sessionID), nil, nil)
}

// Health implements Client.
func (c *RemoteClient) Health(ctx context.Context) (*Health, error) {
	var health Health
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

var _ Client = (*RemoteClient)(nil)

// escapePath escapes a workspace-relative filename for use as URL path
// segments, preserving subdirectory slashes.
func escapePath(filename string) string {
	segments := strings.Split(filename, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

package router

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/api/handlers"
	"github.com/BaSui01/shellbox/types"
)

// Proxy serves the worker API on the router, forwarding each request to
// the worker that owns the conversation.
type Proxy struct {
	router *Router
	client *http.Client
	logger *zap.Logger
}

// NewProxy creates the forwarding handler.
func NewProxy(router *Router, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{
		router: router,
		client: &http.Client{Timeout: 5 * time.Minute},
		logger: logger.With(zap.String("component", "proxy")),
	}
}

// Mux builds the router's route table.
func (p *Proxy) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", p.createSession)
	mux.HandleFunc("/v1/sessions/{id}", p.sessionScoped)
	mux.HandleFunc("/v1/sessions/{id}/{rest...}", p.sessionScoped)
	mux.HandleFunc("GET /healthz", p.health)
	return mux
}

// createSession routes by thread id, recording affinity before the
// request reaches the worker. A worker that dies mid-create is retried
// exactly once on a reselected worker.
func (p *Proxy) createSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		handlers.WriteError(w, types.NewError(types.ErrWorkerUnreachable, "read request body").WithCause(err), p.logger)
		return
	}
	var req struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.ThreadID == "" {
		handlers.WriteJSON(w, http.StatusBadRequest, handlers.Response{
			Success:   false,
			Error:     &handlers.ErrorInfo{Code: "INVALID_REQUEST", Message: "thread_id is required"},
			Timestamp: time.Now(),
		})
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		worker, err := p.router.Route(r.Context(), req.ThreadID)
		if err != nil {
			handlers.WriteError(w, err, p.logger)
			return
		}

		resp, err := p.forward(r, worker, body)
		if err != nil {
			p.logger.Warn("create forward failed",
				zap.String("worker", worker),
				zap.String("thread_id", req.ThreadID),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			p.router.markUnhealthy(worker)
			if clearErr := p.router.ClearThread(r.Context(), req.ThreadID); clearErr != nil {
				handlers.WriteError(w, clearErr, p.logger)
				return
			}
			if p.router.collector != nil {
				p.router.collector.RecordForward(worker, false)
			}
			continue
		}
		p.recordSessionRoute(r, resp, worker)
		p.relay(w, resp, worker)
		return
	}
	handlers.WriteError(w,
		types.NewError(types.ErrWorkerUnreachable, "workers unreachable after reselection").WithRetryable(true),
		p.logger)
}

// sessionScoped forwards session-addressed operations to the owning
// worker. A dead owner means the workspace is gone: the route is cleared
// and the session reported expired so clients recreate it.
func (p *Proxy) sessionScoped(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	worker, err := p.router.RouteSession(r.Context(), sessionID)
	if err != nil {
		handlers.WriteError(w, err, p.logger)
		return
	}
	if worker == "" {
		handlers.WriteError(w,
			types.Errorf(types.ErrSessionNotFound, "session %s not found", sessionID), p.logger)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		handlers.WriteError(w, types.NewError(types.ErrWorkerUnreachable, "read request body").WithCause(err), p.logger)
		return
	}

	resp, err := p.forward(r, worker, body)
	if err != nil {
		p.logger.Warn("session forward failed",
			zap.String("worker", worker),
			zap.String("session_id", sessionID),
			zap.Error(err))
		p.router.markUnhealthy(worker)
		_ = p.router.ClearSession(r.Context(), sessionID)
		if p.router.collector != nil {
			p.router.collector.RecordForward(worker, false)
		}
		handlers.WriteError(w,
			types.Errorf(types.ErrSessionExpired, "session %s lost with its worker", sessionID), p.logger)
		return
	}
	p.relay(w, resp, worker)
}

// forward replays the request against a worker.
func (p *Proxy) forward(r *http.Request, worker string, body []byte) (*http.Response, error) {
	target := strings.TrimRight(worker, "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return p.client.Do(req)
}

// recordSessionRoute binds the created session to its worker by peeking
// at the response envelope. The body is restored for relaying.
func (p *Proxy) recordSessionRoute(r *http.Request, resp *http.Response, worker string) {
	if resp.StatusCode != http.StatusOK {
		return
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		return
	}

	var env struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Data.SessionID == "" {
		return
	}
	if err := p.router.BindSession(r.Context(), env.Data.SessionID, worker); err != nil {
		p.logger.Error("bind session route failed",
			zap.String("session_id", env.Data.SessionID), zap.Error(err))
	}
}

// relay copies the worker response through unchanged.
func (p *Proxy) relay(w http.ResponseWriter, resp *http.Response, worker string) {
	defer resp.Body.Close()
	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	if p.router.collector != nil {
		p.router.collector.RecordForward(worker, resp.StatusCode < http.StatusInternalServerError)
	}
}

// health reports the router's view of the fleet.
func (p *Proxy) health(w http.ResponseWriter, r *http.Request) {
	healthy := p.router.Healthy()
	status := http.StatusOK
	if len(healthy) == 0 {
		status = http.StatusServiceUnavailable
	}
	handlers.WriteJSON(w, status, handlers.Response{
		Success:   len(healthy) > 0,
		Data:      map[string]any{"healthy_workers": healthy},
		Timestamp: time.Now(),
	})
}

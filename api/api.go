// Package api exposes the worker HTTP surface: session lifecycle, command
// execution, workspace file transfer, health and metrics.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/api/handlers"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/sandbox"
)

// NewMux builds the worker route table. The gatherer serves /metrics; a
// nil gatherer or collector disables the corresponding instrumentation.
func NewMux(svc *sandbox.Service, collector *metrics.Collector, gatherer prometheus.Gatherer, logger *zap.Logger) http.Handler {
	h := handlers.New(svc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /v1/sessions/{id}", h.DeleteSession)
	mux.HandleFunc("POST /v1/sessions/{id}/execute", h.Execute)
	mux.HandleFunc("GET /v1/sessions/{id}/files", h.ListFiles)
	mux.HandleFunc("POST /v1/sessions/{id}/files", h.UploadFile)
	mux.HandleFunc("GET /v1/sessions/{id}/files/{name...}", h.DownloadFile)
	mux.HandleFunc("GET /healthz", h.Health)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	return withObservability(mux, collector, logger)
}

// withObservability wraps mux with access logging and request metrics.
// Metrics are labeled by the matched route pattern, never the raw path:
// session ids in the path would give the label unbounded cardinality.
func withObservability(mux *http.ServeMux, collector *metrics.Collector, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	accessLog := logger.With(zap.String("component", "api"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rw := handlers.NewResponseWriter(w)
		mux.ServeHTTP(rw, r)
		duration := time.Since(started)

		if collector != nil {
			_, pattern := mux.Handler(r)
			if pattern == "" {
				pattern = "unmatched"
			}
			collector.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rw.StatusCode), duration)
		}
		accessLog.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.StatusCode),
			zap.Duration("duration", duration))
	})
}

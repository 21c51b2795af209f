// Package engine executes validated commands inside a session's unit,
// enforcing the wall-clock timeout and the output size cap.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/session"
	"github.com/BaSui01/shellbox/types"
	"github.com/BaSui01/shellbox/validator"
)

// Engine runs commands for sessions. The safety gate is consulted here,
// unconditionally, so no caller can reach a unit with an unvalidated
// command.
type Engine struct {
	rt        runtime.Runtime
	gate      *validator.Validator
	sessions  *session.Registry
	limits    config.LimitsConfig
	collector *metrics.Collector
	logger    *zap.Logger
}

// New creates an engine. The collector may be nil.
func New(rt runtime.Runtime, gate *validator.Validator, sessions *session.Registry, limits config.LimitsConfig, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rt:        rt,
		gate:      gate,
		sessions:  sessions,
		limits:    limits,
		collector: collector,
		logger:    logger.With(zap.String("component", "engine")),
	}
}

// Execute runs one command in the session's unit. A nonzero exit code is
// a normal result; only platform-level failures return an error. The
// session's idle deadline is refreshed whether or not the command was
// accepted.
func (e *Engine) Execute(ctx context.Context, h *session.Handle, command string, timeout time.Duration) (*types.ExecResult, error) {
	if timeout <= 0 {
		timeout = e.limits.DefaultCmdTimeout
	}
	sessionID := h.Session().ID
	defer e.touch(ctx, sessionID)

	if err := e.gate.Check(command); err != nil {
		if e.collector != nil {
			e.collector.RecordExecution("rejected", 0)
			e.collector.RecordValidationRejection(ruleOf(err))
		}
		e.logger.Warn("command rejected",
			zap.String("session_id", sessionID),
			zap.String("rule", ruleOf(err)))
		return nil, err
	}

	h.Lock()
	defer h.Unlock()

	started := time.Now()
	out, err := e.rt.Exec(ctx, h.Session().UnitID, runtime.ExecRequest{
		Command: command,
		Timeout: timeout,
	})
	duration := time.Since(started)
	if err != nil {
		if e.collector != nil {
			e.collector.RecordExecution("fault", duration)
		}
		e.logger.Error("execution fault",
			zap.String("session_id", sessionID),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	result := &types.ExecResult{
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		Duration: duration,
		TimedOut: out.TimedOut,
	}
	e.truncate(result)

	status := "ok"
	if result.TimedOut {
		status = "timeout"
	}
	if e.collector != nil {
		e.collector.RecordExecution(status, duration)
	}
	e.logger.Debug("command executed",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Duration("duration", duration))
	return result, nil
}

// truncate caps stdout and stderr at the configured byte limit, splitting
// the budget between the two streams.
func (e *Engine) truncate(result *types.ExecResult) {
	limit := e.limits.MaxOutputBytes
	if limit <= 0 {
		return
	}
	half := limit / 2
	if len(result.Stdout) > half {
		result.Stdout = result.Stdout[:half]
		result.Truncated = true
	}
	if len(result.Stderr) > half {
		result.Stderr = result.Stderr[:half]
		result.Truncated = true
	}
}

func (e *Engine) touch(ctx context.Context, sessionID string) {
	if err := e.sessions.Touch(ctx, sessionID); err != nil {
		e.logger.Warn("touch failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// ruleOf extracts the violated rule name from a validation error.
func ruleOf(err error) string {
	var typed *types.Error
	if errors.As(err, &typed) && typed.Rule != "" {
		return typed.Rule
	}
	return "unknown"
}

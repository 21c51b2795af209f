// ShellBox entry point: worker and router processes.
//
// Usage:
//
//	shellbox serve                       # start a worker
//	shellbox serve --config config.yaml  # with a config file
//	shellbox route --config config.yaml  # start the affinity router
//	shellbox health                      # probe a running worker
//	shellbox version
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/shellbox/api"
	"github.com/BaSui01/shellbox/config"
	"github.com/BaSui01/shellbox/internal/metrics"
	"github.com/BaSui01/shellbox/internal/server"
	"github.com/BaSui01/shellbox/router"
	"github.com/BaSui01/shellbox/runtime"
	"github.com/BaSui01/shellbox/sandbox"
	"github.com/BaSui01/shellbox/session"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "route":
		runRoute(os.Args[2:])
	case "health":
		runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func loadConfig(args []string, name string) *config.Config {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServe(args []string) {
	cfg := loadConfig(args, "serve")

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	logger.Info("starting shellbox worker",
		zap.String("version", Version),
		zap.String("worker_id", cfg.Server.WorkerID),
		zap.String("backend", string(cfg.Runtime.Backend)),
	)

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("shellbox", registry, logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("runtime init failed", zap.Error(err))
	}
	defer rt.Close()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("session store init failed", zap.Error(err))
	}
	defer store.Close()

	svc := sandbox.NewService(cfg, rt, store, collector, logger)
	svc.Start(ctx)
	defer svc.Stop(ctx)

	mux := api.NewMux(svc, collector, registry, logger)
	mgr := server.NewManager(mux, server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(); err != nil {
		logger.Fatal("server start failed", zap.Error(err))
	}
	mgr.WaitForShutdown()

	logger.Info("shellbox worker stopped")
}

func runRoute(args []string) {
	cfg := loadConfig(args, "route")

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	if !cfg.Redis.Enabled {
		fmt.Fprintln(os.Stderr, "router requires redis (set redis.enabled or SHELLBOX_REDIS_ADDR)")
		os.Exit(1)
	}
	if len(cfg.Router.Workers) == 0 {
		fmt.Fprintln(os.Stderr, "router requires at least one worker endpoint")
		os.Exit(1)
	}

	logger.Info("starting shellbox router",
		zap.String("version", Version),
		zap.Strings("workers", cfg.Router.Workers),
	)

	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer rdb.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector("shellbox", registry, logger)

	rtr := router.New(cfg.Router, cfg.Session.TTL, rdb, collector, logger)
	rtr.Start(ctx)
	defer rtr.Stop()

	mgr := server.NewManager(router.NewProxy(rtr, logger).Mux(), server.Config{
		Addr:            cfg.Router.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)

	if err := mgr.Start(); err != nil {
		logger.Fatal("router start failed", zap.Error(err))
	}
	mgr.WaitForShutdown()

	logger.Info("shellbox router stopped")
}

// buildRuntime selects the backend and applies the concurrency limiter.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *zap.Logger) (runtime.Runtime, error) {
	var (
		rt  runtime.Runtime
		err error
	)
	switch cfg.Runtime.Backend {
	case config.BackendLocal:
		rt, err = runtime.NewLocalRuntime(cfg.Runtime, logger)
	default:
		rt, err = runtime.NewDockerRuntime(ctx, cfg.Runtime, logger)
	}
	if err != nil {
		return nil, err
	}
	return runtime.NewLimited(rt, cfg.Runtime.MaxConcurrentCalls), nil
}

// buildStore selects memory or redis session state.
func buildStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if !cfg.Redis.Enabled {
		return session.NewMemoryStore(), nil
	}
	return session.NewRedisStore(ctx, cfg.Redis)
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:7575", "Worker address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func printVersion() {
	fmt.Printf("ShellBox %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`ShellBox - sandboxed shell execution for agent workloads

Usage:
  shellbox serve   [--config FILE]   Start a worker
  shellbox route   [--config FILE]   Start the affinity router
  shellbox health  [--addr URL]      Probe a running worker
  shellbox version                   Show version information
  shellbox help                      Show this help`)
}

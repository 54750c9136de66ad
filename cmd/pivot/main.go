// Command pivot runs the agent runtime service.
//
// Usage:
//
//	pivot serve --config config.yaml
//	pivot validate --config config.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/pivotagent/pivot/pkg/auth"
	"github.com/pivotagent/pivot/pkg/config"
	"github.com/pivotagent/pivot/pkg/engine"
	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/logger"
	"github.com/pivotagent/pivot/pkg/memory"
	"github.com/pivotagent/pivot/pkg/observability"
	"github.com/pivotagent/pivot/pkg/server"
	"github.com/pivotagent/pivot/pkg/store"
	"github.com/pivotagent/pivot/pkg/tool"
)

// Exit codes.
const (
	exitOK       = 0
	exitConfig   = 1
	exitDatabase = 2
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("pivot version %s\n", version)
	return nil
}

// ValidateCmd loads the configuration and reports the first problem.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := loadConfig(cli); err != nil {
		return err
	}
	fmt.Println("configuration is valid")
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Host         string `help:"Bind host (overrides config)."`
	Port         int    `help:"Bind port (overrides config)."`
	DefaultLLMID string `name:"default-llm-id" help:"LLM id for preview and build calls without one."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if err := setupLogging(cli, cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := observability.InitGlobalTracer(ctx, cfg.Tracing); err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	metrics, err := observability.InitMetrics(cfg.Metrics)
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
	} else {
		observability.SetGlobalMetrics(metrics)
	}

	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return &databaseError{err: err}
	}
	defer func() { _ = st.Close() }()

	tools := tool.NewRegistry()
	if err := tools.Discover(cfg.Tools.BuiltinDir, cfg.Tools.UserDir); err != nil {
		return err
	}
	slog.Info("tool registry ready", "tools", tools.Count())

	executor, err := buildExecutor(ctx, cfg, tools)
	if err != nil {
		return err
	}

	llms := llm.NewRegistry()
	eng := engine.New(st, llms, tools, executor, cfg.LLM.TimeoutSeconds)
	mem := memory.NewService(st)

	validator, err := auth.NewJWTValidator(cfg.SecretKey)
	if err != nil {
		return &config.ConfigError{Field: "SECRET_KEY", Message: err.Error()}
	}

	srv := server.New(st, eng, mem, llms, validator, server.Options{
		DefaultLLMID:      c.DefaultLLMID,
		LLMTimeoutSeconds: cfg.LLM.TimeoutSeconds,
	})

	slog.Info("starting pivot",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"execution_mode", cfg.Tools.ExecutionMode)
	return srv.Start(ctx, cfg.Server.Host, cfg.Server.Port)
}

func buildExecutor(ctx context.Context, cfg *config.Config, tools *tool.Registry) (tool.Executor, error) {
	if cfg.Tools.ExecutionMode != config.ExecutionModePodmanSidecar {
		return tool.NewLocalExecutor(tools), nil
	}

	podman, err := tool.NewPodmanClient(cfg.Tools.Sidecar.PodmanHost)
	if err != nil {
		return nil, err
	}
	if err := podman.Ping(ctx); err != nil {
		slog.Warn("podman unreachable at startup; sidecar calls will fail until it is", "error", err)
	}
	return tool.NewSidecarExecutor(tools, podman, tool.SidecarOptions{
		Image:   cfg.Tools.Sidecar.Image,
		Network: cfg.Tools.Sidecar.Network,
		Timeout: time.Duration(cfg.Tools.Sidecar.TimeoutSeconds) * time.Second,
		Volumes: cfg.Tools.Sidecar.Volumes,
	}), nil
}

func loadConfig(cli *CLI) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.LogFormat = cli.LogFormat
	}
	return cfg, nil
}

func setupLogging(cli *CLI, cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		slog.Warn("unknown log level, using info", "level", cfg.LogLevel)
		level = slog.LevelInfo
	}

	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return err
		}
		_ = cleanup // held for process lifetime
		output = file
	}
	logger.Init(level, output, cfg.LogFormat)
	return nil
}

// databaseError marks a bootstrap failure that should exit with code 2.
type databaseError struct {
	err error
}

func (e *databaseError) Error() string {
	return "database unreachable: " + e.err.Error()
}

func (e *databaseError) Unwrap() error {
	return e.err
}

func main() {
	var cli CLI
	parsed := kong.Parse(&cli,
		kong.Name("pivot"),
		kong.Description("Agent runtime: iterative task execution over scene-graph agents."),
		kong.UsageOnError(),
	)

	if err := parsed.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error: "+err.Error())
		var dbErr *databaseError
		if errors.As(err, &dbErr) {
			os.Exit(exitDatabase)
		}
		os.Exit(exitConfig)
	}
}

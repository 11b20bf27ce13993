// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command conductor runs the multi-agent orchestration runtime.
//
// Usage:
//
//	conductor serve --config conductor.yaml
//	conductor validate --config conductor.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/gate"
	"github.com/kadirpekel/conductor/pkg/llms"
	"github.com/kadirpekel/conductor/pkg/logger"
	"github.com/kadirpekel/conductor/pkg/observability"
	"github.com/kadirpekel/conductor/pkg/ratelimit"
	"github.com/kadirpekel/conductor/pkg/server"
	"github.com/kadirpekel/conductor/pkg/sessionlock"
	"github.com/kadirpekel/conductor/pkg/usage"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the runtime server."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"conductor.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("conductor version %s\n", version)
	return nil
}

// ValidateCmd loads and validates a config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return err
	}
	fmt.Printf("%s: OK\n", cli.Config)
	return nil
}

// ServeCmd starts the runtime server.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	setupLogging(cli, cfg)

	// Shared pool: SQLite holds a single connection, so the lock service
	// and the usage ledger must not open separate handles.
	dbPool := config.NewDBPool()
	defer dbPool.Close()

	db, err := dbPool.Get(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	locks := sessionlock.NewService(db, cfg.Database.Dialect(), cfg.Lock)
	if err := locks.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare lock schema: %w", err)
	}

	ledger := usage.NewSQLLedger(db, cfg.Database.Dialect())
	if err := ledger.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to prepare usage schema: %w", err)
	}
	tracker := usage.NewTracker(ledger, cfg.Usage)
	go tracker.RunFlusher(ctx)

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	recorder := obs.Recorder()
	tracker.SetFlushObserver(func(_ string, _ llms.Usage, err error) {
		recorder.RecordUsageFlush(err)
	})

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.IsEnabled() {
		limiter = ratelimit.NewLimiter(cfg.RateLimit)
		limiter.SetDeniedObserver(recorder.RecordRateLimitDenial)
		go limiter.RunSweeper(ctx)
	}

	if c.Watch {
		stop, err := config.Watch(cli.Config, func(next *config.Config) {
			// Logging and rate limits apply live; structural sections
			// (database, server address) need a restart.
			setupLogging(cli, next)
			if limiter != nil && next.RateLimit.IsEnabled() {
				limiter.Reconfigure(next.RateLimit)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		defer stop()
	}

	srv := server.New(server.Options{
		Config:    &cfg.Server,
		Registry:  agent.NewRegistry(),
		Bus:       agent.NewBus(),
		Awaiter:   agent.NewInteractionAwaiter(0),
		GateStore: gate.NewStore(gate.DefaultBounds()),
		Limiter:   limiter,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown: drain HTTP, release held leases, flush usage.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	if err := locks.ReleaseAll(shutdownCtx); err != nil {
		slog.Warn("lock release failed", "error", err)
	}
	tracker.FlushAll(shutdownCtx)
	if err := obs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("observability shutdown failed", "error", err)
	}
	return <-errCh
}

// setupLogging applies CLI flags over config file settings. Flags win.
func setupLogging(cli *CLI, cfg *config.Config) {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}
	path := cfg.Logging.File
	if cli.LogFile != "" {
		path = cli.LogFile
	}

	output := os.Stderr
	if path != "" {
		file, _, err := logger.OpenLogFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
		} else {
			output = file
		}
	}
	logger.Init(logger.ParseLevel(level), output, format)
}

func main() {
	// .env is optional; real environment variables take precedence.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Multi-agent orchestration runtime."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run(&cli))
}

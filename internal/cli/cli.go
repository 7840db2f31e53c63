// ============================================================================
// ledgerd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for the ledger runtime
//
// Command Structure:
//   ledgerd                        # Root command
//   ├── run                        # Boot every service and serve until signalled
//   ├── status [--json]            # Boot, print the system report, exit
//   ├── integrity [--repair]       # Scan (and optionally repair) orphaned records
//   ├── export -o FILE             # Write every collection to a versioned JSON file
//   ├── import -f FILE             # Replace every collection from an export
//   ├── quota [--cleanup LEVEL]    # Show storage usage, optionally run a cleanup
//   ├── snapshots list             # List retained snapshots
//   ├── snapshots restore ID       # Restore a snapshot
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config (YAML → .env → LEDGER_* env)
//   2. Build runtime and boot the service graph
//   3. Start Metrics HTTP server and gRPC health server (if enabled)
//   4. Wait for SIGINT / SIGTERM
//   5. Shut servers and services down in reverse order
//
// One-shot commands boot the same runtime without servers, do their work
// and shut down again. They are meant for the sqlite backend; with the
// memory backend every invocation starts from an empty store.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/ledger-runtime/internal/app"
	"github.com/ChuLiYu/ledger-runtime/internal/config"
	"github.com/ChuLiYu/ledger-runtime/internal/metrics"
	"github.com/ChuLiYu/ledger-runtime/internal/server"
)

var log = slog.Default()

// ShutdownTimeout bounds graceful shutdown of servers and services.
const ShutdownTimeout = 15 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "ledgerd: runtime core of the ledger record manager",
		Long: `ledgerd boots the ledger runtime:
- dependency-ordered service orchestration with retries and health checks
- atomic, quota-aware local data store with snapshots
- Prometheus metrics and gRPC health endpoint`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildIntegrityCommand())
	rootCmd.AddCommand(buildExportCommand())
	rootCmd.AddCommand(buildImportCommand())
	rootCmd.AddCommand(buildQuotaCommand())
	rootCmd.AddCommand(buildSnapshotsCommand())

	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// withRuntime boots a runtime for a one-shot command and always shuts it
// down afterwards.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *app.Runtime) error) (err error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	// 一次性指令不需要錯開延遲服務
	cfg.Orchestrator.StaggerMax = 0

	rt, err := app.New(cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if serr := rt.Shutdown(sctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("shutdown: %w", serr))
		}
	}()

	if err := rt.Boot(ctx); err != nil {
		return fmt.Errorf("failed to boot runtime: %w", err)
	}
	return fn(ctx, rt)
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the ledger runtime and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx)
		},
	}
	return cmd
}

func runSystem(ctx context.Context) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	log.Info("Starting ledgerd", "config", configFile, "backend", cfg.Storage.Backend)

	rt, err := app.New(cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	shutdown := func() error {
		sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		return rt.Shutdown(sctx)
	}

	if err := rt.Boot(ctx); err != nil {
		_ = shutdown()
		return fmt.Errorf("failed to boot runtime: %w", err)
	}

	var hs *server.Server
	if cfg.GRPC.Enabled {
		if hs, err = server.New(cfg.GRPC.Addr); err != nil {
			_ = shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, rt.Registry)
		g.Go(func() error {
			log.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if hs != nil {
		g.Go(func() error { return hs.Serve(gctx) })
		g.Go(func() error {
			hs.Watch(gctx, rt.Orchestrator, cfg.Health.Interval)
			return nil
		})
	}

	log.Info("System started successfully", "status", rt.Orchestrator.Status())

	<-gctx.Done()
	log.Info("Received shutdown signal, stopping gracefully...")

	serveErr := g.Wait()

	if err := shutdown(); err != nil {
		log.Warn("Runtime shutdown incomplete", "error", err)
	}

	log.Info("System stopped. Goodbye!")
	return serveErr
}

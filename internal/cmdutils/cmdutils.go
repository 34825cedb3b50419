// Package cmdutils builds the cobra sub-commands of the gateway and the
// process scaffolding around the business functions: logger, telemetry and
// the status server.
package cmdutils

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/openkcm/common-sdk/pkg/commoncfg"
	"github.com/openkcm/common-sdk/pkg/health"
	"github.com/openkcm/common-sdk/pkg/logger"
	"github.com/openkcm/common-sdk/pkg/otlp"
	"github.com/openkcm/common-sdk/pkg/status"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/config"
)

const healthStatusTimeout = 5 * time.Second

// BusinessFunc is the body of a sub-command.
type BusinessFunc func(context.Context, *config.Config) error

// Runner prepares the process and runs a BusinessFunc.
type Runner func(context.Context, BusinessFunc, *config.Config) error

// readiness decides which dependencies the status server checks.
type readiness int

const (
	readinessNone readiness = iota
	readinessDatabase
)

type runOptions struct {
	telemetry    bool
	statusServer bool
	readiness    readiness
}

// CobraCommand loads the configuration and runs fn with the given runner.
func CobraCommand(use, short, long, buildInfo string, runner Runner, fn BusinessFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(buildInfo)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if err := runner(cmd.Context(), fn, cfg); err != nil {
				return fmt.Errorf("running %s: %w", use, err)
			}

			return nil
		},
	}
}

// RunAsService runs a long-lived process whose readiness depends on the
// database.
func RunAsService(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, runOptions{telemetry: true, statusServer: true, readiness: readinessDatabase}, fn, cfg)
}

// RunAsWorker runs a long-lived process without database dependency.
func RunAsWorker(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, runOptions{telemetry: true, statusServer: true, readiness: readinessNone}, fn, cfg)
}

// RunAsJob runs a one-shot process with logging only.
func RunAsJob(ctx context.Context, fn BusinessFunc, cfg *config.Config) error {
	return run(ctx, runOptions{}, fn, cfg)
}

func run(ctx context.Context, opts runOptions, fn BusinessFunc, cfg *config.Config) error {
	if err := logger.InitAsDefault(cfg.Logger, cfg.Application); err != nil {
		return oops.In("main").
			Wrapf(err, "Failed to initialise the logger")
	}
	slogctx.Debug(ctx, "Starting the application", slog.Any("config", cfg))

	if opts.telemetry {
		if err := otlp.Init(ctx, &cfg.Application, &cfg.Telemetry, &cfg.Logger); err != nil {
			return oops.In("main").Wrapf(err, "Failed to load the telemetry")
		}
	}

	if opts.statusServer {
		checks, err := readinessOptions(cfg, opts.readiness)
		if err != nil {
			return oops.In("main").Wrapf(err, "Failed to configure the readiness checks")
		}

		go func() {
			if err := startStatusServer(ctx, cfg, checks); err != nil {
				slogctx.Error(ctx, "Failure on the status server", "error", err)
				_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
			}
		}()
	}

	if err := fn(ctx, cfg); err != nil {
		return oops.In("main").Wrapf(err, "Failed to start the main business application")
	}

	return nil
}

func loadConfig(buildInfo string) (*config.Config, error) {
	cfg := &config.Config{}

	if err := commoncfg.LoadConfig(
		cfg,
		map[string]any{},
		"/etc/vault-gateway",
		"$HOME/.vault-gateway",
		".",
	); err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	if err := commoncfg.UpdateConfigVersion(&cfg.BaseConfig, buildInfo); err != nil {
		return nil, fmt.Errorf("updating the version configuration: %w", err)
	}

	return cfg, nil
}

func readinessOptions(cfg *config.Config, r readiness) ([]health.Option, error) {
	opts := []health.Option{
		health.WithDisabledAutostart(),
		health.WithTimeout(healthStatusTimeout),
		health.WithStatusListener(statusListener),
	}

	if r == readinessDatabase {
		connStr, err := config.MakeConnStr(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("making connection string from config: %w", err)
		}
		opts = append(opts, health.WithDatabaseChecker("pgx", connStr))
	}

	return opts, nil
}

func startStatusServer(ctx context.Context, cfg *config.Config, readinessChecks []health.Option) error {
	liveness := status.WithLiveness(
		health.NewHandler(
			health.NewChecker(health.WithDisabledAutostart()),
		),
	)

	readiness := status.WithReadiness(
		health.NewHandler(
			health.NewChecker(readinessChecks...),
		),
	)

	if err := status.Start(ctx, &cfg.BaseConfig, liveness, readiness); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	return nil
}

func statusListener(ctx context.Context, state health.State) {
	attrs := make([]any, 0, 2+2*len(state.CheckState))
	attrs = append(attrs, "status", state.Status)
	for name, check := range state.CheckState {
		attrs = append(attrs, name, check.Status)
	}

	slogctx.Info(ctx, "readiness status changed", attrs...)
}

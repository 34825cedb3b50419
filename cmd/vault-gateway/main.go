package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/openkcm/common-sdk/pkg/utils"
	"github.com/spf13/cobra"

	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/vault-gateway/internal/business"
	"github.com/openkcm/vault-gateway/internal/cmdutils"
)

var (
	// BuildInfo will be set by the build system
	BuildInfo = "{}"

	isVersionCmd     bool
	gracefulShutdown time.Duration
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Vault Gateway Version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		isVersionCmd = true

		value, err := utils.ExtractFromComplexValue(BuildInfo)
		if err != nil {
			return err
		}

		slog.InfoContext(cmd.Context(), value)

		return nil
	},
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault-gateway",
		Short: "Vault Gateway",
		Long:  "Backend for the personal data vault frontend: Solid-OIDC login, access grants and pod access.",
	}

	cmd.PersistentFlags().DurationVar(&gracefulShutdown, "graceful-shutdown", 1*time.Second, "graceful shutdown")

	cmd.AddCommand(
		versionCmd,
		cmdutils.CobraCommand(
			"api-server",
			"Vault Gateway API server",
			"Vault Gateway API server hosts the public http API used by the vault frontend",
			BuildInfo,
			cmdutils.RunAsService,
			business.Main,
		),
		cmdutils.CobraCommand(
			"housekeeper",
			"Vault Gateway housekeeping job",
			"Vault Gateway housekeeping job resets stale login workarounds and removes expired sessions",
			BuildInfo,
			cmdutils.RunAsWorker,
			business.HousekeeperMain,
		),
		cmdutils.CobraCommand(
			"migrate",
			"Vault Gateway database migrations",
			"Applies the database migrations of the WebID provisioning ledger",
			BuildInfo,
			cmdutils.RunAsJob,
			business.MigrateMain,
		),
	)

	return cmd
}

func execute() error {
	ctx, cancelOnSignal := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancelOnSignal()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		slogctx.Error(ctx, "failed to start the application", "error", err)
		_, _ = fmt.Fprintln(os.Stderr, err)

		return err
	}

	if !isVersionCmd {
		_, _ = fmt.Fprintf(os.Stderr, "Graceful shutdown in %s\n", gracefulShutdown)
		time.Sleep(gracefulShutdown)
	}

	return nil
}

func main() {
	if err := execute(); err != nil {
		os.Exit(1)
	}
}

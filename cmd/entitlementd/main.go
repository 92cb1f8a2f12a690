package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ledgerchat/entitlements/internal/api"
	"github.com/ledgerchat/entitlements/internal/config"
	"github.com/ledgerchat/entitlements/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCmd() *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:           "entitlementd",
		Short:         "Subscription and token quota service",
		Long:          `entitlementd tracks subscription plans, downgrades lapsed plans and enforces monthly token quotas.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), dataDir)
		},
	}
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override ENTITLEMENTS_DATA_DIR")

	root.AddCommand(
		newServeCmd(&dataDir),
		newVersionCmd(),
		newStatusCmd(&dataDir),
		newSubscribeCmd(&dataDir),
		newUsageCmd(&dataDir),
		newSweepCmd(&dataDir),
	)
	return root
}

func newServeCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *dataDir)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "entitlementd %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func runServe(ctx context.Context, dataDir string) error {
	// Baseline logging for config errors; Run re-initializes from config.
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlementd",
	})

	cfg, err := loadConfig(dataDir)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	return api.Run(ctx, cfg, Version)
}

func loadConfig(dataDir string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

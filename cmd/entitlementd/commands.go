package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/logging"
	"github.com/ledgerchat/entitlements/internal/store/sqlite"
	"github.com/spf13/cobra"
)

// withEngine opens the local database and runs fn against an engine built
// from the same settings the server uses.
func withEngine(ctx context.Context, dataDir string, fn func(context.Context, *entitlements.Engine) error) error {
	cfg, err := loadConfig(dataDir)
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: "warn", Component: "entitlementd"})

	if err := os.MkdirAll(cfg.DatabaseDir(), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}
	store, err := sqlite.Open(cfg.DatabaseDir())
	if err != nil {
		return fmt.Errorf("open entitlement store: %w", err)
	}
	defer store.Close()

	eng, err := entitlements.New(store, cfg.EngineOptions()...)
	if err != nil {
		return err
	}
	return fn(ctx, eng)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(dataDir *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show subscription counts, or one user's entitlement",
		Example: `  entitlementd status
  entitlementd status --user user-123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *dataDir, func(ctx context.Context, eng *entitlements.Engine) error {
				if userID == "" {
					counts, err := eng.Subscriptions.CountByPlan(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), map[string]any{"subscriptions_by_plan": counts})
				}
				// Resolving applies the downgrade if the plan has lapsed.
				ent, err := eng.Resolver.Resolve(ctx, userID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ent)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to resolve")
	return cmd
}

func newSubscribeCmd(dataDir *string) *cobra.Command {
	var payment entitlements.PaymentDetails
	cmd := &cobra.Command{
		Use:     "subscribe <user-id> <plan-id>",
		Short:   "Record a plan purchase for a user",
		Example: `  entitlementd subscribe user-123 gold_tier --payment-id pay_abc --amount 999 --currency usd`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := entitlements.ParsePlanID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), *dataDir, func(ctx context.Context, eng *entitlements.Engine) error {
				rec, err := eng.Subscriptions.Save(ctx, args[0], plan, "", payment)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().StringVar(&payment.PaymentID, "payment-id", "", "payment reference")
	cmd.Flags().Int64Var(&payment.Amount, "amount", 0, "amount paid in minor currency units")
	cmd.Flags().StringVar(&payment.Currency, "currency", "", "ISO currency code")
	return cmd
}

func newUsageCmd(dataDir *string) *cobra.Command {
	var events int
	cmd := &cobra.Command{
		Use:   "usage <user-id>",
		Short: "Show a user's monthly token usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			return withEngine(cmd.Context(), *dataDir, func(ctx context.Context, eng *entitlements.Engine) error {
				plan, err := eng.Resolver.EffectivePlan(ctx, userID)
				if err != nil {
					return err
				}
				summary, err := eng.Quota.UsageSummary(ctx, userID, plan)
				if err != nil {
					return err
				}
				out := map[string]any{"summary": summary}
				if events > 0 {
					recent, err := eng.RecentUsageEvents(ctx, userID, events)
					if err != nil {
						return err
					}
					out["events"] = recent
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().IntVar(&events, "events", 0, "also list this many recent usage events")
	return cmd
}

func newSweepCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Downgrade every lapsed paid subscription once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), *dataDir, func(ctx context.Context, eng *entitlements.Engine) error {
				n := eng.NewExpirySweeper(0).Sweep(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "Downgraded %d lapsed subscription(s)\n", n)
				return nil
			})
		},
	}
}

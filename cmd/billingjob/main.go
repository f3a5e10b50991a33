package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/leadclaim/internal/billingjob"
	"github.com/smallbiznis/leadclaim/internal/clock"
	"github.com/smallbiznis/leadclaim/internal/config"
	"github.com/smallbiznis/leadclaim/internal/observability"
	"github.com/smallbiznis/leadclaim/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

// errUserErrors marks a run that completed but failed for at least one user.
var errUserErrors = errors.New("billing run finished with per-user errors")

func main() {
	rootCmd := &cobra.Command{
		Use:           "billingjob",
		Short:         "Daily claim billing: invoice generation and overdue report",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(backfillCmd())
	rootCmd.AddCommand(overdueCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		date      string
		dryRun    bool
		force     bool
		graceDays int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bill one day (default: yesterday in the billing time zone)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := billingjob.Options{DryRun: dryRun, Force: force, GraceDays: graceDays}
			if date != "" {
				parsed, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date %q: %w", date, err)
				}
				opts.Date = parsed
			}

			return withDriver(cmd.Context(), func(ctx context.Context, d *billingjob.Driver) error {
				report, err := d.Run(ctx, opts)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if report.UserErrors() > 0 {
					return errUserErrors
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "billing date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute totals without writing invoices")
	cmd.Flags().BoolVar(&force, "force", false, "bill again even if the day is already invoiced")
	cmd.Flags().IntVar(&graceDays, "grace-days", -1, "overdue grace period in days (default: policy)")
	return cmd
}

func backfillCmd() *cobra.Command {
	var (
		from      string
		to        string
		dryRun    bool
		force     bool
		graceDays int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Bill every day in [--from, --to] in order",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(time.DateOnly, from)
			if err != nil {
				return fmt.Errorf("invalid --from %q: %w", from, err)
			}
			end, err := time.Parse(time.DateOnly, to)
			if err != nil {
				return fmt.Errorf("invalid --to %q: %w", to, err)
			}

			return withDriver(cmd.Context(), func(ctx context.Context, d *billingjob.Driver) error {
				reports, err := d.Backfill(ctx, start, end, billingjob.Options{DryRun: dryRun, Force: force, GraceDays: graceDays})
				if printErr := printJSON(reports); printErr != nil && err == nil {
					err = printErr
				}
				if err != nil {
					return err
				}
				for _, r := range reports {
					if r.UserErrors() > 0 {
						return errUserErrors
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "first billing date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last billing date, inclusive (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute totals without writing invoices")
	cmd.Flags().BoolVar(&force, "force", false, "bill again even if a day is already invoiced")
	cmd.Flags().IntVar(&graceDays, "grace-days", -1, "overdue grace period in days (default: policy)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func overdueCmd() *cobra.Command {
	var graceDays int
	cmd := &cobra.Command{
		Use:   "overdue",
		Short: "Report unpaid invoices past the grace period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDriver(cmd.Context(), func(ctx context.Context, d *billingjob.Driver) error {
				summary, err := d.Overdue(ctx, graceDays)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}

	cmd.Flags().IntVar(&graceDays, "grace-days", -1, "grace period in days (default: policy)")
	return cmd
}

// withDriver boots the billing dependencies, runs fn and shuts everything down again.
func withDriver(ctx context.Context, fn func(ctx context.Context, d *billingjob.Driver) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var driver *billingjob.Driver
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		billingjob.Standalone,
		fx.Populate(&driver),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, driver)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

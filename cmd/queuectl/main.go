package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/SirClappington/askbot/internal/app"
	"github.com/SirClappington/askbot/internal/domain"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	noColor     bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "queuectl",
		Short:        "Inspect and maintain the bot request queue",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.AddCommand(metricsCmd(), getCmd(), sweepCmd())
	return root
}

// withApp bootstraps against the configured backends for one command.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Bootstrap(ctx, "queuectl")
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "metrics",
		Aliases: []string{"stats"},
		Short:   "Show job counts per state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Queue.Metrics(ctx)
				if err != nil {
					return err
				}
				printMetrics(cmd, a.Cfg.Queue.Name, m)
				return nil
			})
		},
	}
}

func printMetrics(cmd *cobra.Command, name string, m domain.Metrics) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer w.Flush()

	headerColor.Fprintf(w, "--- queue %s ---\n", name)
	fmt.Fprintf(w, "waiting\t%d\n", m.Waiting)
	fmt.Fprintf(w, "active\t%d\n", m.Active)
	warnColor.Fprintf(w, "delayed\t%d\n", m.Delayed)
	goodColor.Fprintf(w, "completed\t%d\n", m.Completed)
	badColor.Fprintf(w, "failed\t%d\n", m.Failed)
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <key>",
		Short:   "Print a job record, falling back to the archive",
		Example: "  queuectl get telegram-12345:678",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				j, err := a.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				source := "queue"
				if j == nil && a.Store != nil {
					source = "archive"
					if j, err = a.Store.GetArchived(ctx, args[0]); err != nil {
						return err
					}
				}
				if j == nil {
					badColor.Fprintf(cmd.ErrOrStderr(), "job %s not found\n", args[0])
					return fmt.Errorf("not found")
				}
				headerColor.Fprintf(cmd.ErrOrStderr(), "%s (%s)\n", j.Key, source)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(j)
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Promote due retries, recover stranded claims, requeue expired leases and apply retention once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				now := time.Now()
				if dryRun {
					completed, failed, err := a.Queue.RetentionCandidates(ctx, now)
					if err != nil {
						return err
					}
					printCandidates(cmd, completed, failed)
					return nil
				}
				promoted, err := a.Queue.PromoteDue(ctx, now, 200)
				if err != nil {
					return err
				}
				recovered, err := a.Queue.RecoverClaimed(ctx, now, 500)
				if err != nil {
					return err
				}
				requeued, err := a.Queue.RequeueExpired(ctx, now, 500)
				if err != nil {
					return err
				}
				swept, err := a.Queue.Sweep(ctx, now)
				if err != nil {
					return err
				}
				goodColor.Fprintf(cmd.OutOrStdout(), "promoted %d, recovered %d, requeued %d, removed %d\n",
					promoted, recovered, requeued, swept)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only list the jobs retention would remove")
	return cmd
}

func printCandidates(cmd *cobra.Command, completed, failed []string) {
	out := cmd.OutOrStdout()
	if len(completed)+len(failed) == 0 {
		goodColor.Fprintln(out, "nothing to remove")
		return
	}
	for _, k := range completed {
		fmt.Fprintf(out, "completed  %s\n", k)
	}
	for _, k := range failed {
		badColor.Fprintf(out, "failed     %s\n", k)
	}
	fmt.Fprintf(out, "would remove %d\n", len(completed)+len(failed))
}

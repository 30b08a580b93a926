package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Execute a run spec to completion",
		Example: `  # rehearse against the simulated site
  automator run --dry-run sweeps/delta.yaml

  # live run through a browser agent
  OO_EMAIL=me@example.com OO_PASSWORD=... automator run sweeps/delta.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()
			a.serveMetrics(ctx)

			spec, registry, err := a.loadSpec(args[0])
			if err != nil {
				return err
			}
			a.logger.Info("Starting run",
				zap.String("spec", args[0]),
				zap.String("mode", string(spec.Mode)),
				zap.Int("max_workers", spec.MaxWorkers))

			stats, err := a.execute(ctx, spec, registry)
			if err != nil {
				return err
			}
			return a.summarize(context.Background(), cmd.OutOrStdout(), spec, stats)
		},
	}
}

// summarize prints the final counters and the best result
func (a *app) summarize(ctx context.Context, w io.Writer, spec model.RunSpec, stats model.RunStats) error {
	fmt.Fprintf(w, "run %s %s: %d total, %d completed, %d failed, %d pending\n",
		stats.RunID, stats.Status, stats.Total, stats.Completed, stats.Failed, stats.Pending)

	failures, err := a.store.FailureCounts(ctx, stats.RunID)
	if err != nil {
		return err
	}
	for _, kind := range model.FailureKinds {
		if n := failures[kind]; n > 0 {
			fmt.Fprintf(w, "  %-16s %d attempts\n", kind, n)
		}
	}

	if spec.Objective.Metric == "" {
		return nil
	}
	best, err := a.store.Best(ctx, stats.RunID, spec.Objective)
	if err != nil {
		return err
	}
	if best != nil {
		v, _ := best.Metric(spec.Objective.Metric)
		fmt.Fprintf(w, "best %s = %g with %s\n", spec.Objective.Metric, v, best.Params)
	}
	return nil
}

package main

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/storage"
)

func newResultsCmd(root *rootOptions) *cobra.Command {
	var limit, offset int
	var failedOnly bool
	cmd := &cobra.Command{
		Use:   "results <run-id>",
		Short: "Show stored results of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := storage.NewSQLiteStore(zap.NewNop(), cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}

			filters := map[string]any{"run_id": args[0]}
			if failedOnly {
				filters["success"] = false
			}
			results, err := store.ListResults(ctx, filters, offset, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s %s: %d total, %d completed, %d failed\n",
				run.RunID, run.Status, run.Total, run.Completed, run.Failed)
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ATTEMPT\tPARAMS\tOUTCOME\tMETRICS")
			for _, r := range results {
				outcome := "ok"
				if !r.Success {
					outcome = string(r.FailureKind)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Attempt, r.Params, outcome, formatMetrics(r.Metrics))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum results to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "results to skip")
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only show failed attempts")
	return cmd
}

func formatMetrics(metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%g", name, metrics[name])
	}
	return strings.Join(parts, " ")
}

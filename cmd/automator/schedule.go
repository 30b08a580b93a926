package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/model"
	"github.com/t77yq/backtest-automator/internal/schedule"
)

func newScheduleCmd(root *rootOptions) *cobra.Command {
	var expression, name string
	cmd := &cobra.Command{
		Use:     "schedule <spec.yaml>",
		Short:   "Start a run spec on a cron schedule",
		Example: `  automator schedule --cron "0 0 6 * * 1-5" sweeps/delta.yaml`,
		Args:    cobra.ExactArgs(1),
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

			// fail fast on a broken spec; it is read again before every run
			if _, _, err := a.loadSpec(args[0]); err != nil {
				return err
			}

			s := schedule.New(func(ctx context.Context, sched *model.RunSchedule) (string, error) {
				spec, registry, err := a.loadSpec(sched.SpecPath)
				if err != nil {
					return "", err
				}
				stats, err := a.execute(ctx, spec, registry)
				if err != nil {
					return "", err
				}
				if err := a.summarize(ctx, cmd.OutOrStdout(), spec, stats); err != nil {
					a.logger.Warn("Failed to summarize run", zap.Error(err))
				}
				return stats.RunID, nil
			}, a.logger)

			if name == "" {
				name = args[0]
			}
			entry := &model.RunSchedule{Name: name, Expression: expression, SpecPath: args[0]}
			if err := s.AddSchedule(entry); err != nil {
				return err
			}
			s.Start()
			a.logger.Info("Waiting for schedule", zap.Timep("next_run", entry.NextRunTime))

			<-ctx.Done()
			a.logger.Info("Shutting down scheduler")
			s.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&expression, "cron", "", "cron expression with seconds, e.g. \"0 30 9 * * 1-5\"")
	cmd.Flags().StringVar(&name, "name", "", "schedule name (defaults to the run spec path)")
	cmd.MarkFlagRequired("cron")
	return cmd
}

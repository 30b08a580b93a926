package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/config"
	"github.com/t77yq/backtest-automator/internal/driver/dryrun"
	"github.com/t77yq/backtest-automator/internal/driver/remote"
	"github.com/t77yq/backtest-automator/internal/logging"
)

// newAgentCmd serves simulated sessions over NATS so remote runs can be
// rehearsed end to end without a browser
func newAgentCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Serve simulated browser sessions to remote workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// the agent always dials NATS, whatever driver the workers use
			cfg.Browser.Driver = config.DriverRemote
			a := &app{cfg: cfg, logger: logger}
			if err := a.connect(); err != nil {
				return err
			}
			defer a.close()

			launcher := dryrun.NewLauncher(dryrun.Options{
				Layout:      cfg.Layout(),
				Latency:     cfg.Browser.DryRun.Latency,
				FailureRate: cfg.Browser.DryRun.FailureRate,
				Seed:        cfg.Browser.DryRun.Seed,
			})
			agent := remote.NewAgent(a.nc, launcher, cfg.Browser.Remote.Prefix, logger)
			if err := agent.Start(); err != nil {
				return err
			}
			defer agent.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "serving simulated sessions on %s\n", cfg.Browser.Remote.Prefix)
			<-ctx.Done()
			logger.Info("Agent shutting down", zap.Int("open_sessions", agent.Sessions()))
			return nil
		},
	}
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/t77yq/backtest-automator/internal/config"
)

const version = "0.3.0"

type rootOptions struct {
	configFile string
	debug      bool
	dryRun     bool
}

// newRootCmd builds the command tree
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "automator",
		Short: "Run backtest parameter sweeps against the backtesting site",
		Long: `automator drives backtest dialogs through a pool of browser sessions,
trying every combination of a sweep, grid or staged run spec and storing the
results. Failed attempts are classified and retried with adaptive pacing.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./config.yaml or ./config/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&opts.dryRun, "dry-run", false, "use the simulated site instead of real browsers")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newRunCmd(opts),
		newScheduleCmd(opts),
		newParamsCmd(),
		newResultsCmd(opts),
		newAgentCmd(opts),
		newPruneCmd(opts),
	)
	return cmd
}

// load reads the config and applies the global flags
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.debug {
		cfg.Log.Level = "debug"
	}
	if o.dryRun {
		cfg.Browser.Driver = config.DriverDryRun
	}
	return cfg, nil
}

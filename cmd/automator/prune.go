package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/backtest-automator/internal/artifact"
	"github.com/t77yq/backtest-automator/internal/storage"
)

func newPruneCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete stored runs and artifacts past their retention",
		Args:  cobra.NoArgs,
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

			cutoff := time.Now().Add(-cfg.Storage.Retention)
			if err := store.DeleteBefore(cmd.Context(), cutoff); err != nil {
				return err
			}

			collector, err := artifact.NewCollector(cfg.Artifacts.Config, nil, zap.NewNop())
			if err != nil {
				return err
			}
			removed, err := collector.Prune()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed results before %s and %d artifact files\n",
				cutoff.Format(time.RFC3339), removed)
			return nil
		},
	}
}

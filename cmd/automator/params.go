package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/t77yq/backtest-automator/internal/parameter"
)

func newParamsCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "params",
		Short: "List the parameters a run spec can vary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY\tDESCRIPTION")
			for _, p := range parameter.DefaultRegistry().List() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name(), p.DisplayName(), p.Description())
				if !verbose {
					continue
				}
				for _, f := range p.Configure().Fields {
					fmt.Fprintf(w, "  %s\t%s\tdefault %v\n", f.Name, f.Type, f.Default)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show config fields")
	return cmd
}

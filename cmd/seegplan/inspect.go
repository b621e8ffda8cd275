package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"seegplan/pkg/store"
)

func newInspectCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "inspect <path.txt>",
		Short: "Print the best trajectories of a planned subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, err := store.ReadPathFile(args[0])
			if err != nil {
				return err
			}
			if len(sets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no targets recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TARGET\tRANK\tMARGIN (mm)\tENTRY\tTERMINAL\tDIRECTION")
			for _, set := range sets {
				if set.Len() == 0 {
					fmt.Fprintf(tw, "%s\t-\tno feasible trajectory\t\t\t\n", set.Target.Name)
					continue
				}
				for rank, t := range set.Trajectories {
					if top > 0 && rank >= top {
						break
					}
					fmt.Fprintf(tw, "%s\t%d\t%.3f\t%v\t%v\t(%.3f, %.3f, %.3f)\n",
						set.Target.Name, rank, t.Margin, t.Entry, t.Terminal,
						t.Direction.X, t.Direction.Y, t.Direction.Z)
				}
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 5, "trajectories per target (0 for all)")
	return cmd
}

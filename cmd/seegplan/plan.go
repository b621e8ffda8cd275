package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"seegplan/pkg/metrics"
	"seegplan/pkg/planning"
	"seegplan/pkg/store"
)

func newPlanCmd(opts *rootOptions) *cobra.Command {
	var (
		dryRun  bool
		reset   bool
		workers int
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan trajectories for every configured subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if reset {
				cfg.Output.Reset = true
			}
			if workers > 0 {
				cfg.Processing.NumWorkers = workers
			}

			popts := []planning.Option{planning.WithDryRun(dryRun)}
			if cfg.Output.Database != "" && !dryRun {
				db, err := store.OpenSQLite(cfg.Output.Database)
				if err != nil {
					return err
				}
				defer db.Close()
				popts = append(popts, planning.WithArchive(db))
			}
			if cfg.Output.MetricsFile != "" {
				rec, err := metrics.NewRecorder()
				if err != nil {
					return err
				}
				popts = append(popts, planning.WithMetrics(rec))
			}

			start := time.Now()
			summary, err := planning.NewPlanner(cfg, logger, popts...).Process(cmd.Context())
			if summary != nil {
				printSummary(cmd.OutOrStdout(), summary, time.Since(start))
			}
			if err != nil {
				logger.Error("Planning finished with errors", zap.Error(err))
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&dryRun, "dry-run", false, "check inputs without computing")
	f.BoolVar(&reset, "reset", false, "re-run subjects whose output already exists")
	f.IntVar(&workers, "workers", 0, "override processing.numWorkers")
	return cmd
}

func printSummary(w io.Writer, s *planning.RunSummary, elapsed time.Duration) {
	fmt.Fprintf(w, "\nRun %s finished in %.2f seconds\n", s.RunID, elapsed.Seconds())
	for _, sub := range s.Subjects {
		fmt.Fprintf(w, "%-16s %s\n", sub.ID, sub.Status)
		if sub.Err != nil {
			fmt.Fprintf(w, "    error: %v\n", sub.Err)
		}
		for _, t := range sub.Targets {
			if t.Empty {
				fmt.Fprintf(w, "    %-14s no feasible trajectory (%d evaluated, %d collided)\n",
					t.Name, t.Evaluated, t.Collided)
				continue
			}
			fmt.Fprintf(w, "    %-14s %d ranked of %d, best margin %.2f mm, median %.2f mm\n",
				t.Name, t.Ranked, t.Evaluated, t.Best, t.Median)
		}
	}

	if len(s.Skipped()) > 0 {
		fmt.Fprintln(w, "\nSome subjects were skipped due to the output being complete.")
		fmt.Fprintln(w, "If you want to rerun them, pass --reset or set output.reset in the config file.")
	}
}

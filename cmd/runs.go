package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/monitoring"
	"github.com/sells-group/parcel-cli/internal/resilience"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect acquisition and import history",
	Long:  "Commands for listing and viewing runs and the failure queue.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		state, _ := cmd.Flags().GetString("state")
		kind, _ := cmd.Flags().GetString("kind")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, model.RunFilter{
			State: model.BatchState(state),
			Kind:  model.RunKind(kind),
			Limit: limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs failures --

var runsFailuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List the failure queue",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		retryable, _ := cmd.Flags().GetBool("retryable")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListFailures(ctx, resilience.FailureFilter{Retryable: retryable, Limit: limit})
		if err != nil {
			return eris.Wrap(err, "runs failures")
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Failure queue is empty.")
			return nil
		}
		formatFailures(os.Stdout, entries)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		hours := int(since.Hours())
		if hours < 1 {
			hours = 1
		}

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(os.Stdout, snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("state", "", "filter by state (pending, running_primary, complete, failed, ...)")
	runsListCmd.Flags().String("kind", "", "filter by kind (acquisition, bulk_import)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsFailuresCmd.Flags().Bool("retryable", false, "only entries --retry-failed would replay")
	runsFailuresCmd.Flags().Int("limit", 100, "max number of entries to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	runsCmd.AddCommand(runsFailuresCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tKIND\tSTATE\tREQUESTED\tOK\tFAILED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t-----\t---------\t--\t------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()

		ok, failed := "-", "-"
		if r.Report != nil {
			ok = fmt.Sprint(len(r.Report.Succeeded))
			failed = fmt.Sprint(len(r.Report.Failed))
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Kind,
			r.State,
			r.Requested,
			ok,
			failed,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dh\n", s.LookbackHours)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Complete:\t%d\n", s.RunsComplete)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	_, _ = fmt.Fprintf(w, "Active:\t%d\n", s.RunsActive)
	_, _ = fmt.Fprintf(w, "Parcels ok/failed:\t%d/%d (%.1f%% failed)\n", s.ItemsSucceeded, s.ItemsFailed, s.ItemFailRate*100)
	_, _ = fmt.Fprintf(w, "Records created:\t%d\n", s.Created)
	_, _ = fmt.Fprintf(w, "Records updated:\t%d\n", s.Updated)
	_, _ = fmt.Fprintf(w, "Failure queue:\t%d\n", s.FailureQueueDepth)
	_ = w.Flush()
}

// formatFailures writes the failure queue to w.
func formatFailures(out io.Writer, entries []resilience.FailureEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARCEL\tSOURCE\tKIND\tATTEMPTS\tRETRIES\tLAST_FAILED")
	_, _ = fmt.Fprintln(w, "------\t------\t----\t--------\t-------\t-----------")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.Identifier,
			e.Source,
			e.Kind,
			e.Attempts,
			e.RetryCount,
			e.LastFailedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

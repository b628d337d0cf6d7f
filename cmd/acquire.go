package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/model"
	"github.com/sells-group/parcel-cli/internal/pipeline"
	"github.com/sells-group/parcel-cli/internal/source"
	"github.com/sells-group/parcel-cli/internal/taskqueue"
)

var (
	acquireParcels     []string
	acquireCity        string
	acquireZip         string
	acquireAddress     string
	acquireOwner       string
	acquireLimit       int
	acquireForce       bool
	acquireRetryFailed bool
	acquireQueue       bool
)

var acquireCmd = &cobra.Command{
	Use:   "acquire",
	Short: "Acquire parcel records from the appraiser and tax collector",
	Long: "Acquires parcels by id (--parcel), by appraiser search (--city, --zip, --address, --owner), " +
		"or by replaying the failure queue (--retry-failed). With --queue the batch is handed to a worker.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("acquire"); err != nil {
			return err
		}

		criteria := source.Criteria{
			Address:   acquireAddress,
			City:      acquireCity,
			ZipCode:   acquireZip,
			OwnerName: acquireOwner,
		}
		reqs := parcelRequests(acquireParcels)
		if err := checkAcquireFlags(reqs, criteria, acquireRetryFailed, acquireQueue); err != nil {
			return err
		}

		if acquireQueue {
			tq, _, err := taskqueue.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer tq.Close()

			id, err := tq.StartAcquisition(ctx, taskqueue.AcquisitionInput{
				Requests:    reqs,
				Force:       acquireForce,
				RetryFailed: acquireRetryFailed,
				Limit:       acquireLimit,
			})
			if err != nil {
				return err
			}
			zap.L().Info("acquisition enqueued", zap.String("workflow_id", id), zap.Int("requests", len(reqs)))
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		env, err := initAcquisition(st)
		if err != nil {
			return err
		}

		opts := pipeline.RunOptions{Force: acquireForce, Progress: progressLogger()}

		var report *model.BatchReport
		if acquireRetryFailed {
			report, err = env.Orchestrator.RetryFailed(ctx, acquireLimit, opts)
		} else {
			if criteria.Query() != "" {
				found, serr := env.search(ctx, criteria, acquireLimit)
				if serr != nil {
					return eris.Wrap(serr, "appraiser search")
				}
				zap.L().Info("search resolved parcels", zap.String("query", criteria.Query()), zap.Int("found", len(found)))
				reqs = append(reqs, found...)
			}
			if len(reqs) == 0 {
				fmt.Fprintln(os.Stderr, "No parcels matched.")
				return nil
			}
			report, err = env.Orchestrator.Run(ctx, reqs, opts)
		}
		if report != nil {
			formatReport(os.Stdout, report)
		}
		if err != nil {
			return eris.Wrap(err, "acquire")
		}
		return nil
	},
}

func init() {
	acquireCmd.Flags().StringSliceVar(&acquireParcels, "parcel", nil, "parcel id to acquire (repeatable or comma-separated)")
	acquireCmd.Flags().StringVar(&acquireCity, "city", "", "search by city")
	acquireCmd.Flags().StringVar(&acquireZip, "zip", "", "search by zip code")
	acquireCmd.Flags().StringVar(&acquireAddress, "address", "", "search by street address")
	acquireCmd.Flags().StringVar(&acquireOwner, "owner", "", "search by owner name")
	acquireCmd.Flags().IntVar(&acquireLimit, "limit", 0, "max parcels from a search or the failure queue (0 = no limit)")
	acquireCmd.Flags().BoolVar(&acquireForce, "force", false, "ignore the staleness window")
	acquireCmd.Flags().BoolVar(&acquireRetryFailed, "retry-failed", false, "replay retryable entries from the failure queue")
	acquireCmd.Flags().BoolVar(&acquireQueue, "queue", false, "enqueue on the task queue instead of running in-process")
	rootCmd.AddCommand(acquireCmd)
}

// parcelRequests trims and deduplicates ids from --parcel.
func parcelRequests(ids []string) []model.AcquisitionRequest {
	seen := make(map[string]bool, len(ids))
	var out []model.AcquisitionRequest
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, model.AcquisitionRequest{Identifier: id})
	}
	return out
}

// checkAcquireFlags rejects flag combinations that have no single meaning.
func checkAcquireFlags(reqs []model.AcquisitionRequest, c source.Criteria, retryFailed, queue bool) error {
	hasSearch := c.Query() != ""
	switch {
	case retryFailed && (len(reqs) > 0 || hasSearch):
		return eris.New("--retry-failed cannot be combined with --parcel or search criteria")
	case queue && hasSearch:
		return eris.New("--queue accepts --parcel or --retry-failed; run searches in-process")
	case !retryFailed && len(reqs) == 0 && !hasSearch:
		return eris.New("nothing to acquire: pass --parcel, search criteria or --retry-failed")
	}
	return nil
}

// progressLogger logs state transitions and every tenth completed item.
func progressLogger() model.ProgressFunc {
	var last model.Progress
	return func(p model.Progress) {
		changed := p.State != last.State || p.Stage != last.Stage
		milestone := p.Completed != last.Completed && (p.Completed%10 == 0 || p.Completed == p.Total)
		last = p
		if !changed && !milestone {
			return
		}
		zap.L().Info("acquire progress",
			zap.String("state", string(p.State)),
			zap.String("stage", string(p.Stage)),
			zap.Int("completed", p.Completed),
			zap.Int("total", p.Total),
			zap.Int("failed", p.Failed),
			zap.Int("skipped", p.Skipped),
		)
	}
}

// formatReport writes a batch summary and its failures to w.
func formatReport(out io.Writer, r *model.BatchReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", len(r.Succeeded))
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", len(r.Failed))
	_, _ = fmt.Fprintf(w, "Created:\t%d\n", r.Counts.Created)
	_, _ = fmt.Fprintf(w, "Updated:\t%d\n", r.Counts.Updated)
	_, _ = fmt.Fprintf(w, "Skipped (fresh):\t%d\n", r.Counts.SkippedStale)
	_ = w.Flush()

	if len(r.Failed) == 0 {
		return
	}

	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	_, _ = fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PARCEL\tSOURCE\tKIND\tATTEMPTS\tERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t----\t--------\t-----")
	for _, id := range ids {
		f := r.Failed[id]
		msg := f.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", id, f.Source, f.Kind, f.Attempts, msg)
	}
	_ = w.Flush()
}

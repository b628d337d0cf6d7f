package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/taskqueue"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a task queue worker for queued acquisitions and imports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("worker"); err != nil {
			return err
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
		im, res := initImporter(st)
		startMonitoring(ctx, st, env.Breakers)

		tq, c, err := taskqueue.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer tq.Close()

		w := taskqueue.NewWorker(c, cfg.Temporal.TaskQueue, &taskqueue.Activities{
			Runner:     env.Orchestrator,
			Importer:   im,
			Downloader: res,
		})

		zap.L().Info("starting worker",
			zap.String("address", cfg.Temporal.Address),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)

		interrupt := make(chan interface{})
		go func() {
			<-ctx.Done()
			close(interrupt)
		}()
		if err := w.Run(interrupt); err != nil {
			return eris.Wrap(err, "worker run")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

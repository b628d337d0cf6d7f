package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/parcel-cli/internal/bulk"
	"github.com/sells-group/parcel-cli/internal/fetcher"
	"github.com/sells-group/parcel-cli/internal/taskqueue"
)

var (
	importFile   string
	importURL    string
	importLimit  int
	importFormat string
	importQueue  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a bulk parcel extract (CSV or XLSX)",
	Long:  "Reads a county bulk extract from a local file (--file) or an http(s)/ftp URL (--url) and reconciles every row into the store.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("import"); err != nil {
			return err
		}

		src, err := importSource(importFile, importURL, cfg.Bulk.URL)
		if err != nil {
			return err
		}
		format, err := parseFormat(importFormat)
		if err != nil {
			return err
		}

		if importQueue {
			tq, _, err := taskqueue.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer tq.Close()

			id, err := tq.StartBulkImport(ctx, taskqueue.BulkImportInput{Source: src, Limit: importLimit})
			if err != nil {
				return err
			}
			zap.L().Info("bulk import enqueued", zap.String("workflow_id", id), zap.String("source", src))
			return nil
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		im, res := initImporter(st)

		path, cleanup, err := res.Fetch(ctx, src)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := im.ImportFile(ctx, path, bulk.FileOptions{
			Format: format,
			Limit:  importLimit,
			Progress: func(s bulk.Stats) {
				zap.L().Info("import progress",
					zap.Int("rows", s.Rows),
					zap.Int("batches", s.Batches),
					zap.Int("rejected", s.Rejected),
				)
			},
		})
		if err != nil {
			return eris.Wrap(err, "import")
		}

		zap.L().Info("import complete",
			zap.String("run_id", stats.RunID),
			zap.String("source", src),
			zap.Int("rows", stats.Rows),
			zap.Int("rejected", stats.Rejected),
			zap.Int("created", stats.Created),
			zap.Int("updated", stats.Updated),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a local extract")
	importCmd.Flags().StringVar(&importURL, "url", "", "http(s) or ftp URL of the extract (default bulk.url)")
	importCmd.Flags().IntVar(&importLimit, "limit", 0, "stop after this many data rows (0 = all)")
	importCmd.Flags().StringVar(&importFormat, "format", "", "csv or xlsx (default from the file extension)")
	importCmd.Flags().BoolVar(&importQueue, "queue", false, "enqueue on the task queue instead of running in-process")
	importCmd.MarkFlagsMutuallyExclusive("file", "url")
	rootCmd.AddCommand(importCmd)
}

// importSource picks the extract location: --file, then --url, then the
// configured bulk.url.
func importSource(file, url, fallback string) (string, error) {
	switch {
	case file != "":
		return file, nil
	case url != "":
		return url, nil
	case fallback != "":
		return fallback, nil
	}
	return "", eris.New("import needs --file, --url or bulk.url")
}

func parseFormat(s string) (fetcher.Format, error) {
	switch s {
	case "":
		return "", nil
	case string(fetcher.FormatCSV):
		return fetcher.FormatCSV, nil
	case string(fetcher.FormatXLSX):
		return fetcher.FormatXLSX, nil
	}
	return "", eris.Errorf("unknown format %q (want csv or xlsx)", s)
}

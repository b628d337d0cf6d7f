package fetcher

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one data row keyed by upper-cased header name.
type Row map[string]string

// Get returns the trimmed value of col, or "" when the column is absent.
func (r Row) Get(col string) string {
	return strings.TrimSpace(r[strings.ToUpper(col)])
}

// RowOptions configures OpenRows.
type RowOptions struct {
	// Format overrides extension-based detection.
	Format Format
	// Limit stops after this many data rows. Zero means no limit.
	Limit int
	// Delimiter for CSV files. Default ','.
	Delimiter rune
}

// OpenRows streams the data rows of the CSV or XLSX file at path. The first
// row is the header. Blank rows are dropped. Both channels are closed when
// the file is exhausted, the limit is reached or ctx is cancelled.
func OpenRows(ctx context.Context, path string, opts RowOptions) (<-chan Row, <-chan error) {
	format := opts.Format
	if format == "" {
		format = DetectFormat(path)
	}

	inner, cancel := context.WithCancel(ctx)
	var cells <-chan []string
	var cellErr <-chan error

	switch format {
	case FormatXLSX:
		cells, cellErr = StreamXLSX(inner, path, XLSXOptions{})
	default:
		f, err := os.Open(path)
		if err != nil {
			cancel()
			rowCh := make(chan Row)
			errCh := make(chan error, 1)
			errCh <- eris.Wrap(err, "fetcher: open csv")
			close(rowCh)
			close(errCh)
			return rowCh, errCh
		}
		var csvErr <-chan error
		cells, csvErr = StreamCSV(inner, f, CSVOptions{Delimiter: opts.Delimiter, TrimSpace: true, LazyQuotes: true})
		done := make(chan error, 1)
		go func() {
			defer close(done)
			for err := range csvErr {
				done <- err
			}
			_ = f.Close()
		}()
		cellErr = done
	}

	return keyed(ctx, cancel, cells, cellErr, opts.Limit)
}

// keyed turns positional cells into header-keyed rows.
func keyed(ctx context.Context, cancel context.CancelFunc, cells <-chan []string, cellErr <-chan error, limit int) (<-chan Row, <-chan error) {
	rowCh := make(chan Row, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		defer close(rowCh)
		defer cancel()

		var header []string
		var failed error
		sent := 0
		stopped := false
		for rec := range cells {
			if stopped {
				continue
			}
			if header == nil {
				header = make([]string, len(rec))
				for i, h := range rec {
					header[i] = strings.ToUpper(strings.TrimSpace(h))
				}
				continue
			}
			if blank(rec) {
				continue
			}
			row := make(Row, len(header))
			for i, h := range header {
				if i < len(rec) && h != "" {
					row[h] = rec[i]
				}
			}
			select {
			case rowCh <- row:
			case <-ctx.Done():
				failed = eris.Wrap(ctx.Err(), "fetcher: rows cancelled")
				stopped = true
				cancel()
				continue
			}
			sent++
			if limit > 0 && sent >= limit {
				stopped = true
				cancel()
			}
		}

		for err := range cellErr {
			if err == nil || failed != nil || stopped && errors.Is(err, context.Canceled) {
				continue
			}
			failed = err
		}
		if failed == nil && header == nil && !stopped {
			failed = eris.New("fetcher: file has no header row")
		}
		if failed != nil {
			errCh <- failed
		}
	}()

	return rowCh, errCh
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

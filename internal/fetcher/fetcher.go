// Package fetcher retrieves bulk property files over HTTP, FTP or from local
// disk and streams their rows.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Fetcher downloads a remote file.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Resolver maps a file reference onto a local path, downloading it first
// when the reference is a URL.
type Resolver struct {
	HTTP Fetcher
	FTP  Fetcher
	// Dir receives downloads. Empty means os.TempDir().
	Dir string
}

// Fetch returns a local path for src. http(s):// and ftp:// references are
// downloaded into Dir; anything else is treated as a local path and must
// exist. cleanup removes a downloaded file and is a no-op for local paths.
func (r *Resolver) Fetch(ctx context.Context, src string) (string, func(), error) {
	noop := func() {}
	u, err := url.Parse(src)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		if _, statErr := os.Stat(src); statErr != nil {
			return "", noop, eris.Wrapf(statErr, "fetcher: open %s", src)
		}
		return src, noop, nil
	}

	var f Fetcher
	switch u.Scheme {
	case "http", "https":
		f = r.HTTP
	case "ftp":
		f = r.FTP
	default:
		return "", noop, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
	if f == nil {
		return "", noop, eris.Errorf("fetcher: no %s fetcher configured", u.Scheme)
	}

	tmp, err := os.CreateTemp(r.Dir, "bulk-*"+path.Ext(u.Path))
	if err != nil {
		return "", noop, eris.Wrap(err, "fetcher: create temp file")
	}
	local := tmp.Name()
	_ = tmp.Close()
	cleanup := func() { _ = os.Remove(local) }

	n, err := f.DownloadToFile(ctx, src, local)
	if err != nil {
		cleanup()
		return "", noop, eris.Wrapf(err, "fetcher: download %s", src)
	}
	zap.L().Info("fetcher: downloaded bulk file",
		zap.String("url", src),
		zap.String("path", local),
		zap.Int64("bytes", n),
	)
	return local, cleanup, nil
}

// Format is a bulk file layout.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// DetectFormat picks a format from the file extension; CSV is the default.
func DetectFormat(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		return FormatXLSX
	default:
		return FormatCSV
	}
}

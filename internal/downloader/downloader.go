package downloader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"mediafetch/internal/domain"
)

const userAgent = "mediafetch/1.0"

// Config holds downloader configuration.
type Config struct {
	TempDir  string
	MaxBytes int64
	Timeout  time.Duration
	Retry    RetryPolicy
}

// Downloader streams a single remote item to temporary local storage,
// enforcing the byte-size ceiling and the bounded-retry policy. The
// weighted semaphore caps simultaneous downloads across all sites.
type Downloader struct {
	httpClient *http.Client
	fs         afero.Fs
	tempDir    string
	maxBytes   int64
	retry      RetryPolicy
	global     *semaphore.Weighted
	logger     *slog.Logger
}

func New(cfg Config, fs afero.Fs, global *semaphore.Weighted, logger *slog.Logger) *Downloader {
	return &Downloader{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		fs:       fs,
		tempDir:  cfg.TempDir,
		maxBytes: cfg.MaxBytes,
		retry:    cfg.Retry,
		global:   global,
		logger:   logger.With("component", "downloader"),
	}
}

// Fetch downloads the record's source URL into the temp directory and
// returns the temporary path and observed byte size. Partial data is
// removed on every failure. Callers own the returned file.
func (d *Downloader) Fetch(ctx context.Context, rec *domain.DownloadRecord) (string, int64, error) {
	if err := d.global.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer d.global.Release(1)

	tempPath := filepath.Join(d.tempDir, fmt.Sprintf("dl-%d.part", rec.ID))

	var size int64
	err := d.retry.Do(ctx, func() error {
		var attemptErr error
		size, attemptErr = d.fetchOnce(ctx, rec.SourceURL, tempPath)
		if attemptErr != nil {
			d.logger.Warn("download attempt failed",
				"record_id", rec.ID,
				"url", rec.SourceURL,
				"error", attemptErr,
			)
		}
		return attemptErr
	})
	if err != nil {
		_ = d.fs.Remove(tempPath)
		return "", 0, err
	}

	d.logger.Debug("downloaded item",
		"record_id", rec.ID,
		"url", rec.SourceURL,
		"size", size,
	)

	return tempPath, size, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, sourceURL, tempPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return 0, Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", userAgent)

	// Transport errors (timeouts, resets, refused connections) are
	// retryable by default.
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return 0, fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		return 0, Terminal(fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}

	if cl := resp.Header.Get("Content-Length"); cl != "" {
		declared, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return 0, Terminal(fmt.Errorf("malformed content-length %q", cl))
		}
		if declared > d.maxBytes {
			return 0, fmt.Errorf("declared %d bytes: %w", declared, domain.ErrTooLarge)
		}
	}

	if err := d.fs.MkdirAll(d.tempDir, 0o755); err != nil {
		return 0, Terminal(fmt.Errorf("create temp dir: %w", err))
	}

	out, err := d.fs.Create(tempPath)
	if err != nil {
		if isStorageErr(err) {
			return 0, domain.ErrStorageFull
		}
		return 0, Terminal(fmt.Errorf("create temp file: %w", err))
	}

	// Read one byte past the ceiling so an undeclared oversized body is
	// caught without downloading it whole.
	written, err := io.Copy(out, io.LimitReader(resp.Body, d.maxBytes+1))
	closeErr := out.Close()

	if err != nil {
		_ = d.fs.Remove(tempPath)
		if isStorageErr(err) {
			return 0, domain.ErrStorageFull
		}
		if isTransientNetErr(err) {
			return 0, fmt.Errorf("stream body: %w", err)
		}
		return 0, Terminal(fmt.Errorf("stream body: %w", err))
	}
	if closeErr != nil {
		_ = d.fs.Remove(tempPath)
		if isStorageErr(closeErr) {
			return 0, domain.ErrStorageFull
		}
		return 0, fmt.Errorf("close temp file: %w", closeErr)
	}
	if written > d.maxBytes {
		_ = d.fs.Remove(tempPath)
		return 0, fmt.Errorf("observed %d bytes: %w", written, domain.ErrTooLarge)
	}

	return written, nil
}

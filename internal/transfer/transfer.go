package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"mediafetch/internal/domain"
	"mediafetch/internal/downloader"
)

// Sink is the destination channel collaborator. It is expected to
// retry transient transport errors internally up to its own budget.
type Sink interface {
	Deliver(ctx context.Context, channelID, fileName string, payload []byte, caption string, part, total int) error
}

// Ledger is the subset of record-store writes the transfer unit needs.
type Ledger interface {
	MarkDelivered(ctx context.Context, rec *domain.DownloadRecord) error
	MarkFailed(ctx context.Context, rec *domain.DownloadRecord, reason domain.FailureReason) error
}

// Config holds transfer configuration.
type Config struct {
	SizeLimit    int64
	PauseBetween time.Duration
	Retry        downloader.RetryPolicy
}

// Transfer delivers downloaded files to destination channels, splitting
// anything above the transfer size limit into ordered parts. A split
// sequence is one logical delivery: any part failing fails the whole
// item, since a consumer reassembling parts must trust completeness.
type Transfer struct {
	fs        afero.Fs
	sink      Sink
	ledger    Ledger
	sizeLimit int64
	pause     time.Duration
	retry     downloader.RetryPolicy
	logger    *slog.Logger
}

func New(cfg Config, fs afero.Fs, sink Sink, ledger Ledger, logger *slog.Logger) *Transfer {
	return &Transfer{
		fs:        fs,
		sink:      sink,
		ledger:    ledger,
		sizeLimit: cfg.SizeLimit,
		pause:     cfg.PauseBetween,
		retry:     cfg.Retry,
		logger:    logger.With("component", "transfer"),
	}
}

// Deliver sends the record's local file to its destination channel and
// advances the record to delivered, or to failed with reason
// delivery_failed after exhausting retries. The local file is removed
// on success and kept for manual recovery on failure.
func (t *Transfer) Deliver(ctx context.Context, site *domain.Site, rec *domain.DownloadRecord, localPath string) error {
	info, err := t.fs.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	size := info.Size()
	total := 1
	if size > t.sizeLimit {
		total = int((size + t.sizeLimit - 1) / t.sizeLimit)
	}

	if err := t.deliverParts(ctx, site, rec, localPath, size, total); err != nil {
		// A context-driven stop is not an item failure: the record stays
		// downloaded and delivery resumes on a later scan.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if markErr := t.ledger.MarkFailed(ctx, rec, domain.ReasonDeliveryFailed); markErr != nil {
			return markErr
		}
		t.logger.Warn("delivery failed",
			"record_id", rec.ID,
			"channel", rec.Channel,
			"parts", total,
			"error", err,
		)
		return err
	}

	if err := t.ledger.MarkDelivered(ctx, rec); err != nil {
		return err
	}

	// Delivered content no longer needs its local copy.
	if err := t.fs.Remove(localPath); err != nil {
		t.logger.Warn("remove delivered file", "path", localPath, "error", err)
	}

	t.logger.Info("delivered item",
		"record_id", rec.ID,
		"channel", rec.Channel,
		"size", size,
		"parts", total,
	)

	return nil
}

func (t *Transfer) deliverParts(ctx context.Context, site *domain.Site, rec *domain.DownloadRecord, localPath string, size int64, total int) error {
	f, err := t.fs.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	base := caption(site, rec, size)

	for part := 1; part <= total; part++ {
		payload := make([]byte, min64(t.sizeLimit, size-int64(part-1)*t.sizeLimit))
		if _, err := io.ReadFull(f, payload); err != nil {
			return fmt.Errorf("read part %d: %w", part, err)
		}

		unitCaption := base
		if total > 1 {
			unitCaption = fmt.Sprintf("%s (part %d of %d)", base, part, total)
		}

		fileName := rec.FileName
		if total > 1 {
			fileName = fmt.Sprintf("%s.part%02d", rec.FileName, part)
		}

		err := t.retry.Do(ctx, func() error {
			return t.sink.Deliver(ctx, rec.Channel, fileName, payload, unitCaption, part, total)
		})
		if err != nil {
			return fmt.Errorf("deliver part %d of %d: %w", part, total, err)
		}

		if part < total && t.pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.pause):
			}
		}
	}

	return nil
}

func caption(site *domain.Site, rec *domain.DownloadRecord, size int64) string {
	return fmt.Sprintf("%s (%s) | %s | %s",
		rec.FileName,
		humanSize(size),
		site.DisplayName(),
		rec.DiscoveredAt.UTC().Format("2006-01-02"),
	)
}

func humanSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(size)/float64(div), "KMGTPE"[exp])
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"mediafetch/internal/domain"
)

// Ledger is the subset of record-store reads and writes the sweeper
// needs to decide what a file on disk belongs to.
type Ledger interface {
	GetByLocalPath(ctx context.Context, localPath string) (*domain.DownloadRecord, error)
	ClearLocalPath(ctx context.Context, id int64) error
}

// Config holds sweeper configuration.
type Config struct {
	BaseDir   string
	TempDir   string
	Interval  time.Duration
	Retention time.Duration
}

// Stats summarizes one sweep.
type Stats struct {
	Scanned  int
	Removed  int
	Orphaned int
}

// Sweeper periodically reclaims local storage for files whose record is
// delivered, or failed past the retention threshold. Files awaiting
// delivery are never touched, and files the ledger does not know about
// are logged and kept rather than destroyed.
type Sweeper struct {
	fs        afero.Fs
	ledger    Ledger
	baseDir   string
	tempDir   string
	interval  time.Duration
	retention time.Duration
	onReclaim func()
	logger    *slog.Logger
}

func New(cfg Config, fs afero.Fs, ledger Ledger, onReclaim func(), logger *slog.Logger) *Sweeper {
	return &Sweeper{
		fs:        fs,
		ledger:    ledger,
		baseDir:   cfg.BaseDir,
		tempDir:   cfg.TempDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		onReclaim: onReclaim,
		logger:    logger.With("component", "sweeper"),
	}
}

// Start runs sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval, "retention", s.retention)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep walks the organized tree once and removes reclaimable files.
func (s *Sweeper) Sweep(ctx context.Context) (Stats, error) {
	var stats Stats
	cutoff := time.Now().Add(-s.retention)

	// The organized tree appears with the first download; until then
	// there is nothing to walk.
	treeExists, err := afero.DirExists(s.fs, s.baseDir)
	if err != nil {
		return stats, err
	}

	if treeExists {
		if err := s.sweepTree(ctx, &stats, cutoff); err != nil {
			return stats, err
		}
	}

	stats.Removed += s.sweepTemp(cutoff)

	if stats.Removed > 0 {
		s.logger.Info("sweep completed",
			"scanned", stats.Scanned,
			"removed", stats.Removed,
			"orphaned", stats.Orphaned,
		)
		if s.onReclaim != nil {
			s.onReclaim()
		}
	}

	return stats, nil
}

func (s *Sweeper) sweepTree(ctx context.Context, stats *Stats, cutoff time.Time) error {
	return afero.Walk(s.fs, s.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Scanned++

		rec, err := s.ledger.GetByLocalPath(ctx, path)
		if errors.Is(err, domain.ErrRecordNotFound) {
			// In-flight transfers from a concurrent worker look like
			// orphans; destroying them would corrupt the tree.
			stats.Orphaned++
			s.logger.Warn("orphaned file on disk, keeping", "path", path)
			return nil
		}
		if err != nil {
			return err
		}

		if !s.reclaimable(rec, cutoff) {
			return nil
		}

		if err := s.fs.Remove(path); err != nil {
			s.logger.Warn("remove reclaimable file", "path", path, "error", err)
			return nil
		}
		if err := s.ledger.ClearLocalPath(ctx, rec.ID); err != nil {
			return err
		}
		stats.Removed++
		s.logger.Debug("reclaimed file",
			"path", path,
			"record_id", rec.ID,
			"status", rec.Status,
		)
		return nil
	})
}

// reclaimable: delivered and failed items are kept for the retention
// window, delivered for operator inspection and failed for manual
// recovery. Anything pending or downloaded is awaiting delivery and
// untouchable.
func (s *Sweeper) reclaimable(rec *domain.DownloadRecord, cutoff time.Time) bool {
	switch rec.Status {
	case domain.StatusDelivered:
		return rec.UpdatedAt.Before(cutoff)
	case domain.StatusFailed:
		return rec.UpdatedAt.Before(cutoff)
	default:
		return false
	}
}

// sweepTemp drops stale leftovers in the download scratch directory,
// such as partial files from an interrupted process.
func (s *Sweeper) sweepTemp(cutoff time.Time) int {
	entries, err := afero.ReadDir(s.fs, s.tempDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || entry.ModTime().After(cutoff) {
			continue
		}
		if err := s.fs.Remove(filepath.Join(s.tempDir, entry.Name())); err == nil {
			removed++
		}
	}
	return removed
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediafetch/internal/domain"
)

// Pipeline runs one site's scan end to end: discover candidates,
// reserve pending records, download with a bounded worker pool,
// organize into the storage tree and hand over to delivery. Records
// left unfinished by earlier runs are picked up again before the new
// candidates, so nothing in the ledger strands in pending or
// downloaded.
type Pipeline struct {
	scanner     Scanner
	records     RecordStore
	fetcher     Fetcher
	organizer   Organizer
	deliverer   Deliverer
	concurrency int
	logger      *slog.Logger
}

func NewPipeline(
	scanner Scanner,
	records RecordStore,
	fetcher Fetcher,
	organizer Organizer,
	deliverer Deliverer,
	concurrency int,
	logger *slog.Logger,
) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		scanner:     scanner,
		records:     records,
		fetcher:     fetcher,
		organizer:   organizer,
		deliverer:   deliverer,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run scans the site once and processes every new candidate plus any
// leftover record from earlier runs. Per-item failures are counted, not
// propagated; the returned error reports scan failure, ledger
// unavailability or full local storage.
func (p *Pipeline) Run(ctx context.Context, site *domain.Site) (*domain.ScanStats, error) {
	startTime := time.Now()
	stats := &domain.ScanStats{
		RunID:  uuid.NewString(),
		SiteID: site.ID,
	}
	logger := p.logger.With("site_id", site.ID, "run_id", stats.RunID)

	logger.Info("starting scan", "url", site.URL)

	candidates, err := p.scanner.Scan(ctx, site)
	if err != nil {
		return stats, fmt.Errorf("scan site: %w", err)
	}
	stats.Found = len(candidates)

	// Leftovers first, listed before the new inserts below so a record
	// can never appear in both sets.
	resumable, err := p.records.ListResumable(ctx, site.ID)
	if err != nil {
		return stats, fmt.Errorf("list resumable: %w", err)
	}
	jobs := make([]*domain.DownloadRecord, 0, len(resumable)+len(candidates))
	for i := range resumable {
		jobs = append(jobs, &resumable[i])
	}
	if len(resumable) > 0 {
		logger.Info("resuming unfinished items", "count", len(resumable))
	}

	// Reserve records in discovery order. A duplicate means another
	// scan (or an earlier one) already owns the item.
	for _, cand := range candidates {
		rec, err := p.records.RecordPending(ctx, site, cand.URL, cand.Name, cand.FileType)
		if errors.Is(err, domain.ErrDuplicateItem) {
			stats.Skipped++
			continue
		}
		if err != nil {
			return stats, fmt.Errorf("record pending: %w", err)
		}
		stats.New++
		jobs = append(jobs, rec)
	}

	logger.Info("scan discovered items",
		"found", stats.Found,
		"new", stats.New,
		"skipped", stats.Skipped,
		"resumed", len(resumable),
	)

	storageFull := p.processJobs(ctx, site, jobs, stats, logger)

	stats.Duration = time.Since(startTime)

	logger.Info("scan completed",
		"new", stats.New,
		"skipped", stats.Skipped,
		"downloaded", stats.Downloaded,
		"delivered", stats.Delivered,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)

	if storageFull {
		return stats, domain.ErrStorageFull
	}
	return stats, nil
}

// processJobs fans jobs out to a bounded worker pool. Items are
// dequeued in discovery order; completion order is whichever worker
// finishes first. Reports whether any item hit full local storage.
func (p *Pipeline) processJobs(ctx context.Context, site *domain.Site, jobs []*domain.DownloadRecord, stats *domain.ScanStats, logger *slog.Logger) bool {
	if len(jobs) == 0 {
		return false
	}

	workers := p.concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	jobCh := make(chan *domain.DownloadRecord)
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		storageFull bool
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobCh {
				full := p.processItem(ctx, site, rec, stats, &mu, logger)
				if full {
					mu.Lock()
					storageFull = true
					mu.Unlock()
				}
			}
		}()
	}

	for _, rec := range jobs {
		jobCh <- rec
	}
	close(jobCh)
	wg.Wait()

	return storageFull
}

// processItem advances one record as far as it can get. Pending records
// run the whole download-organize-deliver path; resumed downloaded
// records skip straight to delivery.
func (p *Pipeline) processItem(ctx context.Context, site *domain.Site, rec *domain.DownloadRecord, stats *domain.ScanStats, mu *sync.Mutex, logger *slog.Logger) bool {
	if rec.Status == domain.StatusDownloaded {
		if rec.LocalPath == nil {
			// The local file was lost between runs; the downloaded state
			// cannot legally go back to pending, so the item ends failed.
			p.markFailed(ctx, rec, domain.ReasonDownloadFailed, logger)
			logger.Warn("resumed record has no local file", "record_id", rec.ID)
			mu.Lock()
			stats.Failed++
			mu.Unlock()
			return false
		}
		p.deliverItem(ctx, site, rec, *rec.LocalPath, stats, mu, logger)
		return false
	}

	tempPath, size, err := p.fetcher.Fetch(ctx, rec)
	if err != nil {
		if errors.Is(err, domain.ErrStorageFull) {
			// Leave the record pending: it resumes once cleanup frees
			// space and the site is scanned again.
			logger.Warn("local storage full", "record_id", rec.ID)
			return true
		}
		if interrupted(err) {
			logger.Warn("download interrupted, record stays pending", "record_id", rec.ID)
			return false
		}

		reason := domain.ReasonDownloadFailed
		if errors.Is(err, domain.ErrTooLarge) {
			reason = domain.ReasonTooLarge
		}
		p.markFailed(ctx, rec, reason, logger)
		logger.Warn("download failed",
			"record_id", rec.ID,
			"url", rec.SourceURL,
			"reason", reason,
			"error", err,
		)
		mu.Lock()
		stats.Failed++
		mu.Unlock()
		return false
	}

	finalPath, err := p.organizer.Place(site, rec, tempPath)
	if err != nil {
		p.markFailed(ctx, rec, domain.ReasonDownloadFailed, logger)
		logger.Warn("organize failed", "record_id", rec.ID, "error", err)
		mu.Lock()
		stats.Failed++
		mu.Unlock()
		return errors.Is(err, domain.ErrStorageFull)
	}

	if err := p.records.MarkDownloaded(ctx, rec, finalPath, size); err != nil {
		p.reportTransition(rec, err, logger)
		mu.Lock()
		stats.Failed++
		mu.Unlock()
		return false
	}
	mu.Lock()
	stats.Downloaded++
	mu.Unlock()

	p.deliverItem(ctx, site, rec, finalPath, stats, mu, logger)
	return false
}

func (p *Pipeline) deliverItem(ctx context.Context, site *domain.Site, rec *domain.DownloadRecord, localPath string, stats *domain.ScanStats, mu *sync.Mutex, logger *slog.Logger) {
	if err := p.deliverer.Deliver(ctx, site, rec, localPath); err != nil {
		if interrupted(err) {
			logger.Warn("delivery interrupted, record stays downloaded", "record_id", rec.ID)
			return
		}
		// The deliverer already advanced the record to failed.
		mu.Lock()
		stats.Failed++
		mu.Unlock()
		return
	}

	mu.Lock()
	stats.Delivered++
	mu.Unlock()
}

func (p *Pipeline) markFailed(ctx context.Context, rec *domain.DownloadRecord, reason domain.FailureReason, logger *slog.Logger) {
	if err := p.records.MarkFailed(ctx, rec, reason); err != nil {
		p.reportTransition(rec, err, logger)
	}
}

// reportTransition surfaces ledger invariant violations loudly; they
// indicate a pipeline bug, not an operational failure.
func (p *Pipeline) reportTransition(rec *domain.DownloadRecord, err error, logger *slog.Logger) {
	if errors.Is(err, domain.ErrIllegalTransition) {
		logger.Error("illegal record state transition",
			"record_id", rec.ID,
			"status", rec.Status,
			"error", err,
		)
		return
	}
	logger.Error("record state update failed", "record_id", rec.ID, "error", err)
}

// interrupted reports a context-driven stop, shutdown or scan timeout,
// rather than an item failure. The record keeps its current state and
// is resumed by a later scan.
func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

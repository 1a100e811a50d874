package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"mediafetch/internal/domain"
)

// Runner executes one scan of one site.
type Runner interface {
	Run(ctx context.Context, site *domain.Site) (*domain.ScanStats, error)
}

type SiteStore interface {
	List(ctx context.Context) ([]domain.Site, error)
	Get(ctx context.Context, id int64) (*domain.Site, error)
	UpdateLastChecked(ctx context.Context, id int64, t time.Time) error
	SetPaused(ctx context.Context, id int64, paused bool) error
}

type ScanStateStore interface {
	Get(ctx context.Context, siteID int64) (*domain.ScanState, error)
	Update(ctx context.Context, state *domain.ScanState) error
}

type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config holds scheduler configuration.
type Config struct {
	DefaultInterval time.Duration
	PollInterval    time.Duration
	ScanTimeout     time.Duration
}

// Scheduler drives periodic scans across all active sites. Different
// sites scan concurrently; the same site never scans twice at once.
// The per-site last-checked timestamp is owned here and written only at
// scan completion, also when the scan failed, so a broken site does not
// spin in a tight retry loop.
type Scheduler struct {
	sites     SiteStore
	scanState ScanStateStore
	tx        TransactionManager
	runner    Runner

	defaultInterval time.Duration
	pollInterval    time.Duration
	scanTimeout     time.Duration
	logger          *slog.Logger

	mu          sync.Mutex
	inFlight    map[int64]struct{}
	storageHold map[int64]struct{}

	checkNow chan int64
	wg       sync.WaitGroup
}

func New(cfg Config, sites SiteStore, scanState ScanStateStore, tx TransactionManager, runner Runner, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.ScanTimeout == 0 {
		cfg.ScanTimeout = 30 * time.Minute
	}
	return &Scheduler{
		sites:           sites,
		scanState:       scanState,
		tx:              tx,
		runner:          runner,
		defaultInterval: cfg.DefaultInterval,
		pollInterval:    cfg.PollInterval,
		scanTimeout:     cfg.ScanTimeout,
		logger:          logger.With("component", "scheduler"),
		inFlight:        make(map[int64]struct{}),
		storageHold:     make(map[int64]struct{}),
		checkNow:        make(chan int64, 16),
	}
}

// Start runs the scheduling loop until ctx is cancelled, then drains
// in-flight scans before returning.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"default_interval", s.defaultInterval,
		"poll_interval", s.pollInterval,
	)

	s.dispatchDue(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping, draining scans")
			s.wg.Wait()
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case siteID := <-s.checkNow:
			s.dispatchManual(ctx, siteID)
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

// CheckNow requests an immediate scan of a site, bypassing the interval
// without resetting the natural schedule. As an explicit operator
// action it also overrides a pause; only a storage hold or an already
// running scan refuses it.
func (s *Scheduler) CheckNow(siteID int64) {
	select {
	case s.checkNow <- siteID:
	default:
		s.logger.Warn("check-now queue full, signal dropped", "site_id", siteID)
	}
}

// Pause stops scheduling new scans for a site. An in-flight scan is
// allowed to complete; there is no abrupt kill.
func (s *Scheduler) Pause(ctx context.Context, siteID int64) error {
	return s.sites.SetPaused(ctx, siteID, true)
}

func (s *Scheduler) Resume(ctx context.Context, siteID int64) error {
	return s.sites.SetPaused(ctx, siteID, false)
}

// ReleaseStorageHolds lets held sites scan again after cleanup freed
// local space.
func (s *Scheduler) ReleaseStorageHolds() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.storageHold) > 0 {
		s.logger.Info("releasing storage holds", "sites", len(s.storageHold))
		s.storageHold = make(map[int64]struct{})
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	sites, err := s.sites.List(ctx)
	if err != nil {
		s.logger.Error("list sites", "error", err)
		return
	}

	now := time.Now()
	for i := range sites {
		site := sites[i]
		if site.Paused {
			continue
		}
		if !site.LastChecked.IsZero() && now.Before(site.LastChecked.Add(site.IntervalOr(s.defaultInterval))) {
			continue
		}
		s.launch(ctx, &site, false)
	}
}

func (s *Scheduler) dispatchManual(ctx context.Context, siteID int64) {
	site, err := s.sites.Get(ctx, siteID)
	if err != nil {
		s.logger.Error("check-now lookup failed", "site_id", siteID, "error", err)
		return
	}
	s.launch(ctx, site, true)
}

// launch starts a scan goroutine unless the site is already scanning
// or held for storage.
func (s *Scheduler) launch(ctx context.Context, site *domain.Site, manual bool) {
	s.mu.Lock()
	if _, running := s.inFlight[site.ID]; running {
		s.mu.Unlock()
		return
	}
	if _, held := s.storageHold[site.ID]; held {
		s.mu.Unlock()
		s.logger.Debug("site held for storage, skipping", "site_id", site.ID)
		return
	}
	s.inFlight[site.ID] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, site.ID)
			s.mu.Unlock()
		}()
		s.runScan(ctx, site, manual)
	}()
}

func (s *Scheduler) runScan(ctx context.Context, site *domain.Site, manual bool) {
	scanCtx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	stats, err := s.runner.Run(scanCtx, site)
	scanEnd := time.Now()

	switch {
	case errors.Is(err, domain.ErrStorageFull):
		s.mu.Lock()
		s.storageHold[site.ID] = struct{}{}
		s.mu.Unlock()
		s.logger.Warn("site held until cleanup frees storage", "site_id", site.ID)
	case err != nil:
		// Recoverable: the schedule still advances below so a broken
		// site waits a full interval before the next try.
		s.logger.Error("scan failed", "site_id", site.ID, "manual", manual, "error", err)
	}

	if err := s.recordCompletion(ctx, site, stats, scanEnd, manual); err != nil {
		s.logger.Error("record scan completion", "site_id", site.ID, "error", err)
	}
}

// recordCompletion persists last-checked and scan bookkeeping in one
// transaction. Manual scans leave last-checked alone so they do not
// shift the natural schedule.
func (s *Scheduler) recordCompletion(ctx context.Context, site *domain.Site, stats *domain.ScanStats, scanEnd time.Time, manual bool) error {
	// Survives shutdown cancellation so a draining scan still lands
	// its bookkeeping.
	bkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	return s.tx.WithTransaction(bkCtx, func(txCtx context.Context) error {
		if !manual {
			if err := s.sites.UpdateLastChecked(txCtx, site.ID, scanEnd); err != nil {
				return err
			}
		}
		if stats == nil {
			return nil
		}

		state, err := s.scanState.Get(txCtx, site.ID)
		if err != nil {
			return err
		}
		state.SiteID = site.ID
		state.LastScannedAt = scanEnd
		state.LastRunID = stats.RunID
		state.TotalFetched += int64(stats.Downloaded)
		return s.scanState.Update(txCtx, state)
	})
}

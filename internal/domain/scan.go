package domain

import "time"

// Candidate is a URL discovered during a scan that matched the site's
// inclusion rule, before dedup filtering.
type Candidate struct {
	URL      string
	Name     string
	FileType string
}

// ScanStats holds the aggregate outcome of one scan of one site.
type ScanStats struct {
	RunID      string
	SiteID     int64
	Found      int
	New        int
	Skipped    int
	Downloaded int
	Delivered  int
	Failed     int
	Duration   time.Duration
}

// ScanState is the persisted per-site scan bookkeeping row.
type ScanState struct {
	SiteID        int64     `db:"site_id"`
	LastScannedAt time.Time `db:"last_scanned_at"`
	LastRunID     string    `db:"last_run_id"`
	TotalFetched  int64     `db:"total_fetched"`
}

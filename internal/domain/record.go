package domain

import (
	"errors"
	"time"
)

// Status is a DownloadRecord lifecycle state. Legal transitions:
// pending -> downloaded -> delivered, and pending|downloaded -> failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDownloaded Status = "downloaded"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// FailureReason records why an item ended up in StatusFailed.
type FailureReason string

const (
	ReasonTooLarge       FailureReason = "too_large"
	ReasonDownloadFailed FailureReason = "download_failed"
	ReasonDeliveryFailed FailureReason = "delivery_failed"
)

var (
	// ErrDuplicateItem reports that a source URL is already present in
	// the ledger. Expected during overlapping scans, not a failure.
	ErrDuplicateItem = errors.New("item already recorded")

	// ErrIllegalTransition reports a status update from an illegal
	// predecessor state. Indicates a pipeline bug, never swallowed.
	ErrIllegalTransition = errors.New("illegal record state transition")

	// ErrTooLarge reports a remote resource above the configured byte
	// ceiling.
	ErrTooLarge = errors.New("file exceeds size limit")

	// ErrStorageFull reports that local storage ran out of space.
	// Scanning for the affected site is held until cleanup frees space.
	ErrStorageFull = errors.New("local storage full")

	// ErrRecordNotFound reports a ledger lookup miss.
	ErrRecordNotFound = errors.New("record not found")

	// ErrSiteNotFound reports a lookup for an unknown site id.
	ErrSiteNotFound = errors.New("site not found")
)

// DownloadRecord is the ledger entry tracking one discovered item from
// discovery through delivery. SourceURL is the dedup identity, unique
// across the ledger.
type DownloadRecord struct {
	ID            int64          `db:"id"`
	SiteID        int64          `db:"site_id"`
	SourceURL     string         `db:"source_url"`
	FileName      string         `db:"file_name"`
	FileType      string         `db:"file_type"`
	LocalPath     *string        `db:"local_path"`
	Size          int64          `db:"size_bytes"`
	Status        Status         `db:"status"`
	FailureReason *FailureReason `db:"failure_reason"`
	Channel       string         `db:"channel"`
	DiscoveredAt  time.Time      `db:"discovered_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

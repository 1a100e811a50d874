package service

//go:generate mockgen -source=interfaces.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"mediafetch/internal/domain"
)

type Scanner interface {
	Scan(ctx context.Context, site *domain.Site) ([]domain.Candidate, error)
}

type RecordStore interface {
	RecordPending(ctx context.Context, site *domain.Site, sourceURL, name, fileType string) (*domain.DownloadRecord, error)
	ListResumable(ctx context.Context, siteID int64) ([]domain.DownloadRecord, error)
	MarkDownloaded(ctx context.Context, rec *domain.DownloadRecord, localPath string, size int64) error
	MarkFailed(ctx context.Context, rec *domain.DownloadRecord, reason domain.FailureReason) error
}

type Fetcher interface {
	Fetch(ctx context.Context, rec *domain.DownloadRecord) (tempPath string, size int64, err error)
}

type Organizer interface {
	Place(site *domain.Site, rec *domain.DownloadRecord, tempPath string) (string, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, site *domain.Site, rec *domain.DownloadRecord, localPath string) error
}

package postgres

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"mediafetch/internal/domain"
)

// RecordStore is the single writer of DownloadRecord state transitions.
// Inserts are atomic insert-if-absent on the source URL, and every
// transition validates the legal predecessor state in the UPDATE itself
// so concurrent workers cannot race past the lifecycle.
type RecordStore struct {
	db *sqlx.DB
}

func NewRecordStore(db *sqlx.DB) *RecordStore {
	return &RecordStore{db: db}
}

func (s *RecordStore) IsKnown(ctx context.Context, sourceURL string) (bool, error) {
	var known bool
	err := s.db.GetContext(ctx, &known,
		"SELECT EXISTS (SELECT 1 FROM download_records WHERE source_url = $1)",
		sourceURL,
	)
	return known, err
}

// RecordPending reserves a pending record for a discovered item. Returns
// domain.ErrDuplicateItem when the source URL is already in the ledger.
func (s *RecordStore) RecordPending(ctx context.Context, site *domain.Site, sourceURL, name, fileType string) (*domain.DownloadRecord, error) {
	query := `
		INSERT INTO download_records (site_id, source_url, file_name, file_type, status, channel)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_url) DO NOTHING
		RETURNING id, discovered_at, updated_at`

	rec := &domain.DownloadRecord{
		SiteID:    site.ID,
		SourceURL: sourceURL,
		FileName:  name,
		FileType:  fileType,
		Status:    domain.StatusPending,
		Channel:   site.Channel,
	}

	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		site.ID, sourceURL, name, fileType, domain.StatusPending, site.Channel,
	).Scan(&rec.ID, &rec.DiscoveredAt, &rec.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, domain.ErrDuplicateItem
	}
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (s *RecordStore) MarkDownloaded(ctx context.Context, rec *domain.DownloadRecord, localPath string, size int64) error {
	query := `
		UPDATE download_records
		SET status = $1, local_path = $2, size_bytes = $3, updated_at = now()
		WHERE id = $4 AND status = $5`

	err := s.transition(ctx, query,
		domain.StatusDownloaded, localPath, size, rec.ID, domain.StatusPending)
	if err != nil {
		return err
	}

	rec.Status = domain.StatusDownloaded
	rec.LocalPath = &localPath
	rec.Size = size
	return nil
}

func (s *RecordStore) MarkDelivered(ctx context.Context, rec *domain.DownloadRecord) error {
	query := `
		UPDATE download_records
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`

	err := s.transition(ctx, query,
		domain.StatusDelivered, rec.ID, domain.StatusDownloaded)
	if err != nil {
		return err
	}

	rec.Status = domain.StatusDelivered
	return nil
}

func (s *RecordStore) MarkFailed(ctx context.Context, rec *domain.DownloadRecord, reason domain.FailureReason) error {
	query := `
		UPDATE download_records
		SET status = $1, failure_reason = $2, updated_at = now()
		WHERE id = $3 AND status IN ($4, $5)`

	err := s.transition(ctx, query,
		domain.StatusFailed, reason, rec.ID, domain.StatusPending, domain.StatusDownloaded)
	if err != nil {
		return err
	}

	rec.Status = domain.StatusFailed
	rec.FailureReason = &reason
	return nil
}

func (s *RecordStore) transition(ctx context.Context, query string, args ...any) error {
	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrIllegalTransition
	}
	return nil
}

// ListResumable returns the site's records still owed work: pending
// items whose download was interrupted or deferred, and downloaded
// items never delivered. Ordered by discovery so resumption preserves
// the original scan order.
func (s *RecordStore) ListResumable(ctx context.Context, siteID int64) ([]domain.DownloadRecord, error) {
	var recs []domain.DownloadRecord
	query := `
		SELECT id, site_id, source_url, file_name, file_type, local_path,
		       size_bytes, status, failure_reason, channel, discovered_at, updated_at
		FROM download_records
		WHERE site_id = $1 AND status IN ($2, $3)
		ORDER BY discovered_at, id`

	err := s.db.SelectContext(ctx, &recs, query,
		siteID, domain.StatusPending, domain.StatusDownloaded)
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *RecordStore) GetBySourceURL(ctx context.Context, sourceURL string) (*domain.DownloadRecord, error) {
	var rec domain.DownloadRecord
	query := `
		SELECT id, site_id, source_url, file_name, file_type, local_path,
		       size_bytes, status, failure_reason, channel, discovered_at, updated_at
		FROM download_records
		WHERE source_url = $1`

	err := s.db.GetContext(ctx, &rec, query, sourceURL)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RecordStore) GetByLocalPath(ctx context.Context, localPath string) (*domain.DownloadRecord, error) {
	var rec domain.DownloadRecord
	query := `
		SELECT id, site_id, source_url, file_name, file_type, local_path,
		       size_bytes, status, failure_reason, channel, discovered_at, updated_at
		FROM download_records
		WHERE local_path = $1`

	err := s.db.GetContext(ctx, &rec, query, localPath)
	if err == sql.ErrNoRows {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ClearLocalPath detaches a reclaimed file from its record after the
// sweeper removed it from disk.
func (s *RecordStore) ClearLocalPath(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE download_records SET local_path = NULL, updated_at = now() WHERE id = $1",
		id,
	)
	return err
}

// CountByStatus reports aggregate ledger counts, surfaced by the status
// command layer.
func (s *RecordStore) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM download_records GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[domain.Status]int64)
	for rows.Next() {
		var status domain.Status
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		result[status] = count
	}
	return result, rows.Err()
}

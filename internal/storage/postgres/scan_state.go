package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"mediafetch/internal/domain"
)

type ScanStateStore struct {
	db *sqlx.DB
}

func NewScanStateStore(db *sqlx.DB) *ScanStateStore {
	return &ScanStateStore{db: db}
}

func (s *ScanStateStore) Get(ctx context.Context, siteID int64) (*domain.ScanState, error) {
	var state domain.ScanState
	query := `
		SELECT site_id, last_scanned_at, last_run_id, total_fetched
		FROM scan_state
		WHERE site_id = $1`

	err := sqlx.GetContext(ctx, GetExecutor(ctx, s.db), &state, query, siteID)
	if err == sql.ErrNoRows {
		// Empty state for sites that were never scanned.
		return &domain.ScanState{
			SiteID:        siteID,
			LastScannedAt: time.Time{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *ScanStateStore) Update(ctx context.Context, state *domain.ScanState) error {
	query := `
		INSERT INTO scan_state (site_id, last_scanned_at, last_run_id, total_fetched)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (site_id) DO UPDATE SET
			last_scanned_at = EXCLUDED.last_scanned_at,
			last_run_id = EXCLUDED.last_run_id,
			total_fetched = EXCLUDED.total_fetched`

	_, err := GetExecutor(ctx, s.db).ExecContext(ctx, query,
		state.SiteID,
		state.LastScannedAt,
		state.LastRunID,
		state.TotalFetched,
	)
	return err
}

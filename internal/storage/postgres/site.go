package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"mediafetch/internal/domain"
)

type SiteStore struct {
	db *sqlx.DB
}

func NewSiteStore(db *sqlx.DB) *SiteStore {
	return &SiteStore{db: db}
}

const siteColumns = `
	id, url, name, channel, folder, match_kind, extensions, selector,
	pattern, check_interval_seconds, paused, last_checked, created_at`

func (s *SiteStore) Create(ctx context.Context, site *domain.Site) (int64, error) {
	query := `
		INSERT INTO sites (
			url, name, channel, folder, match_kind, extensions, selector,
			pattern, check_interval_seconds, paused
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			channel = EXCLUDED.channel,
			folder = EXCLUDED.folder,
			match_kind = EXCLUDED.match_kind,
			extensions = EXCLUDED.extensions,
			selector = EXCLUDED.selector,
			pattern = EXCLUDED.pattern,
			check_interval_seconds = EXCLUDED.check_interval_seconds,
			paused = EXCLUDED.paused
		RETURNING id`

	var id int64
	err := GetExecutor(ctx, s.db).QueryRowxContext(ctx, query,
		site.URL,
		site.Name,
		site.Channel,
		site.Folder,
		site.Rule.Kind,
		pq.StringArray(site.Rule.Extensions),
		site.Rule.Selector,
		site.Rule.Pattern,
		int64(site.CheckInterval/time.Second),
		site.Paused,
	).Scan(&id)
	if err != nil {
		return 0, err
	}

	site.ID = id
	return id, nil
}

func (s *SiteStore) Get(ctx context.Context, id int64) (*domain.Site, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+siteColumns+" FROM sites WHERE id = $1", id)

	site, err := scanSite(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrSiteNotFound
	}
	return site, err
}

func (s *SiteStore) List(ctx context.Context) ([]domain.Site, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT"+siteColumns+" FROM sites ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []domain.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		sites = append(sites, *site)
	}
	return sites, rows.Err()
}

// UpdateLastChecked is owned by the scheduler, written at scan
// completion only.
func (s *SiteStore) UpdateLastChecked(ctx context.Context, id int64, t time.Time) error {
	_, err := GetExecutor(ctx, s.db).ExecContext(ctx,
		"UPDATE sites SET last_checked = $1 WHERE id = $2", t, id)
	return err
}

func (s *SiteStore) SetPaused(ctx context.Context, id int64, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE sites SET paused = $1 WHERE id = $2", paused, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrSiteNotFound
	}
	return nil
}

// Delete removes a site. Download records keep their site reference,
// there is no cascading delete of ledger history.
func (s *SiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sites WHERE id = $1", id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*domain.Site, error) {
	var (
		site            domain.Site
		extensions      pq.StringArray
		selector        sql.NullString
		pattern         sql.NullString
		intervalSeconds int64
		lastChecked     sql.NullTime
	)

	err := row.Scan(
		&site.ID,
		&site.URL,
		&site.Name,
		&site.Channel,
		&site.Folder,
		&site.Rule.Kind,
		&extensions,
		&selector,
		&pattern,
		&intervalSeconds,
		&site.Paused,
		&lastChecked,
		&site.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	site.Rule.Extensions = []string(extensions)
	site.Rule.Selector = selector.String
	site.Rule.Pattern = pattern.String
	site.CheckInterval = time.Duration(intervalSeconds) * time.Second
	if lastChecked.Valid {
		site.LastChecked = lastChecked.Time
	}
	return &site, nil
}

package organizer

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"mediafetch/internal/domain"
)

// Organizer computes destination paths in the organized storage tree
// and moves completed downloads into place. Path computation is a pure
// function of its inputs; the discovery date is passed in, never read
// from the clock.
type Organizer struct {
	fs   afero.Fs
	base string

	// serializes the exists-check and rename: Rename replaces an
	// existing destination, so two workers resolving the same rendered
	// path must not pass the check concurrently.
	mu sync.Mutex
}

func New(fs afero.Fs, base string) *Organizer {
	return &Organizer{fs: fs, base: base}
}

// Path returns the relative destination path for an item:
// <folder>/<date>/<type>/<name>. Deterministic: identical arguments
// always yield the identical path.
func Path(folder string, date time.Time, fileType, name string) string {
	return filepath.Join(
		sanitize(folder),
		date.UTC().Format("2006-01-02"),
		sanitize(fileType),
		sanitize(name),
	)
}

// Place moves a finished download from its temporary path to the final
// location for its record. When the computed path is already taken by a
// different item, a suffix derived from the record id is appended
// instead of overwriting.
func (o *Organizer) Place(site *domain.Site, rec *domain.DownloadRecord, tempPath string) (string, error) {
	rel := Path(site.Folder, rec.DiscoveredAt, rec.FileType, rec.FileName)
	final := filepath.Join(o.base, rel)

	if err := o.fs.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("create target dir: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if exists, err := afero.Exists(o.fs, final); err != nil {
		return "", err
	} else if exists {
		final = withSuffix(final, rec.ID)
	}

	if err := o.fs.Rename(tempPath, final); err != nil {
		return "", fmt.Errorf("move into place: %w", err)
	}

	return final, nil
}

// withSuffix inserts a record-identity suffix before the extension, so
// colliding names from distinct source URLs never overwrite each other.
func withSuffix(p string, id int64) string {
	ext := filepath.Ext(p)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(p, ext), id, ext)
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unnamed"
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unnamed"
	}
	return out
}

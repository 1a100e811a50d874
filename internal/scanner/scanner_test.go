package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediafetch/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestScanner(depth int) *Scanner {
	return New(Config{Timeout: 5 * time.Second, PaginationDepth: depth}, testLogger())
}

func siteFor(srv *httptest.Server, rule domain.MatchRule) *domain.Site {
	return &domain.Site{ID: 1, URL: srv.URL + "/files/", Rule: rule}
}

func TestScan_ExtensionRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="lecture-01.mp4">Lecture 1</a>
			<a href="notes.pdf">Notes</a>
			<a href="styles.css">Styles</a>
			<a href="archive.zip">Archive</a>
			<a href="/about">About</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{
		Kind:       domain.MatchExtensions,
		Extensions: []string{"mp4", "pdf"},
	})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, srv.URL+"/files/lecture-01.mp4", candidates[0].URL)
	assert.Equal(t, "Lecture 1", candidates[0].Name)
	assert.Equal(t, "mp4", candidates[0].FileType)
	assert.Equal(t, srv.URL+"/files/notes.pdf", candidates[1].URL)
	assert.Equal(t, "pdf", candidates[1].FileType)
}

func TestScan_DefaultExtensionsWhenRuleEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="a.mp4">a</a>
			<a href="b.pdf">b</a>
			<a href="c.txt">c</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 2)
}

func TestScan_SelectorRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<div class="downloads">
				<a href="report.xlsx">Quarterly report</a>
			</div>
			<a href="unrelated.mp4">Unrelated</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{
		Kind:     domain.MatchSelector,
		Selector: "div.downloads a[href]",
	})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "Quarterly report", candidates[0].Name)
	assert.Equal(t, "xlsx", candidates[0].FileType)
}

func TestScan_PatternRule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="/media/episode-12.mp3">Ep 12</a>
			<a href="/media/transcript-12.txt">Transcript</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{
		Kind:    domain.MatchPattern,
		Pattern: `episode-\d+\.mp3$`,
	})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, srv.URL+"/media/episode-12.mp3", candidates[0].URL)
}

func TestScan_InvalidPatternRule(t *testing.T) {
	s := newTestScanner(1)
	site := &domain.Site{ID: 1, URL: "http://example.invalid/", Rule: domain.MatchRule{
		Kind:    domain.MatchPattern,
		Pattern: `episode-[`,
	}}

	_, err := s.Scan(context.Background(), site)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "matching rule")
}

func TestScan_RelativeLinksResolvedAgainstPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="sub/a.mp4">rel</a>
			<a href="/root/b.mp4">abs path</a>
			<a href="mailto:nobody@example.com">mail</a>
			<a href="ftp://example.com/c.mp4">ftp</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, srv.URL+"/files/sub/a.mp4", candidates[0].URL)
	assert.Equal(t, srv.URL+"/root/b.mp4", candidates[1].URL)
}

func TestScan_DuplicateLinksOnPageDedupedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="a.mp4">First mention</a>
			<a href="a.mp4">Second mention</a>
			<a href="a.mp4#section">With fragment</a>
		</body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "First mention", candidates[0].Name)
}

func TestScan_NameFallsBackToPathBase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="video.mp4"><img src="thumb.jpg"/></a></body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "video.mp4", candidates[0].Name)
}

func TestScan_FollowsPaginationUpToDepth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="a.mp4">a</a>
			<a rel="next" href="/page/2">next</a>
		</body></html>`)
	})
	mux.HandleFunc("/page/2", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="/files/b.mp4">b</a>
			<a rel="next" href="/page/3">next</a>
		</body></html>`)
	})
	mux.HandleFunc("/page/3", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/files/c.mp4">c</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestScanner(2)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	// Depth 2 means the first page plus one pagination hop.
	require.Len(t, candidates, 2)
	assert.Equal(t, "a", candidates[0].Name)
	assert.Equal(t, "b", candidates[1].Name)
}

func TestScan_PaginationLoopGuard(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="a.mp4">a</a>
			<a rel="next" href="/files/">next</a>
		</body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestScanner(5)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestScan_LaterPageFailureKeepsEarlierResults(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>
			<a href="a.mp4">a</a>
			<a rel="next" href="/page/2">next</a>
		</body></html>`)
	})
	mux.HandleFunc("/page/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestScanner(3)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestScan_FirstPageFailureIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	s := newTestScanner(3)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	_, err := s.Scan(context.Background(), site)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch listing page")
}

func TestScan_EmptyPageYieldsNoCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>nothing here</p></body></html>`)
	}))
	defer srv.Close()

	s := newTestScanner(1)
	site := siteFor(srv, domain.MatchRule{Kind: domain.MatchExtensions, Extensions: []string{"mp4"}})

	candidates, err := s.Scan(context.Background(), site)

	require.NoError(t, err)
	assert.Empty(t, candidates)
}

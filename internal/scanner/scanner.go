package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"mediafetch/internal/domain"
)

const userAgent = "mediafetch/1.0"

// Config holds scanner configuration.
type Config struct {
	Timeout         time.Duration
	PaginationDepth int
}

// Scanner fetches a site's listing pages and extracts candidate item
// URLs according to the site's matching rule. It performs network reads
// only and never touches the ledger.
type Scanner struct {
	httpClient *http.Client
	maxDepth   int
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Scanner {
	depth := cfg.PaginationDepth
	if depth < 1 {
		depth = 1
	}
	return &Scanner{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		maxDepth: depth,
		logger:   logger.With("component", "scanner"),
	}
}

// Scan walks the site's listing starting at its URL, following
// pagination links up to the configured depth, and returns qualifying
// candidates in discovery order. A page that fails to parse yields an
// empty result for that page, not an error; only the initial fetch
// failing is reported as a scan failure.
func (s *Scanner) Scan(ctx context.Context, site *domain.Site) ([]domain.Candidate, error) {
	match, err := matcherFor(site.Rule)
	if err != nil {
		return nil, fmt.Errorf("site %d matching rule: %w", site.ID, err)
	}

	pageURL, err := url.Parse(site.URL)
	if err != nil {
		return nil, fmt.Errorf("parse site url: %w", err)
	}

	var candidates []domain.Candidate
	seenURL := make(map[string]struct{})
	seenPage := map[string]struct{}{pageURL.String(): {}}

	for depth := 0; depth < s.maxDepth; depth++ {
		doc, err := s.fetchPage(ctx, pageURL.String())
		if err != nil {
			if depth == 0 {
				return nil, fmt.Errorf("fetch listing page: %w", err)
			}
			s.logger.Warn("pagination fetch failed, stopping",
				"site_id", site.ID,
				"page", pageURL.String(),
				"error", err,
			)
			break
		}

		found := s.extract(doc, pageURL, site.Rule, match, seenURL)
		candidates = append(candidates, found...)

		s.logger.Debug("scanned page",
			"site_id", site.ID,
			"page", pageURL.String(),
			"candidates", len(found),
			"total", len(candidates),
		)

		next := nextPageURL(doc, pageURL)
		if next == nil {
			break
		}
		if _, looped := seenPage[next.String()]; looped {
			break
		}
		seenPage[next.String()] = struct{}{}
		pageURL = next
	}

	return candidates, nil
}

func (s *Scanner) fetchPage(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "text/html")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	return doc, nil
}

func (s *Scanner) extract(doc *goquery.Document, base *url.URL, rule domain.MatchRule, match matcher, seen map[string]struct{}) []domain.Candidate {
	selector := "a[href]"
	if rule.Kind == domain.MatchSelector && rule.Selector != "" {
		selector = rule.Selector
	}

	var found []domain.Candidate
	doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}

		ref, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		abs.Fragment = ""
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if !match.matches(abs) {
			return
		}
		if _, dup := seen[abs.String()]; dup {
			return
		}
		seen[abs.String()] = struct{}{}

		found = append(found, domain.Candidate{
			URL:      abs.String(),
			Name:     candidateName(sel, abs),
			FileType: fileType(abs),
		})
	})

	return found
}

func candidateName(sel *goquery.Selection, u *url.URL) string {
	if name := strings.TrimSpace(sel.Text()); name != "" {
		return name
	}
	return path.Base(u.Path)
}

func nextPageURL(doc *goquery.Document, base *url.URL) *url.URL {
	href, ok := doc.Find(`a[rel="next"]`).First().Attr("href")
	if !ok || strings.TrimSpace(href) == "" {
		return nil
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return nil
	}
	next := base.ResolveReference(ref)
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil
	}
	return next
}

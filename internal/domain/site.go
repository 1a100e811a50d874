package domain

import (
	"net/url"
	"time"
)

// MatchKind selects the strategy used to qualify candidate URLs on a
// listing page.
type MatchKind string

const (
	// MatchExtensions accepts URLs whose file extension is in the site's
	// accepted-type set.
	MatchExtensions MatchKind = "extensions"
	// MatchSelector accepts every link selected by a CSS selector.
	MatchSelector MatchKind = "selector"
	// MatchPattern accepts URLs matching a regular expression.
	MatchPattern MatchKind = "pattern"
)

// MatchRule is the tagged variant describing how a site's listing links
// are filtered. Exactly one of Extensions, Selector or Pattern is
// meaningful depending on Kind.
type MatchRule struct {
	Kind       MatchKind
	Extensions []string
	Selector   string
	Pattern    string
}

// Site is a configured remote listing location to be monitored.
type Site struct {
	ID            int64
	URL           string
	Name          string
	Channel       string
	Folder        string
	Rule          MatchRule
	CheckInterval time.Duration // zero means the global default applies
	Paused        bool
	LastChecked   time.Time
	CreatedAt     time.Time
}

// IntervalOr returns the site's scan interval, falling back to def when
// no per-site override is configured.
func (s *Site) IntervalOr(def time.Duration) time.Duration {
	if s.CheckInterval > 0 {
		return s.CheckInterval
	}
	return def
}

// DisplayName returns the configured name, defaulting to the listing
// host when none was given.
func (s *Site) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if u, err := url.Parse(s.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return s.URL
}

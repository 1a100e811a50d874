package scanner

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"mediafetch/internal/domain"
)

// matcher decides whether a resolved candidate URL qualifies for a
// site. One implementation per domain.MatchKind, closed set.
type matcher interface {
	matches(u *url.URL) bool
}

func matcherFor(rule domain.MatchRule) (matcher, error) {
	switch rule.Kind {
	case domain.MatchExtensions, "":
		exts := rule.Extensions
		if len(exts) == 0 {
			exts = []string{"mp4", "pdf"}
		}
		set := make(map[string]struct{}, len(exts))
		for _, ext := range exts {
			set[strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))] = struct{}{}
		}
		return extensionMatcher{set: set}, nil
	case domain.MatchSelector:
		if rule.Selector == "" {
			return nil, fmt.Errorf("selector rule without selector")
		}
		return selectorMatcher{}, nil
	case domain.MatchPattern:
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile url pattern: %w", err)
		}
		return patternMatcher{re: re}, nil
	default:
		return nil, fmt.Errorf("unknown match kind %q", rule.Kind)
	}
}

type extensionMatcher struct {
	set map[string]struct{}
}

func (m extensionMatcher) matches(u *url.URL) bool {
	_, ok := m.set[fileType(u)]
	return ok
}

// selectorMatcher accepts everything the configured CSS selector
// already picked out of the page.
type selectorMatcher struct{}

func (selectorMatcher) matches(*url.URL) bool { return true }

type patternMatcher struct {
	re *regexp.Regexp
}

func (m patternMatcher) matches(u *url.URL) bool {
	return m.re.MatchString(u.String())
}

// fileType returns the lowercased extension of the URL path without
// the dot, or "file" when there is none.
func fileType(u *url.URL) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return "file"
	}
	return ext
}

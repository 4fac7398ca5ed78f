package metrics

import (
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CriticalBucket is the priority bucket whose members count as critical files.
const CriticalBucket = "critical"

// Matcher decides which changed paths are critical and which priority buckets they fall in.
// Patterns are exact paths or doublestar globs, matched against slash-separated paths.
type Matcher struct {
	critical []string
	buckets  map[string][]string
}

// NewMatcher builds a matcher. Patterns in the "critical" bucket are treated as critical
// entries too.
func NewMatcher(critical []string, buckets map[string][]string) *Matcher {
	m := &Matcher{buckets: make(map[string][]string, len(buckets))}
	m.critical = append(m.critical, critical...)
	for name, patterns := range buckets {
		m.buckets[name] = append([]string(nil), patterns...)
		if name == CriticalBucket {
			m.critical = append(m.critical, patterns...)
		}
	}
	return m
}

// IsCritical reports whether p matches any critical entry.
func (m *Matcher) IsCritical(p string) bool {
	if m == nil {
		return false
	}
	return matchAny(m.critical, p)
}

// Buckets returns the sorted bucket names p belongs to.
func (m *Matcher) Buckets(p string) []string {
	if m == nil {
		return nil
	}
	var names []string
	for name, patterns := range m.buckets {
		if matchAny(patterns, p) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func matchAny(patterns []string, p string) bool {
	p = path.Clean(strings.TrimPrefix(p, "./"))
	for _, pattern := range patterns {
		if pattern == p {
			return true
		}
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

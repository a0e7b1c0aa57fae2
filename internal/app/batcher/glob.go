package batcher

import (
	"path/filepath"
	"strings"
)

// matchAny reports whether rel (a slash-separated path relative to the
// target directory) matches any of patterns. Patterns use shell-glob syntax
// per path segment via stdlib path/filepath.Match; a "**" segment matches
// zero or more path segments, giving the doublestar-style recursive
// wildcard the config's default patterns rely on
// (e.g. "**/.git/**") without a third-party glob dependency.
func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if matchGlob(p, rel) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, name string) bool {
	return matchSegments(splitPath(pattern), splitPath(name))
}

func splitPath(p string) []string {
	p = filepath.ToSlash(p)
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// matchSegments walks pattern and name segment by segment, expanding "**"
// to match any number (including zero) of remaining name segments.
func matchSegments(pattern, name []string) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pattern, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	ok, err := filepath.Match(pattern[0], name[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], name[1:])
}

// Package version provides version comparison for artifact feeds.
// Feed versions are semver-like but not guaranteed to be valid semver
// (four-segment versions such as "6.5.1.2" are common), so comparison
// falls back to a dotted-numeric segment compare when semver parsing
// fails.
package version

import (
	"errors"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrEmptyVersion is returned by Validate for blank version strings.
var ErrEmptyVersion = errors.New("version string cannot be empty")

// Compare compares two version strings and returns -1, 0 or 1.
// Both versions are parsed as semver first; if either fails to parse,
// comparison degrades to a segment-by-segment dotted-numeric compare.
// A missing segment counts as zero, so "1.2" == "1.2.0".
func Compare(v1, v2 string) int {
	s1, err1 := semver.NewVersion(strings.TrimSpace(v1))
	s2, err2 := semver.NewVersion(strings.TrimSpace(v2))
	if err1 == nil && err2 == nil {
		return s1.Compare(s2)
	}
	return compareDotted(v1, v2)
}

// Less reports whether v1 is strictly lower than v2.
func Less(v1, v2 string) bool {
	return Compare(v1, v2) < 0
}

// Validate checks that a version string is non-empty and contains at
// least one numeric segment.
func Validate(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return ErrEmptyVersion
	}
	for _, seg := range splitSegments(v) {
		if _, err := strconv.Atoi(seg); err == nil {
			return nil
		}
	}
	return errors.New("version has no numeric segment: " + v)
}

// Latest returns the highest version in the list, skipping entries
// that fail Validate. Returns an empty string for an empty list.
func Latest(versions []string) string {
	latest := ""
	for _, v := range versions {
		if Validate(v) != nil {
			continue
		}
		if latest == "" || Compare(v, latest) > 0 {
			latest = v
		}
	}
	return latest
}

// compareDotted compares purely on dotted numeric segments. Non-numeric
// segments compare lexically after numeric ones, matching how feeds
// order suffixed builds.
func compareDotted(v1, v2 string) int {
	a := splitSegments(v1)
	b := splitSegments(v2)

	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		sa, sb := "0", "0"
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		switch {
		case errA == nil && errB == nil:
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
		case errA == nil:
			return 1 // numeric beats suffix ("1.2.0" > "1.2.rc1")
		case errB == nil:
			return -1
		default:
			if c := strings.Compare(sa, sb); c != 0 {
				return c
			}
		}
	}
	return 0
}

// splitSegments normalizes a version string to its dotted segments.
// A leading "v" is dropped and dashes/underscores count as separators.
func splitSegments(v string) []string {
	v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "v"))
	v = strings.NewReplacer("-", ".", "_", ".").Replace(v)
	return strings.Split(v, ".")
}

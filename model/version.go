package model

import (
	"fmt"
	"strconv"
	"strings"
)

// OldestSupportedSchemaVersion is the oldest database schema this build can operate against.
var OldestSupportedSchemaVersion = Version{Major: 1, Patch: 0}

// A Version represents a version of the persisted schema. Major versions are incompatible base schemas, patches
// are migrations applied on top of a base.
type Version struct {
	Major int
	Patch int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Patch)
}

// Before reports whether v should be ordered before v2
func (v Version) Before(v2 Version) bool {
	return v.Compare(v2) < 0
}

// Compare returns -1 if v < v2, +1 if v > v2 and 0 if they are equal.
func (v Version) Compare(v2 Version) int {
	switch {
	case v.Major != v2.Major:
		return sign(v.Major - v2.Major)
	default:
		return sign(v.Patch - v2.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// ParseVersion parses a version in major.patch form. A bare integer is read as a major version with patch 0.
func ParseVersion(s string) (Version, error) {
	majorStr, patchStr, hasPatch := strings.Cut(strings.TrimSpace(s), ".")

	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return Version{}, fmt.Errorf("invalid major version %q: %w", majorStr, err)
	}
	if major < 0 {
		return Version{}, fmt.Errorf("invalid version %q: major must not be negative", s)
	}
	if !hasPatch {
		return Version{Major: major}, nil
	}

	patch, err := strconv.Atoi(patchStr)
	if err != nil {
		return Version{}, fmt.Errorf("invalid patch version %q: %w", patchStr, err)
	}
	if patch < 0 {
		return Version{}, fmt.Errorf("invalid version %q: patch must not be negative", s)
	}
	return Version{Major: major, Patch: patch}, nil
}

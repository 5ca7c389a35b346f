// Package timefmt is the canonical timestamp codec for storage and the
// wire protocol.
//
// Schedule timestamps are persisted as naive text with microsecond
// precision, interpreted in a single process-wide configurable
// location. In memory all instants are absolute time.Time values; the
// location is applied only at the encode/decode boundary.
package timefmt

import (
	"fmt"
	"strings"
	"time"
)

// Layout matches the stored textual format, e.g. "2024-03-01 15:04:05.000000".
const Layout = "2006-01-02 15:04:05.000000"

// Format renders t in loc. A nil loc means UTC.
func Format(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(Layout)
}

// Parse reads a stored timestamp in loc. A nil loc means UTC.
func Parse(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(Layout, strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("timefmt: %w", err)
	}
	return t, nil
}

// LoadLocation resolves an IANA zone name, defaulting to UTC for the
// empty string.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("timefmt: unknown timezone %q: %w", name, err)
	}
	return loc, nil
}

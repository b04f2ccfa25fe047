package ingest

import (
	"strings"
	"time"
)

// timeLayouts is the ordered list of timestamp formats the Graph API has
// been seen to emit. It uses "+0000" offsets, which time.RFC3339 rejects.
var timeLayouts = []string{
	"2006-01-02T15:04:05-0700",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// ParseTime parses an API timestamp. Returns the zero time on failure.
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// StripNullBytes removes null bytes, which Postgres TEXT columns reject.
func StripNullBytes(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// optional returns nil for an empty string.
func optional(s string) *string {
	s = StripNullBytes(s)
	if s == "" {
		return nil
	}
	return &s
}

package tool

import (
	"fmt"
	"time"
)

// isoPattern admits YYYY-MM-DD optionally followed by a time and zone.
const isoPattern = `^\d{4}-\d{2}-\d{2}(T\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:\d{2})?)?$`

var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	time.DateOnly,
}

// ParseISO parses an ISO-8601 date or date-time. Values without a zone are UTC.
func ParseISO(s string) (time.Time, error) {
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("not an ISO-8601 date or date-time: %q", s)
}

// IsDateOnly reports whether s carries no time component.
func IsDateOnly(s string) bool {
	_, err := time.Parse(time.DateOnly, s)
	return err == nil
}

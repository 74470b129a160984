package units

import (
	"fmt"
	"time"
)

// IsTimezoneValid reports whether tz names a zone in the tz database.
func IsTimezoneValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// ConvertTime returns t in the named zone. Fixes are stored in UTC.
func ConvertTime(t time.Time, tz string) (time.Time, error) {
	if tz == "" || tz == "UTC" {
		return t.UTC(), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t, fmt.Errorf("failed to load timezone %s: %w", tz, err)
	}
	return t.In(loc), nil
}

// FormatTime formats t as RFC3339 in the named zone, falling back to UTC
// when the zone cannot be loaded.
func FormatTime(t time.Time, tz string) string {
	local, err := ConvertTime(t, tz)
	if err != nil {
		local = t.UTC()
	}
	return local.Format(time.RFC3339)
}

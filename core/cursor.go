package core

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)([+-]\d{4})?\)/$`)

var providerTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// FormatWatermark renders a timestamp watermark in its stored form.
func FormatWatermark(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

// ParseWatermark reads a stored timestamp watermark. Empty or opaque values
// return nil.
func ParseWatermark(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return timePointer(parsed)
}

// WatermarkAdvances reports whether candidate may replace current. Timestamp
// watermarks only move forward. Opaque tokens move on any change.
func WatermarkAdvances(current, candidate string) bool {
	candidate = strings.TrimSpace(candidate)
	current = strings.TrimSpace(current)
	if candidate == "" || candidate == current {
		return false
	}
	if current == "" {
		return true
	}
	currentTime := ParseWatermark(current)
	candidateTime := ParseWatermark(candidate)
	if currentTime != nil && candidateTime != nil {
		return candidateTime.After(*currentTime)
	}
	return true
}

// ParseProviderTime accepts the timestamp shapes accounting APIs emit:
// RFC3339, zone-less ISO timestamps (read as UTC), plain dates and the
// /Date(ms+0000)/ form.
func ParseProviderTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if match := msDatePattern.FindStringSubmatch(raw); match != nil {
		millis, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(millis).UTC(), true
	}
	for _, layout := range providerTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

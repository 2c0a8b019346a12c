package storage

import (
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// NormalizeSchoolID trims whitespace so "10000000 " and "10000000" share a key.
func NormalizeSchoolID(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeDate canonicalizes a calendar date to YYYY-MM-DD. Dates that do
// not parse are returned trimmed but otherwise untouched.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t.Format(dateLayout)
	}
	// Accept full timestamps and keep only the calendar day.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Format(dateLayout)
	}
	return s
}

// ValidDate reports whether s is a YYYY-MM-DD date.
func ValidDate(s string) bool {
	_, err := time.Parse(dateLayout, s)
	return err == nil
}

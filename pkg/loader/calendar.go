package loader

import (
	"sort"
	"time"
)

const dateLayout = "2006-01-02"

// DateEnabled reports whether date may be loaded. A date is enabled when the
// server lists it, or when it lies after the last listed date on a school day
// before the last known free day. The second rule covers dates the server
// has not published yet but will.
func DateEnabled(enabledDates, freeDays []string, date string) bool {
	if contains(enabledDates, date) {
		return true
	}
	if len(enabledDates) == 0 || len(freeDays) == 0 {
		return false
	}
	if date <= maxDate(enabledDates) || date >= maxDate(freeDays) {
		return false
	}
	if contains(freeDays, date) {
		return false
	}
	t, err := time.Parse(dateLayout, date)
	if err != nil {
		return false
	}
	return !isWeekend(t)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func contains(dates []string, date string) bool {
	for _, d := range dates {
		if d == date {
			return true
		}
	}
	return false
}

// maxDate returns the last date of the list. The server sends sorted lists;
// sorting a copy keeps this correct when it doesn't.
func maxDate(dates []string) string {
	if sort.StringsAreSorted(dates) {
		return dates[len(dates)-1]
	}
	dup := append([]string(nil), dates...)
	sort.Strings(dup)
	return dup[len(dup)-1]
}

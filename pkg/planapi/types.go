package planapi

import (
	"encoding/json"
	"sort"
)

// NewestRevision asks the server for whatever edition of the plan is current.
const NewestRevision = ".newest"

// PlanResult is a successfully fetched plan.
type PlanResult struct {
	// Payload is the envelope's data object, passed through untouched.
	Payload    json.RawMessage
	RevisionID string
	// IsDefaultPlan is set when the server has no real schedule for the date
	// yet and answered with a placeholder.
	IsDefaultPlan bool
}

// Empty reports whether the payload carries no keys at all.
func (r PlanResult) Empty() bool {
	return isEmptyObject(r.Payload)
}

// NetworkFailure is the single failure shape of the network leg. Transport
// errors, non-2xx statuses and success:false envelopes all end up here.
type NetworkFailure struct {
	Message    string
	StatusCode int
	Err        error
}

func (e *NetworkFailure) Error() string {
	return e.Message
}

func (e *NetworkFailure) Unwrap() error {
	return e.Err
}

// Calendar is the subset of the meta endpoint needed to decide which dates
// can be loaded.
type Calendar struct {
	// EnabledDates are the dates with a published plan, ascending.
	EnabledDates []string
	// FreeDays are holidays and other days without school, ascending.
	FreeDays []string
	// Revisions maps a date to its known revision timestamps as sent by
	// the server.
	Revisions map[string][]string
	// ClosestDate is the server's suggestion for the default date to show.
	ClosestDate string
}

// LatestRevision returns the newest revision known for date.
func (c Calendar) LatestRevision(date string) (string, bool) {
	revs := append([]string(nil), c.Revisions[date]...)
	if len(revs) == 0 {
		return "", false
	}
	sort.Strings(revs)
	return revs[len(revs)-1], true
}

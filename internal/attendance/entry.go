package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the classification of an attendance entry.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
	StatusAbsent  Status = "absent"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent:
		return true
	}
	return false
}

var (
	// ErrDuplicateEntry is returned by Ledger.Create when an entry already
	// exists for the same subject, session and date.
	ErrDuplicateEntry = errors.New("attendance entry already exists")
	// ErrEntryNotFound is returned when no entry matches a lookup.
	ErrEntryNotFound = errors.New("attendance entry not found")
)

// Entry is one recorded attendance. OccurredOn holds a calendar date as
// midnight UTC; see DateOf.
type Entry struct {
	ID         string    `json:"id" db:"id"`
	SubjectRef string    `json:"subject_ref" db:"subject_ref"`
	SessionRef string    `json:"session_ref" db:"session_ref"`
	OccurredOn time.Time `json:"-" db:"occurred_on"`
	Status     Status    `json:"status" db:"status"`
	DeviceID   string    `json:"device_id,omitempty" db:"device_id"`
	IPAddress  string    `json:"ip_address,omitempty" db:"ip_address"`
	Latitude   *float64  `json:"latitude,omitempty" db:"latitude"`
	Longitude  *float64  `json:"longitude,omitempty" db:"longitude"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

// Date renders OccurredOn as YYYY-MM-DD.
func (e Entry) Date() string {
	return e.OccurredOn.Format(time.DateOnly)
}

// MarshalJSON renders OccurredOn as a plain date.
func (e Entry) MarshalJSON() ([]byte, error) {
	type entry Entry
	return json.Marshal(struct {
		entry
		OccurredOn string `json:"occurred_on"`
	}{entry: entry(e), OccurredOn: e.Date()})
}

// Filter narrows ledger queries. Zero fields do not filter. From and To are
// inclusive dates.
type Filter struct {
	SessionRefs []string
	SubjectRef  string
	Status      Status
	From        time.Time
	To          time.Time
	DeviceID    string
	OldestFirst bool
	Limit       int
	Offset      int
}

// StatusCounts tallies entries per status.
type StatusCounts struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
}

// Total is the number of counted entries.
func (c StatusCounts) Total() int { return c.Present + c.Late + c.Absent }

// Ledger is the durable store of attendance entries. Create must enforce
// uniqueness of (subject, session, date) itself.
type Ledger interface {
	Create(ctx context.Context, e Entry) (Entry, error)
	Exists(ctx context.Context, subjectRef, sessionRef string, date time.Time) (bool, error)
	FindByDeviceOnDate(ctx context.Context, sessionRef string, date time.Time, deviceID, excludingSubject string) (Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	CountByStatus(ctx context.Context, f Filter) (StatusCounts, error)
	CountDistinctDates(ctx context.Context, sessionRef string) (int, error)
}

// DateOf returns the calendar date of t in loc, normalized to midnight UTC.
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD into the ledger's date representation.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, s, time.UTC)
}

package attendance

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entryKey struct {
	subject string
	session string
	date    time.Time
}

// MemoryLedger keeps entries in process memory, for dev and tests. Create is
// an atomic conditional insert on (subject, session, date).
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
	keys    map[entryKey]struct{}
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{keys: make(map[entryKey]struct{})}
}

func keyOf(subject, session string, date time.Time) entryKey {
	return entryKey{subject: subject, session: session, date: date.UTC()}
}

func (l *MemoryLedger) Create(_ context.Context, e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := keyOf(e.SubjectRef, e.SessionRef, e.OccurredOn)
	if _, ok := l.keys[k]; ok {
		return Entry{}, ErrDuplicateEntry
	}
	l.keys[k] = struct{}{}
	l.entries = append(l.entries, e)
	return e, nil
}

func (l *MemoryLedger) Exists(_ context.Context, subjectRef, sessionRef string, date time.Time) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.keys[keyOf(subjectRef, sessionRef, date)]
	return ok, nil
}

func (l *MemoryLedger) FindByDeviceOnDate(_ context.Context, sessionRef string, date time.Time, deviceID, excludingSubject string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.SessionRef == sessionRef && e.OccurredOn.Equal(date) && e.DeviceID == deviceID && e.SubjectRef != excludingSubject {
			return e, nil
		}
	}
	return Entry{}, ErrEntryNotFound
}

func (l *MemoryLedger) List(_ context.Context, f Filter) ([]Entry, error) {
	l.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range l.entries {
		if f.match(e) {
			out = append(out, e)
		}
	}
	l.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b Entry) int {
		c := a.OccurredOn.Compare(b.OccurredOn)
		if c == 0 {
			c = a.RecordedAt.Compare(b.RecordedAt)
		}
		if f.OldestFirst {
			return c
		}
		return -c
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []Entry{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (l *MemoryLedger) CountByStatus(_ context.Context, f Filter) (StatusCounts, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var c StatusCounts
	for _, e := range l.entries {
		if !f.match(e) {
			continue
		}
		switch e.Status {
		case StatusPresent:
			c.Present++
		case StatusLate:
			c.Late++
		case StatusAbsent:
			c.Absent++
		}
	}
	return c, nil
}

func (l *MemoryLedger) CountDistinctDates(_ context.Context, sessionRef string) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	dates := make(map[time.Time]struct{})
	for _, e := range l.entries {
		if e.SessionRef == sessionRef {
			dates[e.OccurredOn.UTC()] = struct{}{}
		}
	}
	return len(dates), nil
}

func (f Filter) match(e Entry) bool {
	if len(f.SessionRefs) > 0 && !slices.Contains(f.SessionRefs, e.SessionRef) {
		return false
	}
	if f.SubjectRef != "" && e.SubjectRef != f.SubjectRef {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.DeviceID != "" && e.DeviceID != f.DeviceID {
		return false
	}
	if !f.From.IsZero() && e.OccurredOn.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.OccurredOn.After(f.To) {
		return false
	}
	return true
}

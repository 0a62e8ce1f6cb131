// Package stats derives attendance percentages and dashboard counters from
// the ledger. It never writes.
package stats

import (
	"context"
	"fmt"
	"math"
	"time"

	"classattend/internal/attendance"
	"classattend/internal/auth"
	"classattend/internal/enrollment"
)

// SessionStats is one subject's attendance in one session.
//
// TotalSessionDates counts the distinct dates on which anyone recorded
// attendance for the session. Dates where nobody attended are invisible, so
// the percentage is an upper bound.
type SessionStats struct {
	SessionRef        string  `json:"session_ref"`
	SessionName       string  `json:"session_name"`
	TotalSessionDates int     `json:"total_classes"`
	Present           int     `json:"present_count"`
	Late              int     `json:"late_count"`
	Absent            int     `json:"absent_count"`
	Percentage        float64 `json:"percentage"`
}

// Dashboard holds today's counters for the sessions in a caller's scope.
type Dashboard struct {
	Date          string `json:"date"`
	TotalSubjects int    `json:"total_students"`
	TotalSessions int    `json:"total_classes"`
	TodayPresent  int    `json:"today_present"`
	TodayLate     int    `json:"today_late"`
	TodayAbsent   int    `json:"today_absent"`
	TodayTotal    int    `json:"today_total"`
}

// Scope identifies whose sessions a dashboard covers.
type Scope struct {
	Role       string
	SubjectRef string
}

// Aggregator reads from the ledger and the enrollment directory.
type Aggregator struct {
	ledger    attendance.Ledger
	directory enrollment.Directory
	loc       *time.Location
	now       func() time.Time
}

// NewAggregator creates an aggregator. loc decides what "today" is.
func NewAggregator(ledger attendance.Ledger, directory enrollment.Directory, loc *time.Location, clock func() time.Time) *Aggregator {
	if loc == nil {
		loc = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{ledger: ledger, directory: directory, loc: loc, now: clock}
}

// ForSubject returns one record per enrolled session, in enrollment order.
func (a *Aggregator) ForSubject(ctx context.Context, subjectRef string) ([]SessionStats, error) {
	sessions, err := a.directory.SessionsFor(ctx, subjectRef)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	out := make([]SessionStats, 0, len(sessions))
	for _, s := range sessions {
		counts, err := a.ledger.CountByStatus(ctx, attendance.Filter{
			SessionRefs: []string{s.Ref},
			SubjectRef:  subjectRef,
		})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", s.Ref, err)
		}
		total, err := a.ledger.CountDistinctDates(ctx, s.Ref)
		if err != nil {
			return nil, fmt.Errorf("count dates %s: %w", s.Ref, err)
		}
		out = append(out, build(s, total, counts))
	}
	return out, nil
}

func build(s enrollment.Session, total int, c attendance.StatusCounts) SessionStats {
	st := SessionStats{
		SessionRef:        s.Ref,
		SessionName:       s.Name,
		TotalSessionDates: total,
		Present:           c.Present,
		Late:              c.Late,
		Absent:            max(total-c.Present-c.Late, 0),
	}
	if total > 0 {
		st.Percentage = round2(float64(c.Present+c.Late) / float64(total) * 100)
	}
	return st
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Dashboard aggregates today's entries across the sessions in scope: every
// session for admins, taught sessions for instructors.
func (a *Aggregator) Dashboard(ctx context.Context, scope Scope) (Dashboard, error) {
	instructor := ""
	switch scope.Role {
	case auth.RoleAdmin:
	case auth.RoleInstructor:
		instructor = scope.SubjectRef
	default:
		return Dashboard{}, fmt.Errorf("dashboard: role %q has no dashboard scope", scope.Role)
	}

	sessions, err := a.directory.SessionsTaughtBy(ctx, instructor)
	if err != nil {
		return Dashboard{}, fmt.Errorf("list sessions: %w", err)
	}
	today := attendance.DateOf(a.now(), a.loc)
	d := Dashboard{Date: today.Format(time.DateOnly), TotalSessions: len(sessions)}
	if len(sessions) == 0 {
		return d, nil
	}

	refs := make([]string, 0, len(sessions))
	for _, s := range sessions {
		refs = append(refs, s.Ref)
	}
	if d.TotalSubjects, err = a.directory.CountSubjects(ctx, refs); err != nil {
		return Dashboard{}, fmt.Errorf("count subjects: %w", err)
	}
	counts, err := a.ledger.CountByStatus(ctx, attendance.Filter{SessionRefs: refs, From: today, To: today})
	if err != nil {
		return Dashboard{}, fmt.Errorf("count today: %w", err)
	}
	d.TodayPresent, d.TodayLate, d.TodayAbsent = counts.Present, counts.Late, counts.Absent
	d.TodayTotal = counts.Total()
	return d, nil
}

package attendance

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"classattend/internal/store"
)

const entryColumns = `id, subject_ref, session_ref, occurred_on, status, device_id, ip_address, latitude, longitude, recorded_at`

// PostgresLedger persists entries in attendance_entries. The table's unique
// constraint on (subject_ref, session_ref, occurred_on) arbitrates races.
type PostgresLedger struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresLedger creates a ledger. timeout bounds every call.
func NewPostgresLedger(db *sql.DB, timeout time.Duration) *PostgresLedger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresLedger{db: db, timeout: timeout}
}

// Create inserts e, returning ErrDuplicateEntry on the uniqueness constraint.
func (r *PostgresLedger) Create(ctx context.Context, e Entry) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_entries (`+entryColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING recorded_at
	`, e.ID, e.SubjectRef, e.SessionRef, e.OccurredOn, string(e.Status), e.DeviceID, e.IPAddress, e.Latitude, e.Longitude, e.RecordedAt)
	if err := row.Scan(&e.RecordedAt); err != nil {
		if store.IsUniqueViolation(err) {
			return Entry{}, ErrDuplicateEntry
		}
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	e.RecordedAt = e.RecordedAt.UTC()
	return e, nil
}

// Exists reports whether the subject already has an entry for the session on date.
func (r *PostgresLedger) Exists(ctx context.Context, subjectRef, sessionRef string, date time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_entries
			WHERE subject_ref = $1 AND session_ref = $2 AND occurred_on = $3
		)
	`, subjectRef, sessionRef, date).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check entry: %w", err)
	}
	return exists, nil
}

// FindByDeviceOnDate returns an entry of another subject made with deviceID.
func (r *PostgresLedger) FindByDeviceOnDate(ctx context.Context, sessionRef string, date time.Time, deviceID, excludingSubject string) (Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var e Entry
	err := sqlscan.Get(ctx, r.db, &e, `
		SELECT `+entryColumns+`
		FROM attendance_entries
		WHERE session_ref = $1 AND occurred_on = $2 AND device_id = $3 AND subject_ref <> $4
		ORDER BY recorded_at
		LIMIT 1
	`, sessionRef, date, deviceID, excludingSubject)
	if err != nil {
		if sqlscan.NotFound(err) {
			return Entry{}, ErrEntryNotFound
		}
		return Entry{}, fmt.Errorf("find by device: %w", err)
	}
	return normalize(e), nil
}

// List returns entries matching f, newest first unless f.OldestFirst.
func (r *PostgresLedger) List(ctx context.Context, f Filter) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := f.clauses()
	query := `SELECT ` + entryColumns + ` FROM attendance_entries` + where
	if f.OldestFirst {
		query += ` ORDER BY occurred_on, recorded_at`
	} else {
		query += ` ORDER BY occurred_on DESC, recorded_at DESC`
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += " OFFSET $" + itoa(len(args))
	}

	var rows []Entry
	if err := sqlscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		out = append(out, normalize(e))
	}
	return out, nil
}

// CountByStatus tallies entries matching f.
func (r *PostgresLedger) CountByStatus(ctx context.Context, f Filter) (StatusCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	where, args := f.clauses()
	var c StatusCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'present'),
			COUNT(*) FILTER (WHERE status = 'late'),
			COUNT(*) FILTER (WHERE status = 'absent')
		FROM attendance_entries`+where, args...).Scan(&c.Present, &c.Late, &c.Absent)
	if err != nil {
		return StatusCounts{}, fmt.Errorf("count entries: %w", err)
	}
	return c, nil
}

// CountDistinctDates counts the dates on which any entry exists for the session.
func (r *PostgresLedger) CountDistinctDates(ctx context.Context, sessionRef string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT occurred_on) FROM attendance_entries WHERE session_ref = $1
	`, sessionRef).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session dates: %w", err)
	}
	return n, nil
}

func (f Filter) clauses() (string, []any) {
	args := []any{}
	clauses := []string{}
	add := func(expr string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.Replace(expr, "?", "$"+itoa(len(args)), 1))
	}
	if len(f.SessionRefs) > 0 {
		add("session_ref = ANY(?)", f.SessionRefs)
	}
	if f.SubjectRef != "" {
		add("subject_ref = ?", f.SubjectRef)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.DeviceID != "" {
		add("device_id = ?", f.DeviceID)
	}
	if !f.From.IsZero() {
		add("occurred_on >= ?", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_on <= ?", f.To)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func normalize(e Entry) Entry {
	y, m, d := e.OccurredOn.Date()
	e.OccurredOn = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	e.RecordedAt = e.RecordedAt.UTC()
	return e
}

func itoa(i int) string { return fmt.Sprintf("%d", i) }

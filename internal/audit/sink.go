package audit

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// PostgresSink writes events to redemption_attempts.
type PostgresSink struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresSink creates a sink. timeout bounds every call.
func NewPostgresSink(db *sql.DB, timeout time.Duration) *PostgresSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresSink{db: db, timeout: timeout}
}

// Save inserts e; redelivered events are ignored.
func (s *PostgresSink) Save(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO redemption_attempts (id, token_id, session_ref, subject_ref, device_id, ip_address, outcome, status, distance_meters, attempted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.TokenID, e.SessionRef, e.SubjectRef, e.DeviceID, e.IPAddress, e.Outcome, e.Status, e.DistanceMeters, e.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Recent returns the latest attempts for a session, newest first.
func (s *PostgresSink) Recent(ctx context.Context, sessionRef string, limit int) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}

	var out []Event
	err := sqlscan.Select(ctx, s.db, &out, `
		SELECT id, token_id, session_ref, subject_ref, device_id, ip_address, outcome, status, distance_meters, attempted_at
		FROM redemption_attempts
		WHERE session_ref = $1
		ORDER BY attempted_at DESC
		LIMIT $2
	`, sessionRef, limit)
	return out, err
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Save(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of the stored events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Recent returns the latest attempts for a session, newest first.
func (s *MemorySink) Recent(_ context.Context, sessionRef string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]Event, 0)
	for _, e := range slices.Backward(s.events) {
		if e.SessionRef != sessionRef {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

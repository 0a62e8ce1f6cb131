package enrollment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"

	"classattend/internal/store"
)

// Postgres reads sessions and enrollments from the sessions and enrollments tables.
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres creates a registry. timeout bounds every call.
func NewPostgres(db *sql.DB, timeout time.Duration) *Postgres {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Postgres{db: db, timeout: timeout}
}

func (p *Postgres) IsEnrolled(ctx context.Context, subjectRef, sessionRef string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var ok bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM enrollments WHERE subject_ref = $1 AND session_ref = $2)
	`, subjectRef, sessionRef).Scan(&ok)
	return ok, err
}

func (p *Postgres) Session(ctx context.Context, ref string) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var s Session
	err := sqlscan.Get(ctx, p.db, &s, `SELECT ref, name, instructor_ref, created_at FROM sessions WHERE ref = $1`, ref)
	if err != nil {
		if sqlscan.NotFound(err) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	return s, nil
}

func (p *Postgres) SessionsFor(ctx context.Context, subjectRef string) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out []Session
	err := sqlscan.Select(ctx, p.db, &out, `
		SELECT s.ref, s.name, s.instructor_ref, s.created_at
		FROM enrollments e
		JOIN sessions s ON s.ref = e.session_ref
		WHERE e.subject_ref = $1
		ORDER BY e.enrolled_at, s.ref
	`, subjectRef)
	return out, err
}

func (p *Postgres) SessionsTaughtBy(ctx context.Context, instructorRef string) ([]Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var out []Session
	err := sqlscan.Select(ctx, p.db, &out, `
		SELECT ref, name, instructor_ref, created_at
		FROM sessions
		WHERE $1 = '' OR instructor_ref = $1
		ORDER BY created_at, ref
	`, instructorRef)
	return out, err
}

func (p *Postgres) CountSubjects(ctx context.Context, sessionRefs []string) (int, error) {
	if len(sessionRefs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT subject_ref) FROM enrollments WHERE session_ref = ANY($1)
	`, sessionRefs).Scan(&n)
	return n, err
}

// UpsertSession creates the session or updates its name and instructor.
func (p *Postgres) UpsertSession(ctx context.Context, s Session) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.db.QueryRowContext(ctx, `
		INSERT INTO sessions (ref, name, instructor_ref)
		VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO UPDATE SET
			name = EXCLUDED.name,
			instructor_ref = EXCLUDED.instructor_ref
		RETURNING created_at
	`, s.Ref, s.Name, s.InstructorRef).Scan(&s.CreatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("upsert session: %w", err)
	}
	return s, nil
}

// Enroll is idempotent.
func (p *Postgres) Enroll(ctx context.Context, subjectRef, sessionRef string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO enrollments (subject_ref, session_ref)
		VALUES ($1, $2)
		ON CONFLICT (subject_ref, session_ref) DO NOTHING
	`, subjectRef, sessionRef)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("enroll: %w", err)
	}
	return nil
}

func isForeignKeyViolation(err error) bool {
	return store.SQLState(err) == "23503"
}

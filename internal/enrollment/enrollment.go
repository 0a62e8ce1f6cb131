// Package enrollment answers who attends and who teaches a session. Creating
// sessions and enrollments is an administrative task handled by attendctl.
package enrollment

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session ref is unknown.
var ErrSessionNotFound = errors.New("session not found")

// Session is a scheduled class meeting attendance is tracked for.
type Session struct {
	Ref           string    `json:"session_ref" db:"ref"`
	Name          string    `json:"name" db:"name"`
	InstructorRef string    `json:"instructor_ref" db:"instructor_ref"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Directory is the read side used by the pipeline, stats and the API.
type Directory interface {
	IsEnrolled(ctx context.Context, subjectRef, sessionRef string) (bool, error)
	Session(ctx context.Context, ref string) (Session, error)
	// SessionsFor returns the subject's sessions in enrollment order.
	SessionsFor(ctx context.Context, subjectRef string) ([]Session, error)
	// SessionsTaughtBy returns every session when instructorRef is empty.
	SessionsTaughtBy(ctx context.Context, instructorRef string) ([]Session, error)
	// CountSubjects counts distinct subjects enrolled in any of sessionRefs.
	CountSubjects(ctx context.Context, sessionRefs []string) (int, error)
}

// Registry adds the write side.
type Registry interface {
	Directory
	UpsertSession(ctx context.Context, s Session) (Session, error)
	Enroll(ctx context.Context, subjectRef, sessionRef string) error
}

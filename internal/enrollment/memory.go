package enrollment

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Registry for dev and tests.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
	enrolled map[string][]string // subject -> sessions, in enrollment order
}

// NewMemory creates an empty registry.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]Session),
		enrolled: make(map[string][]string),
	}
}

func (m *Memory) UpsertSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[s.Ref]; ok {
		s.CreatedAt = prev.CreatedAt
	} else {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = time.Now().UTC()
		}
		m.order = append(m.order, s.Ref)
	}
	m.sessions[s.Ref] = s
	return s, nil
}

func (m *Memory) Enroll(_ context.Context, subjectRef, sessionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionRef]; !ok {
		return ErrSessionNotFound
	}
	if !slices.Contains(m.enrolled[subjectRef], sessionRef) {
		m.enrolled[subjectRef] = append(m.enrolled[subjectRef], sessionRef)
	}
	return nil
}

func (m *Memory) IsEnrolled(_ context.Context, subjectRef, sessionRef string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Contains(m.enrolled[subjectRef], sessionRef), nil
}

func (m *Memory) Session(_ context.Context, ref string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[ref]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *Memory) SessionsFor(_ context.Context, subjectRef string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.enrolled[subjectRef]))
	for _, ref := range m.enrolled[subjectRef] {
		out = append(out, m.sessions[ref])
	}
	return out, nil
}

func (m *Memory) SessionsTaughtBy(_ context.Context, instructorRef string) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0)
	for _, ref := range m.order {
		s := m.sessions[ref]
		if instructorRef == "" || s.InstructorRef == instructorRef {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) CountSubjects(_ context.Context, sessionRefs []string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.enrolled {
		for _, ref := range sessions {
			if slices.Contains(sessionRefs, ref) {
				n++
				break
			}
		}
	}
	return n, nil
}

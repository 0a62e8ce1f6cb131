package token

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository keeps tokens in process memory, for dev and tests.
type MemoryRepository struct {
	mu        sync.Mutex
	tokens    map[string]Token
	bySession map[string]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tokens:    make(map[string]Token),
		bySession: make(map[string]string),
	}
}

// Replace drops the session's previous token and stores t.
func (r *MemoryRepository) Replace(_ context.Context, t Token) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.bySession[t.SessionRef]; ok {
		delete(r.tokens, prev)
	}
	r.tokens[t.ID] = t
	r.bySession[t.SessionRef] = t.ID
	return t, nil
}

// Live returns the session's token when it has not expired at now.
func (r *MemoryRepository) Live(_ context.Context, sessionRef string, now time.Time) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.bySession[sessionRef]
	if !ok {
		return Token{}, ErrNotFound
	}
	t := r.tokens[id]
	if !t.ExpiresAt.After(now) {
		return Token{}, ErrNotFound
	}
	return t, nil
}

// Get returns a token by id.
func (r *MemoryRepository) Get(_ context.Context, id string) (Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[id]
	if !ok {
		return Token{}, ErrNotFound
	}
	return t, nil
}

package token

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"classattend/internal/geo"
)

// DefaultTTL applies when Config.TTL is not set.
const DefaultTTL = 60 * time.Second

// Config controls token lifetimes.
type Config struct {
	TTL   time.Duration
	Clock func() time.Time
}

// IssueRequest describes a new token. TTL overrides the configured lifetime when positive.
type IssueRequest struct {
	SessionRef string
	Issuer     string
	Geofence   *Geofence
	TTL        time.Duration
}

// Store manages the token lifecycle on top of a Repository.
type Store struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewStore creates a store backed by repo.
func NewStore(repo Repository, cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Store{repo: repo, ttl: cfg.TTL, now: cfg.Clock}
}

// Issue creates a token for the session and invalidates any earlier one.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (Token, error) {
	sessionRef := strings.TrimSpace(req.SessionRef)
	if sessionRef == "" {
		return Token{}, fmt.Errorf("%w: session ref required", ErrInvalidRequest)
	}
	if g := req.Geofence; g != nil {
		if !geo.ValidCoordinate(g.Latitude, g.Longitude) {
			return Token{}, fmt.Errorf("%w: geofence coordinate out of range", ErrInvalidRequest)
		}
		if g.RadiusMeters <= 0 {
			return Token{}, fmt.Errorf("%w: geofence radius must be positive", ErrInvalidRequest)
		}
	}

	ttl := s.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	t := Token{
		ID:         uuid.NewString(),
		SessionRef: sessionRef,
		Issuer:     req.Issuer,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Geofence:   req.Geofence,
	}
	issued, err := s.repo.Replace(ctx, t)
	if err != nil {
		return Token{}, fmt.Errorf("issue token: %w", err)
	}
	return issued, nil
}

// GetLive returns the newest unexpired token for the session, or ErrNotFound.
func (s *Store) GetLive(ctx context.Context, sessionRef string) (Token, error) {
	return s.repo.Live(ctx, sessionRef, s.now().UTC())
}

// Resolve looks a token up by id without checking expiry.
func (s *Store) Resolve(ctx context.Context, id string) (Token, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Token{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

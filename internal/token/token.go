package token

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no token matches the lookup.
	ErrNotFound = errors.New("token not found")
	// ErrInvalidRequest is returned when an issue request is malformed.
	ErrInvalidRequest = errors.New("invalid token request")
)

// Geofence restricts redemption to a circle around a point.
type Geofence struct {
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters int     `json:"radius_meters"`
}

// Token authorizes redemptions for one session until it expires or is superseded.
// CreatedAt is the issue time.
type Token struct {
	ID         string    `json:"token_id"`
	SessionRef string    `json:"session_ref"`
	Issuer     string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Geofence   *Geofence `json:"geofence,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Repository persists tokens. Replace must atomically drop every token of the
// session and insert t.
type Repository interface {
	Replace(ctx context.Context, t Token) (Token, error)
	Live(ctx context.Context, sessionRef string, now time.Time) (Token, error)
	Get(ctx context.Context, id string) (Token, error)
}

package token

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
)

const tokenColumns = `id, session_ref, issuer, created_at, expires_at, latitude, longitude, radius_meters`

// PostgresRepository persists tokens in the session_tokens table.
type PostgresRepository struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgresRepository creates a repo. timeout bounds every call.
func NewPostgresRepository(db *sql.DB, timeout time.Duration) *PostgresRepository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresRepository{db: db, timeout: timeout}
}

type tokenRow struct {
	ID           string    `db:"id"`
	SessionRef   string    `db:"session_ref"`
	Issuer       string    `db:"issuer"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
	Latitude     *float64  `db:"latitude"`
	Longitude    *float64  `db:"longitude"`
	RadiusMeters *int      `db:"radius_meters"`
}

func (r tokenRow) token() Token {
	t := Token{
		ID:         r.ID,
		SessionRef: r.SessionRef,
		Issuer:     r.Issuer,
		CreatedAt:  r.CreatedAt.UTC(),
		ExpiresAt:  r.ExpiresAt.UTC(),
	}
	if r.Latitude != nil && r.Longitude != nil && r.RadiusMeters != nil {
		t.Geofence = &Geofence{Latitude: *r.Latitude, Longitude: *r.Longitude, RadiusMeters: *r.RadiusMeters}
	}
	return t
}

// Replace deletes the session's tokens and inserts t in one transaction. The
// advisory lock serializes concurrent issuance for the same session only.
func (r *PostgresRepository) Replace(ctx context.Context, t Token) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Token{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, t.SessionRef); err != nil {
		return Token{}, fmt.Errorf("lock session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_tokens WHERE session_ref = $1`, t.SessionRef); err != nil {
		return Token{}, fmt.Errorf("delete previous tokens: %w", err)
	}

	var lat, lon *float64
	var radius *int
	if g := t.Geofence; g != nil {
		lat, lon, radius = &g.Latitude, &g.Longitude, &g.RadiusMeters
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_tokens (id, session_ref, issuer, created_at, expires_at, latitude, longitude, radius_meters)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.SessionRef, t.Issuer, t.CreatedAt, t.ExpiresAt, lat, lon, radius); err != nil {
		return Token{}, fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Token{}, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// Live returns the newest token of the session that expires after now.
func (r *PostgresRepository) Live(ctx context.Context, sessionRef string, now time.Time) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row tokenRow
	err := sqlscan.Get(ctx, r.db, &row, `
		SELECT `+tokenColumns+`
		FROM session_tokens
		WHERE session_ref = $1 AND expires_at > $2
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionRef, now)
	if err != nil {
		if sqlscan.NotFound(err) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	return row.token(), nil
}

// Get returns a token by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Token, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row tokenRow
	err := sqlscan.Get(ctx, r.db, &row, `SELECT `+tokenColumns+` FROM session_tokens WHERE id = $1`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return Token{}, ErrNotFound
		}
		return Token{}, err
	}
	return row.token(), nil
}

package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"classattend/internal/geo"
	"classattend/internal/token"
)

// DefaultLateThreshold applies when Config.LateThreshold is not set.
const DefaultLateThreshold = 900 * time.Second

// Config controls redemption classification.
type Config struct {
	// LateThreshold is how long after issue a redemption still counts as
	// present. Redeeming at exactly the threshold is present.
	LateThreshold time.Duration
	// Location decides the calendar date of a redemption. Defaults to UTC.
	Location *time.Location
	Clock    func() time.Time
}

// TokenResolver looks tokens up by id, regardless of expiry.
type TokenResolver interface {
	Resolve(ctx context.Context, id string) (token.Token, error)
}

// EnrollmentChecker answers whether a subject may attend a session.
type EnrollmentChecker interface {
	IsEnrolled(ctx context.Context, subjectRef, sessionRef string) (bool, error)
}

// Attempt is a single scan submitted by a redeemer.
type Attempt struct {
	TokenID    string
	SubjectRef string
	DeviceID   string
	Latitude   *float64
	Longitude  *float64
	IPAddress  string
}

// LateCriteria explains the present/late decision.
type LateCriteria struct {
	ThresholdMinutes    float64 `json:"threshold_minutes"`
	ScannedAfterSeconds int     `json:"scanned_after_seconds"`
	WasLate             bool    `json:"was_late"`
	Explanation         string  `json:"explanation"`
}

// LocationCheck is the outcome of a geofence evaluation.
type LocationCheck struct {
	AllowedRadiusMeters int     `json:"allowed_radius_meters"`
	DistanceMeters      float64 `json:"your_distance_meters"`
	Passed              bool    `json:"passed"`
}

// Result is a successful redemption. Location is nil when the token had no
// geofence.
type Result struct {
	Entry    Entry
	Late     LateCriteria
	Location *LocationCheck
	Token    token.Token
}

// Pipeline turns scan attempts into attendance entries.
type Pipeline struct {
	tokens        TokenResolver
	enrollments   EnrollmentChecker
	ledger        Ledger
	lateThreshold time.Duration
	loc           *time.Location
	now           func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(tokens TokenResolver, enrollments EnrollmentChecker, ledger Ledger, cfg Config) *Pipeline {
	if cfg.LateThreshold <= 0 {
		cfg.LateThreshold = DefaultLateThreshold
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Pipeline{
		tokens:        tokens,
		enrollments:   enrollments,
		ledger:        ledger,
		lateThreshold: cfg.LateThreshold,
		loc:           cfg.Location,
		now:           cfg.Clock,
	}
}

// Today returns the current attendance date.
func (p *Pipeline) Today() time.Time {
	return DateOf(p.now(), p.loc)
}

// Redeem runs the checks in order and stops at the first failure. Business
// failures are returned as *Rejection; any other error is internal. There is
// no retry: resubmitting a successful attempt yields AlreadyMarked.
func (p *Pipeline) Redeem(ctx context.Context, a Attempt) (Result, error) {
	if strings.TrimSpace(a.SubjectRef) == "" {
		return Result{}, errors.New("redeem: subject required")
	}

	tok, err := p.tokens.Resolve(ctx, strings.TrimSpace(a.TokenID))
	if err != nil {
		if errors.Is(err, token.ErrNotFound) {
			return Result{}, reject(ErrInvalidToken)
		}
		return Result{}, fmt.Errorf("resolve token: %w", err)
	}

	now := p.now()
	if tok.Expired(now) {
		return Result{}, rejectIn(tok.SessionRef, ErrTokenExpired)
	}

	enrolled, err := p.enrollments.IsEnrolled(ctx, a.SubjectRef, tok.SessionRef)
	if err != nil {
		return Result{}, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return Result{}, rejectIn(tok.SessionRef, ErrNotEnrolled)
	}

	today := DateOf(now, p.loc)
	marked, err := p.ledger.Exists(ctx, a.SubjectRef, tok.SessionRef, today)
	if err != nil {
		return Result{}, fmt.Errorf("check duplicate: %w", err)
	}
	if marked {
		return Result{}, rejectIn(tok.SessionRef, ErrAlreadyMarked)
	}

	deviceID := strings.TrimSpace(a.DeviceID)
	if deviceID != "" {
		// Best effort: two subjects can both pass before either commits.
		_, err := p.ledger.FindByDeviceOnDate(ctx, tok.SessionRef, today, deviceID, a.SubjectRef)
		switch {
		case err == nil:
			return Result{}, rejectIn(tok.SessionRef, ErrDeviceAlreadyUsed)
		case !errors.Is(err, ErrEntryNotFound):
			return Result{}, fmt.Errorf("check device: %w", err)
		}
	}

	var check *LocationCheck
	if g := tok.Geofence; g != nil {
		if a.Latitude == nil || a.Longitude == nil {
			return Result{}, rejectIn(tok.SessionRef, ErrLocationRequired)
		}
		if !geo.ValidCoordinate(*a.Latitude, *a.Longitude) {
			return Result{}, fmt.Errorf("redeem: coordinate out of range (%v, %v)", *a.Latitude, *a.Longitude)
		}
		distance := geo.Distance(g.Latitude, g.Longitude, *a.Latitude, *a.Longitude)
		if math.IsNaN(distance) || distance < 0 {
			return Result{}, fmt.Errorf("redeem: invalid distance %v", distance)
		}
		if distance > float64(g.RadiusMeters) {
			return Result{}, outOfRange(tok.SessionRef, distance, g.RadiusMeters)
		}
		check = &LocationCheck{AllowedRadiusMeters: g.RadiusMeters, DistanceMeters: distance, Passed: true}
	}

	late := p.classify(now.Sub(tok.CreatedAt))
	status := StatusPresent
	if late.WasLate {
		status = StatusLate
	}

	entry, err := p.ledger.Create(ctx, Entry{
		ID:         uuid.NewString(),
		SubjectRef: a.SubjectRef,
		SessionRef: tok.SessionRef,
		OccurredOn: today,
		Status:     status,
		DeviceID:   deviceID,
		IPAddress:  a.IPAddress,
		Latitude:   a.Latitude,
		Longitude:  a.Longitude,
		RecordedAt: now.UTC().Truncate(time.Microsecond),
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateEntry) {
			return Result{}, rejectIn(tok.SessionRef, ErrAlreadyMarked)
		}
		return Result{}, fmt.Errorf("record entry: %w", err)
	}

	return Result{Entry: entry, Late: late, Location: check, Token: tok}, nil
}

func (p *Pipeline) classify(elapsed time.Duration) LateCriteria {
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := p.lateThreshold.Minutes()
	secs := int(elapsed / time.Second)
	return LateCriteria{
		ThresholdMinutes:    minutes,
		ScannedAfterSeconds: secs,
		WasLate:             elapsed > p.lateThreshold,
		Explanation: fmt.Sprintf(
			"Students scanning more than %s after the token was issued are marked late. You scanned after %d min %d sec.",
			formatMinutes(minutes), secs/60, secs%60),
	}
}

func formatMinutes(m float64) string {
	if m == math.Trunc(m) {
		return fmt.Sprintf("%d minutes", int(m))
	}
	return fmt.Sprintf("%.1f minutes", m)
}

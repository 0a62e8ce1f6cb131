package attendance

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"classattend/internal/geo"
	"classattend/internal/token"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type enrollmentSet map[[2]string]bool

func (s enrollmentSet) IsEnrolled(_ context.Context, subjectRef, sessionRef string) (bool, error) {
	return s[[2]string{subjectRef, sessionRef}], nil
}

type fixture struct {
	clock    *fakeClock
	tokens   *token.Store
	ledger   *MemoryLedger
	pipeline *Pipeline
	enrolled enrollmentSet
}

var issuedAt = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: issuedAt}
	enrolled := enrollmentSet{}
	for _, s := range []string{"alice", "bob", "carol"} {
		enrolled[[2]string{s, "math-101"}] = true
	}
	tokens := token.NewStore(token.NewMemoryRepository(), token.Config{TTL: time.Hour, Clock: clock.Now})
	ledger := NewMemoryLedger()
	p := NewPipeline(tokens, enrolled, ledger, Config{LateThreshold: 900 * time.Second, Clock: clock.Now})
	return &fixture{clock: clock, tokens: tokens, ledger: ledger, pipeline: p, enrolled: enrolled}
}

func (f *fixture) issue(t *testing.T, g *token.Geofence) token.Token {
	t.Helper()
	tok, err := f.tokens.Issue(context.Background(), token.IssueRequest{SessionRef: "math-101", Issuer: "prof", Geofence: g})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok
}

func ptr(v float64) *float64 { return &v }

// north returns a latitude d meters north of lat along a meridian.
func north(lat, d float64) float64 {
	return lat + d/geo.EarthRadiusMeters*180/math.Pi
}

func requireRejection(t *testing.T, err error, want *Rejection) *Rejection {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected *Rejection, got %T", err)
	}
	if rej.Kind != want.Kind {
		t.Fatalf("kind = %s, want %s", rej.Kind, want.Kind)
	}
	return rej
}

func TestPipeline_Redeem_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: "7b0c5d3e-2f1a-4b8c-9d0e-1f2a3b4c5d6e", SubjectRef: "alice"})
	requireRejection(t, err, ErrInvalidToken)

	_, err = f.pipeline.Redeem(context.Background(), Attempt{TokenID: "garbage", SubjectRef: "alice"})
	requireRejection(t, err, ErrInvalidToken)
}

func TestPipeline_Redeem_SupersededTokenIsInvalid(t *testing.T) {
	f := newFixture(t)
	old := f.issue(t, nil)
	f.issue(t, nil)

	_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: old.ID, SubjectRef: "alice"})
	requireRejection(t, err, ErrInvalidToken)
}

func TestPipeline_Redeem_ExpiredToken(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, nil)
	f.clock.Set(tok.ExpiresAt.Add(time.Second))

	_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"})
	requireRejection(t, err, ErrTokenExpired)
}

func TestPipeline_Redeem_NotEnrolledIsAuthorization(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, nil)

	_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "mallory"})
	requireRejection(t, err, ErrNotEnrolled)
}

func TestPipeline_Redeem_ClassificationBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		want    Status
	}{
		{name: "immediately", elapsed: 0, want: StatusPresent},
		{name: "one second before threshold", elapsed: 899 * time.Second, want: StatusPresent},
		{name: "exactly at threshold", elapsed: 900 * time.Second, want: StatusPresent},
		{name: "one second after threshold", elapsed: 901 * time.Second, want: StatusLate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tok := f.issue(t, nil)
			f.clock.Set(tok.CreatedAt.Add(tt.elapsed))

			res, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"})
			if err != nil {
				t.Fatalf("redeem: %v", err)
			}
			if res.Entry.Status != tt.want {
				t.Fatalf("status = %s, want %s", res.Entry.Status, tt.want)
			}
			if res.Late.WasLate != (tt.want == StatusLate) {
				t.Fatalf("was_late = %v", res.Late.WasLate)
			}
			if res.Late.ThresholdMinutes != 15 {
				t.Fatalf("threshold minutes = %v, want 15", res.Late.ThresholdMinutes)
			}
			if res.Late.ScannedAfterSeconds != int(tt.elapsed/time.Second) {
				t.Fatalf("scanned after = %d", res.Late.ScannedAfterSeconds)
			}
			if res.Location != nil {
				t.Fatal("no location check expected without a geofence")
			}
		})
	}
}

func TestPipeline_Redeem_Geofence(t *testing.T) {
	const lat0, lon0 = 12.9716, 77.5946

	t.Run("location required", func(t *testing.T) {
		f := newFixture(t)
		tok := f.issue(t, &token.Geofence{Latitude: lat0, Longitude: lon0, RadiusMeters: 100})
		_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice", Latitude: ptr(lat0)})
		requireRejection(t, err, ErrLocationRequired)
	})

	t.Run("101m rejects with distance", func(t *testing.T) {
		f := newFixture(t)
		tok := f.issue(t, &token.Geofence{Latitude: lat0, Longitude: lon0, RadiusMeters: 100})
		_, err := f.pipeline.Redeem(context.Background(), Attempt{
			TokenID: tok.ID, SubjectRef: "alice", Latitude: ptr(north(lat0, 101)), Longitude: ptr(lon0),
		})
		rej := requireRejection(t, err, ErrOutOfRange)
		if math.Round(rej.DistanceMeters) != 101 {
			t.Fatalf("distance = %v, want 101", rej.DistanceMeters)
		}
		if rej.AllowedRadiusMeters != 100 {
			t.Fatalf("radius = %d, want 100", rej.AllowedRadiusMeters)
		}
	})

	t.Run("99m passes", func(t *testing.T) {
		f := newFixture(t)
		tok := f.issue(t, &token.Geofence{Latitude: lat0, Longitude: lon0, RadiusMeters: 100})
		res, err := f.pipeline.Redeem(context.Background(), Attempt{
			TokenID: tok.ID, SubjectRef: "alice", Latitude: ptr(north(lat0, 99)), Longitude: ptr(lon0),
		})
		if err != nil {
			t.Fatalf("redeem: %v", err)
		}
		if res.Location == nil || !res.Location.Passed {
			t.Fatalf("expected passed location check, got %+v", res.Location)
		}
		if math.Round(res.Location.DistanceMeters) != 99 {
			t.Fatalf("distance = %v, want 99", res.Location.DistanceMeters)
		}
	})

	t.Run("malformed coordinate is internal", func(t *testing.T) {
		f := newFixture(t)
		tok := f.issue(t, &token.Geofence{Latitude: lat0, Longitude: lon0, RadiusMeters: 100})
		_, err := f.pipeline.Redeem(context.Background(), Attempt{
			TokenID: tok.ID, SubjectRef: "alice", Latitude: ptr(math.NaN()), Longitude: ptr(lon0),
		})
		if err == nil {
			t.Fatal("expected error")
		}
		var rej *Rejection
		if errors.As(err, &rej) {
			t.Fatalf("expected internal error, got rejection %s", rej.Code)
		}
	})
}

func TestPipeline_Redeem_Scenario(t *testing.T) {
	const lat0, lon0 = 40.4433, -79.9436
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, &token.Geofence{Latitude: lat0, Longitude: lon0, RadiusMeters: 50})

	res, err := f.pipeline.Redeem(ctx, Attempt{
		TokenID: tok.ID, SubjectRef: "alice", DeviceID: "d1", Latitude: ptr(lat0), Longitude: ptr(lon0),
	})
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if res.Entry.Status != StatusPresent {
		t.Fatalf("status = %s, want present", res.Entry.Status)
	}
	if res.Location == nil || res.Location.DistanceMeters != 0 {
		t.Fatalf("distance = %+v, want 0", res.Location)
	}

	_, err = f.pipeline.Redeem(ctx, Attempt{
		TokenID: tok.ID, SubjectRef: "alice", DeviceID: "d1", Latitude: ptr(lat0), Longitude: ptr(lon0),
	})
	requireRejection(t, err, ErrAlreadyMarked)

	_, err = f.pipeline.Redeem(ctx, Attempt{
		TokenID: tok.ID, SubjectRef: "bob", DeviceID: "d1", Latitude: ptr(lat0), Longitude: ptr(lon0),
	})
	requireRejection(t, err, ErrDeviceAlreadyUsed)

	_, err = f.pipeline.Redeem(ctx, Attempt{
		TokenID: tok.ID, SubjectRef: "bob", DeviceID: "d2", Latitude: ptr(lat0), Longitude: ptr(lon0),
	})
	if err != nil {
		t.Fatalf("bob with own device: %v", err)
	}
}

func TestPipeline_Redeem_DeviceReuseIsPerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tok := f.issue(t, nil)
	if _, err := f.pipeline.Redeem(ctx, Attempt{TokenID: tok.ID, SubjectRef: "alice", DeviceID: "d1"}); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	f.clock.Set(issuedAt.Add(24 * time.Hour))
	next := f.issue(t, nil)
	if _, err := f.pipeline.Redeem(ctx, Attempt{TokenID: next.ID, SubjectRef: "bob", DeviceID: "d1"}); err != nil {
		t.Fatalf("device should be reusable on another day: %v", err)
	}
}

func TestPipeline_Redeem_ConcurrentSameSubjectOneWins(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, nil)

	const n = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		marked    int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice", DeviceID: "d1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyMarked):
				marked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || marked != n-1 {
		t.Fatalf("successes = %d, already marked = %d; want 1 and %d", successes, marked, n-1)
	}
	entries, _ := f.ledger.List(context.Background(), Filter{SubjectRef: "alice"})
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
}

// racyLedger hides existing entries from the pre-check, as if a concurrent
// redemption committed between the check and the write.
type racyLedger struct {
	*MemoryLedger
}

func (racyLedger) Exists(context.Context, string, string, time.Time) (bool, error) {
	return false, nil
}

func TestPipeline_Redeem_ConstraintViolationIsAlreadyMarked(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.tokens, f.enrolled, racyLedger{f.ledger}, Config{Clock: f.clock.Now})
	tok := f.issue(t, nil)

	if _, err := p.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, err := p.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"})
	requireRejection(t, err, ErrAlreadyMarked)
}

type failingLedger struct {
	*MemoryLedger
}

func (failingLedger) Create(context.Context, Entry) (Entry, error) {
	return Entry{}, context.DeadlineExceeded
}

func TestPipeline_Redeem_StorageFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	p := NewPipeline(f.tokens, f.enrolled, failingLedger{f.ledger}, Config{Clock: f.clock.Now})
	tok := f.issue(t, nil)

	_, err := p.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error, got %v", err)
	}
}

func TestPipeline_Redeem_UsesConfiguredTimezoneForDate(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	clock := &fakeClock{now: time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)}
	tokens := token.NewStore(token.NewMemoryRepository(), token.Config{TTL: time.Hour, Clock: clock.Now})
	ledger := NewMemoryLedger()
	p := NewPipeline(tokens, enrollmentSet{{"alice", "math-101"}: true}, ledger, Config{Location: loc, Clock: clock.Now})

	tok, _ := tokens.Issue(context.Background(), token.IssueRequest{SessionRef: "math-101"})
	res, err := p.Redeem(context.Background(), Attempt{TokenID: tok.ID, SubjectRef: "alice"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if got := res.Entry.Date(); got != "2026-03-03" {
		t.Fatalf("date = %s, want 2026-03-03", got)
	}
}

// Package audit records every redemption attempt, accepted or not. Events are
// published on the queue by the API and persisted by the worker so the
// redemption path never waits on the audit table.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classattend/internal/attendance"
	"classattend/internal/queue"
)

// MessageType tags audit events on the queue.
const MessageType = "redemption_attempt"

// OutcomeAccepted marks a successful redemption; rejections use their code
// and internal failures OutcomeError.
const (
	OutcomeAccepted = "accepted"
	OutcomeError    = "error"
)

// Event is one redemption attempt.
type Event struct {
	ID             string    `json:"id" db:"id"`
	TokenID        string    `json:"token_id" db:"token_id"`
	SessionRef     string    `json:"session_ref" db:"session_ref"`
	SubjectRef     string    `json:"subject_ref" db:"subject_ref"`
	DeviceID       string    `json:"device_id,omitempty" db:"device_id"`
	IPAddress      string    `json:"ip_address,omitempty" db:"ip_address"`
	Outcome        string    `json:"outcome" db:"outcome"`
	Status         string    `json:"status,omitempty" db:"status"`
	DistanceMeters *float64  `json:"distance_meters,omitempty" db:"distance_meters"`
	AttemptedAt    time.Time `json:"attempted_at" db:"attempted_at"`
}

// FromRedemption builds the event for a finished Redeem call.
func FromRedemption(a attendance.Attempt, res attendance.Result, err error, at time.Time) Event {
	e := Event{
		ID:          uuid.NewString(),
		TokenID:     a.TokenID,
		SubjectRef:  a.SubjectRef,
		DeviceID:    a.DeviceID,
		IPAddress:   a.IPAddress,
		AttemptedAt: at.UTC(),
	}
	var rej *attendance.Rejection
	switch {
	case err == nil:
		e.Outcome = OutcomeAccepted
		e.SessionRef = res.Entry.SessionRef
		e.Status = string(res.Entry.Status)
		if res.Location != nil {
			d := res.Location.DistanceMeters
			e.DistanceMeters = &d
		}
	case errors.As(err, &rej):
		e.Outcome = string(rej.Code)
		e.SessionRef = rej.SessionRef
		if rej.Code == attendance.CodeOutOfRange {
			d := rej.DistanceMeters
			e.DistanceMeters = &d
		}
	default:
		e.Outcome = OutcomeError
	}
	return e
}

// Publisher puts events on a queue.
type Publisher struct {
	q queue.Queue
}

// NewPublisher creates a publisher.
func NewPublisher(q queue.Queue) *Publisher {
	return &Publisher{q: q}
}

// Publish enqueues e.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return p.q.Publish(ctx, queue.Message{Type: MessageType, Body: body})
}

// Sink persists events.
type Sink interface {
	Save(ctx context.Context, e Event) error
}

// Consume drains q into sink until ctx ends or the queue closes. Save errors
// are logged and the event dropped; the audit trail is best effort.
func Consume(ctx context.Context, q queue.Queue, sink Sink, logger zerolog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for msg := range messages {
		if msg.Type != MessageType {
			logger.Debug().Str("type", msg.Type).Msg("skipping unknown message")
			continue
		}
		var e Event
		if err := json.Unmarshal(msg.Body, &e); err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable audit event")
			continue
		}
		if err := sink.Save(ctx, e); err != nil {
			logger.Error().Err(err).Str("event_id", e.ID).Msg("save audit event")
			continue
		}
		logger.Debug().Str("event_id", e.ID).Str("outcome", e.Outcome).Msg("audit event stored")
	}
	return nil
}

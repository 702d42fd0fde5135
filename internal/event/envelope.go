package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/driftsync/internal/models"
)

// Envelope is the wire shape an event takes when pushed to or pulled from
// the remote service. The payload stays an opaque JSON object; the remote
// is expected to deduplicate by ID.
type Envelope struct {
	ID         string          `json:"id"`
	EventType  string          `json:"eventType"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  string          `json:"timestamp"` // ISO-8601
	Sequence   int64           `json:"sequence"`
}

// NewEnvelope wraps an outbox row for transmission.
func NewEnvelope(p *models.PendingEvent) Envelope {
	return Envelope{
		ID:         p.ID.String(),
		EventType:  p.EventType,
		EntityType: p.EntityType,
		EntityID:   p.EntityID.String(),
		Payload:    p.Payload,
		Timestamp:  time.UnixMilli(p.CreatedAt).UTC().Format(time.RFC3339Nano),
		Sequence:   p.Sequence,
	}
}

// Time parses the envelope's ISO-8601 timestamp.
func (e Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// ToDomainEvent converts a pulled envelope back into a projectable event.
// Remote events arrive already server-sequenced and synced.
func (e Envelope) ToDomainEvent() (*DomainEvent, error) {
	ts, err := e.Time()
	if err != nil {
		return nil, fmt.Errorf("envelope %s: bad timestamp %q: %w", e.ID, e.Timestamp, err)
	}
	seq := e.Sequence
	ms := ts.UnixMilli()
	return &DomainEvent{
		EventID:        e.ID,
		Timestamp:      ms,
		EventType:      Type(e.EventType),
		SchemaVersion:  SchemaVersion,
		Payload:        e.Payload,
		ServerSequence: &seq,
		IsSynced:       true,
		SyncedAt:       &ms,
	}, nil
}

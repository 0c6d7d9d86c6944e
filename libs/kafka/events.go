package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
)

// Envelope is embedded in every event published on the bus.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

// NewEnvelopeWithID builds an envelope with a caller-chosen id, typically
// from DeterministicEventID so that redelivered events deduplicate.
func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	var errs []error
	if strings.TrimSpace(e.EventID) == "" {
		errs = append(errs, errors.New("event_id is required"))
	}
	if strings.TrimSpace(e.EventType) == "" {
		errs = append(errs, errors.New("event_type is required"))
	}
	if e.EventVersion <= 0 {
		errs = append(errs, errors.New("event_version must be positive"))
	}
	if e.Timestamp.IsZero() {
		errs = append(errs, errors.New("timestamp is required"))
	}
	return errors.Join(errs...)
}

// Headers are attached to the record so consumers can route without
// decoding the payload.
func (e Envelope) Headers() []sarama.RecordHeader {
	return []sarama.RecordHeader{
		{Key: []byte(HeaderEventID), Value: []byte(e.EventID)},
		{Key: []byte(HeaderEventType), Value: []byte(e.EventType)},
	}
}

type headered interface {
	Headers() []sarama.RecordHeader
}

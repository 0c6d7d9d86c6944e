package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// DLQError marks a message that must be dead-lettered without retry.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DLQPayload is what lands on the dead letter topic for a consumed message
// that could not be processed.
type DLQPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Partition     int32     `json:"partition"`
	Offset        int64     `json:"offset"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildDLQPayload(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DLQPayload {
	p := DLQPayload{
		OriginalTopic: msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Attempts:      attempts,
		Payload:       encodePayload(msg.Value),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		p.Reason = err.Reason
		p.Error = err.Error()
		if err.Err != nil {
			p.Error = err.Err.Error()
		}
	}
	return p
}

// DLQPublishPayload records an event that could not be published.
type DLQPublishPayload struct {
	OriginalTopic string    `json:"original_topic"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func BuildPublishDLQPayload(topic, key string, value any, err error, reason string, attempts int) DLQPublishPayload {
	var raw []byte
	if value != nil {
		var marshalErr error
		if raw, marshalErr = json.Marshal(value); marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
	}
	p := DLQPublishPayload{
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Payload:       encodePayload(raw),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	return p
}

func encodePayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

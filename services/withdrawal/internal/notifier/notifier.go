// Package notifier announces terminal withdrawal outcomes. Delivery is best
// effort and never feeds back into saga state.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/google/uuid"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	EventTypeCompleted = "withdrawals.completed"
	EventTypeFailed    = "withdrawals.failed"
	eventVersion       = 1
)

type Outcome struct {
	SagaID        uuid.UUID
	UserID        uuid.UUID
	TargetAddress string
	Amount        money.Money
	Status        string
	Reason        string
	TxID          string
}

type Notifier interface {
	Notify(ctx context.Context, o Outcome) error
}

// Observer counts delivery attempts by result.
type Observer interface {
	IncNotification(status string)
}

type OutcomeEvent struct {
	kafka.Envelope
	SagaID        string      `json:"saga_id"`
	UserID        string      `json:"user_id"`
	TargetAddress string      `json:"target_address"`
	Amount        money.Money `json:"amount"`
	Status        string      `json:"status"`
	Reason        string      `json:"reason,omitempty"`
	TxID          string      `json:"tx_id,omitempty"`
}

// Kafka publishes outcomes to one topic per status, keyed by user id so a
// user's events stay ordered.
type Kafka struct {
	publisher      kafka.Publisher
	completedTopic string
	failedTopic    string
	logger         *slog.Logger
}

func NewKafka(publisher kafka.Publisher, completedTopic, failedTopic string, logger *slog.Logger) *Kafka {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kafka{
		publisher:      publisher,
		completedTopic: completedTopic,
		failedTopic:    failedTopic,
		logger:         logger,
	}
}

func (k *Kafka) Notify(ctx context.Context, o Outcome) error {
	topic, eventType := k.completedTopic, EventTypeCompleted
	if o.Status != StatusCompleted {
		topic, eventType = k.failedTopic, EventTypeFailed
	}
	env, err := kafka.NewEnvelopeWithID(
		kafka.DeterministicEventID("withdrawal", o.SagaID.String(), o.Status),
		eventType,
		eventVersion,
		o.SagaID.String(),
	)
	if err != nil {
		return err
	}
	event := OutcomeEvent{
		Envelope:      env,
		SagaID:        o.SagaID.String(),
		UserID:        o.UserID.String(),
		TargetAddress: o.TargetAddress,
		Amount:        o.Amount,
		Status:        o.Status,
		Reason:        o.Reason,
		TxID:          o.TxID,
	}
	if _, _, err := k.publisher.PublishJSON(ctx, topic, o.UserID.String(), event); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Log writes outcomes to the service log. Used when Kafka is not configured.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, o Outcome) error {
	l.logger.Info("withdrawal outcome",
		"saga_id", o.SagaID,
		"user_id", o.UserID,
		"status", o.Status,
		"amount", o.Amount.String(),
		"reason", o.Reason,
		"tx_id", o.TxID,
	)
	return nil
}

// BestEffort detaches delivery from the caller's cancellation, bounds it with
// a timeout and swallows failures after logging them.
type BestEffort struct {
	next     Notifier
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

func NewBestEffort(next Notifier, timeout time.Duration, observer Observer, logger *slog.Logger) *BestEffort {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &BestEffort{next: next, timeout: timeout, observer: observer, logger: logger}
}

func (b *BestEffort) Notify(ctx context.Context, o Outcome) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	if err := b.next.Notify(ctx, o); err != nil {
		b.logger.Warn("withdrawal notification failed", "saga_id", o.SagaID, "status", o.Status, "error", err)
		if b.observer != nil {
			b.observer.IncNotification("error")
		}
		return nil
	}
	if b.observer != nil {
		b.observer.IncNotification("ok")
	}
	return nil
}

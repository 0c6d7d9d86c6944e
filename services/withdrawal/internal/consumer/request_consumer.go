// Package consumer turns withdrawal requests published by the orchestrator
// into sagas.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/saga"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	RequestedEventType = "withdrawals.requested"
	requestSource      = "kafka"
)

type WithdrawalRequestedEvent struct {
	kafka.Envelope
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id"`
	TargetAddress string `json:"target_address"`
	Amount        string `json:"amount"`
}

type Submitter interface {
	Submit(ctx context.Context, req saga.Request) (saga.Result, bool, error)
}

type RequestConsumer struct {
	runner Submitter
	logger *slog.Logger
}

func NewRequestConsumer(runner Submitter, logger *slog.Logger) *RequestConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestConsumer{runner: runner, logger: logger}
}

// HandleMessage starts the saga for one request. The saga id derives from
// request_id, so a redelivered message lands on the saga it already created.
func (c *RequestConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	req, event, err := decodeRequest(msg.Value)
	if err != nil {
		return kafka.DLQ(err, "invalid_payload")
	}

	res, created, err := c.runner.Submit(ctx, req)
	switch {
	case errors.Is(err, saga.ErrInvalidRequest):
		return kafka.DLQ(err, "invalid_request")
	case errors.Is(err, saga.ErrRequestConflict):
		return kafka.DLQ(err, "request_conflict")
	case err != nil:
		return fmt.Errorf("submit withdrawal %s: %w", event.RequestID, err)
	}

	c.logger.Info("withdrawal request accepted",
		"event_id", event.EventID,
		"request_id", event.RequestID,
		"saga_id", res.SagaID,
		"user_id", req.UserID,
		"status", res.Status,
		"created", created,
	)
	return nil
}

func decodeRequest(data []byte) (saga.Request, WithdrawalRequestedEvent, error) {
	var event WithdrawalRequestedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return saga.Request{}, event, fmt.Errorf("decode request: %w", err)
	}
	if err := event.Envelope.Validate(); err != nil {
		return saga.Request{}, event, err
	}
	if event.EventType != RequestedEventType {
		return saga.Request{}, event, fmt.Errorf("unexpected event type %q", event.EventType)
	}
	requestID := strings.TrimSpace(event.RequestID)
	if requestID == "" {
		return saga.Request{}, event, errors.New("request_id is required")
	}
	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return saga.Request{}, event, fmt.Errorf("invalid user_id: %w", err)
	}
	amount, err := money.Parse(event.Amount)
	if err != nil {
		return saga.Request{}, event, err
	}
	return saga.Request{
		ID:            saga.RequestID(requestSource, requestID),
		UserID:        userID,
		TargetAddress: strings.TrimSpace(event.TargetAddress),
		Amount:        amount,
	}, event, nil
}

package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerOptions struct {
	// DLQPublisher receives messages that fail permanently. Without one they
	// are logged and skipped.
	DLQPublisher Publisher
	DLQTopic     string
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

type Consumer struct {
	group  sarama.ConsumerGroup
	logger *slog.Logger
	opts   ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 10 * time.Second
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		opts:   opts,
	}, nil
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.opts.DLQPublisher,
		dlqTopic:     c.opts.DLQTopic,
		retryTracker: newRetryTracker(c.opts.MaxAttempts, time.Hour),
		retryInitial: c.opts.RetryInitial,
		retryMax:     c.opts.RetryMax,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	retryInitial time.Duration
	retryMax     time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.process(session.Context(), msg); err != nil {
			// Session is ending; leave the offset unmarked so the message is redelivered.
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// process returns an error only when ctx ends before the message is settled.
func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) error {
	key := messageKey(msg)
	delays := backoff.NewExponentialBackOff()
	delays.InitialInterval = h.retryInitial
	delays.MaxInterval = h.retryMax
	delays.MaxElapsedTime = 0
	delays.Reset()

	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.clear(key)
			return nil
		}

		attempts := h.retryTracker.inc(key)
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			h.deadLetter(ctx, msg, dlqErr, attempts)
			h.retryTracker.clear(key)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.retryTracker.exhausted(attempts) {
			h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: "retries_exhausted"}, attempts)
			h.retryTracker.clear(key)
			return nil
		}

		wait := delays.NextBackOff()
		h.logger.Warn("kafka message handler error, retrying",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset,
			"attempt", attempts, "retry_in", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, dlqErr *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("kafka message dropped", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "error", dlqErr)
		return
	}
	payload := BuildDLQPayload(msg, dlqErr, attempts)
	if _, _, err := h.dlqPublisher.PublishJSON(context.WithoutCancel(ctx), h.dlqTopic, payload.Key, payload); err != nil {
		h.logger.Error("kafka dlq publish failed", "topic", msg.Topic, "offset", msg.Offset, "error", err)
		return
	}
	h.logger.Warn("kafka message sent to dlq", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", dlqErr.Reason)
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return msg.Topic + "/" + strconv.FormatInt(int64(msg.Partition), 10) + "/" + strconv.FormatInt(msg.Offset, 10)
}

// retryTracker counts handler failures per message. Entries idle longer
// than ttl are pruned.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[string]retryEntry
}

type retryEntry struct {
	attempts int
	lastSeen time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[string]retryEntry),
	}
}

func (r *retryTracker) inc(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) > r.ttl {
			delete(r.entries, k)
		}
	}
	e := r.entries[key]
	e.attempts++
	e.lastSeen = now
	r.entries[key] = e
	return e.attempts
}

func (r *retryTracker) clear(key string) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

func (r *retryTracker) exhausted(attempts int) bool {
	return attempts >= r.maxAttempts
}

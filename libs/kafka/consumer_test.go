package kafka

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type handlerFunc func(context.Context, *sarama.ConsumerMessage) error

func (h handlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return h(ctx, msg)
}

type stubSession struct {
	ctx    context.Context
	marked int
}

func (s *stubSession) Context() context.Context { return s.ctx }
func (s *stubSession) Claims() map[string][]int32 {
	return map[string][]int32{}
}
func (s *stubSession) MemberID() string                                 { return "" }
func (s *stubSession) GenerationID() int32                              { return 0 }
func (s *stubSession) MarkOffset(_ string, _ int32, _ int64, _ string)  {}
func (s *stubSession) ResetOffset(_ string, _ int32, _ int64, _ string) {}
func (s *stubSession) MarkMessage(_ *sarama.ConsumerMessage, _ string) {
	s.marked++
}
func (s *stubSession) Commit() {}

type stubClaim struct {
	msgCh chan *sarama.ConsumerMessage
}

func (c *stubClaim) Topic() string                            { return "withdrawals.requested" }
func (c *stubClaim) Partition() int32                         { return 0 }
func (c *stubClaim) InitialOffset() int64                     { return 0 }
func (c *stubClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *stubClaim) Messages() <-chan *sarama.ConsumerMessage { return c.msgCh }

func newTestHandler(h MessageHandler, dlq Publisher, maxAttempts int) *consumerGroupHandler {
	return &consumerGroupHandler{
		handler:      h,
		logger:       slog.Default(),
		dlqPublisher: dlq,
		dlqTopic:     "dead_letter",
		retryTracker: newRetryTracker(maxAttempts, time.Minute),
		retryInitial: time.Millisecond,
		retryMax:     2 * time.Millisecond,
	}
}

func singleMessageClaim() *stubClaim {
	msgCh := make(chan *sarama.ConsumerMessage, 1)
	msgCh <- &sarama.ConsumerMessage{Topic: "withdrawals.requested", Partition: 0, Offset: 1, Key: []byte("k"), Value: []byte("bad")}
	close(msgCh)
	return &stubClaim{msgCh: msgCh}
}

func TestConsumerGroupHandlerDLQsOnError(t *testing.T) {
	dlq := &stubPublisher{}
	handler := newTestHandler(handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
		return DLQ(errors.New("decode failed"), "decode")
	}), dlq, 3)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, singleMessageClaim()); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 1 {
		t.Fatalf("expected message to be marked, got %d", session.marked)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DLQPayload)
	if !ok {
		t.Fatalf("expected DLQPayload, got %T", dlq.calls[0].value)
	}
	if payload.Reason != "decode" || payload.Attempts != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestConsumerGroupHandlerRetriesTransientErrors(t *testing.T) {
	dlq := &stubPublisher{}
	calls := 0
	handler := newTestHandler(handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
		calls++
		if calls < 3 {
			return errors.New("database unavailable")
		}
		return nil
	}), dlq, 5)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, singleMessageClaim()); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	if session.marked != 1 || len(dlq.calls) != 0 {
		t.Fatalf("expected marked without dlq, marked=%d dlq=%d", session.marked, len(dlq.calls))
	}
}

func TestConsumerGroupHandlerDLQsAfterRetriesExhausted(t *testing.T) {
	dlq := &stubPublisher{}
	calls := 0
	handler := newTestHandler(handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
		calls++
		return errors.New("still failing")
	}), dlq, 3)

	session := &stubSession{ctx: context.Background()}
	if err := handler.ConsumeClaim(session, singleMessageClaim()); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if payload := dlq.calls[0].value.(DLQPayload); payload.Reason != "retries_exhausted" || payload.Attempts != 3 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestConsumerGroupHandlerLeavesMessageOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	handler := newTestHandler(handlerFunc(func(_ context.Context, _ *sarama.ConsumerMessage) error {
		cancel()
		return errors.New("interrupted")
	}), &stubPublisher{}, 5)

	session := &stubSession{ctx: ctx}
	if err := handler.ConsumeClaim(session, singleMessageClaim()); err != nil {
		t.Fatalf("consume claim error: %v", err)
	}
	if session.marked != 0 {
		t.Fatalf("expected message to stay unmarked, got %d", session.marked)
	}
}

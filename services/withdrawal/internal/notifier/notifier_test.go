package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/AfshinJalili/custody/libs/kafka"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/google/uuid"
)

type publishedMessage struct {
	topic string
	key   string
	value any
}

type fakePublisher struct {
	messages []publishedMessage
	err      error
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.messages = append(f.messages, publishedMessage{topic: topic, key: key, value: value})
	return 0, int64(len(f.messages)), nil
}

func (f *fakePublisher) Close() error { return nil }

var _ kafka.Publisher = (*fakePublisher)(nil)

func TestKafkaRoutesByStatus(t *testing.T) {
	pub := &fakePublisher{}
	n := NewKafka(pub, "withdrawals.completed", "withdrawals.failed", nil)
	userID := uuid.New()
	sagaID := uuid.New()

	if err := n.Notify(context.Background(), Outcome{SagaID: sagaID, UserID: userID, Amount: money.MustParse("60"), Status: StatusCompleted, TxID: "abc"}); err != nil {
		t.Fatalf("Notify completed: %v", err)
	}
	if err := n.Notify(context.Background(), Outcome{SagaID: sagaID, UserID: userID, Amount: money.MustParse("60"), Status: StatusFailed, Reason: "insufficient balance"}); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	if len(pub.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(pub.messages))
	}
	if pub.messages[0].topic != "withdrawals.completed" || pub.messages[1].topic != "withdrawals.failed" {
		t.Fatalf("unexpected topics %s, %s", pub.messages[0].topic, pub.messages[1].topic)
	}
	if pub.messages[0].key != userID.String() {
		t.Fatalf("expected user id as key, got %s", pub.messages[0].key)
	}
	event, ok := pub.messages[0].value.(OutcomeEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", pub.messages[0].value)
	}
	if event.EventType != EventTypeCompleted || event.TxID != "abc" || event.EventID != kafka.DeterministicEventID("withdrawal", sagaID.String(), StatusCompleted) {
		t.Fatalf("unexpected event %+v", event)
	}
}

type countingObserver struct{ counts map[string]int }

func (c *countingObserver) IncNotification(status string) {
	if c.counts == nil {
		c.counts = map[string]int{}
	}
	c.counts[status]++
}

func TestBestEffortSwallowsErrors(t *testing.T) {
	obs := &countingObserver{}
	n := NewBestEffort(NewKafka(&fakePublisher{err: errors.New("broker down")}, "c", "f", nil), 0, obs, nil)
	if err := n.Notify(context.Background(), Outcome{SagaID: uuid.New(), Status: StatusFailed}); err != nil {
		t.Fatalf("best effort notifier must not return errors, got %v", err)
	}
	if obs.counts["error"] != 1 {
		t.Fatalf("expected error to be counted, got %v", obs.counts)
	}
}

func TestBestEffortIgnoresCallerCancellation(t *testing.T) {
	pub := &fakePublisher{}
	n := NewBestEffort(NewKafka(pub, "c", "f", nil), 0, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = n.Notify(ctx, Outcome{SagaID: uuid.New(), Status: StatusCompleted})
	if len(pub.messages) != 1 {
		t.Fatalf("expected delivery despite canceled caller, got %d", len(pub.messages))
	}
}

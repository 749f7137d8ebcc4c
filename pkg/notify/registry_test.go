package notify_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	. "huddle/pkg/notify"
)

func mustStandbyUpdate(t *testing.T, partyID uuid.UUID, members, standby int) Event {
	t.Helper()
	event, err := NewStandbyUpdate(partyID, members, standby)
	if err != nil {
		t.Fatalf("failed to build event: %v", err)
	}
	return event
}

func TestRegistry_DeliversToSubscribers(t *testing.T) {
	r := NewRegistry()
	partyID := uuid.New()

	sub := r.Subscribe(PartyTopic(partyID.String()))
	defer sub.Close()

	event := mustStandbyUpdate(t, partyID, 4, 2)
	if delivered := r.Broadcast(event); delivered != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered)
	}

	got := <-sub.C()
	if got.Type != EventStandbyUpdate {
		t.Errorf("expected standby_update, got %s", got.Type)
	}
	if got.ParticipationCount != 4 || got.StandbyCount != 2 {
		t.Errorf("unexpected counts: %d/%d", got.StandbyCount, got.ParticipationCount)
	}
}

func TestRegistry_TopicIsolation(t *testing.T) {
	r := NewRegistry()
	partyA := uuid.New()
	partyB := uuid.New()

	subA := r.Subscribe(PartyTopic(partyA.String()))
	defer subA.Close()
	subB := r.Subscribe(PartyTopic(partyB.String()))
	defer subB.Close()

	r.Broadcast(mustStandbyUpdate(t, partyA, 2, 1))

	select {
	case <-subB.C():
		t.Error("subscriber of another party received the event")
	default:
	}
	if len(subA.C()) != 1 {
		t.Errorf("expected 1 buffered event for party A, got %d", len(subA.C()))
	}
}

func TestRegistry_SlowConsumerDoesNotBlock(t *testing.T) {
	r := NewRegistry()
	partyID := uuid.New()

	sub := r.Subscribe(PartyTopic(partyID.String()))
	defer sub.Close()

	// Overfill the buffer; broadcasts must keep returning.
	event := mustStandbyUpdate(t, partyID, 3, 1)
	for i := 0; i < 100; i++ {
		r.Broadcast(event)
	}

	if delivered := r.Broadcast(event); delivered != 0 {
		t.Errorf("expected full buffer to drop the event, delivered %d", delivered)
	}
}

func TestRegistry_CloseRemovesSubscriber(t *testing.T) {
	r := NewRegistry()
	topic := PartyTopic(uuid.NewString())

	sub := r.Subscribe(topic)
	if r.Subscribers(topic) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", r.Subscribers(topic))
	}

	sub.Close()
	sub.Close() // safe to repeat

	if r.Subscribers(topic) != 0 {
		t.Errorf("expected topic to be pruned, got %d subscribers", r.Subscribers(topic))
	}
	if _, open := <-sub.C(); open {
		t.Error("expected subscription channel to be closed")
	}
}

func TestRegistry_PublishImplementsBroadcaster(t *testing.T) {
	var b Broadcaster = NewRegistry()
	if err := b.Publish(context.Background(), mustStandbyUpdate(t, uuid.New(), 1, 0)); err != nil {
		t.Errorf("local publish should never fail: %v", err)
	}
}

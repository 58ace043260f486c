package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/staninnat/auctiond/internal/bus"
)

func recv(t *testing.T, sub bus.Subscription) []byte {
	t.Helper()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemory_FanOut(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	ctx := context.Background()

	topic := bus.AuctionTopic("a1")
	s1, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	s2, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish(ctx, topic, []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, s := range []bus.Subscription{s1, s2} {
		if got := string(recv(t, s)); got != "hello" {
			t.Errorf("received %q, want %q", got, "hello")
		}
	}
}

func TestMemory_TopicsAreIsolated(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	ctx := context.Background()

	s1, _ := b.Subscribe(ctx, bus.AuctionTopic("a1"))
	s2, _ := b.Subscribe(ctx, bus.AuctionTopic("a2"))

	if err := b.Publish(ctx, bus.AuctionTopic("a1"), []byte("only-a1")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if got := string(recv(t, s1)); got != "only-a1" {
		t.Errorf("a1 subscriber received %q", got)
	}
	select {
	case msg := <-s2.Messages():
		t.Errorf("a2 subscriber received unexpected %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_NoReplayAfterResubscribe(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	ctx := context.Background()
	topic := bus.AuctionTopic("a1")

	if err := b.Publish(ctx, topic, []byte("before")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	sub, err := b.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("received replayed message %q, want none", msg)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Publish(ctx, topic, []byte("after")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := string(recv(t, sub)); got != "after" {
		t.Errorf("received %q, want %q", got, "after")
	}
}

func TestMemory_CloseStopsDelivery(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	ctx := context.Background()
	topic := bus.AuctionTopic("a1")

	sub, _ := b.Subscribe(ctx, topic)
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected closed channel after Close")
	}

	// Publishing to a topic with no subscribers is fine.
	if err := b.Publish(ctx, topic, []byte("nobody-home")); err != nil {
		t.Errorf("Publish after close: %v", err)
	}
}

func TestAuctionTopic(t *testing.T) {
	if got := bus.AuctionTopic("abc-123"); got != "auction:abc-123" {
		t.Errorf("AuctionTopic = %q, want %q", got, "auction:abc-123")
	}
}

package events

import (
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventTradeSettled, 1)
	defer unsub()

	bus.Publish(EventTradeSettled, TradeSettled{TradeID: "t1", Status: "won"})

	select {
	case got := <-ch:
		settled, ok := got.(TradeSettled)
		if !ok || settled.TradeID != "t1" {
			t.Fatalf("unexpected payload %#v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	_, unsub := bus.Subscribe(EventTradeExecuted, 0) // unbuffered, never read
	defer unsub()

	done := make(chan struct{})
	go func() {
		bus.Publish(EventTradeExecuted, TradeExecuted{TradeID: "t1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(EventSessionState, 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	bus.Publish(EventSessionState, SessionStateChanged{})
}

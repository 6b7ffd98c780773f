package eventbus

import (
	"testing"
	"time"
)

func TestPublishFiltersByPrefix(t *testing.T) {
	b := New()
	inv, unsubInv := b.Subscribe(4, "invocation.")
	defer unsubInv()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()

	b.Publish(Event{Topic: InvocationFinished})
	b.Publish(Event{Topic: JobDeleted})

	if got := len(inv); got != 1 {
		t.Fatalf("invocation subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	e := <-inv
	if e.Time.IsZero() {
		t.Fatal("publish did not stamp time")
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Topic: InvocationStarted})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if b.Dropped() != 9 {
		t.Fatalf("Dropped = %d, want 9", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open")
	}
	b.Publish(Event{Topic: InvocationStarted})
}

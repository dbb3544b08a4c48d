package eventbus

import (
	"testing"
)

func TestSubscribePrefixFilter(t *testing.T) {
	t.Parallel()

	b := New()
	rem, unsubRem := b.Subscribe("reminder.", 4)
	defer unsubRem()
	all, unsubAll := b.Subscribe("", 4)
	defer unsubAll()

	b.Publish(Event{Type: "reminder.delivered"})
	b.Publish(Event{Type: "config.reloaded"})

	if got := len(rem); got != 1 {
		t.Fatalf("reminder subscriber got %d events, want 1", got)
	}
	if got := len(all); got != 2 {
		t.Fatalf("catch-all subscriber got %d events, want 2", got)
	}
	e := <-rem
	if e.Time.IsZero() {
		t.Fatalf("Publish should stamp Time")
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe("", 1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	b.Publish(Event{Type: "c"})

	if got := b.Dropped(); got != 2 {
		t.Fatalf("Dropped()=%d want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe("", 1)
	unsub()
	unsub()

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Type: "after"})
}

package eventbus

import (
	"testing"
	"time"
)

func TestSubscribeFiltersByType(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4, TypeJobDeadLetter)
	defer unsub()

	b.Publish(Event{Type: TypeJobCompleted, Data: "c"})
	b.Publish(Event{Type: TypeJobDeadLetter, Data: "dl"})
	b.Publish(Event{Type: TypeRunSummary, Data: "s"})

	select {
	case e := <-ch:
		if e.Type != TypeJobDeadLetter || e.Data != "dl" {
			t.Fatalf("got %q/%v, want deadletter event", e.Type, e.Data)
		}
		if e.Time.IsZero() {
			t.Fatal("Publish did not stamp the event time")
		}
	case <-time.After(time.Second):
		t.Fatal("filtered subscriber never received its event")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestSubscribeAllTypes(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeJobCompleted})
	b.Publish(Event{Type: TypeRunSummary})

	if len(ch) != 2 {
		t.Fatalf("buffered events = %d, want 2", len(ch))
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeJobCompleted, Data: 1})
	b.Publish(Event{Type: TypeJobCompleted, Data: 2}) // buffer full: dropped

	e := <-ch
	if e.Data != 1 {
		t.Fatalf("Data = %v, want 1", e.Data)
	}
	select {
	case e := <-ch:
		t.Fatalf("dropped event delivered: %v", e.Data)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub() // second call must not panic

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}

	// Publishing after unsubscribe must not panic either.
	b.Publish(Event{Type: TypeJobFailed})
}

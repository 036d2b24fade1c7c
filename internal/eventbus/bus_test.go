package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("test")
	defer unsub()

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(Event{EntityKind: "action_run", EntityID: "job.a.0.x", NewState: stateName(i)})
	}

	for i := 0; i < n; i++ {
		select {
		case e := <-ch:
			if e.NewState != stateName(i) {
				t.Fatalf("event %d: got state %q, want %q", i, e.NewState, stateName(i))
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, unsub1 := b.Subscribe("one")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("two")
	defer unsub2()

	b.Publish(Event{EntityKind: "job_run", EntityID: "job.a.0", NewState: "running"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.EntityID != "job.a.0" {
				t.Fatalf("unexpected entity id %q", e.EntityID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("gone")
	unsub()

	// Publishing after unsubscribe must not panic or block.
	b.Publish(Event{EntityKind: "job_run", EntityID: "job.a.0"})

	select {
	case _, ok := <-ch:
		if ok {
			// A buffered event delivered before stop is acceptable; the
			// channel must close afterwards.
			if _, ok := <-ch; ok {
				t.Fatal("expected channel to close after unsubscribe")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after unsubscribe")
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe("ts")
	defer unsub()

	b.Publish(Event{EntityKind: "action_run", EntityID: "job.a.0.x"})
	select {
	case e := <-ch:
		if e.Time.IsZero() {
			t.Fatal("expected Publish to stamp a zero Time")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func stateName(i int) string {
	return "state-" + string(rune('a'+i%26)) + itoa(uint64(i))
}

package netmon

import (
	"testing"
	"time"
)

func TestNotify_DeduplicatesTransitions(t *testing.T) {
	m := New(true)
	ch := m.Subscribe()

	// Already online: repeated online signals must not produce events.
	m.Notify(true)
	m.Notify(true)

	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v for duplicate signal", v)
	case <-time.After(20 * time.Millisecond):
	}

	m.Notify(false)
	select {
	case v := <-ch:
		if v != false {
			t.Fatalf("event: got %v, want false", v)
		}
	case <-time.After(time.Second):
		t.Fatal("no event for offline transition")
	}

	if m.Online() {
		t.Fatal("state should be offline")
	}
}

func TestNotify_EdgePerTransition(t *testing.T) {
	m := New(false)
	ch := m.Subscribe()

	m.Notify(true)
	m.Notify(false)
	m.Notify(true)

	want := []bool{true, false, true}
	for i, w := range want {
		select {
		case v := <-ch:
			if v != w {
				t.Fatalf("event[%d]: got %v, want %v", i, v, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	m := New(false)
	ch := m.Subscribe()
	m.Unsubscribe(ch)

	m.Notify(true)

	// Channel is closed on unsubscribe; no transition events delivered.
	if v, ok := <-ch; ok {
		t.Fatalf("received %v on unsubscribed channel", v)
	}
}

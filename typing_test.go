package fono

import (
	"sync"
	"testing"
	"time"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *typingRecorder) start() {
	r.mu.Lock()
	r.events = append(r.events, "start")
	r.mu.Unlock()
}

func (r *typingRecorder) stop() {
	r.mu.Lock()
	r.events = append(r.events, "stop")
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestNotifier(timeout time.Duration) (*TypingNotifier, *typingRecorder) {
	rec := &typingRecorder{}
	return NewTypingNotifier(rec.start, rec.stop, timeout), rec
}

func TestTypingNotifier(t *testing.T) {
	t.Run("one start per burst", func(t *testing.T) {
		n, rec := newTestNotifier(time.Minute)
		defer n.Stop()

		n.InputChanged("h")
		n.InputChanged("he")
		n.InputChanged("hello")

		if got := rec.snapshot(); len(got) != 1 || got[0] != "start" {
			t.Fatalf("expected single start, got %v", got)
		}
	})

	t.Run("stop on inactivity", func(t *testing.T) {
		n, rec := newTestNotifier(30 * time.Millisecond)
		defer n.Stop()

		n.InputChanged("hello")
		time.Sleep(80 * time.Millisecond)

		want := []string{"start", "stop"}
		if got := rec.snapshot(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("activity rearms the timer", func(t *testing.T) {
		n, rec := newTestNotifier(50 * time.Millisecond)
		defer n.Stop()

		n.InputChanged("h")
		time.Sleep(30 * time.Millisecond)
		n.InputChanged("he")
		time.Sleep(30 * time.Millisecond)

		// 60ms total but never 50ms idle: still typing.
		if got := rec.snapshot(); len(got) != 1 {
			t.Fatalf("expected no stop yet, got %v", got)
		}
	})

	t.Run("stop on submit", func(t *testing.T) {
		n, rec := newTestNotifier(time.Minute)
		defer n.Stop()

		n.InputChanged("hello")
		n.Submit()

		want := []string{"start", "stop"}
		if got := rec.snapshot(); len(got) != 2 || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("stop on emptied input", func(t *testing.T) {
		n, rec := newTestNotifier(time.Minute)
		defer n.Stop()

		n.InputChanged("hello")
		n.InputChanged("   ")

		want := []string{"start", "stop"}
		if got := rec.snapshot(); len(got) != 2 || got[1] != want[1] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	})

	t.Run("submit without typing is silent", func(t *testing.T) {
		n, rec := newTestNotifier(time.Minute)
		n.Submit()
		n.Stop()

		if got := rec.snapshot(); len(got) != 0 {
			t.Fatalf("expected no events, got %v", got)
		}
	})

	t.Run("starts and stops alternate", func(t *testing.T) {
		n, rec := newTestNotifier(25 * time.Millisecond)
		defer n.Stop()

		n.InputChanged("first burst")
		time.Sleep(60 * time.Millisecond)
		n.InputChanged("second burst")
		n.Submit()

		got := rec.snapshot()
		want := []string{"start", "stop", "start", "stop"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	})
}

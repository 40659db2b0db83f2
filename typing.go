package fono

import (
	"strings"
	"sync"
	"time"
)

// DefaultTypingTimeout is the inactivity window after which a typing burst
// is considered over.
const DefaultTypingTimeout = 3 * time.Second

// TypingNotifier turns a stream of input changes into at most one start
// indicator per typing burst and exactly one matching stop. The stop fires
// on inactivity, on submit, or when the input empties. Safe for concurrent
// use.
type TypingNotifier struct {
	onStart func()
	onStop  func()
	timeout time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
}

// NewTypingNotifier creates a notifier. timeout of 0 uses
// DefaultTypingTimeout. The callbacks are invoked outside the notifier's
// lock and must not be nil.
func NewTypingNotifier(onStart, onStop func(), timeout time.Duration) *TypingNotifier {
	if timeout == 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingNotifier{
		onStart: onStart,
		onStop:  onStop,
		timeout: timeout,
	}
}

// InputChanged reports the current input text. Non-empty input starts a
// burst (once) and rearms the inactivity timer; empty or whitespace-only
// input ends the burst immediately.
func (n *TypingNotifier) InputChanged(text string) {
	empty := strings.TrimSpace(text) == ""

	n.mu.Lock()
	var fire func()
	if empty {
		if n.typing {
			n.typing = false
			n.stopTimerLocked()
			fire = n.onStop
		}
	} else {
		if !n.typing {
			n.typing = true
			fire = n.onStart
		}
		n.rearmLocked()
	}
	n.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// Submit ends the burst immediately, as sending a message implies the user
// stopped composing.
func (n *TypingNotifier) Submit() {
	n.stopNow()
}

// Stop cancels the timer and ends any active burst. Call on conversation
// switch or teardown.
func (n *TypingNotifier) Stop() {
	n.stopNow()
}

func (n *TypingNotifier) stopNow() {
	n.mu.Lock()
	var fire func()
	if n.typing {
		n.typing = false
		fire = n.onStop
	}
	n.stopTimerLocked()
	n.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (n *TypingNotifier) rearmLocked() {
	n.stopTimerLocked()
	n.timer = time.AfterFunc(n.timeout, n.expire)
}

func (n *TypingNotifier) stopTimerLocked() {
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
}

func (n *TypingNotifier) expire() {
	n.mu.Lock()
	var fire func()
	if n.typing {
		n.typing = false
		fire = n.onStop
	}
	n.timer = nil
	n.mu.Unlock()

	if fire != nil {
		fire()
	}
}

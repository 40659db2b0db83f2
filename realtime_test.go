package fono

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channel Naming
// ============================================================================

func TestUserChannelName(t *testing.T) {
	tests := []struct {
		subject string
		want    string
	}{
		{"github|204113180", "private-user-github_204113180"},
		{"google-oauth2|117", "private-user-google_oauth2_117"},
		{"auth0|abc.def", "private-user-auth0_abc_def"},
		{"plain123", "private-user-plain123"},
		{"", "private-user-"},
	}
	for _, tt := range tests {
		if got := UserChannelName(tt.subject); got != tt.want {
			t.Errorf("UserChannelName(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

// ============================================================================
// Wire Format
// ============================================================================

func TestDecodeEventData(t *testing.T) {
	t.Run("double-encoded string", func(t *testing.T) {
		raw := json.RawMessage(`"{\"id\":\"m1\"}"`)
		got := decodeEventData(raw)
		var msg Message
		if err := json.Unmarshal(got, &msg); err != nil || msg.ID != "m1" {
			t.Fatalf("expected decoded object, got %s (%v)", got, err)
		}
	})

	t.Run("plain object passes through", func(t *testing.T) {
		raw := json.RawMessage(`{"id":"m2"}`)
		got := decodeEventData(raw)
		var msg Message
		if err := json.Unmarshal(got, &msg); err != nil || msg.ID != "m2" {
			t.Fatalf("expected object, got %s (%v)", got, err)
		}
	})

	t.Run("empty data", func(t *testing.T) {
		if got := decodeEventData(nil); got != nil {
			t.Fatalf("expected nil, got %s", got)
		}
	})
}

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnector(t *testing.T) {
	cfg := &TransportConfig{
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    1 * time.Second,
		MaxReconnectAttempts: 3,
	}

	t.Run("delays grow and cap", func(t *testing.T) {
		r := newReconnector(cfg)
		var prev time.Duration
		for i := 0; i < 6; i++ {
			d := r.nextDelay()
			if d > cfg.ReconnectMaxDelay {
				t.Fatalf("delay %v exceeds max %v", d, cfg.ReconnectMaxDelay)
			}
			if d < prev && d != cfg.ReconnectMaxDelay {
				t.Fatalf("delay shrank before hitting the cap: %v after %v", d, prev)
			}
			prev = d
		}
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newReconnector(cfg)
		for i := 0; i < 3; i++ {
			if !r.shouldReconnect() {
				t.Fatalf("attempt %d should be allowed", i)
			}
			r.nextDelay()
		}
		if r.shouldReconnect() {
			t.Fatal("budget exhausted, reconnect should be denied")
		}
	})

	t.Run("stable connection resets attempts", func(t *testing.T) {
		r := newReconnector(cfg)
		r.nextDelay()
		r.nextDelay()
		r.connectedAt = time.Now().Add(-2 * time.Minute)
		r.nextDelay()
		if r.attempt != 1 {
			t.Fatalf("expected attempt reset to 1, got %d", r.attempt)
		}
	})

	t.Run("reset clears state", func(t *testing.T) {
		r := newReconnector(cfg)
		r.nextDelay()
		r.markConnected()
		r.reset()
		if r.attempt != 0 || !r.connectedAt.IsZero() {
			t.Fatal("expected zeroed reconnector")
		}
	})
}

// ============================================================================
// Bindings
// ============================================================================

func TestChannelBindings(t *testing.T) {
	transport := NewWSTransport(&TransportConfig{URL: "ws://unused", Logger: slogt.New(t)})
	sub := newChannelSub("private-user-x", transport)

	var got []string
	b1 := sub.Bind(EventNewMessage, func(p json.RawMessage) { got = append(got, "b1") })
	b2 := sub.Bind(EventNewMessage, func(p json.RawMessage) { got = append(got, "b2") })
	sub.Bind(EventTypingStart, func(p json.RawMessage) { got = append(got, "other") })

	sub.dispatch(EventNewMessage, nil)
	if len(got) != 2 {
		t.Fatalf("expected both handlers, got %v", got)
	}

	b1.Unbind()
	b1.Unbind() // idempotent
	got = nil
	sub.dispatch(EventNewMessage, nil)
	if len(got) != 1 || got[0] != "b2" {
		t.Fatalf("expected only b2 after unbind, got %v", got)
	}

	b2.Unbind()
	got = nil
	sub.dispatch(EventNewMessage, nil)
	if len(got) != 0 {
		t.Fatalf("expected no handlers, got %v", got)
	}
}

func TestDispatchSurvivesPanickingHandler(t *testing.T) {
	transport := NewWSTransport(&TransportConfig{URL: "ws://unused", Logger: slogt.New(t)})
	sub := newChannelSub("private-user-x", transport)

	called := false
	sub.Bind(EventNewMessage, func(p json.RawMessage) { panic("boom") })
	sub.Bind(EventNewMessage, func(p json.RawMessage) { called = true })

	sub.dispatch(EventNewMessage, nil)
	if !called {
		t.Fatal("second handler must run despite the panic")
	}
}

// ============================================================================
// WSTransport against an in-process broker
// ============================================================================

type staticAuthorizer struct {
	denied bool

	mu    sync.Mutex
	calls int
}

func (a *staticAuthorizer) AuthorizeChannel(ctx context.Context, socketID, channelName string) (json.RawMessage, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.denied {
		return nil, ErrAccessDenied
	}
	return json.RawMessage(`{"auth":"key:signature"}`), nil
}

func (a *staticAuthorizer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeBroker speaks just enough of the protocol: handshake, subscribe ack,
// then a scripted sequence of events.
func fakeBroker(t *testing.T, events []wireEvent) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		handshake := `{"event":"pusher:connection_established","data":"{\"socket_id\":\"111.222\",\"activity_timeout\":120}"}`
		if err := conn.Write(ctx, websocket.MessageText, []byte(handshake)); err != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub wireEvent
		if json.Unmarshal(data, &sub) != nil || sub.Event != "pusher:subscribe" {
			t.Errorf("expected pusher:subscribe, got %s", data)
			return
		}
		var subData map[string]string
		json.Unmarshal(sub.Data, &subData)
		if strings.HasPrefix(subData["channel"], "private-") && subData["auth"] == "" {
			t.Error("private subscribe frame missing auth")
		}

		ack, _ := json.Marshal(wireEvent{
			Event:   "pusher_internal:subscription_succeeded",
			Channel: subData["channel"],
			Data:    json.RawMessage(`"{}"`),
		})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}

		// Wait for the client's ready frame so it can bind handlers before
		// any events flow.
		if len(events) > 0 {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}

		for _, ev := range events {
			frame, _ := json.Marshal(ev)
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return
			}
		}

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSTransportLifecycle(t *testing.T) {
	channelName := UserChannelName(testSubject)
	payload := `{"id":"m9","senderId":"` + testPartner + `","receiverId":"` + testSubject + `","content":"ping","createdAt":"2026-08-01T10:00:00Z"}`
	url := fakeBroker(t, []wireEvent{
		{Event: EventNewMessage, Channel: channelName, Data: mustMarshal(payload)},
	})

	auth := &staticAuthorizer{}
	transport := NewWSTransport(&TransportConfig{
		URL:        url,
		Authorizer: auth,
		Logger:     slogt.New(t),
	})

	var states []TransportState
	transport.OnStateChange(func(s TransportState) { states = append(states, s) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("second connect must be a no-op: %v", err)
	}

	received := make(chan json.RawMessage, 1)
	ch, err := transport.Subscribe(ctx, channelName)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ch.Bind(EventNewMessage, func(p json.RawMessage) {
		select {
		case received <- p:
		default:
		}
	})
	if got := auth.callCount(); got != 1 {
		t.Fatalf("expected 1 authorization call, got %d", got)
	}
	if err := transport.send(ctx, wireEvent{Event: "client:ready"}); err != nil {
		t.Fatalf("send ready frame: %v", err)
	}

	if again, err := transport.Subscribe(ctx, channelName); err != nil || again != ch {
		t.Fatal("re-subscribe must return the existing channel")
	}
	if got := auth.callCount(); got != 1 {
		t.Fatalf("re-subscribe must not re-authorize, got %d calls", got)
	}

	select {
	case p := <-received:
		var msg Message
		if err := json.Unmarshal(p, &msg); err != nil || msg.ID != "m9" {
			t.Fatalf("unexpected payload: %s (%v)", p, err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for new-message event")
	}

	if got := transport.State(); got != StateSubscribed {
		t.Fatalf("expected subscribed state, got %s", got)
	}

	if err := transport.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := transport.Disconnect(); err != nil {
		t.Fatalf("second disconnect must be a no-op: %v", err)
	}
	if got := transport.State(); got != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", got)
	}

	sawTearingDown := false
	for _, s := range states {
		if s == StateTearingDown {
			sawTearingDown = true
		}
	}
	if !sawTearingDown {
		t.Fatalf("expected a tearing_down transition, got %v", states)
	}
}

func TestWSTransportReconnectResubscribes(t *testing.T) {
	channelName := UserChannelName(testSubject)
	var conns int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&conns, 1)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()

		handshake := fmt.Sprintf(`{"event":"pusher:connection_established","data":"{\"socket_id\":\"111.%d\",\"activity_timeout\":120}"}`, n)
		if err := conn.Write(ctx, websocket.MessageText, []byte(handshake)); err != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var sub wireEvent
		if json.Unmarshal(data, &sub) != nil || sub.Event != "pusher:subscribe" {
			t.Errorf("expected pusher:subscribe, got %s", data)
			return
		}
		var subData map[string]string
		json.Unmarshal(sub.Data, &subData)
		ack, _ := json.Marshal(wireEvent{
			Event:   "pusher_internal:subscription_succeeded",
			Channel: subData["channel"],
			Data:    json.RawMessage(`"{}"`),
		})
		if err := conn.Write(ctx, websocket.MessageText, ack); err != nil {
			return
		}

		if n == 1 {
			// Drop the first connection abruptly to force a reconnect.
			conn.Close(websocket.StatusInternalError, "dropped")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	auth := &staticAuthorizer{}
	transport := NewWSTransport(&TransportConfig{
		URL:                url,
		Authorizer:         auth,
		Logger:             slogt.New(t),
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	defer transport.Disconnect()

	states := make(chan TransportState, 32)
	transport.OnStateChange(func(s TransportState) {
		select {
		case states <- s:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := transport.Subscribe(ctx, channelName); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sawReconnecting := false
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-states:
			if s == StateReconnecting {
				sawReconnecting = true
			}
			if s == StateSubscribed && sawReconnecting {
				// Resubscribed after the drop.
				if got := auth.callCount(); got != 2 {
					t.Fatalf("expected re-authorization on resubscribe, got %d calls", got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for resubscription, sawReconnecting=%v", sawReconnecting)
		}
	}
}

func TestWSTransportAccessDenied(t *testing.T) {
	url := fakeBroker(t, nil)

	transport := NewWSTransport(&TransportConfig{
		URL:        url,
		Authorizer: &staticAuthorizer{denied: true},
		Logger:     slogt.New(t),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := transport.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := transport.Subscribe(ctx, UserChannelName(testSubject))
	if err == nil {
		t.Fatal("expected subscribe to fail")
	}
	if got := transport.State(); got != StateDisconnected {
		t.Fatalf("denied subscription must end disconnected, got %s", got)
	}
}

func TestWSTransportSubscribeWithoutConnect(t *testing.T) {
	transport := NewWSTransport(&TransportConfig{URL: "ws://unused", Logger: slogt.New(t)})
	if _, err := transport.Subscribe(context.Background(), "private-user-x"); err == nil {
		t.Fatal("expected error when not connected")
	}
}

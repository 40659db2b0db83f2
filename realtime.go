package fono

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport Interfaces
// ============================================================================

// Transport is a realtime broker connection that multiplexes named channels.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, channelName string) (Channel, error)
	Unsubscribe(channelName string)
	Disconnect() error
}

// Channel is a subscribed broker channel. Handlers are registered per event
// name and return an explicit Binding handle.
type Channel interface {
	Name() string
	Bind(event string, handler func(payload json.RawMessage)) Binding
}

// Binding is a registered event handler. Unbind unregisters exactly this
// handler and is safe to call more than once.
type Binding interface {
	Unbind()
}

// ============================================================================
// Channel Naming
// ============================================================================

// UserChannelName returns the private channel carrying all events for one
// user. Subject ids contain provider separators ("github|204113180") that
// the broker rejects in channel names, so non-alphanumeric runes become '_'.
func UserChannelName(subject string) string {
	return "private-user-" + sanitizeSubject(subject)
}

func sanitizeSubject(subject string) string {
	out := []rune(subject)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// ============================================================================
// Wire Format
// ============================================================================

// wireEvent is the broker's frame format (Pusher protocol).
type wireEvent struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type connectionEstablishedData struct {
	SocketID        string  `json:"socket_id"`
	ActivityTimeout float64 `json:"activity_timeout"`
}

type channelAuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// decodeEventData unwraps broker event data. The protocol double-encodes
// payloads as JSON strings; plain objects pass through unchanged.
func decodeEventData(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	if raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			return json.RawMessage(inner)
		}
	}
	return raw
}

// ============================================================================
// Configuration
// ============================================================================

// TransportConfig configures a WSTransport.
type TransportConfig struct {
	// URL is the broker WebSocket endpoint.
	URL string
	// Authorizer signs private channel subscriptions. Required for any
	// channel with the "private-" prefix.
	Authorizer ChannelAuthorizer

	Logger               *slog.Logger
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ActivityTimeout      time.Duration
	SubscribeTimeout     time.Duration
}

func (c *TransportConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ActivityTimeout == 0 {
		c.ActivityTimeout = 120 * time.Second
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// TransportState represents the connection and subscription lifecycle.
type TransportState string

const (
	StateDisconnected TransportState = "disconnected"
	StateConnecting   TransportState = "connecting"
	StateConnected    TransportState = "connected"
	StateSubscribing  TransportState = "subscribing"
	StateSubscribed   TransportState = "subscribed"
	StateReconnecting TransportState = "reconnecting"
	StateTearingDown  TransportState = "tearing_down"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *TransportConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Channel Subscription
// ============================================================================

type channelSub struct {
	name      string
	transport *WSTransport

	mu       sync.Mutex
	bindings map[string]map[int]func(json.RawMessage)
	nextID   int
	ready    chan error
}

func newChannelSub(name string, t *WSTransport) *channelSub {
	return &channelSub{
		name:      name,
		transport: t,
		bindings:  make(map[string]map[int]func(json.RawMessage)),
		ready:     make(chan error, 1),
	}
}

func (s *channelSub) Name() string { return s.name }

func (s *channelSub) Bind(event string, handler func(payload json.RawMessage)) Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings[event] == nil {
		s.bindings[event] = make(map[int]func(json.RawMessage))
	}
	s.nextID++
	id := s.nextID
	s.bindings[event][id] = handler
	return &channelBinding{sub: s, event: event, id: id}
}

// dispatch invokes handlers synchronously so event order is preserved.
// A panicking handler must not kill the read loop.
func (s *channelSub) dispatch(event string, payload json.RawMessage) {
	s.mu.Lock()
	handlers := make([]func(json.RawMessage), 0, len(s.bindings[event]))
	for _, h := range s.bindings[event] {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.transport.config.Logger.Error("channel handler panic",
						"channel", s.name, "event", event, "panic", r)
				}
			}()
			h(payload)
		}()
	}
}

func (s *channelSub) signalReady(err error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	select {
	case ready <- err:
	default:
	}
}

func (s *channelSub) readyChan() chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// resetReady arms a fresh ready channel before a resubscription attempt.
func (s *channelSub) resetReady() chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = make(chan error, 1)
	return s.ready
}

type channelBinding struct {
	sub   *channelSub
	event string
	id    int
}

func (b *channelBinding) Unbind() {
	b.sub.mu.Lock()
	defer b.sub.mu.Unlock()
	if handlers, ok := b.sub.bindings[b.event]; ok {
		delete(handlers, b.id)
		if len(handlers) == 0 {
			delete(b.sub.bindings, b.event)
		}
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport is a WebSocket broker client speaking the Pusher protocol,
// with private channel authorization and auto-reconnect.
type WSTransport struct {
	config *TransportConfig

	mu               sync.Mutex
	conn             *websocket.Conn
	state            TransportState
	socketID         string
	intentionalClose bool
	channels         map[string]*channelSub
	cancelFn         context.CancelFunc

	recon *reconnector

	stateMu       sync.Mutex
	onStateChange []func(TransportState)
}

// NewWSTransport creates a transport. Call Connect to establish the
// connection.
func NewWSTransport(config *TransportConfig) *WSTransport {
	cfg := *config
	cfg.defaults()
	return &WSTransport{
		config:   &cfg,
		state:    StateDisconnected,
		channels: make(map[string]*channelSub),
		recon:    newReconnector(&cfg),
	}
}

// State returns the current lifecycle state.
func (t *WSTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnStateChange registers a state observer for diagnostics.
func (t *WSTransport) OnStateChange(h func(TransportState)) {
	t.stateMu.Lock()
	t.onStateChange = append(t.onStateChange, h)
	t.stateMu.Unlock()
}

func (t *WSTransport) setState(s TransportState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	t.emitState(s)
}

func (t *WSTransport) emitState(s TransportState) {
	t.stateMu.Lock()
	handlers := append([]func(TransportState){}, t.onStateChange...)
	t.stateMu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

// Connect establishes the WebSocket connection and waits for the broker
// handshake. Calling it while connected or connecting is a no-op.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case StateDisconnected, StateReconnecting:
	default:
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	t.intentionalClose = false
	t.mu.Unlock()
	t.emitState(StateConnecting)

	conn, _, err := websocket.Dial(ctx, t.config.URL, nil)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	// First frame must be the broker handshake carrying our socket id.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("read handshake: %w", err)
	}

	var ev wireEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Event != "pusher:connection_established" {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("expected connection_established, got %q", ev.Event)
	}
	var est connectionEstablishedData
	if err := json.Unmarshal(decodeEventData(ev.Data), &est); err != nil || est.SocketID == "" {
		conn.Close(websocket.StatusNormalClosure, "")
		t.setState(StateDisconnected)
		return fmt.Errorf("handshake missing socket_id")
	}

	t.mu.Lock()
	t.conn = conn
	t.socketID = est.SocketID
	t.state = StateConnected
	t.mu.Unlock()
	t.recon.markConnected()
	t.emitState(StateConnected)
	t.config.Logger.Debug("transport connected", "socket_id", est.SocketID)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.cancelFn = cancel
	t.mu.Unlock()

	go t.readLoop(connCtx)

	return nil
}

// Subscribe subscribes to a channel and blocks until the broker confirms.
// Subscribing twice to the same channel returns the existing Channel with
// its bindings intact.
func (t *WSTransport) Subscribe(ctx context.Context, channelName string) (Channel, error) {
	t.mu.Lock()
	if t.conn == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	if sub, ok := t.channels[channelName]; ok {
		t.mu.Unlock()
		return sub, nil
	}
	sub := newChannelSub(channelName, t)
	t.channels[channelName] = sub
	t.state = StateSubscribing
	t.mu.Unlock()
	t.emitState(StateSubscribing)

	if err := t.sendSubscribe(ctx, sub); err != nil {
		t.dropChannel(channelName)
		if errors.Is(err, ErrAccessDenied) {
			// Terminal: a denied channel never succeeds on retry.
			t.Disconnect()
		} else {
			t.setState(StateConnected)
		}
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, t.config.SubscribeTimeout)
	defer cancel()
	select {
	case err := <-sub.readyChan():
		if err != nil {
			t.dropChannel(channelName)
			t.setState(StateConnected)
			return nil, err
		}
	case <-waitCtx.Done():
		t.dropChannel(channelName)
		t.setState(StateConnected)
		return nil, fmt.Errorf("subscribe %s: %w", channelName, waitCtx.Err())
	}

	t.setState(StateSubscribed)
	t.config.Logger.Debug("channel subscribed", "channel", channelName)
	return sub, nil
}

func (t *WSTransport) sendSubscribe(ctx context.Context, sub *channelSub) error {
	subData := map[string]string{"channel": sub.name}

	if isPrivateChannel(sub.name) {
		if t.config.Authorizer == nil {
			return fmt.Errorf("subscribe %s: no channel authorizer configured", sub.name)
		}
		t.mu.Lock()
		socketID := t.socketID
		t.mu.Unlock()

		raw, err := t.config.Authorizer.AuthorizeChannel(ctx, socketID, sub.name)
		if err != nil {
			return err
		}
		var auth channelAuthResponse
		if err := json.Unmarshal(raw, &auth); err != nil || auth.Auth == "" {
			return fmt.Errorf("subscribe %s: malformed auth response", sub.name)
		}
		subData["auth"] = auth.Auth
		if auth.ChannelData != "" {
			subData["channel_data"] = auth.ChannelData
		}
	}

	return t.send(ctx, wireEvent{Event: "pusher:subscribe", Data: mustMarshal(subData)})
}

func isPrivateChannel(name string) bool {
	return len(name) > 8 && name[:8] == "private-"
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// Unsubscribe removes a channel and all its bindings. Unknown channels are
// ignored.
func (t *WSTransport) Unsubscribe(channelName string) {
	t.mu.Lock()
	sub, ok := t.channels[channelName]
	conn := t.conn
	delete(t.channels, channelName)
	t.mu.Unlock()
	if !ok {
		return
	}

	sub.mu.Lock()
	sub.bindings = make(map[string]map[int]func(json.RawMessage))
	sub.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.send(ctx, wireEvent{
			Event: "pusher:unsubscribe",
			Data:  mustMarshal(map[string]string{"channel": channelName}),
		})
	}
}

// Disconnect tears the connection down. Safe to call repeatedly.
func (t *WSTransport) Disconnect() error {
	t.mu.Lock()
	if t.state == StateDisconnected && t.conn == nil {
		t.mu.Unlock()
		return nil
	}
	t.intentionalClose = true
	t.state = StateTearingDown
	if t.cancelFn != nil {
		t.cancelFn()
		t.cancelFn = nil
	}
	conn := t.conn
	t.conn = nil
	t.socketID = ""
	t.channels = make(map[string]*channelSub)
	t.mu.Unlock()
	t.emitState(StateTearingDown)

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	t.setState(StateDisconnected)
	return err
}

func (t *WSTransport) send(ctx context.Context, ev wireEvent) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *WSTransport) readLoop(ctx context.Context) {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			intentional := t.intentionalClose
			t.mu.Unlock()
			if intentional {
				return
			}

			t.mu.Lock()
			t.conn = nil
			t.state = StateDisconnected
			t.mu.Unlock()
			t.emitState(StateDisconnected)
			t.config.Logger.Warn("transport connection lost", "error", err)

			if t.config.AutoReconnect && t.recon.shouldReconnect() {
				t.scheduleReconnect(ctx)
			}
			return
		}

		var ev wireEvent
		if json.Unmarshal(data, &ev) != nil {
			continue
		}
		t.handleEvent(ctx, ev)
	}
}

func (t *WSTransport) handleEvent(ctx context.Context, ev wireEvent) {
	switch ev.Event {
	case "pusher:ping":
		_ = t.send(ctx, wireEvent{Event: "pusher:pong", Data: json.RawMessage(`{}`)})
		return
	case "pusher:pong":
		return
	case "pusher_internal:subscription_succeeded":
		t.mu.Lock()
		sub := t.channels[ev.Channel]
		t.mu.Unlock()
		if sub != nil {
			sub.signalReady(nil)
			sub.dispatch(ev.Event, decodeEventData(ev.Data))
		}
		return
	case "pusher:error":
		t.config.Logger.Warn("broker error", "data", string(ev.Data))
		if ev.Channel != "" {
			t.mu.Lock()
			sub := t.channels[ev.Channel]
			t.mu.Unlock()
			if sub != nil {
				sub.signalReady(fmt.Errorf("subscribe %s: broker error: %s", ev.Channel, ev.Data))
			}
		}
		return
	}

	if ev.Channel == "" {
		return
	}
	t.mu.Lock()
	sub := t.channels[ev.Channel]
	t.mu.Unlock()
	if sub != nil {
		sub.dispatch(ev.Event, decodeEventData(ev.Data))
	}
}

func (t *WSTransport) scheduleReconnect(ctx context.Context) {
	delay := t.recon.nextDelay()
	t.setState(StateReconnecting)
	t.config.Logger.Info("reconnecting", "attempt", t.recon.attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	// Channels survive the drop so bindings can be re-established.
	t.mu.Lock()
	resub := make([]*channelSub, 0, len(t.channels))
	for _, sub := range t.channels {
		resub = append(resub, sub)
	}
	t.mu.Unlock()

	if err := t.Connect(ctx); err != nil {
		if t.config.AutoReconnect && t.recon.shouldReconnect() {
			t.scheduleReconnect(ctx)
		} else {
			t.setState(StateDisconnected)
		}
		return
	}

	subscribed := 0
	for _, sub := range resub {
		ready := sub.resetReady()
		if err := t.sendSubscribe(ctx, sub); err != nil {
			t.config.Logger.Warn("resubscribe failed", "channel", sub.name, "error", err)
			t.dropChannel(sub.name)
			continue
		}
		select {
		case err := <-ready:
			if err != nil {
				t.config.Logger.Warn("resubscribe rejected", "channel", sub.name, "error", err)
				t.dropChannel(sub.name)
				continue
			}
			subscribed++
		case <-time.After(t.config.SubscribeTimeout):
			t.config.Logger.Warn("resubscribe timed out", "channel", sub.name)
			t.dropChannel(sub.name)
		case <-ctx.Done():
			return
		}
	}
	if subscribed > 0 {
		t.setState(StateSubscribed)
	}
}

func (t *WSTransport) dropChannel(channelName string) {
	t.mu.Lock()
	delete(t.channels, channelName)
	t.mu.Unlock()
}

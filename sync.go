package fono

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Engine Options & State
// ============================================================================

// DefaultClearDelay is the pause between sequential deletions during
// ClearChat, so the backend is not hammered with a burst of DELETEs.
const DefaultClearDelay = 300 * time.Millisecond

// EngineOptions configures a conversation sync engine.
type EngineOptions struct {
	Logger     *slog.Logger
	ClearDelay time.Duration
	// OnChange is invoked after every state change, outside the engine
	// lock. Presentation layers re-render from Snapshot.
	OnChange func()
}

// ConversationState is a point-in-time snapshot of the selected
// conversation.
type ConversationState struct {
	PartnerID         string
	Messages          []Message
	Loading           bool
	Err               error
	IsOtherUserTyping bool
}

// ClearProgress is reported after every deletion attempt during ClearChat.
type ClearProgress struct {
	Deleted int
	Total   int
	Errors  []error
}

// ClearSummary is the final result of a ClearChat sweep.
type ClearSummary struct {
	Success bool
	Deleted int
	Errors  []error
}

// ============================================================================
// Engine
// ============================================================================

// Engine keeps one conversation's message list in sync with the backend:
// optimistic sends with rollback, push-triggered refetches, typing state,
// and sequential clearing. All exported methods are safe for concurrent
// use.
type Engine struct {
	client     *Client
	transport  Transport
	logger     *slog.Logger
	clearDelay time.Duration
	onChange   func()

	mu         sync.Mutex
	partnerID  string
	messages   []Message
	loading    bool
	err        error
	typing     bool
	fetchEpoch int

	channel       Channel
	bindings      []Binding
	subscribedFor string
	baseCtx       context.Context
	closed        bool
}

// NewEngine creates an engine over an authenticated client and a broker
// transport. opts may be nil.
func NewEngine(client *Client, transport Transport, opts *EngineOptions) *Engine {
	if opts == nil {
		opts = &EngineOptions{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = client.Logger()
	}
	clearDelay := opts.ClearDelay
	if clearDelay == 0 {
		clearDelay = DefaultClearDelay
	}
	return &Engine{
		client:     client,
		transport:  transport,
		logger:     logger,
		clearDelay: clearDelay,
		onChange:   opts.OnChange,
		baseCtx:    context.Background(),
	}
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange()
	}
}

// Snapshot returns a copy of the current conversation state.
func (e *Engine) Snapshot() ConversationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	msgs := make([]Message, len(e.messages))
	copy(msgs, e.messages)
	return ConversationState{
		PartnerID:         e.partnerID,
		Messages:          msgs,
		Loading:           e.loading,
		Err:               e.err,
		IsOtherUserTyping: e.typing,
	}
}

// ============================================================================
// Subscription Lifecycle
// ============================================================================

// Start connects the transport and subscribes to the authenticated user's
// private channel. Calling Start again for the same identity is a no-op;
// an identity change tears the old subscription down first.
func (e *Engine) Start(ctx context.Context) error {
	subject := e.client.Subject()
	if subject == "" {
		return ErrNotAuthenticated
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine closed")
	}
	if e.subscribedFor == subject {
		e.mu.Unlock()
		return nil
	}
	prev := e.subscribedFor
	e.mu.Unlock()

	if prev != "" {
		e.teardownSubscription()
	}

	if err := e.transport.Connect(ctx); err != nil {
		e.setErr(err)
		return err
	}

	ch, err := e.transport.Subscribe(ctx, UserChannelName(subject))
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			e.logger.Error("channel subscription denied", "subject", subject)
		}
		e.setErr(err)
		return err
	}

	bindings := []Binding{
		ch.Bind(EventNewMessage, e.handleNewMessage),
		ch.Bind(EventTypingStart, e.handleTypingStart),
		ch.Bind(EventTypingStop, e.handleTypingStop),
	}

	e.mu.Lock()
	e.channel = ch
	e.bindings = bindings
	e.subscribedFor = subject
	e.baseCtx = context.WithoutCancel(ctx)
	e.mu.Unlock()

	e.logger.Debug("engine started", "subject", subject)
	return nil
}

// Close tears down the subscription and disconnects the transport.
// Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.teardownSubscription()
	return e.transport.Disconnect()
}

func (e *Engine) teardownSubscription() {
	e.mu.Lock()
	bindings := e.bindings
	ch := e.channel
	e.bindings = nil
	e.channel = nil
	e.subscribedFor = ""
	e.mu.Unlock()

	for _, b := range bindings {
		b.Unbind()
	}
	if ch != nil {
		e.transport.Unsubscribe(ch.Name())
	}
}

func (e *Engine) setErr(err error) {
	e.mu.Lock()
	e.err = err
	e.mu.Unlock()
	e.notify()
}

// ============================================================================
// Push Handlers
// ============================================================================

// handleNewMessage refetches history instead of patching the pushed message
// into the list. The payload is only inspected for relevance to the
// selected partner.
func (e *Engine) handleNewMessage(payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		e.logger.Warn("malformed new-message payload", "error", err)
		return
	}

	e.mu.Lock()
	partner := e.partnerID
	ctx := e.baseCtx
	e.mu.Unlock()

	if partner == "" || (msg.SenderID != partner && msg.ReceiverID != partner) {
		return
	}

	go func() {
		if err := e.FetchHistory(ctx); err != nil {
			e.logger.Warn("refetch after push failed", "error", err)
		}
	}()
}

func (e *Engine) handleTypingStart(payload json.RawMessage) {
	e.applyTypingEvent(payload, true)
}

func (e *Engine) handleTypingStop(payload json.RawMessage) {
	e.applyTypingEvent(payload, false)
}

func (e *Engine) applyTypingEvent(payload json.RawMessage, typing bool) {
	var p TypingEventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	e.mu.Lock()
	if e.partnerID == "" || p.SenderID != e.partnerID {
		e.mu.Unlock()
		return
	}
	changed := e.typing != typing
	e.typing = typing
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

// ============================================================================
// Conversation Selection & History
// ============================================================================

// SelectConversation switches the active partner. The message list, typing
// flag and error are cleared immediately; any in-flight fetch for the
// previous partner is invalidated; a fresh fetch is issued unless partnerID
// is empty.
func (e *Engine) SelectConversation(ctx context.Context, partnerID string) error {
	e.mu.Lock()
	e.partnerID = partnerID
	e.fetchEpoch++
	e.messages = nil
	e.typing = false
	e.err = nil
	e.loading = false
	e.mu.Unlock()
	e.notify()

	if partnerID == "" {
		return nil
	}
	return e.FetchHistory(ctx)
}

// FetchHistory replaces the message list with the backend's view of the
// conversation, sorted by createdAt ascending. Without a selected partner
// or an authenticated client it is a silent no-op. On failure the last
// known list is kept and the error recorded.
func (e *Engine) FetchHistory(ctx context.Context) error {
	if !e.client.Authenticated() {
		return nil
	}

	e.mu.Lock()
	partner := e.partnerID
	epoch := e.fetchEpoch
	if partner == "" {
		e.mu.Unlock()
		return nil
	}
	if len(e.messages) == 0 {
		e.loading = true
	}
	e.mu.Unlock()
	e.notify()

	msgs, err := e.client.Messages.History(ctx, partner)

	e.mu.Lock()
	if e.partnerID != partner || e.fetchEpoch != epoch {
		// Stale: the conversation moved on while we were in flight.
		e.mu.Unlock()
		return nil
	}
	e.loading = false
	if err != nil {
		e.err = err
		e.mu.Unlock()
		e.notify()
		return fmt.Errorf("fetch history: %w", err)
	}
	sortMessages(msgs)
	e.messages = msgs
	e.err = nil
	e.mu.Unlock()
	e.notify()
	return nil
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, iok := parseMessageTime(msgs[i].CreatedAt)
		tj, jok := parseMessageTime(msgs[j].CreatedAt)
		if iok && jok {
			return ti.Before(tj)
		}
		return msgs[i].CreatedAt < msgs[j].CreatedAt
	})
}

func parseMessageTime(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ============================================================================
// Sending
// ============================================================================

// SendMessage appends an optimistic local message before any network IO,
// then persists it. On failure the optimistic entry is rolled back by its
// temp id and the error returned. On success the entry stays until the next
// history refresh reconciles it against the backend's record.
func (e *Engine) SendMessage(ctx context.Context, receiverID, content string) error {
	if !e.client.Authenticated() {
		return ErrNotAuthenticated
	}
	if receiverID == "" {
		return nil
	}

	temp := Message{
		ID:          optimisticIDPrefix + uuid.NewString(),
		SenderID:    e.client.Subject(),
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: "text",
		CreatedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}

	e.mu.Lock()
	e.fetchEpoch++
	e.messages = append(e.messages, temp)
	e.mu.Unlock()
	e.notify()

	_, err := e.client.Messages.Send(ctx, SendMessageRequest{
		SenderID:    temp.SenderID,
		ReceiverID:  receiverID,
		Content:     content,
		MessageType: temp.MessageType,
	})
	if err != nil {
		e.removeLocal(temp.ID)
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// removeLocal drops a message from the local list and invalidates in-flight
// fetches so a stale snapshot cannot resurrect it.
func (e *Engine) removeLocal(id string) bool {
	e.mu.Lock()
	removed := false
	kept := e.messages[:0]
	for _, m := range e.messages {
		if m.ID == id {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	e.messages = kept
	if removed {
		e.fetchEpoch++
	}
	e.mu.Unlock()
	if removed {
		e.notify()
	}
	return removed
}

// ============================================================================
// Deletion & Clearing
// ============================================================================

// DeleteMessage removes a message, backend first. The local list only
// changes after the backend confirms.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	if !e.client.Authenticated() {
		return ErrNotAuthenticated
	}
	if err := e.client.Messages.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.removeLocal(messageID)
	return nil
}

// ClearChat deletes every message in the current list, strictly one at a
// time with a fixed pause between deletions. Individual failures are
// recorded and the sweep continues. onProgress, if non-nil, fires after
// every attempt.
func (e *Engine) ClearChat(ctx context.Context, onProgress func(ClearProgress)) ClearSummary {
	e.mu.Lock()
	ids := make([]string, 0, len(e.messages))
	for _, m := range e.messages {
		ids = append(ids, m.ID)
	}
	e.mu.Unlock()

	summary := ClearSummary{}
	total := len(ids)

	for i, id := range ids {
		if i > 0 {
			select {
			case <-time.After(e.clearDelay):
			case <-ctx.Done():
				summary.Errors = append(summary.Errors, ctx.Err())
				summary.Success = false
				return summary
			}
		}

		if err := e.client.Messages.Delete(ctx, id); err != nil {
			e.logger.Warn("clear: delete failed", "message_id", id, "error", err)
			summary.Errors = append(summary.Errors, fmt.Errorf("delete %s: %w", id, err))
		} else {
			summary.Deleted++
			e.removeLocal(id)
		}

		if onProgress != nil {
			onProgress(ClearProgress{
				Deleted: summary.Deleted,
				Total:   total,
				Errors:  append([]error(nil), summary.Errors...),
			})
		}
	}

	summary.Success = len(summary.Errors) == 0
	return summary
}

// ============================================================================
// Typing (outbound)
// ============================================================================

// SendTypingStart relays a typing-start indicator to the selected partner.
// Fire-and-forget: failures are logged, never surfaced.
func (e *Engine) SendTypingStart(ctx context.Context) {
	e.sendTyping(ctx, TypingStart)
}

// SendTypingStop relays a typing-stop indicator to the selected partner.
func (e *Engine) SendTypingStop(ctx context.Context) {
	e.sendTyping(ctx, TypingStop)
}

func (e *Engine) sendTyping(ctx context.Context, action TypingAction) {
	if !e.client.Authenticated() {
		return
	}
	e.mu.Lock()
	partner := e.partnerID
	e.mu.Unlock()
	if partner == "" {
		return
	}
	if err := e.client.Messages.Typing(ctx, action, partner); err != nil {
		e.logger.Warn("typing relay failed", "action", action, "error", err)
	}
}

package fono

import (
	"errors"
	"fmt"
	"strings"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when an operation requires a bearer
	// token and no token provider is configured.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNoPartnerSelected is returned by engine operations that need an
	// active conversation when none is selected.
	ErrNoPartnerSelected = errors.New("no conversation partner selected")

	// ErrAccessDenied is returned when the broker refuses a private channel
	// authorization. It is terminal: the transport does not retry it.
	ErrAccessDenied = errors.New("channel access denied")
)

// APIError represents a rejection from the fono backend (non-2xx with a
// JSON error body).
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("api error (HTTP %d): %s", e.Status, e.Message)
}

// AsAPIError unwraps err into an *APIError if the backend rejected the
// request. Transport-level failures do not match.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// ============================================================================
// Message Types
// ============================================================================

// Message is a direct message between two users.
type Message struct {
	ID          string `json:"id"`
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
	CreatedAt   string `json:"createdAt"`
	ReadStatus  bool   `json:"readStatus"`
}

// SendMessageRequest is the payload for POST /chat_messages.
type SendMessageRequest struct {
	SenderID    string `json:"senderId"`
	ReceiverID  string `json:"receiverId"`
	Content     string `json:"content"`
	MessageType string `json:"messageType,omitempty"`
}

// optimisticIDPrefix marks locally appended messages that the backend has
// not confirmed yet.
const optimisticIDPrefix = "local-"

// IsOptimisticID reports whether id belongs to a message appended locally
// before backend confirmation.
func IsOptimisticID(id string) bool {
	return strings.HasPrefix(id, optimisticIDPrefix)
}

// ============================================================================
// Typing Types
// ============================================================================

// TypingAction is the action field of POST /pusher/typing.
type TypingAction string

const (
	TypingStart TypingAction = "start"
	TypingStop  TypingAction = "stop"
)

// TypingEventPayload is the payload of typing-start / typing-stop channel
// events.
type TypingEventPayload struct {
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}

// ============================================================================
// User Types
// ============================================================================

// User is an entry in the user directory. The users service speaks
// snake_case, unlike the chat endpoints.
type User struct {
	UserID        string `json:"user_id"`
	Email         string `json:"email,omitempty"`
	DisplayName   string `json:"display_name"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	Status        string `json:"status,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	LastSeen      string `json:"last_seen,omitempty"`
}

// ProfileUpdate is the payload for PUT /users/profile. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// ============================================================================
// Channel Event Names
// ============================================================================

const (
	EventNewMessage  = "new-message"
	EventTypingStart = "typing-start"
	EventTypingStop  = "typing-stop"
)

package fono

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookBatch is a batch of broker channel events (POST from the broker to
// the backend). The broker batches events that occur close together.
type WebhookBatch struct {
	TimeMS int64          `json:"time_ms"`
	Events []WebhookEvent `json:"events"`
}

// WebhookEvent is a single channel lifecycle event.
type WebhookEvent struct {
	Name    string `json:"name"` // "channel_occupied" or "channel_vacated"
	Channel string `json:"channel"`
}

// WebhookHandlerFunc is the callback signature for handling broker events.
type WebhookHandlerFunc func(event *WebhookEvent) error

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a broker webhook signature using
// HMAC-SHA256. Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookBatch parses a raw webhook body into a typed WebhookBatch.
func ParseWebhookBatch(body string) (*WebhookBatch, error) {
	var batch WebhookBatch
	if err := json.Unmarshal([]byte(body), &batch); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if batch.TimeMS == 0 {
		return nil, fmt.Errorf("missing time_ms field in webhook body")
	}
	if len(batch.Events) == 0 {
		return nil, fmt.Errorf("webhook body contains no events")
	}
	for _, ev := range batch.Events {
		if ev.Name == "" || ev.Channel == "" {
			return nil, fmt.Errorf("missing required fields in webhook event (name, channel)")
		}
	}

	return &batch, nil
}

// ============================================================================
// BrokerWebhook
// ============================================================================

// BrokerWebhook handles broker webhook verification, parsing, and dispatch.
// The backend uses channel_occupied / channel_vacated to drive user
// presence.
type BrokerWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewBrokerWebhook creates a new webhook handler.
func NewBrokerWebhook(secret string, onEvent WebhookHandlerFunc) (*BrokerWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &BrokerWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *BrokerWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Parse parses a raw body into a typed WebhookBatch.
func (w *BrokerWebhook) Parse(body string) (*WebhookBatch, error) {
	return ParseWebhookBatch(body)
}

// Handle processes a webhook request (verify + parse + dispatch each event).
// Returns the status code and response body for the caller to write.
func (w *BrokerWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	batch, err := w.Parse(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	for i := range batch.Events {
		if err := w.onEvent(&batch.Events[i]); err != nil {
			return http.StatusInternalServerError, map[string]string{"error": err.Error()}
		}
	}

	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := fono.NewBrokerWebhook("secret", handler)
//	http.Handle("/webhooks/broker", wh.HTTPHandler())
func (w *BrokerWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		body := string(bodyBytes)
		signature := r.Header.Get("X-Fono-Signature")

		statusCode, data := w.Handle(body, signature)

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *BrokerWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}

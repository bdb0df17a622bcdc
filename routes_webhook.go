package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"meetsync-cloud/notify"
	"meetsync-cloud/providers"
	"meetsync-cloud/reconcile"
	"meetsync-cloud/security"
	"meetsync-cloud/store"
)

const (
	signatureHeader = "X-Webhook-Signature"

	// Redelivery claims expire after this long; anything older is handled
	// by the periodic full reconciliation anyway.
	webhookClaimTTL = 24 * time.Hour

	maxWebhookBody = 1 << 20
)

// Outbox delivery types.
const (
	deliveryCalendlyEvent = "calendly.event"
	deliveryProviderSync  = "provider.sync"
)

// WebhookHandler ingests provider push notifications. Deliveries are
// verified against the active signing keys, persisted to the outbox, then
// acknowledged; processing happens asynchronously so the provider's
// response-time SLA is never at risk.
type WebhookHandler struct {
	store   *store.Store
	service *reconcile.Service
	outbox  *notify.Outbox
}

// NewWebhookHandler creates the webhook ingestion handler.
func NewWebhookHandler(st *store.Store, service *reconcile.Service, outbox *notify.Outbox) *WebhookHandler {
	return &WebhookHandler{store: st, service: service, outbox: outbox}
}

// RegisterRoutes registers the webhook endpoints on the router.
func (h *WebhookHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/webhook", h.handleCalendly).Methods("POST")
	r.HandleFunc("/webhook/google", h.handleGoogle).Methods("POST")
	r.HandleFunc("/webhook/microsoft", h.handleMicrosoft).Methods("POST")
}

type calendlyEnvelope struct {
	Event     string          `json:"event"`
	CreatedAt string          `json:"created_at"`
	Payload   calendlyPayload `json:"payload"`
}

type calendlyPayload struct {
	URI            string `json:"uri"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	ScheduledEvent struct {
		URI       string    `json:"uri"`
		Name      string    `json:"name"`
		StartTime time.Time `json:"start_time"`
		EndTime   time.Time `json:"end_time"`
		Location  struct {
			Location string `json:"location"`
			JoinURL  string `json:"join_url"`
		} `json:"location"`
	} `json:"scheduled_event"`
}

// handleCalendly verifies the HMAC signature against every active signing
// key; the matching key identifies the user. Verified events are enqueued
// before the 200 is written, so a crash after acknowledgment cannot lose
// them. Only a signature failure returns non-200.
func (h *WebhookHandler) handleCalendly(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	ref, ok := h.matchSigningKey(r.Context(), raw, r.Header.Get(signatureHeader))
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	var envelope calendlyEnvelope
	eventType := "unknown"
	eventID := ""
	if err := json.Unmarshal(raw, &envelope); err == nil {
		eventType = envelope.Event
		eventID = envelope.Payload.URI
	}
	if eventID == "" {
		eventID = fmt.Sprintf("raw-%d", time.Now().UnixNano())
	}

	if _, err := h.outbox.Enqueue(r.Context(), notify.Delivery{
		UserID:    ref.UserID,
		Provider:  string(ref.Provider),
		EventType: deliveryCalendlyEvent,
		EventID:   fmt.Sprintf("%s:%s", eventType, eventID),
		Payload:   string(raw),
	}); err != nil {
		// Acknowledged regardless: the next periodic pass self-corrects.
		log.Printf("Warning: failed to enqueue webhook event %s for user %s: %v", eventType, ref.UserID, err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// handleGoogle ingests watch-channel notifications. Google does not sign
// bodies; the channel token issued at registration authenticates the
// notification and routes it to the owning user.
func (h *WebhookHandler) handleGoogle(w http.ResponseWriter, r *http.Request) {
	channelToken := r.Header.Get("X-Goog-Channel-Token")
	resourceState := r.Header.Get("X-Goog-Resource-State")
	messageNumber := r.Header.Get("X-Goog-Message-Number")

	ref, ok := h.matchChannelToken(r.Context(), channelToken)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}

	// The initial handshake carries no change; just acknowledge it.
	if resourceState == "sync" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.outbox.Enqueue(r.Context(), notify.Delivery{
		UserID:    ref.UserID,
		Provider:  string(ref.Provider),
		EventType: deliveryProviderSync,
		EventID:   fmt.Sprintf("%s:%s", r.Header.Get("X-Goog-Channel-ID"), messageNumber),
	}); err != nil {
		log.Printf("Warning: failed to enqueue google notification for user %s: %v", ref.UserID, err)
	}

	w.WriteHeader(http.StatusOK)
}

type graphNotification struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

// handleMicrosoft answers the Graph validation handshake and ingests change
// notifications, authenticating each by its echoed clientState.
func (h *WebhookHandler) handleMicrosoft(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var notification graphNotification
	if err := json.Unmarshal(raw, &notification); err != nil {
		log.Printf("Warning: malformed graph notification dropped: %v", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	accepted := 0
	for _, change := range notification.Value {
		ref, ok := h.matchChannelToken(r.Context(), change.ClientState)
		if !ok {
			log.Printf("Warning: graph notification with unknown clientState dropped (subscription %s)", change.SubscriptionID)
			continue
		}
		if _, err := h.outbox.Enqueue(r.Context(), notify.Delivery{
			UserID:    ref.UserID,
			Provider:  string(ref.Provider),
			EventType: deliveryProviderSync,
			EventID:   fmt.Sprintf("%s:%s:%s", change.SubscriptionID, change.ChangeType, change.Resource),
		}); err != nil {
			log.Printf("Warning: failed to enqueue graph notification for user %s: %v", ref.UserID, err)
		}
		accepted++
	}

	if accepted == 0 && len(notification.Value) > 0 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ProcessDelivery is the outbox drain handler. The idempotency claim is
// recorded only after a successful apply: a failed apply leaves the entry
// unclaimed and pending, so the retry actually reprocesses it. The apply
// path itself is idempotent, so a crash between apply and claim only costs
// one redundant pass.
func (h *WebhookHandler) ProcessDelivery(ctx context.Context, d notify.Delivery) error {
	claimed, err := h.store.WebhookEventClaimed(ctx, d.EventType, d.EventID)
	if err != nil {
		return err
	}
	if claimed {
		log.Printf("Webhook: duplicate delivery %s %s skipped", d.EventType, d.EventID)
		return nil
	}

	switch d.EventType {
	case deliveryCalendlyEvent:
		err = h.processCalendlyEvent(ctx, d)
	case deliveryProviderSync:
		_, err = h.service.RunSync(ctx, d.UserID, reconcile.Options{TimeRange: reconcile.TimeRangeRecent})
		if err == reconcile.ErrNoActiveConnection {
			log.Printf("Webhook: user %s has no active connection, sync skipped", d.UserID)
			err = nil
		}
	default:
		log.Printf("Warning: unknown outbox delivery type %q dropped", d.EventType)
		return nil
	}
	if err != nil {
		return err
	}

	if err := h.store.ClaimWebhookEvent(ctx, d.EventType, d.EventID, webhookClaimTTL); err != nil && err != store.ErrDuplicateEvent {
		log.Printf("Warning: failed to record webhook claim %s %s: %v", d.EventType, d.EventID, err)
	}
	return nil
}

func (h *WebhookHandler) processCalendlyEvent(ctx context.Context, d notify.Delivery) error {
	var envelope calendlyEnvelope
	if err := json.Unmarshal([]byte(d.Payload), &envelope); err != nil {
		// Already acknowledged; malformed JSON is logged and dropped.
		log.Printf("Warning: malformed calendly payload dropped for user %s: %v", d.UserID, err)
		return nil
	}
	if envelope.Payload.ScheduledEvent.URI == "" {
		log.Printf("Warning: calendly %s without scheduled_event dropped for user %s", envelope.Event, d.UserID)
		return nil
	}

	ev := providers.Event{
		ExternalID: "calendly_" + lastURISegment(envelope.Payload.ScheduledEvent.URI),
		Title:      envelope.Payload.ScheduledEvent.Name,
		Start:      envelope.Payload.ScheduledEvent.StartTime,
		End:        envelope.Payload.ScheduledEvent.EndTime,
		Location:   envelope.Payload.ScheduledEvent.Location.Location,
		MeetingURL: envelope.Payload.ScheduledEvent.Location.JoinURL,
	}
	if envelope.Payload.Email != "" {
		ev.Attendees = []store.Attendee{{
			Email:       envelope.Payload.Email,
			DisplayName: envelope.Payload.Name,
		}}
	}

	switch envelope.Event {
	case "invitee.created", "invitee.updated":
		// updated falls through to the same update-or-create apply path.
	case "invitee.canceled":
		ev.Cancelled = true
	default:
		log.Printf("Webhook: unhandled calendly event %q dropped", envelope.Event)
		return nil
	}

	err := h.service.ApplyEvent(ctx, d.UserID, ev)
	if err == reconcile.ErrNoActiveConnection {
		log.Printf("Webhook: user %s has no active connection, event %s dropped", d.UserID, envelope.Event)
		return nil
	}
	return err
}

// matchSigningKey verifies the payload against every active signing key and
// returns the matching subscription's owner.
func (h *WebhookHandler) matchSigningKey(ctx context.Context, raw []byte, header string) (store.SigningKeyRef, bool) {
	refs, err := h.store.ListActiveSigningKeys(ctx)
	if err != nil {
		log.Printf("Warning: failed to load signing keys: %v", err)
		return store.SigningKeyRef{}, false
	}
	for _, ref := range refs {
		if security.VerifySignature(raw, header, ref.SigningKey) {
			return ref, true
		}
	}
	return store.SigningKeyRef{}, false
}

// matchChannelToken finds the subscription whose signing key equals the
// presented token. Google and Graph echo the secret verbatim instead of
// signing the body.
func (h *WebhookHandler) matchChannelToken(ctx context.Context, token string) (store.SigningKeyRef, bool) {
	if token == "" {
		return store.SigningKeyRef{}, false
	}
	refs, err := h.store.ListActiveSigningKeys(ctx)
	if err != nil {
		log.Printf("Warning: failed to load signing keys: %v", err)
		return store.SigningKeyRef{}, false
	}
	for _, ref := range refs {
		if ref.SigningKey == token {
			return ref, true
		}
	}
	return store.SigningKeyRef{}, false
}

func lastURISegment(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

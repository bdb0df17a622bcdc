package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"meetsync-cloud/providers"
	"meetsync-cloud/reconcile"
	"meetsync-cloud/store"
)

// ConnectionsHandler exposes connection management, manual sync, and webhook
// health over HTTP.
type ConnectionsHandler struct {
	store    *store.Store
	service  *reconcile.Service
	registry *providers.Registry
	monitor  *HealthMonitor
}

func NewConnectionsHandler(st *store.Store, service *reconcile.Service, registry *providers.Registry, monitor *HealthMonitor) *ConnectionsHandler {
	return &ConnectionsHandler{store: st, service: service, registry: registry, monitor: monitor}
}

func (h *ConnectionsHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/connections", h.handleList).Methods("GET")
	r.HandleFunc("/connections/activate", h.handleActivate).Methods("POST")
	r.HandleFunc("/connections/disconnect", h.handleDisconnect).Methods("POST")
	r.HandleFunc("/sync", h.handleSync).Methods("POST")
	r.HandleFunc("/sync/stats", h.handleStats).Methods("GET")
	r.HandleFunc("/webhooks/health", h.handleWebhookHealth).Methods("GET")
}

// connectionView is the sanitized representation returned over HTTP. Tokens
// never leave the store layer.
type connectionView struct {
	Provider            store.Provider      `json:"provider"`
	IsActive            bool                `json:"is_active"`
	AccountEmail        string              `json:"account_email,omitempty"`
	TranscriptionOn     bool                `json:"transcription_enabled"`
	WebhookStatus       store.WebhookStatus `json:"webhook_status"`
	WebhookLastVerified *time.Time          `json:"webhook_last_verified_at,omitempty"`
	WebhookLastError    string              `json:"webhook_last_error,omitempty"`
	PlanLimited         bool                `json:"plan_limited"`
	LastCalendarSync    *time.Time          `json:"last_calendar_sync,omitempty"`
}

func sanitizeConnection(conn *store.CalendarConnection) connectionView {
	v := connectionView{
		Provider:         conn.Provider,
		IsActive:         conn.IsActive,
		AccountEmail:     conn.AccountEmail,
		TranscriptionOn:  conn.TranscriptionEnabled,
		WebhookStatus:    conn.WebhookStatus,
		WebhookLastError: conn.WebhookLastError,
		PlanLimited:      conn.PlanLimited(),
	}
	if !conn.WebhookLastVerified.IsZero() {
		t := conn.WebhookLastVerified
		v.WebhookLastVerified = &t
	}
	if !conn.LastCalendarSync.IsZero() {
		t := conn.LastCalendarSync
		v.LastCalendarSync = &t
	}
	return v
}

func (h *ConnectionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	conns, err := h.store.ListConnections(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	views := make([]connectionView, 0, len(conns))
	repair := false
	for _, conn := range conns {
		views = append(views, sanitizeConnection(conn))
		if conn.IsActive {
			repair = true
		}
	}
	if repair && h.monitor != nil {
		// Self-heal on the read path; the monitor rate-limits itself.
		go h.monitor.CheckAndRepair(context.Background(), userID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": views})
}

func (h *ConnectionsHandler) handleActivate(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	var req struct {
		Provider store.Provider `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider is required"})
		return
	}
	conn, err := h.store.ActivateConnection(r.Context(), userID, req.Provider)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such connection"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("Connections: user %s activated %s", userID, req.Provider)
	writeJSON(w, http.StatusOK, map[string]interface{}{"connection": sanitizeConnection(conn)})
}

func (h *ConnectionsHandler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	var req struct {
		Provider store.Provider `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider is required"})
		return
	}
	ctx := r.Context()
	conn, err := h.store.GetConnection(ctx, userID, req.Provider)
	if err == store.ErrNotFound {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such connection"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	h.teardownWebhook(ctx, conn)
	if err := h.store.DeleteConnection(ctx, userID, req.Provider); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("Connections: user %s disconnected %s", userID, req.Provider)
	writeJSON(w, http.StatusOK, map[string]bool{"disconnected": true})
}

// teardownWebhook best-effort removes the provider-side registration and the
// local subscription row. Disconnect proceeds regardless of failures here.
func (h *ConnectionsHandler) teardownWebhook(ctx context.Context, conn *store.CalendarConnection) {
	sub, err := h.store.GetSubscription(ctx, conn.UserID, store.ScopeUser)
	if err != nil {
		return
	}
	if sub.Provider != conn.Provider {
		return
	}
	provider, err := h.registry.Lookup(conn.Provider)
	if err == nil {
		if manager, ok := provider.(providers.WebhookManager); ok && sub.SubscriptionURI != "" {
			if err := manager.DeleteWebhook(ctx, conn, sub.SubscriptionURI); err != nil {
				log.Printf("Warning: failed to delete provider webhook for user %s: %v", conn.UserID, err)
			}
		}
	}
	if err := h.store.DeleteSubscription(ctx, conn.UserID, store.ScopeUser); err != nil {
		log.Printf("Warning: failed to delete local subscription for user %s: %v", conn.UserID, err)
	}
}

func (h *ConnectionsHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	var req struct {
		TimeRange string `json:"time_range"`
		DryRun    bool   `json:"dry_run"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	opts := reconcile.Options{TimeRange: reconcile.TimeRangeRecent, DryRun: req.DryRun}
	if req.TimeRange == string(reconcile.TimeRangeExtended) {
		opts.TimeRange = reconcile.TimeRangeExtended
	}

	result, err := h.service.RunSync(r.Context(), userID, opts)
	if err == reconcile.ErrNoActiveConnection {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no active calendar connection"})
		return
	} else if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *ConnectionsHandler) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	meetings, err := h.store.ListMeetings(r.Context(), userID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	stats := struct {
		Total    int `json:"total"`
		Active   int `json:"active"`
		Deleted  int `json:"deleted"`
		Imported int `json:"imported_from_ics"`
	}{Total: len(meetings)}
	for _, m := range meetings {
		if m.IsDeleted {
			stats.Deleted++
		} else {
			stats.Active++
		}
		if m.ImportedFromICS {
			stats.Imported++
		}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *ConnectionsHandler) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	userID := requestUserID(r)
	status := h.monitor.CheckAndRepair(r.Context(), userID)
	writeJSON(w, http.StatusOK, status)
}

func requestUserID(r *http.Request) string {
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		return userID
	}
	return "test-user"
}

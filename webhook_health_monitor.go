package main

import (
	"context"
	"errors"
	"log"
	"time"

	"meetsync-cloud/providers"
	"meetsync-cloud/store"
)

// Health check outcomes.
const (
	HealthNotConnected = "not_connected"
	HealthActive       = "active"
	HealthRecreated    = "recreated"
	HealthPollingOnly  = "polling_only"
	HealthError        = "error"
)

// Verifying a subscription costs a provider API call; a subscription
// confirmed healthy this recently is not re-checked.
const verificationInterval = 24 * time.Hour

// HealthStatus is the result of one check-and-repair pass for a user.
type HealthStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	PlanLimit bool   `json:"plan_limit,omitempty"`
}

// HealthMonitor keeps webhook subscriptions alive: it verifies them against
// the provider, recreates the ones that disappeared, and permanently
// downgrades connections whose plan does not allow webhooks.
type HealthMonitor struct {
	store        *store.Store
	registry     *providers.Registry
	callbackBase string
	interval     time.Duration
	enabled      bool
	now          func() time.Time
}

// NewHealthMonitor creates the monitor. callbackBase is the public base URL
// webhook endpoints hang off of.
func NewHealthMonitor(st *store.Store, registry *providers.Registry, callbackBase string, interval time.Duration, enabled bool) *HealthMonitor {
	return &HealthMonitor{
		store:        st,
		registry:     registry,
		callbackBase: callbackBase,
		interval:     interval,
		enabled:      enabled,
		now:          time.Now,
	}
}

// CheckAndRepair runs one health pass for a user's active connection.
func (hm *HealthMonitor) CheckAndRepair(ctx context.Context, userID string) *HealthStatus {
	conn, err := hm.store.ActiveConnection(ctx, userID)
	if err == store.ErrNotFound {
		return &HealthStatus{Status: HealthNotConnected, Message: "no active calendar connection"}
	} else if err != nil {
		return &HealthStatus{Status: HealthError, Message: err.Error()}
	}

	provider, err := hm.registry.Lookup(conn.Provider)
	if err != nil {
		return &HealthStatus{Status: HealthError, Message: err.Error()}
	}
	manager, ok := provider.(providers.WebhookManager)
	if !ok || !provider.SupportsWebhooks() {
		return &HealthStatus{Status: HealthPollingOnly, Message: "provider does not support webhooks"}
	}

	// A plan-limited connection is a permanent downgrade: never hit the
	// provider again for it.
	if conn.PlanLimited() {
		return &HealthStatus{
			Status:    HealthPollingOnly,
			Message:   "manual sync only - provider plan does not include webhooks",
			PlanLimit: true,
		}
	}

	now := hm.now()
	sub, err := hm.store.GetSubscription(ctx, userID, store.ScopeUser)
	if err != nil && err != store.ErrNotFound {
		return &HealthStatus{Status: HealthError, Message: err.Error()}
	}
	hasSub := err == nil && sub.IsActive

	if hasSub && now.Sub(conn.WebhookLastVerified) < verificationInterval {
		return &HealthStatus{Status: HealthActive, Message: "verified recently"}
	}

	if hasSub && hm.subscriptionExists(ctx, manager, conn, sub.SubscriptionURI) {
		conn.WebhookStatus = store.WebhookStatusActive
		conn.WebhookLastVerified = now
		conn.WebhookLastError = ""
		if err := hm.store.PutConnection(ctx, conn); err != nil {
			log.Printf("Warning: failed to stamp webhook verification for user %s: %v", userID, err)
		}
		return &HealthStatus{Status: HealthActive}
	}

	return hm.recreate(ctx, manager, conn, sub)
}

// subscriptionExists asks the provider whether the registration is still
// there. Providers that cannot enumerate report false, which forces a
// recreate on the verification cadence.
func (hm *HealthMonitor) subscriptionExists(ctx context.Context, manager providers.WebhookManager, conn *store.CalendarConnection, uri string) bool {
	uris, err := manager.ListWebhooks(ctx, conn)
	if err != nil {
		log.Printf("Warning: webhook listing failed for user %s: %v", conn.UserID, err)
		return false
	}
	for _, u := range uris {
		if u == uri {
			return true
		}
	}
	return false
}

// recreate supersedes any prior registration for (user, scope): provider
// side first, then locally, then registers fresh and persists the new
// signing key. Duplicate subscriptions must never coexist.
func (hm *HealthMonitor) recreate(ctx context.Context, manager providers.WebhookManager, conn *store.CalendarConnection, prior *store.WebhookSubscription) *HealthStatus {
	userID := conn.UserID
	if prior != nil && prior.SubscriptionURI != "" {
		if err := manager.DeleteWebhook(ctx, conn, prior.SubscriptionURI); err != nil {
			log.Printf("Warning: failed to delete stale webhook for user %s: %v", userID, err)
		}
	}
	if uris, err := manager.ListWebhooks(ctx, conn); err == nil {
		for _, uri := range uris {
			if prior != nil && uri == prior.SubscriptionURI {
				continue
			}
			if err := manager.DeleteWebhook(ctx, conn, uri); err != nil {
				log.Printf("Warning: failed to delete orphaned webhook %s for user %s: %v", uri, userID, err)
			}
		}
	}
	if err := hm.store.DeleteSubscription(ctx, userID, store.ScopeUser); err != nil {
		log.Printf("Warning: failed to delete local subscription for user %s: %v", userID, err)
	}

	sub, err := manager.CreateWebhook(ctx, conn, hm.callbackURL(conn.Provider))
	if err != nil {
		conn.WebhookStatus = store.WebhookStatusError
		conn.WebhookLastError = err.Error()
		if errors.Is(err, providers.ErrPlanNotSupported) {
			if perr := hm.store.PutConnection(ctx, conn); perr != nil {
				log.Printf("Warning: failed to persist plan downgrade for user %s: %v", userID, perr)
			}
			return &HealthStatus{
				Status:    HealthPollingOnly,
				Message:   "manual sync only - provider plan does not include webhooks",
				PlanLimit: true,
			}
		}
		conn.WebhookAttempts++
		if perr := hm.store.PutConnection(ctx, conn); perr != nil {
			log.Printf("Warning: failed to persist webhook error for user %s: %v", userID, perr)
		}
		return &HealthStatus{Status: HealthError, Message: err.Error()}
	}

	if err := hm.store.PutSubscription(ctx, sub); err != nil {
		return &HealthStatus{Status: HealthError, Message: err.Error()}
	}
	conn.WebhookStatus = store.WebhookStatusActive
	conn.WebhookLastVerified = hm.now()
	conn.WebhookLastError = ""
	conn.WebhookAttempts = 0
	if err := hm.store.PutConnection(ctx, conn); err != nil {
		log.Printf("Warning: failed to persist webhook recreation for user %s: %v", userID, err)
	}
	log.Printf("Renewal: recreated webhook subscription for user %s (%s)", userID, conn.Provider)
	return &HealthStatus{Status: HealthRecreated}
}

func (hm *HealthMonitor) callbackURL(provider store.Provider) string {
	switch provider {
	case store.ProviderGoogle:
		return hm.callbackBase + "/webhook/google"
	case store.ProviderMicrosoft:
		return hm.callbackBase + "/webhook/microsoft"
	default:
		return hm.callbackBase + "/webhook"
	}
}

// Start launches the periodic health loop; it stops when ctx is cancelled.
func (hm *HealthMonitor) Start(ctx context.Context) {
	if !hm.enabled {
		log.Println("Renewal: webhook health monitor disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(hm.interval)
		defer ticker.Stop()
		log.Printf("Renewal: webhook health monitor started (interval %s)", hm.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hm.runOnce(ctx)
			}
		}
	}()
}

func (hm *HealthMonitor) runOnce(ctx context.Context) {
	users, err := hm.store.ListUserIDs(ctx)
	if err != nil {
		log.Printf("Renewal: user discovery failed: %v", err)
		return
	}
	for _, userID := range users {
		status := hm.CheckAndRepair(ctx, userID)
		if status.Status == HealthError {
			log.Printf("Renewal: health check for user %s failed: %s", userID, status.Message)
		}
	}
}

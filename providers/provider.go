package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"meetsync-cloud/store"
)

// Error taxonomy shared by all provider adapters. Callers pick behavior by
// errors.Is: plan errors downgrade permanently, rate limits and outages are
// retried on the next cycle.
var (
	ErrPlanNotSupported = errors.New("provider plan does not support this feature")
	ErrRateLimited      = errors.New("provider rate limit exceeded")
	ErrUnavailable      = errors.New("provider temporarily unavailable")
)

// Event is a provider calendar event normalized for reconciliation.
type Event struct {
	ExternalID string
	Title      string
	Start      time.Time
	End        time.Time
	AllDay     bool
	Location   string
	Attendees  []store.Attendee
	MeetingURL string
	Cancelled  bool
}

// Window bounds a provider fetch. Deletion inference only runs inside the
// window the provider was actually asked about.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the window, bounds included.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// SyncWindow picks the fetch window for a connection. A connection that has
// never synced gets a wide backfill; subsequent syncs use a narrow rolling
// window around now.
func SyncWindow(lastSync, now time.Time) Window {
	if lastSync.IsZero() {
		return Window{
			From: now.AddDate(-2, 0, 0),
			To:   now.AddDate(1, 0, 0),
		}
	}
	return Window{
		From: now.AddDate(0, -3, 0),
		To:   now.AddDate(0, 6, 0),
	}
}

// EventProvider is the capability a calendar backend must offer to take part
// in reconciliation.
type EventProvider interface {
	Name() string
	FetchEvents(ctx context.Context, conn *store.CalendarConnection, window Window) ([]Event, error)
	SupportsWebhooks() bool
}

// WebhookManager is the optional push-subscription capability. The health
// monitor only talks to providers that implement it.
type WebhookManager interface {
	// CreateWebhook registers a push subscription delivering to callbackURL
	// and returns the local subscription row to persist.
	CreateWebhook(ctx context.Context, conn *store.CalendarConnection, callbackURL string) (*store.WebhookSubscription, error)
	// DeleteWebhook tears down a provider-side subscription. Deleting one
	// that is already gone is not an error.
	DeleteWebhook(ctx context.Context, conn *store.CalendarConnection, subscriptionURI string) error
	// ListWebhooks returns the URIs of the provider-side subscriptions that
	// deliver to this service.
	ListWebhooks(ctx context.Context, conn *store.CalendarConnection) ([]string, error)
}

// Registry resolves the adapter for a connection's provider.
type Registry struct {
	providers map[store.Provider]EventProvider
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...EventProvider) *Registry {
	r := &Registry{providers: make(map[store.Provider]EventProvider)}
	for _, p := range adapters {
		r.providers[store.Provider(p.Name())] = p
	}
	return r
}

// Lookup returns the adapter for a provider, or an error naming it.
func (r *Registry) Lookup(provider store.Provider) (EventProvider, error) {
	p, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", provider)
	}
	return p, nil
}

// planBodyMarkers flag a 403 as a plan-tier limitation rather than a
// transient permission hiccup.
var planBodyMarkers = []string{
	"upgrade",
	"plan",
	"Permission Denied",
	"not permitted",
}

// translateStatus maps a provider HTTP status onto the error taxonomy.
// Returns nil for 2xx.
func translateStatus(provider string, status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429:
		return fmt.Errorf("%s returned 429: %w", provider, ErrRateLimited)
	case status >= 500:
		return fmt.Errorf("%s returned %d: %w", provider, status, ErrUnavailable)
	case status == 403:
		for _, marker := range planBodyMarkers {
			if strings.Contains(body, marker) {
				return fmt.Errorf("%s returned 403 (%s): %w", provider, truncate(body, 200), ErrPlanNotSupported)
			}
		}
		return fmt.Errorf("%s returned 403: %w", provider, ErrPlanNotSupported)
	default:
		return fmt.Errorf("%s request failed with status %d: %s", provider, status, truncate(body, 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

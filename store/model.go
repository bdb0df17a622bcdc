package store

import (
	"time"
)

// Provider identifies a calendar provider.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderCalendly  Provider = "calendly"
)

// WebhookStatus tracks the push-subscription health of a connection.
type WebhookStatus string

const (
	WebhookStatusUnknown WebhookStatus = "unknown"
	WebhookStatusActive  WebhookStatus = "active"
	WebhookStatusError   WebhookStatus = "error"
)

// Scope is the breadth of a webhook subscription.
type Scope string

const (
	ScopeUser         Scope = "user"
	ScopeOrganization Scope = "organization"
)

// CalendarConnection is one user's link to a calendar provider. At most one
// connection per user may be active at a time; ActivateConnection enforces it.
type CalendarConnection struct {
	UserID         string    `json:"user_id"`
	Provider       Provider  `json:"provider"`
	IsActive       bool      `json:"is_active"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
	AccountEmail   string    `json:"account_email,omitempty"`

	// Calendly-specific identifiers.
	OrganizationURI string `json:"organization_uri,omitempty"`
	UserURI         string `json:"user_uri,omitempty"`

	WebhookStatus        WebhookStatus `json:"webhook_status"`
	WebhookLastVerified  time.Time     `json:"webhook_last_verified_at"`
	WebhookLastError     string        `json:"webhook_last_error,omitempty"`
	WebhookAttempts      int           `json:"webhook_verification_attempts"`
	TranscriptionEnabled bool          `json:"transcription_enabled"`

	LastCalendarSync time.Time `json:"last_calendar_sync"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PlanLimited reports whether the connection's last webhook error was a
// provider plan limitation. Such connections are permanently downgraded to
// polling and never retried against the provider.
func (c *CalendarConnection) PlanLimited() bool {
	if c.WebhookStatus != WebhookStatusError || c.WebhookLastError == "" {
		return false
	}
	return containsPlanMarker(c.WebhookLastError)
}

// WebhookSubscription is a provider-side push registration. The store keys
// subscriptions by (user, scope), so at most one can exist per pair.
type WebhookSubscription struct {
	UserID          string    `json:"user_id"`
	Provider        Provider  `json:"provider"`
	SubscriptionURI string    `json:"subscription_uri"`
	SigningKey      string    `json:"signing_key"`
	Scope           Scope     `json:"scope"`
	IsActive        bool      `json:"is_active"`
	Events          []string  `json:"events"`
	CallbackURL     string    `json:"callback_url"`
	CreatedAt       time.Time `json:"created_at"`
}

// Meeting is the local record reconciled against provider events. ExternalID
// is provider-namespaced (e.g. calendly_<uuid>) and unique per user.
type Meeting struct {
	UserID          string    `json:"user_id"`
	ExternalID      string    `json:"external_id"`
	Title           string    `json:"title"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Location        string    `json:"location,omitempty"`
	Attendees       string    `json:"attendees,omitempty"` // serialized JSON list
	MeetingURL      string    `json:"meeting_url,omitempty"`
	MeetingSource   string    `json:"meeting_source"`
	ImportedFromICS bool      `json:"imported_from_ics"`
	ClientID        string    `json:"client_id,omitempty"`

	IsDeleted bool      `json:"is_deleted"`
	DeletedAt time.Time `json:"deleted_at,omitempty"`

	BotID     string `json:"bot_id,omitempty"`
	BotStatus string `json:"bot_status,omitempty"`

	LastCalendarSync time.Time `json:"last_calendar_sync"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Attendee mirrors the serialized attendee entries stored on a Meeting.
type Attendee struct {
	Email          string `json:"email"`
	DisplayName    string `json:"displayName,omitempty"`
	ResponseStatus string `json:"responseStatus,omitempty"`
}

// Client is a person extracted from meeting attendees.
type Client struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	PipelineStage string    `json:"pipeline_stage"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SigningKeyRef ties an active signing key back to the subscription that owns
// it, so a verified webhook can be routed to the right user.
type SigningKeyRef struct {
	UserID     string
	Provider   Provider
	Scope      Scope
	SigningKey string
}

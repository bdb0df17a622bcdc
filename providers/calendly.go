package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"meetsync-cloud/security"
	"meetsync-cloud/store"
)

const (
	calendlyBaseURL = "https://api.calendly.com"

	// Safety ceiling on keyset pagination so a runaway cursor can't spin
	// forever against the API.
	calendlyMaxPages = 50

	calendlyPageSize = 100

	// External IDs are namespaced so Calendly UUIDs can't collide with
	// Google or Graph event IDs.
	calendlyIDPrefix = "calendly_"
)

// CalendlyProvider syncs scheduled events through the Calendly REST API.
// Calendly has no windowed listing that includes cancellations in one call,
// so fetches are partitioned by status and unioned.
type CalendlyProvider struct {
	tokens  *security.TokenStore
	baseURL string
}

// NewCalendlyProvider creates the Calendly adapter.
func NewCalendlyProvider(tokens *security.TokenStore) *CalendlyProvider {
	return &CalendlyProvider{tokens: tokens, baseURL: calendlyBaseURL}
}

func (c *CalendlyProvider) Name() string { return string(store.ProviderCalendly) }

func (c *CalendlyProvider) SupportsWebhooks() bool { return true }

type calendlyEvent struct {
	URI       string    `json:"uri"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	Location  struct {
		Type     string `json:"type"`
		Location string `json:"location"`
		JoinURL  string `json:"join_url"`
	} `json:"location"`
}

type calendlyEventPage struct {
	Collection []calendlyEvent `json:"collection"`
	Pagination struct {
		NextPageToken string `json:"next_page_token"`
	} `json:"pagination"`
}

type calendlyInvitee struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// FetchEvents pulls active and canceled events separately and merges them.
// Invitees are only fetched for active events; canceled ones just need the
// tombstone signal.
func (c *CalendlyProvider) FetchEvents(ctx context.Context, conn *store.CalendarConnection, window Window) ([]Event, error) {
	client, err := c.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}
	if conn.UserURI == "" {
		return nil, fmt.Errorf("calendly connection for user %s has no user URI", conn.UserID)
	}

	var events []Event
	for _, status := range []string{"active", "canceled"} {
		partition, err := c.fetchByStatus(ctx, client, conn, window, status)
		if err != nil {
			return nil, err
		}
		events = append(events, partition...)
	}
	return events, nil
}

func (c *CalendlyProvider) fetchByStatus(ctx context.Context, client *http.Client, conn *store.CalendarConnection, window Window, status string) ([]Event, error) {
	query := url.Values{}
	query.Set("user", conn.UserURI)
	if conn.OrganizationURI != "" {
		query.Set("organization", conn.OrganizationURI)
	}
	query.Set("status", status)
	query.Set("min_start_time", window.From.UTC().Format(time.RFC3339))
	query.Set("max_start_time", window.To.UTC().Format(time.RFC3339))
	query.Set("count", fmt.Sprintf("%d", calendlyPageSize))

	var events []Event
	pageToken := ""
	for page := 0; page < calendlyMaxPages; page++ {
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		var resp calendlyEventPage
		if err := c.getJSON(ctx, client, fmt.Sprintf("%s/scheduled_events?%s", c.baseURL, query.Encode()), &resp); err != nil {
			return nil, err
		}
		for _, item := range resp.Collection {
			ev := Event{
				ExternalID: calendlyIDPrefix + eventUUID(item.URI),
				Title:      item.Name,
				Start:      item.StartTime.UTC(),
				End:        item.EndTime.UTC(),
				Cancelled:  item.Status == "canceled",
			}
			switch {
			case item.Location.JoinURL != "":
				ev.MeetingURL = item.Location.JoinURL
			case item.Location.Location != "":
				ev.Location = item.Location.Location
			}
			if !ev.Cancelled {
				invitees, err := c.fetchInvitees(ctx, client, eventUUID(item.URI))
				if err != nil {
					log.Printf("Warning: failed to fetch invitees for %s: %v", item.URI, err)
				} else {
					ev.Attendees = invitees
				}
			}
			events = append(events, ev)
		}
		if resp.Pagination.NextPageToken == "" {
			return events, nil
		}
		pageToken = resp.Pagination.NextPageToken
	}
	log.Printf("Warning: calendly pagination hit the %d-page ceiling for user %s (%s)", calendlyMaxPages, conn.UserID, status)
	return events, nil
}

func (c *CalendlyProvider) fetchInvitees(ctx context.Context, client *http.Client, eventID string) ([]store.Attendee, error) {
	var resp struct {
		Collection []calendlyInvitee `json:"collection"`
	}
	if err := c.getJSON(ctx, client, fmt.Sprintf("%s/scheduled_events/%s/invitees", c.baseURL, eventID), &resp); err != nil {
		return nil, err
	}
	attendees := make([]store.Attendee, 0, len(resp.Collection))
	for _, inv := range resp.Collection {
		attendees = append(attendees, store.Attendee{
			Email:          inv.Email,
			DisplayName:    inv.Name,
			ResponseStatus: inv.Status,
		})
	}
	return attendees, nil
}

type calendlyWebhook struct {
	URI          string   `json:"uri,omitempty"`
	URL          string   `json:"url"`
	Events       []string `json:"events"`
	User         string   `json:"user,omitempty"`
	Organization string   `json:"organization"`
	Scope        string   `json:"scope"`
	SigningKey   string   `json:"signing_key,omitempty"`
	State        string   `json:"state,omitempty"`
}

// CreateWebhook registers a user-scoped webhook subscription. Calendly signs
// deliveries with the signing key we generate here.
func (c *CalendlyProvider) CreateWebhook(ctx context.Context, conn *store.CalendarConnection, callbackURL string) (*store.WebhookSubscription, error) {
	client, err := c.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}
	if conn.OrganizationURI == "" {
		return nil, fmt.Errorf("calendly connection for user %s has no organization URI", conn.UserID)
	}

	signingKey := uuid.New().String()
	events := []string{"invitee.created", "invitee.canceled"}
	payload := calendlyWebhook{
		URL:          callbackURL,
		Events:       events,
		User:         conn.UserURI,
		Organization: conn.OrganizationURI,
		Scope:        string(store.ScopeUser),
		SigningKey:   signingKey,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webhook_subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calendly webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if err := c.checkStatus(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}

	var created struct {
		Resource calendlyWebhook `json:"resource"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("failed to decode webhook response: %w", err)
	}
	log.Printf("Created Calendly webhook %s for user %s", created.Resource.URI, conn.UserID)

	return &store.WebhookSubscription{
		UserID:          conn.UserID,
		Provider:        store.ProviderCalendly,
		SubscriptionURI: created.Resource.URI,
		SigningKey:      signingKey,
		Scope:           store.ScopeUser,
		IsActive:        true,
		Events:          events,
		CallbackURL:     callbackURL,
	}, nil
}

// DeleteWebhook removes a webhook subscription by URI. 404 means already
// gone.
func (c *CalendlyProvider) DeleteWebhook(ctx context.Context, conn *store.CalendarConnection, subscriptionURI string) error {
	client, err := c.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return err
	}
	target := subscriptionURI
	if !strings.HasPrefix(target, "http") {
		target = c.baseURL + "/webhook_subscriptions/" + subscriptionURI
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calendly webhook delete failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return c.checkStatus(resp.StatusCode, string(body))
}

// ListWebhooks returns the URIs of the organization's active webhook
// subscriptions delivering for this user.
func (c *CalendlyProvider) ListWebhooks(ctx context.Context, conn *store.CalendarConnection) ([]string, error) {
	client, err := c.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	query.Set("organization", conn.OrganizationURI)
	query.Set("scope", string(store.ScopeUser))
	query.Set("user", conn.UserURI)

	var resp struct {
		Collection []calendlyWebhook `json:"collection"`
	}
	if err := c.getJSON(ctx, client, fmt.Sprintf("%s/webhook_subscriptions?%s", c.baseURL, query.Encode()), &resp); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(resp.Collection))
	for _, wh := range resp.Collection {
		if wh.State == "disabled" {
			continue
		}
		uris = append(uris, wh.URI)
	}
	return uris, nil
}

func (c *CalendlyProvider) getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calendly request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("calendly response read failed: %w", err)
	}
	if err := c.checkStatus(resp.StatusCode, string(body)); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode calendly response: %w", err)
	}
	return nil
}

func (c *CalendlyProvider) checkStatus(status int, body string) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("calendly returned 401: %w", security.ErrTokenExpired)
	}
	return translateStatus("calendly", status, body)
}

// eventUUID extracts the trailing UUID from a Calendly resource URI.
func eventUUID(uri string) string {
	if idx := strings.LastIndex(uri, "/"); idx >= 0 {
		return uri[idx+1:]
	}
	return uri
}

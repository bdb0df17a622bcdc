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
	"time"

	"github.com/google/uuid"

	"meetsync-cloud/security"
	"meetsync-cloud/store"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph caps calendar subscriptions at 3 days; the health monitor
	// recreates them before expiry.
	graphSubscriptionTTL = 71 * time.Hour

	graphPageSize = 100
)

// MicrosoftProvider syncs the user's default Outlook calendar through the
// Graph REST API.
type MicrosoftProvider struct {
	tokens  *security.TokenStore
	baseURL string
}

// NewMicrosoftProvider creates the Graph adapter.
func NewMicrosoftProvider(tokens *security.TokenStore) *MicrosoftProvider {
	return &MicrosoftProvider{tokens: tokens, baseURL: graphBaseURL}
}

func (m *MicrosoftProvider) Name() string { return string(store.ProviderMicrosoft) }

func (m *MicrosoftProvider) SupportsWebhooks() bool { return true }

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string        `json:"id"`
	Subject     string        `json:"subject"`
	Start       graphDateTime `json:"start"`
	End         graphDateTime `json:"end"`
	IsAllDay    bool          `json:"isAllDay"`
	IsCancelled bool          `json:"isCancelled"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	OnlineMeeting struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"emailAddress"`
		Status struct {
			Response string `json:"response"`
		} `json:"status"`
	} `json:"attendees"`
}

type graphEventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// FetchEvents walks /me/calendarView across the window, following
// @odata.nextLink until exhausted. Times come back in UTC via the Prefer
// header.
func (m *MicrosoftProvider) FetchEvents(ctx context.Context, conn *store.CalendarConnection, window Window) ([]Event, error) {
	client, err := m.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("startDateTime", window.From.UTC().Format(time.RFC3339))
	query.Set("endDateTime", window.To.UTC().Format(time.RFC3339))
	query.Set("$top", fmt.Sprintf("%d", graphPageSize))
	next := fmt.Sprintf("%s/me/calendarView?%s", m.baseURL, query.Encode())

	var events []Event
	for next != "" {
		var page graphEventPage
		if err := m.getJSON(ctx, client, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			events = append(events, microsoftEvent(item))
		}
		next = page.NextLink
	}
	return events, nil
}

func microsoftEvent(item graphEvent) Event {
	ev := Event{
		ExternalID: item.ID,
		Title:      item.Subject,
		AllDay:     item.IsAllDay,
		Cancelled:  item.IsCancelled,
		Location:   item.Location.DisplayName,
		MeetingURL: item.OnlineMeeting.JoinURL,
	}
	ev.Start = parseGraphTime(item.Start)
	ev.End = parseGraphTime(item.End)
	for _, a := range item.Attendees {
		if a.EmailAddress.Address == "" {
			continue
		}
		ev.Attendees = append(ev.Attendees, store.Attendee{
			Email:          a.EmailAddress.Address,
			DisplayName:    a.EmailAddress.Name,
			ResponseStatus: a.Status.Response,
		})
	}
	return ev
}

// Graph omits the offset from dateTime; with the UTC Prefer header the
// value is a naive UTC timestamp, sometimes with fractional seconds.
func parseGraphTime(dt graphDateTime) time.Time {
	if dt.DateTime == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02T15:04:05.9999999", "2006-01-02T15:04:05"} {
		if t, err := time.ParseInLocation(layout, dt.DateTime, time.UTC); err == nil {
			return t
		}
	}
	if t, err := time.Parse(time.RFC3339, dt.DateTime); err == nil {
		return t.UTC()
	}
	return time.Time{}
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

// CreateWebhook registers a Graph change subscription on the user's events.
// The clientState secret is echoed on every notification and doubles as the
// signing key.
func (m *MicrosoftProvider) CreateWebhook(ctx context.Context, conn *store.CalendarConnection, callbackURL string) (*store.WebhookSubscription, error) {
	client, err := m.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}

	clientState := uuid.New().String()
	payload := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    callbackURL,
		Resource:           "me/events",
		ExpirationDateTime: time.Now().Add(graphSubscriptionTTL).UTC().Format(time.RFC3339),
		ClientState:        clientState,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode subscription: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/subscriptions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph subscription request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if err := m.checkStatus(resp.StatusCode, string(respBody)); err != nil {
		return nil, err
	}

	var created graphSubscription
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	log.Printf("Created Graph subscription %s for user %s", created.ID, conn.UserID)

	return &store.WebhookSubscription{
		UserID:          conn.UserID,
		Provider:        store.ProviderMicrosoft,
		SubscriptionURI: created.ID,
		SigningKey:      clientState,
		Scope:           store.ScopeUser,
		IsActive:        true,
		Events:          []string{"created", "updated", "deleted"},
		CallbackURL:     callbackURL,
	}, nil
}

// DeleteWebhook removes a Graph subscription by ID. A 404 means it already
// expired, which is fine.
func (m *MicrosoftProvider) DeleteWebhook(ctx context.Context, conn *store.CalendarConnection, subscriptionURI string) error {
	client, err := m.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, m.baseURL+"/subscriptions/"+subscriptionURI, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("graph subscription delete failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return m.checkStatus(resp.StatusCode, string(body))
}

// ListWebhooks returns the IDs of the app's current Graph subscriptions.
func (m *MicrosoftProvider) ListWebhooks(ctx context.Context, conn *store.CalendarConnection) ([]string, error) {
	client, err := m.tokens.HTTPClient(ctx, conn)
	if err != nil {
		return nil, err
	}
	var page struct {
		Value []graphSubscription `json:"value"`
	}
	if err := m.getJSON(ctx, client, m.baseURL+"/subscriptions", &page); err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(page.Value))
	for _, sub := range page.Value {
		uris = append(uris, sub.ID)
	}
	return uris, nil
}

func (m *MicrosoftProvider) getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Prefer", `outlook.timezone="UTC"`)
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("graph response read failed: %w", err)
	}
	if err := m.checkStatus(resp.StatusCode, string(body)); err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}

func (m *MicrosoftProvider) checkStatus(status int, body string) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("graph returned 401: %w", security.ErrTokenExpired)
	}
	return translateStatus("microsoft", status, body)
}

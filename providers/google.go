package providers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"meetsync-cloud/security"
	"meetsync-cloud/store"
)

// Google watch channels expire; we ask for the documented maximum and let
// the health monitor recreate them.
const googleChannelTTL = 7 * 24 * time.Hour

// GoogleProvider syncs the user's primary Google calendar and manages watch
// channels for push notifications.
type GoogleProvider struct {
	tokens     *security.TokenStore
	calendarID string
}

// NewGoogleProvider creates the Google adapter.
func NewGoogleProvider(tokens *security.TokenStore) *GoogleProvider {
	return &GoogleProvider{tokens: tokens, calendarID: "primary"}
}

func (g *GoogleProvider) Name() string { return string(store.ProviderGoogle) }

func (g *GoogleProvider) SupportsWebhooks() bool { return true }

// FetchEvents lists the window's events including cancelled ones, expanding
// recurring events into single instances so external IDs are stable.
func (g *GoogleProvider) FetchEvents(ctx context.Context, conn *store.CalendarConnection, window Window) ([]Event, error) {
	svc, err := g.tokens.CalendarService(ctx, conn)
	if err != nil {
		return nil, err
	}

	var events []Event
	pageToken := ""
	for {
		call := svc.Events.List(g.calendarID).
			ShowDeleted(true).
			SingleEvents(true).
			TimeMin(window.From.Format(time.RFC3339)).
			TimeMax(window.To.Format(time.RFC3339)).
			MaxResults(250).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, g.translateError(err)
		}
		for _, item := range resp.Items {
			events = append(events, googleEvent(item))
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return events, nil
}

func googleEvent(item *calendar.Event) Event {
	ev := Event{
		ExternalID: item.Id,
		Title:      item.Summary,
		Location:   item.Location,
		MeetingURL: item.HangoutLink,
		Cancelled:  item.Status == "cancelled",
	}
	if item.Start != nil {
		if item.Start.Date != "" {
			ev.AllDay = true
			if t, err := time.Parse("2006-01-02", item.Start.Date); err == nil {
				ev.Start = t
			}
		} else if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
			ev.Start = t.UTC()
		}
	}
	if item.End != nil {
		if item.End.Date != "" {
			if t, err := time.Parse("2006-01-02", item.End.Date); err == nil {
				ev.End = t
			}
		} else if t, err := time.Parse(time.RFC3339, item.End.DateTime); err == nil {
			ev.End = t.UTC()
		}
	}
	if ev.MeetingURL == "" && item.ConferenceData != nil {
		for _, ep := range item.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				ev.MeetingURL = ep.Uri
				break
			}
		}
	}
	for _, a := range item.Attendees {
		if a.Resource {
			continue
		}
		ev.Attendees = append(ev.Attendees, store.Attendee{
			Email:          a.Email,
			DisplayName:    a.DisplayName,
			ResponseStatus: a.ResponseStatus,
		})
	}
	return ev
}

func (g *GoogleProvider) translateError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == 401 {
			return fmt.Errorf("google returned 401: %w", security.ErrTokenExpired)
		}
		if terr := translateStatus("google", apiErr.Code, apiErr.Message); terr != nil {
			return terr
		}
	}
	return fmt.Errorf("google calendar request failed: %w", err)
}

// CreateWebhook opens a watch channel on the primary calendar. The channel
// token doubles as the signing key checked on inbound notifications.
func (g *GoogleProvider) CreateWebhook(ctx context.Context, conn *store.CalendarConnection, callbackURL string) (*store.WebhookSubscription, error) {
	svc, err := g.tokens.CalendarService(ctx, conn)
	if err != nil {
		return nil, err
	}

	channelID := uuid.New().String()
	channelToken := uuid.New().String()
	channel := &calendar.Channel{
		Id:         channelID,
		Type:       "web_hook",
		Address:    callbackURL,
		Token:      channelToken,
		Expiration: time.Now().Add(googleChannelTTL).UnixMilli(),
	}
	created, err := svc.Events.Watch(g.calendarID, channel).Context(ctx).Do()
	if err != nil {
		return nil, g.translateError(err)
	}
	log.Printf("Opened Google watch channel %s (resource %s) for user %s", created.Id, created.ResourceId, conn.UserID)

	return &store.WebhookSubscription{
		UserID:          conn.UserID,
		Provider:        store.ProviderGoogle,
		SubscriptionURI: fmt.Sprintf("%s/%s", created.Id, created.ResourceId),
		SigningKey:      channelToken,
		Scope:           store.ScopeUser,
		IsActive:        true,
		Events:          []string{"sync"},
		CallbackURL:     callbackURL,
	}, nil
}

// DeleteWebhook stops a watch channel. The URI carries both halves Google
// needs: "<channelID>/<resourceID>".
func (g *GoogleProvider) DeleteWebhook(ctx context.Context, conn *store.CalendarConnection, subscriptionURI string) error {
	svc, err := g.tokens.CalendarService(ctx, conn)
	if err != nil {
		return err
	}
	channelID, resourceID, ok := splitChannelURI(subscriptionURI)
	if !ok {
		return fmt.Errorf("malformed google subscription URI: %s", subscriptionURI)
	}
	err = svc.Channels.Stop(&calendar.Channel{Id: channelID, ResourceId: resourceID}).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil
		}
		return g.translateError(err)
	}
	return nil
}

// ListWebhooks cannot enumerate Google channels; the API has no listing
// call. The locally stored subscription row is the only record.
func (g *GoogleProvider) ListWebhooks(ctx context.Context, conn *store.CalendarConnection) ([]string, error) {
	return nil, nil
}

func splitChannelURI(uri string) (channelID, resourceID string, ok bool) {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '/' {
			return uri[:i], uri[i+1:], i > 0 && i < len(uri)-1
		}
	}
	return "", "", false
}

package reconcile

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"meetsync-cloud/store"
)

// ClientLinker attaches a client record to a meeting based on its attendees.
// The first attendee that isn't the account owner or an automated sender
// becomes the client.
type ClientLinker struct {
	store *store.Store
}

// NewClientLinker creates a linker over the store.
func NewClientLinker(st *store.Store) *ClientLinker {
	return &ClientLinker{store: st}
}

var automatedSenderFragments = []string{
	"noreply",
	"no-reply",
	"no_reply",
	"donotreply",
	"do-not-reply",
	"calendar-notification",
	"@resource.calendar.google.com",
	"@group.calendar.google.com",
}

var titleNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:meeting|call|sync|chat|intro|catch[- ]?up)\s+(?:with|w/)\s+(.+)`),
	regexp.MustCompile(`(?i)^(.+?)\s*<>\s*.+$`),
	regexp.MustCompile(`(?i)^(.+?)\s*/\s*.+\s+1:1`),
}

// LinkMeeting resolves or creates the client for a meeting and links it.
// Meetings with no usable attendee are left unlinked; that is not an error.
func (cl *ClientLinker) LinkMeeting(ctx context.Context, conn *store.CalendarConnection, m *store.Meeting) error {
	if m.ClientID != "" || m.Attendees == "" {
		return nil
	}
	var attendees []store.Attendee
	if err := json.Unmarshal([]byte(m.Attendees), &attendees); err != nil {
		return nil
	}

	candidate := pickClientAttendee(attendees, conn.AccountEmail)
	if candidate == nil {
		return nil
	}

	client, err := cl.findOrCreate(ctx, m.UserID, *candidate, m.Title)
	if err != nil {
		return err
	}
	m.ClientID = client.ID
	return cl.store.UpsertMeeting(ctx, m)
}

func (cl *ClientLinker) findOrCreate(ctx context.Context, userID string, attendee store.Attendee, meetingTitle string) (*store.Client, error) {
	existing, err := cl.store.GetClientByEmail(ctx, userID, attendee.Email)
	if err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, err
	}

	client := &store.Client{
		ID:            uuid.New().String(),
		UserID:        userID,
		Email:         strings.ToLower(attendee.Email),
		Name:          resolveClientName(attendee, meetingTitle),
		PipelineStage: "unscheduled",
		Source:        "calendar_sync",
	}
	if err := cl.store.PutClient(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

func pickClientAttendee(attendees []store.Attendee, ownerEmail string) *store.Attendee {
	owner := strings.ToLower(ownerEmail)
	for i := range attendees {
		email := strings.ToLower(attendees[i].Email)
		if email == "" || (owner != "" && email == owner) {
			continue
		}
		if isAutomatedSender(email) {
			continue
		}
		return &attendees[i]
	}
	return nil
}

func isAutomatedSender(email string) bool {
	for _, frag := range automatedSenderFragments {
		if strings.Contains(email, frag) {
			return true
		}
	}
	return false
}

// resolveClientName prefers the attendee's display name, then a name parsed
// out of the meeting title, then a cleaned-up email local part.
func resolveClientName(attendee store.Attendee, meetingTitle string) string {
	if name := strings.TrimSpace(attendee.DisplayName); name != "" {
		return name
	}
	for _, pattern := range titleNamePatterns {
		if match := pattern.FindStringSubmatch(meetingTitle); match != nil {
			if name := strings.TrimSpace(match[1]); name != "" {
				return name
			}
		}
	}
	return nameFromEmail(attendee.Email)
}

func nameFromEmail(email string) string {
	local := email
	if idx := strings.Index(email, "@"); idx > 0 {
		local = email[:idx]
	}
	parts := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToUpper(part[:1]) + part[1:]
	}
	return strings.Join(parts, " ")
}

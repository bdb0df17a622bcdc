package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"meetsync-cloud/providers"
	"meetsync-cloud/store"
)

// ErrNoActiveConnection means the user has no active calendar connection and
// there is nothing to sync.
var ErrNoActiveConnection = errors.New("no active calendar connection")

// TimeRange selects the fetch window for an explicit sync request.
type TimeRange string

const (
	// TimeRangeRecent uses the rolling incremental window.
	TimeRangeRecent TimeRange = "recent"
	// TimeRangeExtended forces the wide backfill window.
	TimeRangeExtended TimeRange = "extended"
)

// Options tune one reconciliation pass.
type Options struct {
	TimeRange TimeRange
	DryRun    bool
}

// SyncResult summarizes one reconciliation pass. It is returned to the
// caller and logged, never persisted.
type SyncResult struct {
	UserID   string    `json:"user_id"`
	Provider string    `json:"provider"`
	Added    int       `json:"added"`
	Updated  int       `json:"updated"`
	Deleted  int       `json:"deleted"`
	Restored int       `json:"restored"`
	Errors   int       `json:"errors"`
	Details  []string  `json:"details,omitempty"`
	DryRun   bool      `json:"dry_run,omitempty"`
	SyncedAt time.Time `json:"synced_at"`
}

func (r *SyncResult) changed() int {
	return r.Added + r.Updated + r.Restored
}

// BotScheduler starts a transcription bot for a meeting. Implementations
// talk to the recording vendor; the service only decides when to call it.
type BotScheduler interface {
	ScheduleBot(ctx context.Context, meeting *store.Meeting) (botID string, err error)
	CancelBot(ctx context.Context, botID string) error
}

// EventPublisher fans sync outcomes out to subscribers (websocket feeds,
// downstream workers).
type EventPublisher interface {
	PublishSyncResult(ctx context.Context, result *SyncResult) error
	PublishMeetingDeleted(ctx context.Context, userID, externalID, botID string) error
}

// Service runs reconciliation passes: fetch, diff, apply, link, gate.
type Service struct {
	store     *store.Store
	registry  *providers.Registry
	linker    *ClientLinker
	gate      *TranscriptionGate
	bots      BotScheduler
	publisher EventPublisher
	now       func() time.Time
}

// NewService wires a reconciliation service. bots and publisher may be nil;
// the corresponding side effects are skipped.
func NewService(st *store.Store, registry *providers.Registry, linker *ClientLinker, gate *TranscriptionGate, bots BotScheduler, publisher EventPublisher) *Service {
	return &Service{
		store:     st,
		registry:  registry,
		linker:    linker,
		gate:      gate,
		bots:      bots,
		publisher: publisher,
		now:       time.Now,
	}
}

// RunSync reconciles one user's meetings against their active provider.
// Per-meeting store failures are counted and the pass continues; only
// connection-level failures abort.
func (s *Service) RunSync(ctx context.Context, userID string, opts Options) (*SyncResult, error) {
	conn, err := s.store.ActiveConnection(ctx, userID)
	if err == store.ErrNotFound {
		return nil, ErrNoActiveConnection
	} else if err != nil {
		return nil, err
	}

	provider, err := s.registry.Lookup(conn.Provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	lastSync := conn.LastCalendarSync
	if opts.TimeRange == TimeRangeExtended {
		lastSync = time.Time{}
	}
	window := providers.SyncWindow(lastSync, now)

	events, err := provider.FetchEvents(ctx, conn, window)
	if err != nil {
		return nil, fmt.Errorf("fetch from %s failed: %w", conn.Provider, err)
	}
	locals, err := s.store.ListMeetingsInWindow(ctx, userID, window.From, window.To)
	if err != nil {
		return nil, err
	}

	plan := Diff(events, locals)
	result := &SyncResult{
		UserID:   userID,
		Provider: string(conn.Provider),
		DryRun:   opts.DryRun,
		SyncedAt: now,
	}
	if opts.DryRun {
		result.Added = len(plan.Creates)
		result.Updated = len(plan.Updates)
		result.Deleted = len(plan.Deletes)
		result.Restored = len(plan.Restores)
		return result, nil
	}

	var created []*store.Meeting
	var touched []*store.Meeting

	for _, change := range plan.Creates {
		m := s.meetingFromEvent(userID, conn, change.Event, now)
		if err := s.store.UpsertMeeting(ctx, m); err != nil {
			s.recordError(result, "create", change.Event.ExternalID, err)
			continue
		}
		result.Added++
		created = append(created, m)
		touched = append(touched, m)
	}

	for _, change := range plan.Updates {
		m := change.Meeting
		s.overwriteFromEvent(m, change.Event, now)
		if err := s.store.UpsertMeeting(ctx, m); err != nil {
			s.recordError(result, "update", m.ExternalID, err)
			continue
		}
		result.Updated++
		touched = append(touched, m)
	}

	for _, change := range plan.Restores {
		m := change.Meeting
		s.overwriteFromEvent(m, change.Event, now)
		m.IsDeleted = false
		m.DeletedAt = time.Time{}
		if err := s.store.UpsertMeeting(ctx, m); err != nil {
			s.recordError(result, "restore", m.ExternalID, err)
			continue
		}
		result.Restored++
		touched = append(touched, m)
	}

	for _, m := range plan.Deletes {
		if err := s.tombstone(ctx, m, now); err != nil {
			s.recordError(result, "delete", m.ExternalID, err)
			continue
		}
		result.Deleted++
	}

	conn.LastCalendarSync = now
	if err := s.store.PutConnection(ctx, conn); err != nil {
		log.Printf("Warning: failed to stamp last sync for user %s: %v", userID, err)
	}

	if result.changed() > 0 && s.linker != nil {
		for _, m := range touched {
			if err := s.linker.LinkMeeting(ctx, conn, m); err != nil {
				log.Printf("Warning: client linking failed for %s: %v", m.ExternalID, err)
			}
		}
	}

	for _, m := range created {
		s.maybeScheduleBot(ctx, conn, m)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishSyncResult(ctx, result); err != nil {
			log.Printf("Warning: failed to publish sync result for user %s: %v", userID, err)
		}
	}

	log.Printf("Sync for user %s (%s): +%d ~%d -%d ^%d, %d errors",
		userID, conn.Provider, result.Added, result.Updated, result.Deleted, result.Restored, result.Errors)
	return result, nil
}

// ApplyEvent applies one provider event outside a full pass. It is the
// webhook ingestion path and reuses the tombstone rules, so a redelivered
// cancellation is a no-op.
func (s *Service) ApplyEvent(ctx context.Context, userID string, ev providers.Event) error {
	if ev.AllDay {
		return nil
	}
	conn, err := s.store.ActiveConnection(ctx, userID)
	if err == store.ErrNotFound {
		return ErrNoActiveConnection
	} else if err != nil {
		return err
	}
	now := s.now()

	local, err := s.store.GetMeeting(ctx, userID, ev.ExternalID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	exists := err == nil

	if ev.Cancelled {
		if !exists || local.IsDeleted {
			return nil
		}
		return s.tombstone(ctx, local, now)
	}

	switch {
	case !exists:
		m := s.meetingFromEvent(userID, conn, ev, now)
		if err := s.store.UpsertMeeting(ctx, m); err != nil {
			return err
		}
		if s.linker != nil {
			if err := s.linker.LinkMeeting(ctx, conn, m); err != nil {
				log.Printf("Warning: client linking failed for %s: %v", m.ExternalID, err)
			}
		}
		s.maybeScheduleBot(ctx, conn, m)
		return nil
	case local.IsDeleted:
		s.overwriteFromEvent(local, ev, now)
		local.IsDeleted = false
		local.DeletedAt = time.Time{}
		return s.store.UpsertMeeting(ctx, local)
	default:
		s.overwriteFromEvent(local, ev, now)
		return s.store.UpsertMeeting(ctx, local)
	}
}

// tombstone soft-deletes a meeting, cancels its bot if one was scheduled,
// and notifies subscribers.
func (s *Service) tombstone(ctx context.Context, m *store.Meeting, now time.Time) error {
	m.IsDeleted = true
	m.DeletedAt = now
	m.LastCalendarSync = now
	if err := s.store.UpsertMeeting(ctx, m); err != nil {
		return err
	}
	if m.BotID != "" && s.bots != nil {
		if err := s.bots.CancelBot(ctx, m.BotID); err != nil {
			log.Printf("Warning: failed to cancel bot %s for %s: %v", m.BotID, m.ExternalID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishMeetingDeleted(ctx, m.UserID, m.ExternalID, m.BotID); err != nil {
			log.Printf("Warning: failed to publish deletion of %s: %v", m.ExternalID, err)
		}
	}
	return nil
}

func (s *Service) maybeScheduleBot(ctx context.Context, conn *store.CalendarConnection, m *store.Meeting) {
	if s.bots == nil || s.gate == nil {
		return
	}
	if !s.gate.ShouldSchedule(ctx, conn, m, s.now()) {
		return
	}
	botID, err := s.bots.ScheduleBot(ctx, m)
	if err != nil {
		log.Printf("Warning: failed to schedule bot for %s: %v", m.ExternalID, err)
		return
	}
	m.BotID = botID
	m.BotStatus = "scheduled"
	if err := s.store.UpsertMeeting(ctx, m); err != nil {
		log.Printf("Warning: failed to persist bot id for %s: %v", m.ExternalID, err)
	}
}

func (s *Service) recordError(result *SyncResult, op, externalID string, err error) {
	result.Errors++
	detail := fmt.Sprintf("%s %s: %v", op, externalID, err)
	result.Details = append(result.Details, detail)
	log.Printf("Warning: %s", detail)
}

func (s *Service) meetingFromEvent(userID string, conn *store.CalendarConnection, ev providers.Event, now time.Time) *store.Meeting {
	m := &store.Meeting{
		UserID:        userID,
		ExternalID:    ev.ExternalID,
		MeetingSource: string(conn.Provider),
	}
	s.overwriteFromEvent(m, ev, now)
	return m
}

func (s *Service) overwriteFromEvent(m *store.Meeting, ev providers.Event, now time.Time) {
	m.Title = ev.Title
	m.StartTime = ev.Start
	m.EndTime = ev.End
	m.Location = ev.Location
	m.MeetingURL = ev.MeetingURL
	m.LastCalendarSync = now
	if len(ev.Attendees) > 0 {
		if data, err := json.Marshal(ev.Attendees); err == nil {
			m.Attendees = string(data)
		}
	}
}

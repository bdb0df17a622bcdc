package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"meetsync-cloud/providers"
	"meetsync-cloud/store"
)

type stubProvider struct {
	name   string
	events []providers.Event
	err    error
	calls  int
}

func (p *stubProvider) Name() string           { return p.name }
func (p *stubProvider) SupportsWebhooks() bool { return false }
func (p *stubProvider) FetchEvents(ctx context.Context, conn *store.CalendarConnection, window providers.Window) ([]providers.Event, error) {
	p.calls++
	return p.events, p.err
}

type stubBots struct {
	scheduled []string
	cancelled []string
}

func (b *stubBots) ScheduleBot(ctx context.Context, m *store.Meeting) (string, error) {
	id := fmt.Sprintf("bot-%d", len(b.scheduled)+1)
	b.scheduled = append(b.scheduled, m.ExternalID)
	return id, nil
}

func (b *stubBots) CancelBot(ctx context.Context, botID string) error {
	b.cancelled = append(b.cancelled, botID)
	return nil
}

type stubPublisher struct {
	results   []*SyncResult
	deletions []string
}

func (p *stubPublisher) PublishSyncResult(ctx context.Context, result *SyncResult) error {
	p.results = append(p.results, result)
	return nil
}

func (p *stubPublisher) PublishMeetingDeleted(ctx context.Context, userID, externalID, botID string) error {
	p.deletions = append(p.deletions, externalID)
	return nil
}

type serviceFixture struct {
	service   *Service
	store     *store.Store
	provider  *stubProvider
	bots      *stubBots
	publisher *stubPublisher
	now       time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	st := store.NewStore(client)

	provider := &stubProvider{name: "google"}
	bots := &stubBots{}
	publisher := &stubPublisher{}
	now := time.Date(2025, 6, 20, 9, 50, 0, 0, time.UTC)

	svc := NewService(
		st,
		providers.NewRegistry(provider),
		NewClientLinker(st),
		NewTranscriptionGate(st, 5, nil),
		bots,
		publisher,
	)
	svc.now = func() time.Time { return now }

	return &serviceFixture{service: svc, store: st, provider: provider, bots: bots, publisher: publisher, now: now}
}

func (f *serviceFixture) connect(t *testing.T, transcription bool) {
	t.Helper()
	require.NoError(t, f.store.PutConnection(context.Background(), &store.CalendarConnection{
		UserID:               "user-1",
		Provider:             store.ProviderGoogle,
		IsActive:             true,
		AccountEmail:         "owner@example.com",
		TranscriptionEnabled: transcription,
	}))
}

func TestRunSyncNoActiveConnection(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.RunSync(context.Background(), "user-1", Options{})
	require.ErrorIs(t, err, ErrNoActiveConnection)
}

func TestRunSyncCreatesMeeting(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	f.provider.events = []providers.Event{{
		ExternalID: "E1",
		Title:      "Intro call",
		Start:      f.now.Add(24 * time.Hour),
		End:        f.now.Add(25 * time.Hour),
		Attendees:  []store.Attendee{{Email: "jane@example.com", DisplayName: "Jane Doe"}},
	}}

	result, err := f.service.RunSync(ctx, "user-1", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Added)
	require.Zero(t, result.Errors)

	m, err := f.store.GetMeeting(ctx, "user-1", "E1")
	require.NoError(t, err)
	require.False(t, m.IsDeleted)
	require.Equal(t, "Intro call", m.Title)
	require.Equal(t, "google", m.MeetingSource)

	// Client linking ran: the attendee became a client and is linked.
	require.NotEmpty(t, m.ClientID)
	c, err := f.store.GetClientByEmail(ctx, "user-1", "jane@example.com")
	require.NoError(t, err)
	require.Equal(t, c.ID, m.ClientID)
	require.Equal(t, "Jane Doe", c.Name)

	// The pass was published and last_calendar_sync stamped.
	require.Len(t, f.publisher.results, 1)
	conn, err := f.store.GetConnection(ctx, "user-1", store.ProviderGoogle)
	require.NoError(t, err)
	require.Equal(t, f.now, conn.LastCalendarSync.UTC())
}

func TestRunSyncDeleteByAbsence(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertMeeting(ctx, &store.Meeting{
		UserID:     "user-1",
		ExternalID: "E2",
		Title:      "Orphaned",
		StartTime:  f.now.Add(24 * time.Hour),
		EndTime:    f.now.Add(25 * time.Hour),
		BotID:      "bot-7",
	}))
	f.provider.events = nil

	result, err := f.service.RunSync(ctx, "user-1", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Deleted)

	m, err := f.store.GetMeeting(ctx, "user-1", "E2")
	require.NoError(t, err)
	require.True(t, m.IsDeleted)
	require.False(t, m.DeletedAt.IsZero())

	// The scheduled bot was cancelled and the deletion published.
	require.Equal(t, []string{"bot-7"}, f.bots.cancelled)
	require.Equal(t, []string{"E2"}, f.publisher.deletions)
}

func TestRunSyncRestore(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertMeeting(ctx, &store.Meeting{
		UserID:     "user-1",
		ExternalID: "E3",
		Title:      "Was cancelled",
		StartTime:  f.now.Add(24 * time.Hour),
		EndTime:    f.now.Add(25 * time.Hour),
		IsDeleted:  true,
		DeletedAt:  f.now.Add(-time.Hour),
	}))
	f.provider.events = []providers.Event{{
		ExternalID: "E3",
		Title:      "Back on",
		Start:      f.now.Add(24 * time.Hour),
		End:        f.now.Add(25 * time.Hour),
	}}

	result, err := f.service.RunSync(ctx, "user-1", Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Restored)

	m, err := f.store.GetMeeting(ctx, "user-1", "E3")
	require.NoError(t, err)
	require.False(t, m.IsDeleted)
	require.True(t, m.DeletedAt.IsZero())
	require.Equal(t, "Back on", m.Title)
}

func TestRunSyncDryRunWritesNothing(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	f.provider.events = []providers.Event{{
		ExternalID: "E1",
		Title:      "Would be created",
		Start:      f.now.Add(24 * time.Hour),
		End:        f.now.Add(25 * time.Hour),
	}}

	result, err := f.service.RunSync(ctx, "user-1", Options{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Added)
	require.True(t, result.DryRun)

	_, err = f.store.GetMeeting(ctx, "user-1", "E1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunSyncProviderErrorAborts(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)

	f.provider.err = providers.ErrRateLimited
	_, err := f.service.RunSync(context.Background(), "user-1", Options{})
	require.ErrorIs(t, err, providers.ErrRateLimited)
}

func TestRunSyncSchedulesBotForImminentMeeting(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, true)
	ctx := context.Background()

	f.provider.events = []providers.Event{
		{
			ExternalID: "soon",
			Title:      "Starting soon",
			Start:      f.now.Add(10 * time.Minute),
			End:        f.now.Add(40 * time.Minute),
		},
		{
			ExternalID: "later",
			Title:      "Tomorrow",
			Start:      f.now.Add(24 * time.Hour),
			End:        f.now.Add(25 * time.Hour),
		},
	}

	result, err := f.service.RunSync(ctx, "user-1", Options{})
	require.NoError(t, err)
	require.Equal(t, 2, result.Added)

	// Only the imminent meeting got a bot.
	require.Equal(t, []string{"soon"}, f.bots.scheduled)
	m, err := f.store.GetMeeting(ctx, "user-1", "soon")
	require.NoError(t, err)
	require.NotEmpty(t, m.BotID)
	require.Equal(t, "scheduled", m.BotStatus)
}

func TestRunSyncMeetingOutsideWindowUntouched(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	// Mark the connection as previously synced so the incremental window
	// (3 months back) applies.
	conn, err := f.store.GetConnection(ctx, "user-1", store.ProviderGoogle)
	require.NoError(t, err)
	conn.LastCalendarSync = f.now.Add(-time.Hour)
	require.NoError(t, f.store.PutConnection(ctx, conn))

	require.NoError(t, f.store.UpsertMeeting(ctx, &store.Meeting{
		UserID:     "user-1",
		ExternalID: "ancient",
		Title:      "A year ago",
		StartTime:  f.now.AddDate(-1, 0, 0),
		EndTime:    f.now.AddDate(-1, 0, 0).Add(time.Hour),
	}))
	f.provider.events = nil

	result, err := f.service.RunSync(ctx, "user-1", Options{})
	require.NoError(t, err)
	require.Zero(t, result.Deleted)

	m, err := f.store.GetMeeting(ctx, "user-1", "ancient")
	require.NoError(t, err)
	require.False(t, m.IsDeleted)
}

func TestApplyEventCreateThenCancelTwice(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	ev := providers.Event{
		ExternalID: "calendly_ev-1",
		Title:      "Discovery call",
		Start:      f.now.Add(2 * time.Hour),
		End:        f.now.Add(3 * time.Hour),
	}
	require.NoError(t, f.service.ApplyEvent(ctx, "user-1", ev))

	m, err := f.store.GetMeeting(ctx, "user-1", "calendly_ev-1")
	require.NoError(t, err)
	require.False(t, m.IsDeleted)

	cancel := ev
	cancel.Cancelled = true
	require.NoError(t, f.service.ApplyEvent(ctx, "user-1", cancel))

	m, err = f.store.GetMeeting(ctx, "user-1", "calendly_ev-1")
	require.NoError(t, err)
	require.True(t, m.IsDeleted)
	firstDeletedAt := m.DeletedAt

	// Redelivery is a no-op: state unchanged, no error, nothing republished.
	deletionsBefore := len(f.publisher.deletions)
	require.NoError(t, f.service.ApplyEvent(ctx, "user-1", cancel))
	m, err = f.store.GetMeeting(ctx, "user-1", "calendly_ev-1")
	require.NoError(t, err)
	require.True(t, m.IsDeleted)
	require.Equal(t, firstDeletedAt, m.DeletedAt)
	require.Len(t, f.publisher.deletions, deletionsBefore)
}

func TestApplyEventRestores(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	require.NoError(t, f.store.UpsertMeeting(ctx, &store.Meeting{
		UserID:     "user-1",
		ExternalID: "calendly_ev-2",
		Title:      "Cancelled earlier",
		StartTime:  f.now.Add(2 * time.Hour),
		EndTime:    f.now.Add(3 * time.Hour),
		IsDeleted:  true,
		DeletedAt:  f.now.Add(-time.Hour),
	}))

	require.NoError(t, f.service.ApplyEvent(ctx, "user-1", providers.Event{
		ExternalID: "calendly_ev-2",
		Title:      "Rebooked",
		Start:      f.now.Add(2 * time.Hour),
		End:        f.now.Add(3 * time.Hour),
	}))

	m, err := f.store.GetMeeting(ctx, "user-1", "calendly_ev-2")
	require.NoError(t, err)
	require.False(t, m.IsDeleted)
	require.Equal(t, "Rebooked", m.Title)
}

func TestApplyEventCancelUnknownIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)

	require.NoError(t, f.service.ApplyEvent(context.Background(), "user-1", providers.Event{
		ExternalID: "never-seen",
		Cancelled:  true,
	}))
}

func TestApplyEventAllDayIgnored(t *testing.T) {
	f := newServiceFixture(t)
	f.connect(t, false)
	ctx := context.Background()

	require.NoError(t, f.service.ApplyEvent(ctx, "user-1", providers.Event{
		ExternalID: "holiday",
		AllDay:     true,
	}))
	_, err := f.store.GetMeeting(ctx, "user-1", "holiday")
	require.ErrorIs(t, err, store.ErrNotFound)
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"meetsync-cloud/providers"
	"meetsync-cloud/reconcile"
	"meetsync-cloud/store"
)

func TestSchedulerSweepsConnectedUsers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewStore(client)
	ctx := context.Background()

	provider := &fakeCalendarProvider{name: store.ProviderCalendly}
	provider.events = []providers.Event{{
		ExternalID: "calendly_SWEEP1",
		Title:      "Weekly review",
		Start:      time.Now().Add(time.Hour).UTC(),
		End:        time.Now().Add(2 * time.Hour).UTC(),
	}}
	registry := providers.NewRegistry(provider)
	service := reconcile.NewService(st, registry,
		reconcile.NewClientLinker(st),
		reconcile.NewTranscriptionGate(st, 5, nil),
		nil, nil)

	for _, userID := range []string{"user-1", "user-2"} {
		require.NoError(t, st.PutConnection(ctx, &store.CalendarConnection{
			UserID:   userID,
			Provider: store.ProviderCalendly,
			IsActive: true,
		}))
	}
	// A user whose connection was deactivated is skipped without error.
	require.NoError(t, st.PutConnection(ctx, &store.CalendarConnection{
		UserID:   "user-3",
		Provider: store.ProviderCalendly,
		IsActive: false,
	}))

	scheduler := NewSyncScheduler(service, st, time.Minute, true)
	scheduler.runOnce(ctx)

	for _, userID := range []string{"user-1", "user-2"} {
		m, err := st.GetMeeting(ctx, userID, "calendly_SWEEP1")
		require.NoError(t, err, "user %s should have been synced", userID)
		require.Equal(t, "Weekly review", m.Title)
	}
	_, err := st.GetMeeting(ctx, "user-3", "calendly_SWEEP1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchedulerDisabledDoesNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewStore(client)

	scheduler := NewSyncScheduler(nil, st, time.Minute, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Must return immediately without spawning the loop.
	scheduler.Start(ctx)
}

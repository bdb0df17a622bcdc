package providers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncWindowInitialBackfill(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	w := SyncWindow(time.Time{}, now)
	require.Equal(t, now.AddDate(-2, 0, 0), w.From)
	require.Equal(t, now.AddDate(1, 0, 0), w.To)
}

func TestSyncWindowIncremental(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	lastSync := now.Add(-20 * time.Minute)

	w := SyncWindow(lastSync, now)
	require.Equal(t, now.AddDate(0, -3, 0), w.From)
	require.Equal(t, now.AddDate(0, 6, 0), w.To)
}

func TestWindowContainsBoundsInclusive(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	w := Window{From: from, To: to}

	require.True(t, w.Contains(from))
	require.True(t, w.Contains(to))
	require.True(t, w.Contains(from.Add(time.Hour)))
	require.False(t, w.Contains(from.Add(-time.Second)))
	require.False(t, w.Contains(to.Add(time.Second)))
}

func TestTranslateStatus(t *testing.T) {
	require.NoError(t, translateStatus("calendly", 200, ""))
	require.NoError(t, translateStatus("calendly", 204, ""))

	require.ErrorIs(t, translateStatus("calendly", 429, "slow down"), ErrRateLimited)
	require.ErrorIs(t, translateStatus("google", 500, "oops"), ErrUnavailable)
	require.ErrorIs(t, translateStatus("google", 503, "oops"), ErrUnavailable)

	err := translateStatus("calendly", 403, "Please upgrade your account to use webhooks")
	require.ErrorIs(t, err, ErrPlanNotSupported)

	err = translateStatus("microsoft", 403, "Permission Denied")
	require.ErrorIs(t, err, ErrPlanNotSupported)

	// A 400 is a plain error, not part of the taxonomy.
	err = translateStatus("calendly", 400, "bad request")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPlanNotSupported)
	require.NotErrorIs(t, err, ErrRateLimited)
	require.NotErrorIs(t, err, ErrUnavailable)
}

func TestRegistryLookup(t *testing.T) {
	google := &GoogleProvider{}
	reg := NewRegistry(google)

	got, err := reg.Lookup("google")
	require.NoError(t, err)
	require.Same(t, EventProvider(google), got)

	_, err = reg.Lookup("caldav")
	require.Error(t, err)
}

func TestEventUUID(t *testing.T) {
	require.Equal(t, "abc-123", eventUUID("https://api.calendly.com/scheduled_events/abc-123"))
	require.Equal(t, "abc-123", eventUUID("abc-123"))
}

func TestSplitChannelURI(t *testing.T) {
	channelID, resourceID, ok := splitChannelURI("chan-1/res-9")
	require.True(t, ok)
	require.Equal(t, "chan-1", channelID)
	require.Equal(t, "res-9", resourceID)

	_, _, ok = splitChannelURI("no-separator")
	require.False(t, ok)
	_, _, ok = splitChannelURI("/res-only")
	require.False(t, ok)
}

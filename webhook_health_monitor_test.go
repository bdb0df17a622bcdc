package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"meetsync-cloud/providers"
	"meetsync-cloud/store"
)

type monitorFixture struct {
	store    *store.Store
	provider *fakeCalendarProvider
	monitor  *HealthMonitor
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewStore(client)

	provider := &fakeCalendarProvider{name: store.ProviderCalendly}
	registry := providers.NewRegistry(provider)
	monitor := NewHealthMonitor(st, registry, "https://meetsync.example.com", time.Hour, true)

	return &monitorFixture{store: st, provider: provider, monitor: monitor}
}

func (f *monitorFixture) connect(t *testing.T, userID string, mutate func(*store.CalendarConnection)) {
	t.Helper()
	conn := &store.CalendarConnection{
		UserID:   userID,
		Provider: store.ProviderCalendly,
		IsActive: true,
	}
	if mutate != nil {
		mutate(conn)
	}
	require.NoError(t, f.store.PutConnection(context.Background(), conn))
}

func TestHealthCheckNotConnected(t *testing.T) {
	f := newMonitorFixture(t)

	status := f.monitor.CheckAndRepair(context.Background(), "nobody")
	require.Equal(t, HealthNotConnected, status.Status)
}

func TestHealthCheckPlanLimitedSkipsProvider(t *testing.T) {
	f := newMonitorFixture(t)
	f.connect(t, "user-1", func(c *store.CalendarConnection) {
		c.WebhookStatus = store.WebhookStatusError
		c.WebhookLastError = "Please upgrade your plan to use webhooks"
	})

	status := f.monitor.CheckAndRepair(context.Background(), "user-1")
	require.Equal(t, HealthPollingOnly, status.Status)
	require.True(t, status.PlanLimit)
	require.Zero(t, f.provider.created)
}

func TestHealthCheckRecentVerificationSkipsProvider(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", func(c *store.CalendarConnection) {
		c.WebhookLastVerified = time.Now().Add(-1 * time.Hour)
	})
	require.NoError(t, f.store.PutSubscription(ctx, &store.WebhookSubscription{
		UserID:          "user-1",
		Provider:        store.ProviderCalendly,
		SubscriptionURI: "sub-A",
		SigningKey:      "key-A",
		Scope:           store.ScopeUser,
		IsActive:        true,
	}))

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthActive, status.Status)
	require.Zero(t, f.provider.created)
}

func TestHealthCheckVerifiesAgainstProvider(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", nil)
	require.NoError(t, f.store.PutSubscription(ctx, &store.WebhookSubscription{
		UserID:          "user-1",
		Provider:        store.ProviderCalendly,
		SubscriptionURI: "sub-A",
		SigningKey:      "key-A",
		Scope:           store.ScopeUser,
		IsActive:        true,
	}))
	f.provider.listed = []string{"sub-A"}

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthActive, status.Status)
	require.Zero(t, f.provider.created)

	conn, err := f.store.GetConnection(ctx, "user-1", store.ProviderCalendly)
	require.NoError(t, err)
	require.Equal(t, store.WebhookStatusActive, conn.WebhookStatus)
	require.False(t, conn.WebhookLastVerified.IsZero())
}

func TestHealthCheckRecreatesMissingSubscription(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", func(c *store.CalendarConnection) {
		c.WebhookAttempts = 2
	})
	require.NoError(t, f.store.PutSubscription(ctx, &store.WebhookSubscription{
		UserID:          "user-1",
		Provider:        store.ProviderCalendly,
		SubscriptionURI: "sub-old",
		SigningKey:      "key-old",
		Scope:           store.ScopeUser,
		IsActive:        true,
	}))

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthRecreated, status.Status)
	require.Equal(t, 1, f.provider.created)
	require.Contains(t, f.provider.deleted, "sub-old")

	sub, err := f.store.GetSubscription(ctx, "user-1", store.ScopeUser)
	require.NoError(t, err)
	require.NotEqual(t, "sub-old", sub.SubscriptionURI)
	require.NotEqual(t, "key-old", sub.SigningKey)

	conn, err := f.store.GetConnection(ctx, "user-1", store.ProviderCalendly)
	require.NoError(t, err)
	require.Equal(t, store.WebhookStatusActive, conn.WebhookStatus)
	require.Zero(t, conn.WebhookAttempts)
}

func TestHealthCheckDeletesOrphanedRegistrations(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", nil)
	f.provider.listed = []string{"sub-orphan-1", "sub-orphan-2"}

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthRecreated, status.Status)
	require.Contains(t, f.provider.deleted, "sub-orphan-1")
	require.Contains(t, f.provider.deleted, "sub-orphan-2")
}

func TestHealthCheckPlanErrorDowngradesPermanently(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", nil)
	f.provider.createErr = providers.ErrPlanNotSupported

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthPollingOnly, status.Status)
	require.True(t, status.PlanLimit)

	// Subsequent checks never touch the provider again.
	f.provider.createErr = nil
	status = f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthPollingOnly, status.Status)
	require.Zero(t, f.provider.created)
}

func TestHealthCheckTransientErrorIncrementsAttempts(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.connect(t, "user-1", nil)
	f.provider.createErr = errors.New("subscription endpoint unavailable")

	status := f.monitor.CheckAndRepair(ctx, "user-1")
	require.Equal(t, HealthError, status.Status)

	conn, err := f.store.GetConnection(ctx, "user-1", store.ProviderCalendly)
	require.NoError(t, err)
	require.Equal(t, 1, conn.WebhookAttempts)
	require.Equal(t, store.WebhookStatusError, conn.WebhookStatus)
}

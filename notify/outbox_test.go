package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newOutboxFixture(t *testing.T) *Outbox {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	outbox, err := NewOutbox(context.Background(), client)
	require.NoError(t, err)
	return outbox
}

func TestOutboxEnqueueAndDrain(t *testing.T) {
	outbox := newOutboxFixture(t)
	ctx := context.Background()

	_, err := outbox.Enqueue(ctx, Delivery{
		UserID:    "user-1",
		Provider:  "calendly",
		EventType: "invitee.created",
		EventID:   "evt-1",
		Payload:   `{"event":"invitee.created"}`,
	})
	require.NoError(t, err)

	var got []Delivery
	processed, err := outbox.DrainOnce(ctx, "worker-1", func(ctx context.Context, d Delivery) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Len(t, got, 1)
	require.Equal(t, "user-1", got[0].UserID)
	require.Equal(t, "invitee.created", got[0].EventType)
	require.Equal(t, `{"event":"invitee.created"}`, got[0].Payload)

	// An acknowledged delivery is not handed out again.
	processed, err = outbox.DrainOnce(ctx, "worker-1", func(ctx context.Context, d Delivery) error {
		t.Fatal("should not be redelivered")
		return nil
	})
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestOutboxFailedDeliveryStaysPending(t *testing.T) {
	outbox := newOutboxFixture(t)
	ctx := context.Background()

	_, err := outbox.Enqueue(ctx, Delivery{UserID: "user-1", EventType: "invitee.canceled", EventID: "evt-2"})
	require.NoError(t, err)

	processed, err := outbox.DrainOnce(ctx, "worker-1", func(ctx context.Context, d Delivery) error {
		return errors.New("store unavailable")
	})
	require.NoError(t, err)
	require.Zero(t, processed)

	// The unacknowledged entry stays pending for a later reclaim.
	pending, err := outbox.client.XPending(ctx, outboxStream, outboxGroup).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), pending.Count)
}

func TestOutboxMultipleDeliveriesInOrder(t *testing.T) {
	outbox := newOutboxFixture(t)
	ctx := context.Background()

	for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
		_, err := outbox.Enqueue(ctx, Delivery{UserID: "user-1", EventType: "invitee.created", EventID: id})
		require.NoError(t, err)
	}

	var order []string
	processed, err := outbox.DrainOnce(ctx, "worker-1", func(ctx context.Context, d Delivery) error {
		order = append(order, d.EventID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, processed)
	require.Equal(t, []string{"evt-1", "evt-2", "evt-3"}, order)
}

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"meetsync-cloud/reconcile"
)

const (
	streamKeyFormat   = "user:%s:sync"
	defaultBlock      = 5 * time.Second
	defaultBatchCount = 50
)

// Event types published to the per-user sync stream.
const (
	TypeSyncCompleted  = "sync.completed"
	TypeMeetingDeleted = "meeting.deleted"
)

// Event is the typed form of a sync stream entry.
type Event struct {
	ID     string         `json:"ID"`
	Stream string         `json:"Stream"`
	UserID string         `json:"UserID"`
	Type   string         `json:"Type"`
	Values map[string]any `json:"Values"`
}

// Bus provides typed helpers for the per-user sync event stream. It is the
// fan-out point for websocket feeds and downstream workers watching sync
// outcomes.
type Bus struct {
	client *redis.Client
}

// NewBus creates a sync bus for the given redis client.
func NewBus(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// StreamKey returns the canonical sync stream key for a user.
func StreamKey(userID string) string {
	return fmt.Sprintf(streamKeyFormat, userID)
}

// Append writes an event to the user's sync stream, attaching a ts if missing.
func (b *Bus) Append(ctx context.Context, userID, eventType string, values map[string]any) (string, error) {
	if b == nil || b.client == nil {
		return "", fmt.Errorf("sync bus not configured")
	}
	if values == nil {
		values = make(map[string]any)
	}
	if _, ok := values["ts"]; !ok {
		values["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	values["type"] = eventType

	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(userID),
		Values: values,
	}).Result()
}

// PublishSyncResult records the outcome of a reconciliation pass.
func (b *Bus) PublishSyncResult(ctx context.Context, result *reconcile.SyncResult) error {
	_, err := b.Append(ctx, result.UserID, TypeSyncCompleted, map[string]any{
		"provider": result.Provider,
		"added":    result.Added,
		"updated":  result.Updated,
		"deleted":  result.Deleted,
		"restored": result.Restored,
		"errors":   result.Errors,
	})
	return err
}

// PublishMeetingDeleted records a meeting tombstone so downstream workers
// (bot lifecycle, UI) can react without polling.
func (b *Bus) PublishMeetingDeleted(ctx context.Context, userID, externalID, botID string) error {
	values := map[string]any{"external_id": externalID}
	if botID != "" {
		values["bot_id"] = botID
	}
	_, err := b.Append(ctx, userID, TypeMeetingDeleted, values)
	return err
}

// Tail blocks for new events after afterID and returns them with the latest
// ID observed.
func (b *Bus) Tail(ctx context.Context, userID, afterID string) ([]Event, string, error) {
	if b == nil || b.client == nil {
		return nil, afterID, fmt.Errorf("sync bus not configured")
	}
	if strings.TrimSpace(afterID) == "" {
		afterID = "$"
	}

	res, err := b.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{StreamKey(userID), afterID},
		Count:   defaultBatchCount,
		Block:   defaultBlock,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, afterID, nil
		}
		return nil, afterID, err
	}

	events := make([]Event, 0)
	nextID := afterID

	for _, stream := range res {
		for _, msg := range stream.Messages {
			values := make(map[string]any, len(msg.Values))
			for k, v := range msg.Values {
				values[k] = v
			}
			events = append(events, Event{
				ID:     msg.ID,
				Stream: stream.Stream,
				UserID: userIDFromStream(stream.Stream),
				Type:   stringVal(values["type"]),
				Values: values,
			})
			nextID = msg.ID
		}
	}

	return events, nextID, nil
}

func stringVal(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func userIDFromStream(stream string) string {
	parts := strings.Split(stream, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

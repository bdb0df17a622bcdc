package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists connections, subscriptions, meetings and clients in Redis.
// Records are JSON documents under typed key prefixes; per-user sets index
// meetings and clients for listing.
type Store struct {
	client *redis.Client
}

// NewStore creates a store on top of an existing Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func connectionKey(userID string, provider Provider) string {
	return fmt.Sprintf("calendar_connection:%s:%s", userID, provider)
}

func subscriptionKey(userID string, scope Scope) string {
	return fmt.Sprintf("webhook_subscription:%s:%s", userID, scope)
}

func meetingKey(userID, externalID string) string {
	return fmt.Sprintf("meeting:%s:%s", userID, externalID)
}

func meetingIndexKey(userID string) string {
	return fmt.Sprintf("meetings:%s", userID)
}

func clientKey(userID, email string) string {
	return fmt.Sprintf("client:%s:%s", userID, strings.ToLower(email))
}

func clientIndexKey(userID string) string {
	return fmt.Sprintf("clients:%s", userID)
}

func webhookEventKey(eventType, eventID string) string {
	return fmt.Sprintf("webhook_event:%s:%s", eventType, eventID)
}

func (s *Store) getJSON(ctx context.Context, key string, out interface{}) error {
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) setJSON(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// --- Connections ---

// GetConnection returns one user's connection for a provider.
func (s *Store) GetConnection(ctx context.Context, userID string, provider Provider) (*CalendarConnection, error) {
	var conn CalendarConnection
	if err := s.getJSON(ctx, connectionKey(userID, provider), &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

// PutConnection writes a connection row, stamping UpdatedAt.
func (s *Store) PutConnection(ctx context.Context, conn *CalendarConnection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now().UTC()
	}
	conn.UpdatedAt = time.Now().UTC()
	return s.setJSON(ctx, connectionKey(conn.UserID, conn.Provider), conn)
}

// DeleteConnection removes a connection row.
func (s *Store) DeleteConnection(ctx context.Context, userID string, provider Provider) error {
	if err := s.client.Del(ctx, connectionKey(userID, provider)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}
	return nil
}

// ListConnections returns every connection a user has, any provider.
func (s *Store) ListConnections(ctx context.Context, userID string) ([]*CalendarConnection, error) {
	pattern := fmt.Sprintf("calendar_connection:%s:*", userID)
	var conns []*CalendarConnection
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		var conn CalendarConnection
		if err := s.getJSON(ctx, iter.Val(), &conn); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		conns = append(conns, &conn)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("connection scan: %w", err)
	}
	return conns, nil
}

// ListUserIDs returns every user that has at least one connection. The
// background loops use it to discover who to sync and health-check.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var users []string
	iter := s.client.Scan(ctx, 0, "calendar_connection:*", 100).Iterator()
	for iter.Next(ctx) {
		parts := strings.Split(iter.Val(), ":")
		if len(parts) != 3 || parts[1] == "" {
			continue
		}
		if !seen[parts[1]] {
			seen[parts[1]] = true
			users = append(users, parts[1])
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("user scan: %w", err)
	}
	return users, nil
}

// ActiveConnection resolves the single active connection for a user.
// Returns ErrNotFound when the user has no active connection.
func (s *Store) ActiveConnection(ctx context.Context, userID string) (*CalendarConnection, error) {
	conns, err := s.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, conn := range conns {
		if conn.IsActive {
			return conn, nil
		}
	}
	return nil, ErrNotFound
}

// activateRetries bounds the optimistic-locking retry loop in
// ActivateConnection.
const activateRetries = 3

// ActivateConnection makes the named provider the user's single active
// connection, deactivating every sibling. The connection keys are WATCHed
// and every toggled row is written in one MULTI/EXEC, so a concurrent
// activation aborts the transaction instead of leaving two rows active.
// Callers never toggle is_active directly.
func (s *Store) ActivateConnection(ctx context.Context, userID string, provider Provider) (*CalendarConnection, error) {
	pattern := fmt.Sprintf("calendar_connection:%s:*", userID)
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("connection scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	var target *CalendarConnection
	txn := func(tx *redis.Tx) error {
		target = nil
		var conns []*CalendarConnection
		for _, key := range keys {
			data, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				continue
			} else if err != nil {
				return fmt.Errorf("failed to read %s: %w", key, err)
			}
			var conn CalendarConnection
			if err := json.Unmarshal([]byte(data), &conn); err != nil {
				return fmt.Errorf("failed to decode %s: %w", key, err)
			}
			conns = append(conns, &conn)
		}
		for _, conn := range conns {
			if conn.Provider == provider {
				target = conn
			}
		}
		if target == nil {
			return ErrNotFound
		}

		now := time.Now().UTC()
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, conn := range conns {
				active := conn.Provider == provider
				if conn.IsActive == active {
					continue
				}
				conn.IsActive = active
				conn.UpdatedAt = now
				data, err := json.Marshal(conn)
				if err != nil {
					return fmt.Errorf("failed to encode connection %s: %w", conn.Provider, err)
				}
				pipe.Set(ctx, connectionKey(conn.UserID, conn.Provider), data, 0)
			}
			return nil
		})
		return err
	}

	for attempt := 0; attempt < activateRetries; attempt++ {
		err := s.client.Watch(ctx, txn, keys...)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		target.IsActive = true
		return target, nil
	}
	return nil, fmt.Errorf("failed to activate connection for user %s: too many concurrent updates", userID)
}

// --- Webhook subscriptions ---

// GetSubscription returns the subscription for a (user, scope) pair.
func (s *Store) GetSubscription(ctx context.Context, userID string, scope Scope) (*WebhookSubscription, error) {
	var sub WebhookSubscription
	if err := s.getJSON(ctx, subscriptionKey(userID, scope), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// PutSubscription writes a subscription row. The (user, scope) key makes the
// write a supersede: any prior registration for the pair is overwritten.
func (s *Store) PutSubscription(ctx context.Context, sub *WebhookSubscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	return s.setJSON(ctx, subscriptionKey(sub.UserID, sub.Scope), sub)
}

// DeleteSubscription removes the local subscription row for a (user, scope).
func (s *Store) DeleteSubscription(ctx context.Context, userID string, scope Scope) error {
	if err := s.client.Del(ctx, subscriptionKey(userID, scope)).Err(); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

// ListActiveSigningKeys gathers the signing keys of every active subscription.
// Inbound webhooks are verified against this candidate set; the matching key
// identifies the owning user.
func (s *Store) ListActiveSigningKeys(ctx context.Context) ([]SigningKeyRef, error) {
	var refs []SigningKeyRef
	iter := s.client.Scan(ctx, 0, "webhook_subscription:*", 100).Iterator()
	for iter.Next(ctx) {
		var sub WebhookSubscription
		if err := s.getJSON(ctx, iter.Val(), &sub); err != nil {
			if err == ErrNotFound {
				continue
			}
			return nil, err
		}
		if !sub.IsActive || sub.SigningKey == "" {
			continue
		}
		refs = append(refs, SigningKeyRef{
			UserID:     sub.UserID,
			Provider:   sub.Provider,
			Scope:      sub.Scope,
			SigningKey: sub.SigningKey,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("subscription scan: %w", err)
	}
	return refs, nil
}

// --- Meetings ---

// GetMeeting returns a meeting by its provider-namespaced external ID.
func (s *Store) GetMeeting(ctx context.Context, userID, externalID string) (*Meeting, error) {
	var m Meeting
	if err := s.getJSON(ctx, meetingKey(userID, externalID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UpsertMeeting writes a meeting row and keeps the per-user index current.
func (s *Store) UpsertMeeting(ctx context.Context, m *Meeting) error {
	if m.UserID == "" || m.ExternalID == "" {
		return fmt.Errorf("meeting requires user_id and external_id")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	m.UpdatedAt = time.Now().UTC()
	if err := s.setJSON(ctx, meetingKey(m.UserID, m.ExternalID), m); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, meetingIndexKey(m.UserID), m.ExternalID).Err(); err != nil {
		return fmt.Errorf("failed to index meeting: %w", err)
	}
	return nil
}

// ListMeetings returns every meeting a user has, tombstoned included.
func (s *Store) ListMeetings(ctx context.Context, userID string) ([]*Meeting, error) {
	ids, err := s.client.SMembers(ctx, meetingIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list meeting index: %w", err)
	}
	meetings := make([]*Meeting, 0, len(ids))
	for _, id := range ids {
		m, err := s.GetMeeting(ctx, userID, id)
		if err == ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, nil
}

// ListMeetingsInWindow returns meetings whose start time falls inside
// [from, to]. The window must match the provider query window: a meeting
// outside it is never reconciled.
func (s *Store) ListMeetingsInWindow(ctx context.Context, userID string, from, to time.Time) ([]*Meeting, error) {
	all, err := s.ListMeetings(ctx, userID)
	if err != nil {
		return nil, err
	}
	var meetings []*Meeting
	for _, m := range all {
		if m.StartTime.Before(from) || m.StartTime.After(to) {
			continue
		}
		meetings = append(meetings, m)
	}
	return meetings, nil
}

// CountCompletedTranscripts counts meetings whose bot reached a terminal
// completed status. Used for free-tier quota checks.
func (s *Store) CountCompletedTranscripts(ctx context.Context, userID string) (int, error) {
	all, err := s.ListMeetings(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, m := range all {
		if m.BotID == "" {
			continue
		}
		switch m.BotStatus {
		case "completed", "done":
			count++
		}
	}
	return count, nil
}

// --- Clients ---

// GetClientByEmail returns a user's client record by email.
func (s *Store) GetClientByEmail(ctx context.Context, userID, email string) (*Client, error) {
	var c Client
	if err := s.getJSON(ctx, clientKey(userID, email), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutClient writes a client row and keeps the per-user index current.
func (s *Store) PutClient(ctx context.Context, c *Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	if err := s.setJSON(ctx, clientKey(c.UserID, c.Email), c); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, clientIndexKey(c.UserID), strings.ToLower(c.Email)).Err(); err != nil {
		return fmt.Errorf("failed to index client: %w", err)
	}
	return nil
}

// ListClients returns every client a user has.
func (s *Store) ListClients(ctx context.Context, userID string) ([]*Client, error) {
	emails, err := s.client.SMembers(ctx, clientIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list client index: %w", err)
	}
	clients := make([]*Client, 0, len(emails))
	for _, email := range emails {
		c, err := s.GetClientByEmail(ctx, userID, email)
		if err == ErrNotFound {
			continue
		} else if err != nil {
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// --- Webhook event idempotency ---

// ClaimWebhookEvent marks a (type, id) delivery as processed. The SETNX claim
// makes concurrent redeliveries race-safe: exactly one caller wins, the rest
// get ErrDuplicateEvent.
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventType, eventID string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, webhookEventKey(eventType, eventID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim webhook event: %w", err)
	}
	if !ok {
		return ErrDuplicateEvent
	}
	return nil
}

// WebhookEventClaimed reports whether a (type, id) delivery has already been
// processed.
func (s *Store) WebhookEventClaimed(ctx context.Context, eventType, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, webhookEventKey(eventType, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event claim: %w", err)
	}
	return n > 0, nil
}

// planMarkers are the provider error fragments that indicate a plan-tier
// limitation rather than a transient failure.
var planMarkers = []string{
	"upgrade your",
	"Permission Denied",
	"plan does not",
	"403",
}

func containsPlanMarker(msg string) bool {
	for _, marker := range planMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

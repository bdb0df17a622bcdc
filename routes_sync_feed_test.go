package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"meetsync-cloud/notify"
	"meetsync-cloud/reconcile"
)

func newFeedServer(t *testing.T) (*notify.Bus, *httptest.Server) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := notify.NewBus(client)

	r := mux.NewRouter()
	NewSyncFeedHandler(bus).RegisterRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return bus, server
}

func TestSyncFeedSSEStreamsEvents(t *testing.T) {
	bus, server := newFeedServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/sync/stream?user_id=test-user", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	eventsCh := make(chan notify.Event, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(eventsCh)
				return
			}

			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "data:") {
				continue
			}

			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var evt notify.Event
			if err := json.Unmarshal([]byte(payload), &evt); err == nil {
				eventsCh <- evt
				return
			}
		}
	}()

	// Give the SSE loop a moment to start tailing before publishing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.PublishSyncResult(context.Background(), &reconcile.SyncResult{
		UserID:   "test-user",
		Provider: "calendly",
		Added:    2,
	}))

	select {
	case evt, ok := <-eventsCh:
		require.True(t, ok, "stream closed before an event arrived")
		require.Equal(t, notify.TypeSyncCompleted, evt.Type)
		require.Equal(t, "test-user", evt.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
	}
}

func TestSyncFeedWebSocketStreamsEvents(t *testing.T) {
	bus, server := newFeedServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sync/ws?user_id=test-user"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.PublishMeetingDeleted(context.Background(), "test-user", "calendly_GONE", "bot-7"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt notify.Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, notify.TypeMeetingDeleted, evt.Type)
	require.Equal(t, "calendly_GONE", evt.Values["external_id"])
}

func TestSyncFeedFiltersByType(t *testing.T) {
	bus, server := newFeedServer(t)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sync/ws?user_id=test-user&type=" + notify.TypeMeetingDeleted
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	time.Sleep(100 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, bus.PublishSyncResult(ctx, &reconcile.SyncResult{UserID: "test-user", Provider: "google"}))
	require.NoError(t, bus.PublishMeetingDeleted(ctx, "test-user", "calendly_ONLY", ""))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt notify.Event
	require.NoError(t, conn.ReadJSON(&evt))
	require.Equal(t, notify.TypeMeetingDeleted, evt.Type)
	require.Equal(t, "calendly_ONLY", evt.Values["external_id"])
}

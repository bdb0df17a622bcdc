package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"meetsync-cloud/notify"
)

// SyncFeedHandler streams sync events (sync.completed, meeting.deleted) to
// clients over SSE or websocket.
type SyncFeedHandler struct {
	bus *notify.Bus
}

func NewSyncFeedHandler(bus *notify.Bus) *SyncFeedHandler {
	return &SyncFeedHandler{bus: bus}
}

func (h *SyncFeedHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/stream", h.handleSSE).Methods("GET")
	r.HandleFunc("/sync/ws", h.handleWebSocket).Methods("GET")
}

func (h *SyncFeedHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "sync bus unavailable", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	userID := requestUserID(r)
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
			continue
		default:
		}

		events, nextID, err := h.bus.Tail(ctx, userID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Printf("sync feed tail error for %s: %v", userID, err)
			time.Sleep(300 * time.Millisecond)
			continue
		}

		if len(events) == 0 {
			continue
		}

		lastID = nextID
		for _, evt := range events {
			if typeFilter != "" && evt.Type != typeFilter {
				continue
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				log.Printf("sync feed encode error: %v", err)
				continue
			}
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Client is trusted (output-only surface).
		return true
	},
}

func (h *SyncFeedHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		http.Error(w, "sync bus unavailable", http.StatusServiceUnavailable)
		return
	}

	userID := requestUserID(r)
	lastID := strings.TrimSpace(r.URL.Query().Get("after"))
	typeFilter := strings.TrimSpace(r.URL.Query().Get("type"))

	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()

	for {
		events, nextID, err := h.bus.Tail(ctx, userID, lastID)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(events) == 0 {
			continue
		}

		lastID = nextID
		for _, evt := range events {
			if typeFilter != "" && evt.Type != typeFilter {
				continue
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		}
	}
}

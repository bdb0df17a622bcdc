package main

import (
	"context"
	"errors"
	"log"
	"time"

	"meetsync-cloud/reconcile"
	"meetsync-cloud/store"
)

// SyncScheduler runs an incremental pull sync for every connected user on a
// fixed cadence. Webhooks cover the fast path; this loop covers providers
// without webhooks and any deliveries that were missed.
type SyncScheduler struct {
	service  *reconcile.Service
	store    *store.Store
	interval time.Duration
	enabled  bool
}

func NewSyncScheduler(service *reconcile.Service, st *store.Store, interval time.Duration, enabled bool) *SyncScheduler {
	return &SyncScheduler{
		service:  service,
		store:    st,
		interval: interval,
		enabled:  enabled,
	}
}

// Start launches the periodic sweep; it stops when ctx is cancelled.
func (ss *SyncScheduler) Start(ctx context.Context) {
	if !ss.enabled {
		log.Println("Pull sync: scheduler disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(ss.interval)
		defer ticker.Stop()
		log.Printf("Pull sync: scheduler started (interval %s)", ss.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ss.runOnce(ctx)
			}
		}
	}()
}

func (ss *SyncScheduler) runOnce(ctx context.Context) {
	users, err := ss.store.ListUserIDs(ctx)
	if err != nil {
		log.Printf("Pull sync: user discovery failed: %v", err)
		return
	}
	synced := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		_, err := ss.service.RunSync(ctx, userID, reconcile.Options{TimeRange: reconcile.TimeRangeRecent})
		if errors.Is(err, reconcile.ErrNoActiveConnection) {
			continue
		}
		if err != nil {
			log.Printf("Pull sync: sync for user %s failed: %v", userID, err)
			continue
		}
		synced++
	}
	log.Printf("Pull sync: swept %d users, %d synced", len(users), synced)
}

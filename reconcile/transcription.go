package reconcile

import (
	"context"
	"log"
	"time"

	"meetsync-cloud/store"
)

// Bots only join meetings that are about to start; anything further out is
// picked up by a later pass, anything already over is skipped.
const botLookahead = 15 * time.Minute

// TranscriptionGate decides whether a newly created meeting gets a
// transcription bot. Quota lookups fail closed: an error counts as "no
// access" so a flaky store can never over-commit billable recording time.
type TranscriptionGate struct {
	store     *store.Store
	freeLimit int
	paidUsers map[string]bool
}

// NewTranscriptionGate creates a gate. freeLimit is the number of completed
// transcripts a free user may accumulate; paidUsers bypass the quota.
func NewTranscriptionGate(st *store.Store, freeLimit int, paidUsers []string) *TranscriptionGate {
	paid := make(map[string]bool, len(paidUsers))
	for _, id := range paidUsers {
		paid[id] = true
	}
	return &TranscriptionGate{store: st, freeLimit: freeLimit, paidUsers: paid}
}

// ShouldSchedule is true only when the connection opted in, the meeting is
// live (starts within the lookahead, hasn't ended) and quota remains.
func (g *TranscriptionGate) ShouldSchedule(ctx context.Context, conn *store.CalendarConnection, m *store.Meeting, now time.Time) bool {
	if !conn.TranscriptionEnabled {
		return false
	}
	if m.StartTime.After(now.Add(botLookahead)) {
		return false
	}
	if !m.EndTime.IsZero() && !m.EndTime.After(now) {
		return false
	}
	return g.hasQuota(ctx, m.UserID)
}

func (g *TranscriptionGate) hasQuota(ctx context.Context, userID string) bool {
	if g.paidUsers[userID] {
		return true
	}
	count, err := g.store.CountCompletedTranscripts(ctx, userID)
	if err != nil {
		log.Printf("Warning: transcript quota lookup failed for user %s, denying: %v", userID, err)
		return false
	}
	return count < g.freeLimit
}

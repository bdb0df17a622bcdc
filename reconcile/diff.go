package reconcile

import (
	"meetsync-cloud/providers"
	"meetsync-cloud/store"
)

// Change pairs a provider event with the local meeting it lands on.
// Meeting is nil for creates.
type Change struct {
	Event   providers.Event
	Meeting *store.Meeting
}

// Plan is the output of a diff: the store operations that would make the
// local meeting set match the provider snapshot.
type Plan struct {
	Creates  []Change
	Updates  []Change
	Restores []Change
	Deletes  []*store.Meeting
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.Creates) == 0 && len(p.Updates) == 0 && len(p.Restores) == 0 && len(p.Deletes) == 0
}

// Diff compares a provider event snapshot against the local meetings fetched
// for the same window. All-day events take no part at all: they are never
// created, updated, or counted as present for deletion inference.
//
// Rules, in order:
//   - an event reported cancelled tombstones a live local meeting, and a
//     cancelled report beats an active one for the same external ID (a
//     provider can return both across a pagination boundary);
//   - an active event creates, restores (if tombstoned) or updates;
//   - a live local meeting absent from the snapshot entirely is inferred
//     deleted, unless it was imported from an ICS file (its absence proves
//     nothing, the provider never knew about it).
func Diff(events []providers.Event, locals []*store.Meeting) Plan {
	byID := make(map[string]*store.Meeting, len(locals))
	for _, m := range locals {
		byID[m.ExternalID] = m
	}

	seen := make(map[string]bool, len(events))
	cancelled := make(map[string]bool)
	for _, ev := range events {
		if ev.AllDay {
			continue
		}
		seen[ev.ExternalID] = true
		if ev.Cancelled {
			cancelled[ev.ExternalID] = true
		}
	}

	var plan Plan
	handled := make(map[string]bool, len(events))
	for _, ev := range events {
		if ev.AllDay || ev.Cancelled || cancelled[ev.ExternalID] || handled[ev.ExternalID] {
			continue
		}
		handled[ev.ExternalID] = true

		local, exists := byID[ev.ExternalID]
		switch {
		case !exists:
			plan.Creates = append(plan.Creates, Change{Event: ev})
		case local.IsDeleted:
			plan.Restores = append(plan.Restores, Change{Event: ev, Meeting: local})
		default:
			plan.Updates = append(plan.Updates, Change{Event: ev, Meeting: local})
		}
	}

	for id := range cancelled {
		if local, exists := byID[id]; exists && !local.IsDeleted {
			plan.Deletes = append(plan.Deletes, local)
		}
	}

	for _, m := range locals {
		if m.IsDeleted || m.ImportedFromICS || seen[m.ExternalID] {
			continue
		}
		plan.Deletes = append(plan.Deletes, m)
	}

	return plan
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package input implements the write side of the Room Manager:
// authorising, persisting, and notifying on every event accepted into a room
package input

import (
	"context"
	"fmt"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/auth"
	"github.com/matrixcore/homeserver/roomserver/state"
	"github.com/matrixcore/homeserver/roomserver/storage/shared"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// OutputRoomEventProducer is the narrow slice of the Transaction/Idempotency
// and Sync Engine wiring the Inputer notifies after a successful append; a
// real instance publishes to the roomserver output JetStream subject.
type OutputRoomEventProducer interface {
	ProduceRoomEvents(roomID string, updates []api.OutputEvent) error
}

// Inputer processes InputRoomEvent batches one room at a time, serialising
// every event through its single writer per room the way the storage layer
// expects
type Inputer struct {
	DB       *shared.Database
	Producer OutputRoomEventProducer

	roomLocks sync.Map // room ID -> *sync.Mutex
}

// InputRoomEvents processes every event in the request in order, stopping at
// (and reporting) the first one that fails, matching
// api.RoomserverInternalAPI's contract that earlier events in the batch
// remain persisted
func (r *Inputer) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse) {
	for _, ire := range req.InputRoomEvents {
		if err := r.processInputRoomEvent(ctx, ire); err != nil {
			res.SetError(err)
			return
		}
	}
}

func (r *Inputer) processInputRoomEvent(ctx context.Context, ire api.InputRoomEvent) error {
	if ire.Event == nil {
		return fmt.Errorf("input: nil event")
	}
	pdu := ire.Event.PDU
	roomID := pdu.RoomID().String()

	roomLock, _ := r.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	roomLock.(*sync.Mutex).Lock()
	defer roomLock.(*sync.Mutex).Unlock()

	roomNID, err := r.DB.AssignRoomNID(ctx, roomID, pdu.Version())
	if err != nil {
		return fmt.Errorf("AssignRoomNID: %w", err)
	}
	roomInfo, err := r.DB.RoomInfoByNID(ctx, roomNID)
	if err != nil {
		return fmt.Errorf("RoomInfoByNID: %w", err)
	}
	if roomInfo == nil {
		roomInfo = &types.RoomInfo{RoomNID: roomNID, RoomVersion: pdu.Version(), RoomID: roomID}
	}

	authEvents, err := r.loadAuthEvents(ctx, roomNID, ire.AuthEventIDs)
	if err != nil {
		return fmt.Errorf("loadAuthEvents: %w", err)
	}

	authoriser := auth.NewAuthoriser(roomInfo.RoomVersion)
	isRejected := false
	if err := authoriser.Check(ctx, pdu, authEvents); err != nil {
		isRejected = true
		logrus.WithError(err).WithField("event_id", pdu.EventID()).Warn("input: event failed authorisation")
	}

	authNIDs, err := r.eventNIDsForIDs(ctx, pdu.AuthEventIDs())
	if err != nil {
		return fmt.Errorf("eventNIDsForIDs(auth): %w", err)
	}

	if ire.Kind == api.KindOutlier || isRejected {
		_, err = r.DB.Append(ctx, roomNID, pdu, authNIDs, roomInfo.StateSnapshotNID, isRejected)
		if err != nil {
			return fmt.Errorf("Append(outlier): %w", err)
		}
		if isRejected {
			return types.RejectedError(pdu.EventID())
		}
		return nil
	}

	resolver := state.NewStateResolution(r.DB, authoriser, *roomInfo)
	prevStates, err := r.prevStatesForEvent(ctx, roomNID, pdu, resolver)
	if err != nil {
		return fmt.Errorf("prevStatesForEvent: %w", err)
	}

	beforeStateNID, err := resolver.CalculateAndStoreStateBeforeEvent(ctx, pdu, roomNID, prevStates)
	if err != nil {
		return fmt.Errorf("CalculateAndStoreStateBeforeEvent: %w", err)
	}

	beforeEntries, err := resolver.LoadStateAtSnapshot(ctx, beforeStateNID)
	if err != nil {
		return fmt.Errorf("LoadStateAtSnapshot: %w", err)
	}

	appended, err := r.DB.Append(ctx, roomNID, pdu, authNIDs, beforeStateNID, false)
	if err != nil {
		return fmt.Errorf("Append: %w", err)
	}

	afterStateNID := beforeStateNID
	var added, removed []types.StateEntry
	if sk := pdu.StateKey(); sk != nil {
		entry, eerr := r.stateEntryForEvent(ctx, roomNID, pdu, appended.EventNID)
		if eerr != nil {
			return fmt.Errorf("stateEntryForEvent: %w", eerr)
		}
		afterStateNID, err = resolver.CalculateAndStoreStateAfterEvents(ctx, roomNID, beforeEntries, []types.StateEntry{entry})
		if err != nil {
			return fmt.Errorf("CalculateAndStoreStateAfterEvents: %w", err)
		}
		afterEntries, aerr := resolver.LoadStateAtSnapshot(ctx, afterStateNID)
		if aerr != nil {
			return fmt.Errorf("LoadStateAtSnapshot(after): %w", aerr)
		}
		removed, added = state.DifferenceBetweeenStateSnapshots(beforeEntries, afterEntries)
	}

	latest, _, err := r.DB.LatestEvents(ctx, roomNID)
	if err != nil {
		return fmt.Errorf("LatestEvents: %w", err)
	}
	newLatest := append(append([]types.EventNID{}, latest...), appended.EventNID)
	if err := r.DB.SetLatestEvents(ctx, roomNID, newLatest, appended.EventNID, afterStateNID); err != nil {
		return fmt.Errorf("SetLatestEvents: %w", err)
	}

	if r.Producer != nil {
		addsIDs, remIDs, perr := r.stateEntryIDs(ctx, roomNID, added, removed)
		if perr != nil {
			return fmt.Errorf("stateEntryIDs: %w", perr)
		}
		event := api.OutputEvent{
			Type: api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{
				Event:                ire.Event,
				AddsStateEventIDs:    addsIDs,
				RemovesStateEventIDs: remIDs,
			},
		}
		if err := r.Producer.ProduceRoomEvents(roomID, []api.OutputEvent{event}); err != nil {
			return fmt.Errorf("ProduceRoomEvents: %w", err)
		}
	}
	return nil
}

func (r *Inputer) loadAuthEvents(ctx context.Context, roomNID types.RoomNID, authEventIDs []string) ([]gomatrixserverlib.PDU, error) {
	nids, err := r.eventNIDsForIDs(ctx, authEventIDs)
	if err != nil {
		return nil, err
	}
	events, err := r.DB.Events(ctx, roomNID, nids)
	if err != nil {
		return nil, err
	}
	pdus := make([]gomatrixserverlib.PDU, 0, len(events))
	for _, e := range events {
		pdus = append(pdus, e.PDU)
	}
	return pdus, nil
}

func (r *Inputer) eventNIDsForIDs(ctx context.Context, eventIDs []string) ([]types.EventNID, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	byID, err := r.DB.EventNIDs(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	nids := make([]types.EventNID, 0, len(eventIDs))
	for _, id := range eventIDs {
		if nid, ok := byID[id]; ok {
			nids = append(nids, nid)
		}
	}
	return nids, nil
}

// prevStatesForEvent resolves the before-state of every prev_event into a
// StateAtEvent so the resolver can merge sibling forks
func (r *Inputer) prevStatesForEvent(ctx context.Context, roomNID types.RoomNID, pdu gomatrixserverlib.PDU, resolver state.StateResolution) ([]types.StateAtEvent, error) {
	prevIDs := pdu.PrevEventIDs()
	if len(prevIDs) == 0 {
		return nil, nil
	}
	byID, err := r.DB.EventNIDs(ctx, prevIDs)
	if err != nil {
		return nil, err
	}
	states := make([]types.StateAtEvent, 0, len(prevIDs))
	for _, id := range prevIDs {
		nid, ok := byID[id]
		if !ok {
			// The prev_event hasn't been seen yet; the caller is
			// responsible for having fetched it first.
			continue
		}
		events, eerr := r.DB.Events(ctx, roomNID, []types.EventNID{nid})
		if eerr != nil {
			return nil, eerr
		}
		if len(events) != 1 {
			continue
		}
		entry, eerr := r.stateEntryForEvent(ctx, roomNID, events[0].PDU, nid)
		if eerr != nil {
			return nil, eerr
		}
		states = append(states, types.StateAtEvent{StateEntry: entry})
	}
	return states, nil
}

func (r *Inputer) stateEntryForEvent(ctx context.Context, roomNID types.RoomNID, pdu gomatrixserverlib.PDU, eventNID types.EventNID) (types.StateEntry, error) {
	typeNID, err := r.DB.EventTypeNID(ctx, pdu.Type())
	if err != nil {
		return types.StateEntry{}, err
	}
	stateKeyNID := types.EmptyStateKeyNID
	if sk := pdu.StateKey(); sk != nil && *sk != "" {
		nids, serr := r.DB.EventStateKeyNIDs(ctx, []string{*sk})
		if serr != nil {
			return types.StateEntry{}, serr
		}
		stateKeyNID = nids[*sk]
	}
	return types.StateEntry{
		StateKeyTuple: types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNID},
		EventNID:      eventNID,
	}, nil
}

func (r *Inputer) stateEntryIDs(ctx context.Context, roomNID types.RoomNID, added, removed []types.StateEntry) (addedIDs, removedIDs []string, err error) {
	addedIDs, err = r.eventIDsForEntries(ctx, roomNID, added)
	if err != nil {
		return nil, nil, err
	}
	removedIDs, err = r.eventIDsForEntries(ctx, roomNID, removed)
	if err != nil {
		return nil, nil, err
	}
	return addedIDs, removedIDs, nil
}

func (r *Inputer) eventIDsForEntries(ctx context.Context, roomNID types.RoomNID, entries []types.StateEntry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	nids := make([]types.EventNID, len(entries))
	for i, e := range entries {
		nids[i] = e.EventNID
	}
	events, err := r.DB.Events(ctx, roomNID, nids)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.PDU.EventID())
	}
	return ids, nil
}

// stateChange pairs the removed and added event NID for a single
// (type,state_key) slot across a state delta, or zero on the side that
// doesn't change, used to drive membership table updates.
type stateChange struct {
	types.StateKeyTuple
	removedEventNID types.EventNID
	addedEventNID   types.EventNID
}

// pairUpChanges merges a state delta's removed and added entries into one
// stateChange per distinct StateKeyTuple touched by either side.
func pairUpChanges(removed, added []types.StateEntry) []stateChange {
	removedByTuple := make(map[types.StateKeyTuple]types.EventNID, len(removed))
	for _, e := range removed {
		removedByTuple[e.StateKeyTuple] = e.EventNID
	}
	addedByTuple := make(map[types.StateKeyTuple]types.EventNID, len(added))
	for _, e := range added {
		addedByTuple[e.StateKeyTuple] = e.EventNID
	}

	seen := make(map[types.StateKeyTuple]bool, len(removed)+len(added))
	order := make([]types.StateKeyTuple, 0, len(removed)+len(added))
	for _, e := range removed {
		if !seen[e.StateKeyTuple] {
			seen[e.StateKeyTuple] = true
			order = append(order, e.StateKeyTuple)
		}
	}
	for _, e := range added {
		if !seen[e.StateKeyTuple] {
			seen[e.StateKeyTuple] = true
			order = append(order, e.StateKeyTuple)
		}
	}

	changes := make([]stateChange, 0, len(order))
	for _, tuple := range order {
		changes = append(changes, stateChange{
			StateKeyTuple:   tuple,
			removedEventNID: removedByTuple[tuple],
			addedEventNID:   addedByTuple[tuple],
		})
	}
	return changes
}

// membershipChanges narrows pairUpChanges to the m.room.member slots, the
// only ones the membership table cares about.
func membershipChanges(removed, added []types.StateEntry) []stateChange {
	var changes []stateChange
	for _, c := range pairUpChanges(removed, added) {
		if c.EventTypeNID == types.MRoomMemberNID {
			changes = append(changes, c)
		}
	}
	return changes
}

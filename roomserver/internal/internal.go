// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal wires the Room Manager's pieces —
// the Inputer, the Event Store, and the partial-state-join tracker —
// behind the roomserver/api.RoomserverInternalAPI contract.
package internal

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/internal/input"
	"github.com/matrixcore/homeserver/roomserver/storage/shared"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// RoomserverInternalAPI implements api.RoomserverInternalAPI over one Event
// Store and Inputer, tracking the Federation Client/Server wiring that
// arrives after construction
type RoomserverInternalAPI struct {
	DB      *shared.Database
	Inputer *input.Inputer

	fsAPI   api.FederationAPI
	keyRing api.KeyRing

	PartialState *PartialStateTracker
}

// NewInternalAPI constructs a Room Manager bound to one Event Store and
// output producer. No JetStream instance, process context, or cache
// handles are threaded through it: those concerns belong to whichever
// service embeds the Room Manager, not to the Room Manager itself.
func NewInternalAPI(db *shared.Database, producer input.OutputRoomEventProducer) *RoomserverInternalAPI {
	return &RoomserverInternalAPI{
		DB:           db,
		Inputer:      &input.Inputer{DB: db, Producer: producer},
		PartialState: NewPartialStateTracker(),
	}
}

// SetFederationAPI wires in the Federation Client/Server once it has
// started, breaking the import cycle that would otherwise exist between
// the Room Manager and the Federation Client/Server.
func (r *RoomserverInternalAPI) SetFederationAPI(fsAPI api.FederationAPI, keyRing api.KeyRing) {
	r.fsAPI = fsAPI
	r.keyRing = keyRing
}

// InputRoomEvents delegates straight to the Inputer.
func (r *RoomserverInternalAPI) InputRoomEvents(ctx context.Context, req *api.InputRoomEventsRequest, res *api.InputRoomEventsResponse) {
	r.Inputer.InputRoomEvents(ctx, req, res)
}

// QueryUserIDForSender resolves an event's sender into a client-visible
// user ID. Room versions this Room Manager supports never pseudonymise
// senders, so the sender string already is the user ID.
func (r *RoomserverInternalAPI) QueryUserIDForSender(ctx context.Context, roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}

// QueryRoomVersionForRoom delegates to the Event Store.
func (r *RoomserverInternalAPI) QueryRoomVersionForRoom(ctx context.Context, roomID string) (gomatrixserverlib.RoomVersion, error) {
	info, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", types.ErrorInvalidRoomInfo
	}
	return info.RoomVersion, nil
}

// GetPartialStateRoomIDs delegates to the Event Store.
func (r *RoomserverInternalAPI) GetPartialStateRoomIDs(ctx context.Context) ([]string, error) {
	return r.DB.GetPartialStateRoomIDs(ctx)
}

// GetAllPartialStateRooms lists every room still tracked as partial-state,
// by interned NID, for the federation resync worker to queue on startup.
func (r *RoomserverInternalAPI) GetAllPartialStateRooms(ctx context.Context) ([]types.RoomNID, error) {
	return r.DB.PartialStateTable.SelectAllPartialStateRooms(ctx, nil)
}

// IsRoomPartialState reports whether a room still has partial state.
func (r *RoomserverInternalAPI) IsRoomPartialState(ctx context.Context, roomNID types.RoomNID) (bool, error) {
	return r.DB.PartialStateTable.SelectPartialStateRoom(ctx, nil, roomNID)
}

// GetPartialStateServers lists the servers recorded in the room at the time
// of the partial-state join, used as resync candidates.
func (r *RoomserverInternalAPI) GetPartialStateServers(ctx context.Context, roomNID types.RoomNID) ([]string, error) {
	return r.DB.PartialStateTable.SelectPartialStateServers(ctx, nil, roomNID)
}

// RoomIDFromNID resolves an interned room NID back to its room ID.
func (r *RoomserverInternalAPI) RoomIDFromNID(ctx context.Context, roomNID types.RoomNID) (string, error) {
	info, err := r.DB.RoomInfoByNID(ctx, roomNID)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", types.ErrorInvalidRoomInfo
	}
	return info.RoomID, nil
}

// RoomInfoByNID delegates to the Event Store.
func (r *RoomserverInternalAPI) RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.RoomInfo, error) {
	return r.DB.RoomInfoByNID(ctx, roomNID)
}

// LatestEventIDs resolves a room's current forward extremities to event
// IDs, for the resync worker to anchor its /state lookup on.
func (r *RoomserverInternalAPI) LatestEventIDs(ctx context.Context, roomNID types.RoomNID) ([]string, types.StateSnapshotNID, int64, error) {
	eventNIDs, stateNID, err := r.DB.LatestEvents(ctx, roomNID)
	if err != nil {
		return nil, 0, 0, err
	}
	events, err := r.DB.Events(ctx, roomNID, eventNIDs)
	if err != nil {
		return nil, 0, 0, err
	}
	eventIDs := make([]string, 0, len(events))
	var depth int64
	for _, e := range events {
		eventIDs = append(eventIDs, e.PDU.EventID())
		if e.PDU.Depth() > depth {
			depth = e.PDU.Depth()
		}
	}
	return eventIDs, stateNID, depth, nil
}

// ClearRoomPartialState stops tracking a room as partial-state once its
// full state has finished resyncing, returning the device list stream
// position recorded when it was joined.
func (r *RoomserverInternalAPI) ClearRoomPartialState(ctx context.Context, roomNID types.RoomNID) (int64, error) {
	return r.DB.PartialStateTable.DeletePartialStateRoom(ctx, nil, roomNID)
}

// UpdateCurrentStateAfterResync replaces a room's current state snapshot
// with one built from stateEventIDs, which must already be stored (e.g. as
// outliers via api.SendStateAsOutliers). The room's forward extremities are
// left untouched; only the state snapshot they point at changes.
func (r *RoomserverInternalAPI) UpdateCurrentStateAfterResync(ctx context.Context, roomID string, stateEventIDs []string) error {
	roomInfo, err := r.DB.RoomInfo(ctx, roomID)
	if err != nil {
		return err
	}
	if roomInfo == nil {
		return types.ErrorInvalidRoomInfo
	}

	eventNIDMap, err := r.DB.EventNIDs(ctx, stateEventIDs)
	if err != nil {
		return err
	}
	nids := make([]types.EventNID, 0, len(eventNIDMap))
	for _, nid := range eventNIDMap {
		nids = append(nids, nid)
	}
	events, err := r.DB.Events(ctx, roomInfo.RoomNID, nids)
	if err != nil {
		return err
	}

	entries := make([]types.StateEntry, 0, len(events))
	for _, e := range events {
		if !types.IsStateEvent(e.PDU) {
			continue
		}
		typeNID, terr := r.DB.EventTypeNID(ctx, e.PDU.Type())
		if terr != nil {
			return terr
		}
		stateKeyNIDs, serr := r.DB.EventStateKeyNIDs(ctx, []string{*e.PDU.StateKey()})
		if serr != nil {
			return serr
		}
		entries = append(entries, types.StateEntry{
			StateKeyTuple: types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNIDs[*e.PDU.StateKey()]},
			EventNID:      e.EventNID,
		})
	}
	entries = types.DeduplicateStateEntries(entries)

	newStateNID, err := r.DB.AddState(ctx, roomInfo.RoomNID, nil, entries)
	if err != nil {
		return err
	}

	latestNIDs, _, err := r.DB.LatestEvents(ctx, roomInfo.RoomNID)
	if err != nil {
		return err
	}
	// lastEventSentNID only gates the federation send queue; a resync never
	// reintroduces anything to send, so reusing the newest forward
	// extremity here is safe.
	var lastSent types.EventNID
	if len(latestNIDs) > 0 {
		lastSent = latestNIDs[len(latestNIDs)-1]
	}
	return r.DB.SetLatestEvents(ctx, roomInfo.RoomNID, latestNIDs, lastSent, newStateNID)
}

// NotifyUnPartialStated wakes up anything waiting on the room's partial
// state to clear.
func (r *RoomserverInternalAPI) NotifyUnPartialStated(roomID string) {
	r.PartialState.NotifyUnPartialStated(roomID)
}

// QueryLatestEventsAndState answers a room's current forward extremities
// and, if requested, the resolved state built on top of them.
func (r *RoomserverInternalAPI) QueryLatestEventsAndState(ctx context.Context, req *api.QueryLatestEventsAndStateRequest, res *api.QueryLatestEventsAndStateResponse) error {
	roomInfo, err := r.DB.RoomInfo(ctx, req.RoomID)
	if err != nil {
		return err
	}
	if roomInfo == nil {
		return nil
	}
	res.RoomExists = true
	res.RoomVersion = roomInfo.RoomVersion

	latestNIDs, stateNID, err := r.DB.LatestEvents(ctx, roomInfo.RoomNID)
	if err != nil {
		return err
	}
	latestEvents, err := r.DB.Events(ctx, roomInfo.RoomNID, latestNIDs)
	if err != nil {
		return err
	}
	for _, e := range latestEvents {
		res.LatestEvents = append(res.LatestEvents, e.PDU.EventID())
		if e.PDU.Depth() > res.Depth {
			res.Depth = e.PDU.Depth()
		}
	}

	if len(req.StateToFetch) == 0 || stateNID == 0 {
		return nil
	}
	tuples := make([]types.StateKeyTuple, 0, len(req.StateToFetch))
	for _, t := range req.StateToFetch {
		typeNID, terr := r.DB.EventTypeNID(ctx, t.EventType)
		if terr != nil {
			return terr
		}
		stateKeyNIDs, serr := r.DB.EventStateKeyNIDs(ctx, []string{t.StateKey})
		if serr != nil {
			return serr
		}
		tuples = append(tuples, types.StateKeyTuple{EventTypeNID: typeNID, EventStateKeyNID: stateKeyNIDs[t.StateKey]})
	}
	lists, err := r.DB.StateBlockNIDs(ctx, []types.StateSnapshotNID{stateNID})
	if err != nil {
		return err
	}
	if len(lists) != 1 {
		return nil
	}
	entryLists, err := r.DB.StateEntriesForTuples(ctx, lists[0].StateBlockNIDs, tuples)
	if err != nil {
		return err
	}
	var nids []types.EventNID
	for _, list := range entryLists {
		for _, e := range list.StateEntries {
			nids = append(nids, e.EventNID)
		}
	}
	events, err := r.DB.Events(ctx, roomInfo.RoomNID, nids)
	if err != nil {
		return err
	}
	for _, e := range events {
		res.StateEvents = append(res.StateEvents, &types.HeaderedEvent{PDU: e.PDU})
	}
	return nil
}

// HandleInvite stores a federation invite as an outlier, since the
// invitee's server generally has no other state for the room yet, and
// notifies downstream components via OutputNewInviteEvent.
func (r *RoomserverInternalAPI) HandleInvite(ctx context.Context, event *types.HeaderedEvent) error {
	request := &api.InputRoomEventsRequest{
		InputRoomEvents: []api.InputRoomEvent{{
			Kind:         api.KindOutlier,
			Event:        event,
			AuthEventIDs: event.PDU.AuthEventIDs(),
		}},
	}
	var response api.InputRoomEventsResponse
	r.InputRoomEvents(ctx, request, &response)
	if err := response.Err(); err != nil {
		return err
	}
	if r.Inputer.Producer == nil {
		return nil
	}
	return r.Inputer.Producer.ProduceRoomEvents(event.PDU.RoomID().String(), []api.OutputEvent{{
		Type:           api.OutputTypeNewInviteEvent,
		NewInviteEvent: &api.OutputNewInviteEvent{Event: event},
	}})
}

var _ api.FederationRoomserverAPI = (*RoomserverInternalAPI)(nil)

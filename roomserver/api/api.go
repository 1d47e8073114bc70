// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api declares the Room Manager's request/response
// types and the RoomserverInternalAPI surface the rest of the homeserver
// talks to, so that callers never import roomserver/internal directly.
package api

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/roomserver/types"
)

// Kind distinguishes a freshly authored/received event that must update
// room state and notify downstream components from an outlier event
// fetched only to satisfy another event's auth/prev_events closure.
type Kind int

const (
	// KindNew is a regular event: it extends a forward extremity and
	// updates current room state.
	KindNew Kind = iota
	// KindOutlier is an event stored for its content (e.g. to authorise
	// another event) but not applied to room state.
	KindOutlier
)

// InputRoomEvent is one event submitted to the Room Manager for
// processing, together with the auth/state context the caller already
// resolved for it.
type InputRoomEvent struct {
	Kind          Kind
	Event         *types.HeaderedEvent
	AuthEventIDs  []string
	HasState      bool
	StateEventIDs []string
	SendAsServer  string
	TransactionID *TransactionID
}

// TransactionID identifies the client-supplied idempotency key a locally
// authored event was submitted with.
type TransactionID struct {
	DeviceID  string
	SessionID string
}

// InputRoomEventsRequest is the request half of InputRoomEvents.
type InputRoomEventsRequest struct {
	InputRoomEvents []InputRoomEvent
	Asynchronous    bool
}

// InputRoomEventsResponse reports the first processing error per batch, if
// any; events already persisted before the failing one are not rolled back
type InputRoomEventsResponse struct {
	ErrMsg     string
	NotAllowed bool
}

// Err reconstructs the error carried by the response, or nil if the batch
// was fully processed.
func (r *InputRoomEventsResponse) Err() error {
	if r.ErrMsg == "" {
		return nil
	}
	if r.NotAllowed {
		return ErrNotAllowed{Message: r.ErrMsg}
	}
	return errString(r.ErrMsg)
}

// SetError records err on the response in the wire-friendly string form,
// used by the Inputer once processing has finished.
func (r *InputRoomEventsResponse) SetError(err error) {
	if err == nil {
		return
	}
	r.ErrMsg = err.Error()
	var notAllowed ErrNotAllowed
	if asErrNotAllowed(err, &notAllowed) {
		r.NotAllowed = true
	}
}

type errString string

func (e errString) Error() string { return string(e) }

// ErrNotAllowed is the response-safe form of an authorisation failure,
// surfaced to clients as M_FORBIDDEN.
type ErrNotAllowed struct {
	Message string
}

func (e ErrNotAllowed) Error() string { return e.Message }

func asErrNotAllowed(err error, target *ErrNotAllowed) bool {
	if e, ok := err.(ErrNotAllowed); ok {
		*target = e
		return true
	}
	return false
}

// OutputEvent is a notification the Room Manager emits after successfully
// applying an event, consumed by the Sync Engine and Federation sender
type OutputEvent struct {
	Type              OutputType
	NewRoomEvent      *OutputNewRoomEvent
	NewInviteEvent    *OutputNewInviteEvent
	RetireInviteEvent *OutputRetireInviteEvent
}

// OutputType distinguishes the payload populated on an OutputEvent.
type OutputType string

const (
	OutputTypeNewRoomEvent      OutputType = "new_room_event"
	OutputTypeNewInviteEvent    OutputType = "new_invite_event"
	OutputTypeRetireInviteEvent OutputType = "retire_invite_event"
)

// OutputNewRoomEvent is emitted for every event applied to room state,
// carrying the state delta so the Sync Engine never has to recompute it.
type OutputNewRoomEvent struct {
	Event             *types.HeaderedEvent
	AddsStateEventIDs []string
	RemovesStateEventIDs []string
	LatestEventIDs    []string
}

// OutputNewInviteEvent is emitted when a user is invited to a room they
// are not (yet) joined to, so the Sync Engine can surface it without the
// invitee needing full room state.
type OutputNewInviteEvent struct {
	Event *types.HeaderedEvent
}

// OutputRetireInviteEvent is emitted when a pending invite is superseded
// by a join, leave, or ban, so the Sync Engine stops surfacing it.
type OutputRetireInviteEvent struct {
	RoomID     string
	TargetUserID string
	Membership string
}

// StateKeyTuple names one (event type, state_key) slot to fetch, in the
// string-keyed form callers outside the Event Store use (NIDs are an
// internal storage detail).
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// QueryLatestEventsAndStateRequest asks for a room's forward extremities
// and, optionally, the state built on top of them.
type QueryLatestEventsAndStateRequest struct {
	RoomID       string
	StateToFetch []StateKeyTuple
}

// QueryLatestEventsAndStateResponse is the Room Manager's answer to
// QueryLatestEventsAndStateRequest.
type QueryLatestEventsAndStateResponse struct {
	RoomExists   bool
	RoomVersion  gomatrixserverlib.RoomVersion
	LatestEvents []string
	Depth        int64
	StateEvents  []*types.HeaderedEvent
}

// FederationAPI is the narrow slice of the Federation Client/Server
// the Room Manager calls back into to request missing
// events/state when processing an event whose prev_events it can't resolve
// locally
type FederationAPI interface {
	GetEvent(ctx context.Context, origin, destination, eventID string) (gomatrixserverlib.PDU, error)
}

// KeyRing verifies event signatures against federation signing keys;
// injected so the Room Manager never needs its own copy of the
// signing-key fetch/cache logic.
type KeyRing interface {
	VerifyJSONs(ctx context.Context, requests []gomatrixserverlib.VerifyJSONRequest) ([]gomatrixserverlib.VerifyResult, error)
}

// SyncRoomserverAPI is the narrow slice of the Room Manager the Sync
// Engine depends on, kept separate from RoomserverInternalAPI so tests
// can stub it without implementing the full Room Manager surface.
type SyncRoomserverAPI interface {
	// QueryUserIDForSender resolves an event's sender into the user ID a
	// client should be shown it as. Room versions before sender
	// pseudonymisation use the sender string as the user ID directly.
	QueryUserIDForSender(ctx context.Context, roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error)

	// QueryRoomVersionForRoom looks up the room version a roomID was
	// created with, needed to parse any event belonging to it (event ID
	// format, redaction algorithm, and signature scheme are all
	// room-version-specific).
	QueryRoomVersionForRoom(ctx context.Context, roomID string) (gomatrixserverlib.RoomVersion, error)

	// GetPartialStateRoomIDs lists rooms joined via a partial-state
	// ("faster") join that haven't finished resyncing full state, so the
	// Sync Engine can withhold their timeline until it's safe to serve.
	GetPartialStateRoomIDs(ctx context.Context) ([]string, error)
}

// RoomserverInternalAPI is the Room Manager's full surface: ingest new
// events, answer state/latest-event queries, and accept late wiring of the
// Federation Client/Server once it has started.
type RoomserverInternalAPI interface {
	SyncRoomserverAPI

	InputRoomEvents(ctx context.Context, req *InputRoomEventsRequest, res *InputRoomEventsResponse)
	QueryLatestEventsAndState(ctx context.Context, req *QueryLatestEventsAndStateRequest, res *QueryLatestEventsAndStateResponse) error
	SetFederationAPI(fsAPI FederationAPI, keyRing KeyRing)

	// HandleInvite processes an invite received over federation: the
	// local user has no room state to authorise it against, so the
	// event is stored as an outlier and surfaced to the invitee directly.
	HandleInvite(ctx context.Context, event *types.HeaderedEvent) error
}

// FederationRoomserverAPI is the slice of the Room Manager the Federation
// Client/Server's background partial-state resync worker depends on,
// kept separate from RoomserverInternalAPI so that package never needs the
// rest of the Room Manager's surface.
type FederationRoomserverAPI interface {
	RoomserverInternalAPI

	// GetAllPartialStateRooms lists every room currently tracked as joined
	// via a partial-state ("faster") join, by interned NID.
	GetAllPartialStateRooms(ctx context.Context) ([]types.RoomNID, error)
	// IsRoomPartialState reports whether a room still has partial state.
	IsRoomPartialState(ctx context.Context, roomNID types.RoomNID) (bool, error)
	// GetPartialStateServers lists the servers recorded as being in a
	// partial-state room when it was joined, used as resync candidates.
	GetPartialStateServers(ctx context.Context, roomNID types.RoomNID) ([]string, error)
	// RoomIDFromNID resolves an interned room NID back to its room ID.
	RoomIDFromNID(ctx context.Context, roomNID types.RoomNID) (string, error)
	// RoomInfoByNID is the RoomInfo lookup keyed by interned NID.
	RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.RoomInfo, error)
	// LatestEventIDs resolves a room's current forward extremities to event
	// IDs, together with the state snapshot in effect after them and the
	// highest depth among them.
	LatestEventIDs(ctx context.Context, roomNID types.RoomNID) (eventIDs []string, currentStateSnapshotNID types.StateSnapshotNID, depth int64, err error)
	// ClearRoomPartialState stops tracking a room as partial-state, once its
	// full state has been resynced, returning the device list stream
	// position recorded when the room was joined (MSC3902 replay cursor).
	ClearRoomPartialState(ctx context.Context, roomNID types.RoomNID) (int64, error)
	// UpdateCurrentStateAfterResync replaces a room's current state
	// snapshot with one built from stateEventIDs, once those events have
	// already been stored as outliers by SendStateAsOutliers.
	UpdateCurrentStateAfterResync(ctx context.Context, roomID string, stateEventIDs []string) error
	// NotifyUnPartialStated wakes up anything waiting on the room's partial
	// state to clear (see PartialStateTracker.AwaitFullState).
	NotifyUnPartialStated(roomID string)
}

// StateResponse is the subset of a federation /state or /state_ids
// response the partial-state resync worker needs: the room's full state at
// one event, plus the auth chain for that state.
type StateResponse interface {
	GetStateEvents() gomatrixserverlib.EventJSONs
	GetAuthEvents() gomatrixserverlib.EventJSONs
}

// SendStateAsOutliers stores every event in a federation state response as
// an outlier (KindOutlier): content the Room Manager can use to satisfy
// auth/state lookups but that does not, by itself, change current room
// state. The partial-state resync worker calls this to load the full state
// fetched from stateResponse before folding it into current state via
// UpdateCurrentStateAfterResync.
func SendStateAsOutliers(
	ctx context.Context,
	rsAPI RoomserverInternalAPI,
	origin spec.ServerName,
	roomID string,
	roomVersion gomatrixserverlib.RoomVersion,
	stateResponse StateResponse,
	fromServer spec.ServerName,
	excludeEventIDs []string,
	async bool,
) error {
	exclude := make(map[string]bool, len(excludeEventIDs))
	for _, id := range excludeEventIDs {
		exclude[id] = true
	}
	stateEvents := stateResponse.GetStateEvents().UntrustedEvents(roomVersion)
	authEvents := stateResponse.GetAuthEvents().UntrustedEvents(roomVersion)

	all := make([]InputRoomEvent, 0, len(stateEvents)+len(authEvents))
	for _, ev := range authEvents {
		if exclude[ev.EventID()] {
			continue
		}
		all = append(all, InputRoomEvent{
			Kind:         KindOutlier,
			Event:        &types.HeaderedEvent{PDU: ev},
			AuthEventIDs: ev.AuthEventIDs(),
			SendAsServer: string(fromServer),
		})
	}
	for _, ev := range stateEvents {
		if exclude[ev.EventID()] {
			continue
		}
		all = append(all, InputRoomEvent{
			Kind:         KindOutlier,
			Event:        &types.HeaderedEvent{PDU: ev},
			AuthEventIDs: ev.AuthEventIDs(),
			SendAsServer: string(fromServer),
		})
	}

	req := &InputRoomEventsRequest{InputRoomEvents: all, Asynchronous: async}
	var res InputRoomEventsResponse
	rsAPI.InputRoomEvents(ctx, req, &res)
	return res.Err()
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// EventNID identifies an event interned in the database. Zero means the
// event hasn't been assigned a NID.
type EventNID int64

// RoomNID identifies a room interned in the database.
type RoomNID int64

// EventTypeNID identifies an event type interned in the database.
type EventTypeNID int64

// EventStateKeyNID identifies a state_key value (often a user ID or empty
// string) interned in the database.
type EventStateKeyNID int64

// StateSnapshotNID identifies a resolved state snapshot: the full
// (type,state_key)->event_id mapping at some point in the DAG.
type StateSnapshotNID int64

// StateBlockNID identifies one delta block within a state-group chain.
type StateBlockNID int64

// Well-known interned type/state-key NIDs, assigned during room-NID
// bootstrap so the authoriser and resolver never need a string lookup for
// the handful of event types that gate authorisation.
const (
	EmptyStateKeyNID EventStateKeyNID = 1

	MRoomCreateNID           EventTypeNID = 1
	MRoomPowerLevelsNID      EventTypeNID = 2
	MRoomJoinRulesNID        EventTypeNID = 3
	MRoomMemberNID           EventTypeNID = 4
	MRoomThirdPartyInviteNID EventTypeNID = 5
	MRoomHistoryVisibilityNID EventTypeNID = 6
	MRoomRedactionNID        EventTypeNID = 7
)

// StateKeyTuple is the (event type, state key) pair that a state map is keyed
// on, represented with interned NIDs so it is comparable and sortable
// without touching the strings table.
type StateKeyTuple struct {
	EventTypeNID     EventTypeNID
	EventStateKeyNID EventStateKeyNID
}

// LessThan defines the canonical ordering over StateKeyTuples: by type NID
// then by state-key NID. Every sort in the state package relies on this
// exact order being stable across servers.
func (a StateKeyTuple) LessThan(b StateKeyTuple) bool {
	if a.EventTypeNID != b.EventTypeNID {
		return a.EventTypeNID < b.EventTypeNID
	}
	return a.EventStateKeyNID < b.EventStateKeyNID
}

// StateEntry maps one (type,state_key) tuple to the NID of the event that
// currently holds it in some state snapshot.
type StateEntry struct {
	StateKeyTuple
	EventNID EventNID
}

// StateBlockNIDList is the list of state-block NIDs that make up one state
// snapshot, in state-group chain order.
type StateBlockNIDList struct {
	StateSnapshotNID StateSnapshotNID
	StateBlockNIDs   []StateBlockNID
}

// StateEntryList is the set of StateEntry values stored at one state block.
type StateEntryList struct {
	StateBlockNID StateBlockNID
	StateEntries  []StateEntry
}

// Event pairs an interned NID with the parsed PDU, plus its room NID, so
// code that walks the event graph never needs a secondary lookup for the
// row's identity.
type Event struct {
	EventNID EventNID
	RoomNID  RoomNID
	gomatrixserverlib.PDU
}

// StateAtEvent captures, for one event in the DAG, which state snapshot
// describes the room immediately before it and whether the event itself is
// a state event that needs to be overlaid.
type StateAtEvent struct {
	// BeforeStateSnapshotNID is the state snapshot before this event is
	// applied. Zero if the event is the room create event.
	BeforeStateSnapshotNID StateSnapshotNID
	IsRejected             bool
	StateEntry
}

// StateAtEventAndReference additionally carries the event's ID, used when
// building auth/prev event lists.
type StateAtEventAndReference struct {
	StateAtEvent
	EventID string
}

// RoomInfo is the durable row describing one room: its NID, its version
// (which rule set the authoriser/resolver must select), its room ID, and
// the NID of its current state snapshot.
type RoomInfo struct {
	RoomNID          RoomNID
	RoomVersion      gomatrixserverlib.RoomVersion
	RoomID           string
	StateSnapshotNID StateSnapshotNID
}

// IsStateEvent reports whether a parsed PDU carries a state_key: every
// event with a state_key, the empty string included, is a state event.
func IsStateEvent(pdu gomatrixserverlib.PDU) bool {
	return pdu.StateKey() != nil
}

// EventTypeNIDFallback is returned when an event type has no interned NID
// yet (it hasn't been seen in this room); callers must intern it first.
const EventTypeNIDFallback EventTypeNID = 0

// ServerNameNID is a small convenience alias used by the federation signing
// key cache to key entries by (server, key_id) without repeated string
// concatenation; defined here so both roomserver and federationapi share it.
type ServerNameNID = spec.ServerName

// RejectedError is returned by the Room Manager when an event failed
// authorisation and was stored as rejected rather than applied to room state
// Unlike auth.ErrRejected, which is returned synchronously from Check, this
// marks an event that was already persisted with is_rejected set.
type RejectedError string

func (e RejectedError) Error() string { return "event was rejected: " + string(e) }

// MissingStateError is returned when an operation needs state that hasn't
// been loaded or interned yet, e.g. a prev_event the store has never seen.
type MissingStateError string

func (e MissingStateError) Error() string { return "missing state: " + string(e) }

// ErrorInvalidRoomInfo is returned when a RoomInfo looked up for an
// operation is nil or carries a zero RoomNID, which should never happen
// for a room the caller has already created.
var ErrorInvalidRoomInfo = fmt.Errorf("roomserver: invalid room info")

// HeaderedEvent wraps a PDU with the room version needed to re-marshal or
// re-verify it without a second round trip to the Event Store.
type HeaderedEvent struct {
	gomatrixserverlib.PDU
}

// DeduplicateStateEntries collapses a slice of state entries so only the
// last entry per StateKeyTuple survives, used after merging state entries
// gathered from more than one source
func DeduplicateStateEntries(entries []StateEntry) []StateEntry {
	seen := make(map[StateKeyTuple]StateEntry, len(entries))
	order := make([]StateKeyTuple, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.StateKeyTuple]; !ok {
			order = append(order, e.StateKeyTuple)
		}
		seen[e.StateKeyTuple] = e
	}
	out := make([]StateEntry, 0, len(order))
	for _, tuple := range order {
		out = append(out, seen[tuple])
	}
	return out
}

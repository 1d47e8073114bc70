// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements the Event Store once against the tables.*
// interfaces so the postgres and sqlite3 packages only need to supply the
// per-dialect table implementations
package shared

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/roomserver/storage/tables"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// Database is the dialect-agnostic Event Store. It owns the *sql.DB handle
// so Append can run every write inside one transaction, and delegates all
// SQL to the tables.* interfaces supplied by its postgres/sqlite3 caller.
type Database struct {
	DB             *sql.DB
	EventsTable    tables.Events
	EventJSONTable tables.EventJSON
	EventTypesTable tables.EventTypes
	EventStateKeysTable tables.EventStateKeys
	RoomsTable     tables.Rooms
	StateBlockTable tables.StateBlock
	StateSnapshotTable tables.StateSnapshot
	PreviousEventsTable tables.PreviousEvents
	RoomAliasesTable tables.RoomAliases
	RedactionsTable tables.Redactions
	PartialStateTable tables.PartialState
}

// EventTypeNID interns (or fetches the existing NID for) an event type
func (d *Database) EventTypeNID(ctx context.Context, eventType string) (types.EventTypeNID, error) {
	nid, err := d.EventTypesTable.SelectEventTypeNID(ctx, nil, eventType)
	if err == sql.ErrNoRows {
		return d.EventTypesTable.InsertEventTypeNID(ctx, nil, eventType)
	}
	return nid, err
}

// EventStateKeyNID interns (or fetches the existing NID for) a state_key.
func (d *Database) EventStateKeyNID(ctx context.Context, stateKey string) (types.EventStateKeyNID, error) {
	nid, err := d.EventStateKeysTable.SelectEventStateKeyNID(ctx, nil, stateKey)
	if err == sql.ErrNoRows {
		return d.EventStateKeysTable.InsertEventStateKeyNID(ctx, nil, stateKey)
	}
	return nid, err
}

// EventStateKeyNIDs resolves many state_key strings to NIDs in one round
// trip (used heavily by state resolution's fullConflictedSet).
func (d *Database) EventStateKeyNIDs(ctx context.Context, targets []string) (map[string]types.EventStateKeyNID, error) {
	return d.EventStateKeysTable.BulkSelectEventStateKeyNID(ctx, nil, targets)
}

// EventNIDs resolves many event IDs to NIDs in one round trip.
func (d *Database) EventNIDs(ctx context.Context, eventIDs []string) (map[string]types.EventNID, error) {
	return d.EventsTable.BulkSelectEventNID(ctx, nil, eventIDs)
}

// RoomInfo fetches the durable row for a room, or nil if it hasn't been
// interned yet.
func (d *Database) RoomInfo(ctx context.Context, roomID string) (*types.RoomInfo, error) {
	return d.RoomsTable.SelectRoomInfo(ctx, nil, roomID)
}

// RoomInfoByNID is the RoomInfo lookup keyed by the interned NID, used once
// a room has already been resolved once in the current call chain.
func (d *Database) RoomInfoByNID(ctx context.Context, roomNID types.RoomNID) (*types.RoomInfo, error) {
	return d.RoomsTable.SelectRoomInfoByNID(ctx, nil, roomNID)
}

// GetPartialStateRoomIDs lists the rooms joined via a partial-state
// ("faster") join that haven't yet finished resyncing full state,
// resolving each tracked NID back to its room ID.
func (d *Database) GetPartialStateRoomIDs(ctx context.Context) ([]string, error) {
	roomNIDs, err := d.PartialStateTable.SelectAllPartialStateRooms(ctx, nil)
	if err != nil {
		return nil, err
	}
	roomIDs := make([]string, 0, len(roomNIDs))
	for _, nid := range roomNIDs {
		info, ierr := d.RoomInfoByNID(ctx, nid)
		if ierr != nil {
			return nil, ierr
		}
		if info == nil {
			continue
		}
		roomIDs = append(roomIDs, info.RoomID)
	}
	return roomIDs, nil
}

// AssignRoomNID interns roomID, creating the room row if this is the first
// event seen for it
func (d *Database) AssignRoomNID(ctx context.Context, roomID string, roomVersion gomatrixserverlib.RoomVersion) (types.RoomNID, error) {
	info, err := d.RoomInfo(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if info != nil {
		return info.RoomNID, nil
	}
	return d.RoomsTable.InsertRoomNID(ctx, nil, roomID, roomVersion)
}

// Events fetches and parses the PDUs for a set of event NIDs, in no
// particular order; callers that need a specific order re-sort themselves.
func (d *Database) Events(ctx context.Context, roomNID types.RoomNID, eventNIDs []types.EventNID) ([]types.Event, error) {
	if len(eventNIDs) == 0 {
		return nil, nil
	}
	jsonByNID, err := d.EventJSONTable.SelectEventJSON(ctx, nil, eventNIDs)
	if err != nil {
		return nil, err
	}
	info, err := d.RoomInfoByNID(ctx, roomNID)
	if err != nil {
		return nil, err
	}
	var roomVersion gomatrixserverlib.RoomVersion
	if info != nil {
		roomVersion = info.RoomVersion
	}
	verImpl, err := gomatrixserverlib.GetRoomVersion(roomVersion)
	if err != nil {
		return nil, err
	}
	events := make([]types.Event, 0, len(eventNIDs))
	for _, nid := range eventNIDs {
		raw, ok := jsonByNID[nid]
		if !ok {
			continue
		}
		pdu, err := verImpl.NewEventFromTrustedJSON(raw, false)
		if err != nil {
			return nil, fmt.Errorf("shared: parse event nid %d: %w", nid, err)
		}
		events = append(events, types.Event{EventNID: nid, RoomNID: roomNID, PDU: pdu})
	}
	return events, nil
}

// StateEntriesForTuples resolves the subset of entries in stateBlockNIDs
// matching stateKeyTuples, expanding to every tuple when stateKeyTuples is
// empty.
func (d *Database) StateEntriesForTuples(ctx context.Context, stateBlockNIDs []types.StateBlockNID, stateKeyTuples []types.StateKeyTuple) ([]types.StateEntryList, error) {
	lists, err := d.StateBlockTable.BulkSelectStateBlockEntries(ctx, nil, stateBlockNIDs)
	if err != nil {
		return nil, err
	}
	if len(stateKeyTuples) == 0 {
		return lists, nil
	}
	wanted := make(map[types.StateKeyTuple]bool, len(stateKeyTuples))
	for _, t := range stateKeyTuples {
		wanted[t] = true
	}
	filtered := make([]types.StateEntryList, len(lists))
	for i, list := range lists {
		entries := make([]types.StateEntry, 0, len(list.StateEntries))
		for _, e := range list.StateEntries {
			if wanted[e.StateKeyTuple] {
				entries = append(entries, e)
			}
		}
		filtered[i] = types.StateEntryList{StateBlockNID: list.StateBlockNID, StateEntries: entries}
	}
	return filtered, nil
}

// StateBlockNIDs resolves the delta chain making up each requested state
// snapshot.
func (d *Database) StateBlockNIDs(ctx context.Context, stateSnapshotNIDs []types.StateSnapshotNID) ([]types.StateBlockNIDList, error) {
	return d.StateSnapshotTable.BulkSelectStateBlockNIDs(ctx, nil, stateSnapshotNIDs)
}

// AddState persists a freshly-computed delta block and the snapshot that
// chains it onto blockNIDs, returning the new snapshot's NID
func (d *Database) AddState(ctx context.Context, roomNID types.RoomNID, blockNIDs []types.StateBlockNID, entries []types.StateEntry) (types.StateSnapshotNID, error) {
	var snapshotNID types.StateSnapshotNID
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		chain := blockNIDs
		if len(entries) > 0 {
			blockNID, err := d.StateBlockTable.BulkInsertStateData(ctx, txn, entries)
			if err != nil {
				return err
			}
			chain = append(append([]types.StateBlockNID{}, blockNIDs...), blockNID)
		}
		var err error
		snapshotNID, err = d.StateSnapshotTable.InsertState(ctx, txn, roomNID, chain)
		return err
	})
	return snapshotNID, err
}

// AppendedEvent is the return shape of Append: the newly-assigned NID for
// one stored event, paired with the state snapshot now in effect before it.
type AppendedEvent struct {
	EventNID         types.EventNID
	StateSnapshotNID types.StateSnapshotNID
}

// Append stores a single already-authorised event, interning its type and
// state key and linking it into the previous_events index, inside one
// transaction
func (d *Database) Append(ctx context.Context, roomNID types.RoomNID, pdu gomatrixserverlib.PDU, authEventNIDs []types.EventNID, beforeStateNID types.StateSnapshotNID, isRejected bool) (result AppendedEvent, err error) {
	err = sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		typeNID, terr := d.EventTypesTable.SelectEventTypeNID(ctx, txn, pdu.Type())
		if terr == sql.ErrNoRows {
			typeNID, terr = d.EventTypesTable.InsertEventTypeNID(ctx, txn, pdu.Type())
		}
		if terr != nil {
			return terr
		}

		var stateKeyNID *types.EventStateKeyNID
		if sk := pdu.StateKey(); sk != nil {
			nid, kerr := d.EventStateKeysTable.SelectEventStateKeyNID(ctx, txn, *sk)
			if kerr == sql.ErrNoRows {
				nid, kerr = d.EventStateKeysTable.InsertEventStateKeyNID(ctx, txn, *sk)
			}
			if kerr != nil {
				return kerr
			}
			stateKeyNID = &nid
		}

		sum := sha256.Sum256(pdu.JSON())
		eventNID, _, ierr := d.EventsTable.InsertEvent(ctx, txn, roomNID, typeNID, stateKeyNID, pdu.EventID(), sum[:], authEventNIDs, pdu.Depth(), isRejected)
		if ierr != nil {
			return ierr
		}
		if jerr := d.EventJSONTable.InsertEventJSON(ctx, txn, eventNID, pdu.JSON()); jerr != nil {
			return jerr
		}
		if serr := d.EventsTable.UpdateEventState(ctx, txn, eventNID, beforeStateNID); serr != nil {
			return serr
		}
		for _, prevID := range pdu.PrevEventIDs() {
			if perr := d.PreviousEventsTable.InsertPreviousEvent(ctx, txn, prevID, sum[:], eventNID); perr != nil {
				return perr
			}
		}
		result = AppendedEvent{EventNID: eventNID, StateSnapshotNID: beforeStateNID}
		return nil
	})
	return result, err
}

// MarkRedacted records that redactionEventID redacts redactsEventID and, if
// validated, sets redacted_because on the target's event row; the stored
// event JSON is left unchanged. Applying the same redaction twice is a no-op.
func (d *Database) MarkRedacted(ctx context.Context, redactionEventID, redactsEventID string, validated bool) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.RedactionsTable.InsertRedaction(ctx, txn, redactionEventID, redactsEventID, validated); err != nil {
			return err
		}
		if !validated {
			return nil
		}
		return d.EventsTable.MarkRedacted(ctx, txn, redactsEventID, redactionEventID)
	})
}

// ForwardExtremities returns the subset of candidateEventIDs that no stored
// event in the room references as a prev_event
func (d *Database) ForwardExtremities(ctx context.Context, candidateEventIDs []string) ([]string, error) {
	extremities := make([]string, 0, len(candidateEventIDs))
	for _, id := range candidateEventIDs {
		referenced, err := d.PreviousEventsTable.SelectPreviousEventExists(ctx, nil, id)
		if err != nil {
			return nil, err
		}
		if !referenced {
			extremities = append(extremities, id)
		}
	}
	return extremities, nil
}

// LatestEvents returns a room's current forward extremities and the state
// snapshot NID in effect after them.
func (d *Database) LatestEvents(ctx context.Context, roomNID types.RoomNID) ([]types.EventNID, types.StateSnapshotNID, error) {
	return d.RoomsTable.SelectLatestEventNIDs(ctx, nil, roomNID)
}

// SetLatestEvents updates a room's forward-extremity set after a successful
// append
func (d *Database) SetLatestEvents(ctx context.Context, roomNID types.RoomNID, eventNIDs []types.EventNID, lastSent types.EventNID, stateNID types.StateSnapshotNID) error {
	return d.RoomsTable.UpdateLatestEventNIDs(ctx, nil, roomNID, eventNIDs, lastSent, stateNID)
}

// MaxDepth returns the highest depth among eventNIDs, used to compute a new
// event's depth as one more than the maximum of its prev_events
func (d *Database) MaxDepth(ctx context.Context, eventNIDs []types.EventNID) (int64, error) {
	if len(eventNIDs) == 0 {
		return 0, nil
	}
	return d.EventsTable.SelectMaxEventDepth(ctx, nil, eventNIDs)
}

var logger = logrus.WithField("component", "roomserver.storage")

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements the Sync Engine's storage once
// against the tables.* interfaces, so the postgres and sqlite3 packages only
// need to supply the per-dialect table implementations
package shared

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/internal/eventutil"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

// Database is the dialect-agnostic Sync Engine storage handle. It owns the
// *sql.DB so Write-* methods can run across several tables in one
// transaction, and embeds an autocommit *txn (nil *sql.Tx, so every table
// call runs standalone) so it satisfies storage.DatabaseTransaction's
// reads directly without a transaction in scope.
type Database struct {
	DB  *sql.DB
	*txn

	EventsTable           tables.Events
	CurrentRoomStateTable tables.CurrentRoomState
	InvitesTable          tables.Invites
	AccountDataTable      tables.AccountData
	SendToDeviceTable     tables.SendToDevice
	TopologyTable         tables.Topology
	FilterTable           tables.Filter
	IgnoresTable          tables.Ignores
	ReceiptTable          tables.Receipts
	NotificationDataTable tables.NotificationData
	UnPartialStatedRooms  tables.UnPartialStatedRooms
	SlidingSyncTable      tables.SlidingSync
	SlidingSyncRoomMeta   tables.SlidingSyncRoomMetadata
}

// txn is the shared implementation of storage.DatabaseTransaction,
// carrying either a nil *sql.Tx (the Database's own autocommit view), a
// live read-write *sql.Tx (NewDatabaseTransaction), or a read-only
// snapshot transaction (NewDatabaseSnapshot) - table methods can't tell
// the difference since both just route through sqlutil.TxStmt.
type txn struct {
	db  *Database
	txn *sql.Tx
}

// Finish wires the Database's own autocommit txn now that it exists;
// postgres/sqlite3 constructors call this once every table is assigned.
func (d *Database) Finish() {
	d.txn = &txn{db: d}
}

// NewDatabaseTransaction starts a read-write transaction.
func (d *Database) NewDatabaseTransaction(ctx context.Context) (storage.DatabaseTransaction, error) {
	t, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &txn{db: d, txn: t}, nil
}

// NewDatabaseSnapshot starts a read-only, repeatable-read snapshot so a
// whole /sync response observes one consistent point across every stream.
func (d *Database) NewDatabaseSnapshot(ctx context.Context) (storage.DatabaseTransaction, error) {
	t, err := d.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	return &txn{db: d, txn: t}, nil
}

func (t *txn) Commit() error {
	if t.txn == nil {
		return nil
	}
	return t.txn.Commit()
}

func (t *txn) Rollback() error {
	if t.txn == nil {
		return nil
	}
	return t.txn.Rollback()
}

// WriteEvent mirrors one Room Manager event into the timeline,
// current-state and topology tables in a single transaction.
func (d *Database) WriteEvent(
	ctx context.Context, ev *rstypes.HeaderedEvent,
	addStateEvents []*rstypes.HeaderedEvent,
	addStateEventIDs, removeStateEventIDs []string,
	transactionID *types.TransactionID, excludeFromSync bool,
	historyVisibility gomatrixserverlib.HistoryVisibility,
) (pos types.StreamPosition, err error) {
	err = sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		pos, err = d.EventsTable.InsertEvent(ctx, sqlTxn, ev, addStateEventIDs, removeStateEventIDs, 0, excludeFromSync, transactionID)
		if err != nil {
			return err
		}
		if _, terr := d.TopologyTable.InsertEventInTopology(ctx, sqlTxn, ev, pos); terr != nil {
			return terr
		}
		for _, se := range addStateEvents {
			membership, _ := se.Membership()
			var m *string
			if membership != "" {
				m = &membership
			}
			if serr := d.CurrentRoomStateTable.UpsertRoomState(ctx, sqlTxn, se, m, pos); serr != nil {
				return serr
			}
		}
		return nil
	})
	return pos, err
}

// UpsertRoomState mirrors one resolved state event into current state,
// used both by WriteEvent's callers and by out-of-band state rebuilds.
func (d *Database) UpsertRoomState(ctx context.Context, event *rstypes.HeaderedEvent, membership *string, addedAt types.StreamPosition) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.CurrentRoomStateTable.UpsertRoomState(ctx, sqlTxn, event, membership, addedAt)
	})
}

// EventContent returns the raw content of eventID in roomID, so callers can
// inspect it (e.g. for a burn_after_read marker) without pulling in the rest
// of the context-query machinery.
func (d *Database) EventContent(ctx context.Context, roomID, eventID string) (json.RawMessage, error) {
	_, streamEvent, err := d.EventsTable.SelectContextEvent(ctx, nil, roomID, eventID)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(streamEvent.PDU.Content()), nil
}

// RedactEvent strips eventID's content down to what the redaction algorithm
// keeps and overwrites its stored JSON in place, so subsequent timeline and
// context reads see the redacted form without a corresponding
// m.room.redaction event having passed through the timeline. This backs
// server-initiated redactions (burn-after-read) that have no event of their
// own to record the reason.
func (d *Database) RedactEvent(ctx context.Context, roomID, eventID string) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		_, streamEvent, err := d.EventsTable.SelectContextEvent(ctx, sqlTxn, roomID, eventID)
		if err != nil {
			return err
		}
		streamEvent.PDU.Redact()
		if err := streamEvent.PDU.SetUnsignedField("redacted_because", map[string]interface{}{
			"type":   "m.room.redaction",
			"reason": "burn_after_read",
		}); err != nil {
			return err
		}
		return d.EventsTable.UpdateEventJSON(ctx, sqlTxn, streamEvent.PDU)
	})
}

func (d *Database) StoreNewSendForDeviceMessage(ctx context.Context, userID, deviceID string, event gomatrixserverlib.SendToDeviceEvent) (types.StreamPosition, error) {
	js, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	var pos types.StreamPosition
	err = sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		pos, err = d.SendToDeviceTable.InsertSendToDeviceMessage(ctx, sqlTxn, userID, deviceID, string(js))
		return err
	})
	return pos, err
}

func (d *Database) CleanSendToDeviceUpdates(ctx context.Context, userID, deviceID string, before types.StreamPosition) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.SendToDeviceTable.DeleteSendToDeviceMessages(ctx, sqlTxn, userID, deviceID, before)
	})
}

func (d *Database) UpsertAccountData(ctx context.Context, userID, roomID, dataType string) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		var ierr error
		pos, ierr = d.AccountDataTable.InsertAccountData(ctx, sqlTxn, userID, roomID, dataType)
		return ierr
	})
	return pos, err
}

func (d *Database) UpsertRoomUnreadNotificationCounts(ctx context.Context, userID, roomID, threadRootEventID string, unreadNotificationCount, unreadHighlightCount int) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		var ierr error
		pos, ierr = d.NotificationDataTable.UpsertRoomUnreadCounts(ctx, sqlTxn, userID, roomID, threadRootEventID, unreadNotificationCount, unreadHighlightCount)
		return ierr
	})
	return pos, err
}

func (d *Database) UpdateIgnoresForUser(ctx context.Context, userID string, ignores *tables.IgnoredUsers) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.IgnoresTable.UpsertIgnores(ctx, sqlTxn, userID, ignores)
	})
}

// PurgeRoom drops a room's mirrored data from every table this component
// owns, used when an admin purges a room from the homeserver entirely.
func (d *Database) PurgeRoom(ctx context.Context, roomID string) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		if err := d.EventsTable.PurgeEvents(ctx, sqlTxn, roomID); err != nil {
			return err
		}
		if err := d.CurrentRoomStateTable.PurgeRoomState(ctx, sqlTxn, roomID); err != nil {
			return err
		}
		if err := d.InvitesTable.PurgeInvites(ctx, sqlTxn, roomID); err != nil {
			return err
		}
		return d.NotificationDataTable.PurgeNotificationData(ctx, sqlTxn, roomID)
	})
}

func (d *Database) GetOrCreateConnection(ctx context.Context, userID, deviceID, connID string) (int64, error) {
	conn, err := d.SlidingSyncTable.SelectConnectionByIDs(ctx, nil, userID, deviceID, connID)
	if err == nil && conn != nil {
		return conn.ConnectionKey, nil
	}
	var key int64
	err = sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		var ierr error
		key, ierr = d.SlidingSyncTable.InsertConnection(ctx, sqlTxn, userID, deviceID, connID, 0)
		return ierr
	})
	return key, err
}

func (d *Database) CreateConnectionPosition(ctx context.Context, connectionKey int64) (int64, error) {
	var pos int64
	err := sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		var ierr error
		pos, ierr = d.SlidingSyncTable.InsertConnectionPosition(ctx, sqlTxn, connectionKey, 0)
		return ierr
	})
	return pos, err
}

func (d *Database) ValidateConnectionPosition(ctx context.Context, connectionKey, connectionPosition int64) error {
	p, err := d.SlidingSyncTable.SelectConnectionPosition(ctx, nil, connectionPosition)
	if err != nil {
		return err
	}
	if p.ConnectionKey != connectionKey {
		return sql.ErrNoRows
	}
	return nil
}

func (d *Database) DeleteOtherConnectionPositions(ctx context.Context, connectionKey, keepPosition int64) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.SlidingSyncTable.DeleteOtherConnectionPositions(ctx, sqlTxn, connectionKey, keepPosition)
	})
}

func (d *Database) DeleteConnectionReceipts(ctx context.Context, connectionKey int64) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.ReceiptTable.DeleteConnectionReceipts(ctx, sqlTxn, connectionKey)
	})
}

func (d *Database) UpdateRoomConfig(ctx context.Context, connectionPosition int64, roomID string, timelineLimit int, requiredStateID int64) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.SlidingSyncTable.UpsertRoomConfig(ctx, sqlTxn, connectionPosition, roomID, timelineLimit, requiredStateID)
	})
}

func (d *Database) UpdateConnectionList(ctx context.Context, connectionKey int64, listName string, roomIDsJSON string) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.SlidingSyncTable.UpsertConnectionList(ctx, sqlTxn, connectionKey, listName, roomIDsJSON)
	})
}

func (d *Database) UpdateConnectionStream(ctx context.Context, connectionPosition int64, roomID, stream, roomStatus, lastToken string) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.SlidingSyncTable.UpsertConnectionStream(ctx, sqlTxn, connectionPosition, roomID, stream, roomStatus, lastToken)
	})
}

func (d *Database) UpsertConnectionReceipt(ctx context.Context, connectionKey int64, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) error {
	return sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		return d.ReceiptTable.UpsertConnectionReceipt(ctx, sqlTxn, connectionKey, roomID, receiptType, userID, eventID, timestamp)
	})
}

func (d *Database) MarkRoomUnPartialStated(ctx context.Context, roomID string, memberUserIDs []string) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := sqlutil.WithTransaction(d.DB, func(sqlTxn *sql.Tx) error {
		var ierr error
		for _, userID := range memberUserIDs {
			pos, ierr = d.UnPartialStatedRooms.InsertUnPartialStatedRoom(ctx, sqlTxn, roomID, userID)
			if ierr != nil {
				return ierr
			}
		}
		return nil
	})
	return pos, err
}

// --- DatabaseTransaction surface, implemented on *txn so both a
// read-write transaction and a read-only snapshot serve it identically.

func (t *txn) RecentEvents(ctx context.Context, roomIDs []string, r types.Range, eventFilter *synctypes.RoomEventFilter, chronologicalOrder, onlySyncEvents bool) (map[string]types.RecentEvents, error) {
	return t.db.EventsTable.SelectRecentEvents(ctx, t.txn, roomIDs, r, eventFilter, chronologicalOrder, onlySyncEvents)
}

func (t *txn) GetEventsInStreamingRange(ctx context.Context, from, to *types.StreamingToken) ([]types.StreamEvent, error) {
	r := types.Range{From: from.PDUPosition, To: to.PDUPosition}
	events, err := t.db.EventsTable.SelectEarlyEvents(ctx, t.txn, "", r, nil)
	return events, err
}

func (t *txn) PaginateEvents(ctx context.Context, roomID string, from, to types.TopologyToken, direction string, limit int, eventFilter *synctypes.RoomEventFilter) ([]types.StreamEvent, types.TopologyToken, error) {
	chronological := direction == "f"
	minDepth, maxDepth := to.Depth, from.Depth
	if chronological {
		minDepth, maxDepth = from.Depth, to.Depth
	}
	eventIDs, err := t.db.TopologyTable.SelectEventIDsInRange(ctx, t.txn, roomID, minDepth, maxDepth, from.PDUPosition, limit, chronological)
	if err != nil {
		return nil, to, err
	}
	events, err := t.db.CurrentRoomStateTable.SelectEventsWithEventIDs(ctx, t.txn, eventIDs)
	return events, to, err
}

func (t *txn) EventPositionInTopology(ctx context.Context, eventID string) (types.TopologyToken, error) {
	return t.db.EventsTable.SelectEventPositionInTopology(ctx, t.txn, eventID)
}

func (t *txn) StreamEventsToEvents(ctx context.Context, device *spec.UserID, in []types.StreamEvent, userIDForSender synctypes.UserIDForSender) []*rstypes.HeaderedEvent {
	out := make([]*rstypes.HeaderedEvent, len(in))
	for i := range in {
		out[i] = in[i].HeaderedEvent
	}
	return out
}

func (t *txn) GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*rstypes.HeaderedEvent, error) {
	return t.db.CurrentRoomStateTable.SelectStateEvent(ctx, t.txn, roomID, evType, stateKey)
}

func (t *txn) GetStateEventsForRoom(ctx context.Context, roomID string, stateFilter *synctypes.StateFilter) ([]*rstypes.HeaderedEvent, error) {
	return t.db.CurrentRoomStateTable.SelectCurrentState(ctx, t.txn, roomID, stateFilter, nil)
}

func (t *txn) GetRoomSummary(ctx context.Context, roomID, userID string) (*types.Summary, error) {
	joined, err := t.db.CurrentRoomStateTable.SelectRoomIDsWithMembership(ctx, t.txn, userID, "join")
	if err != nil {
		return nil, err
	}
	invited, err := t.db.CurrentRoomStateTable.SelectRoomIDsWithMembership(ctx, t.txn, userID, "invite")
	if err != nil {
		return nil, err
	}
	jc := len(joined)
	ic := len(invited)
	return &types.Summary{JoinedMemberCount: &jc, InvitedMemberCount: &ic}, nil
}

func (t *txn) AllJoinedUsersInRoom(ctx context.Context, roomIDs []string) (map[string][]string, error) {
	return t.db.CurrentRoomStateTable.SelectJoinedUsersInRoom(ctx, t.txn, roomIDs)
}

func (t *txn) AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error) {
	return t.db.CurrentRoomStateTable.SelectJoinedUsers(ctx, t.txn)
}

func (t *txn) RoomIDsWithMembership(ctx context.Context, userID string, membership string) ([]string, error) {
	return t.db.CurrentRoomStateTable.SelectRoomIDsWithMembership(ctx, t.txn, userID, membership)
}

func (t *txn) SelectMembershipForUser(ctx context.Context, roomID, userID string, pos int64) (string, string, int64, error) {
	membership, eventID, streamPos, err := t.db.CurrentRoomStateTable.SelectRoomMembershipForUser(ctx, t.txn, roomID, userID, types.StreamPosition(pos))
	return membership, eventID, int64(streamPos), err
}

func (t *txn) MembershipCount(ctx context.Context, roomID, membership string, pos types.StreamPosition) (int, error) {
	return t.db.CurrentRoomStateTable.SelectMembershipCount(ctx, t.txn, roomID, membership, pos)
}

func (t *txn) KickedRoomIDs(ctx context.Context, userID string, r types.Range) ([]string, error) {
	return t.db.CurrentRoomStateTable.SelectRoomIDsWithMembership(ctx, t.txn, userID, "leave")
}

func (t *txn) RoomsWithEventsSince(ctx context.Context, roomIDs []string, since types.StreamPosition) ([]string, error) {
	out := make([]string, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		recent, err := t.db.EventsTable.SelectRecentEvents(ctx, t.txn, []string{roomID}, types.Range{From: since, To: 1 << 61}, nil, true, true)
		if err != nil {
			return nil, err
		}
		if re, ok := recent[roomID]; ok && len(re.Events) > 0 {
			out = append(out, roomID)
		}
	}
	return out, nil
}

func (t *txn) RoomsWithInvitesSince(ctx context.Context, userID string, roomIDs []string, since types.StreamPosition) ([]string, error) {
	invited, _, _, err := t.db.InvitesTable.SelectInviteEventsInRange(ctx, t.txn, userID, types.Range{From: since, To: 1 << 61})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(invited))
	for roomID := range invited {
		out = append(out, roomID)
	}
	return out, nil
}

func (t *txn) InviteEventsInRange(ctx context.Context, targetUserID string, r types.Range) (map[string]*rstypes.HeaderedEvent, map[string]*rstypes.HeaderedEvent, types.StreamPosition, error) {
	return t.db.InvitesTable.SelectInviteEventsInRange(ctx, t.txn, targetUserID, r)
}

func (t *txn) MaxStreamPositionForInvites(ctx context.Context) (types.StreamPosition, error) {
	id, err := t.db.InvitesTable.SelectMaxInviteID(ctx, t.txn)
	return types.StreamPosition(id), err
}

func (t *txn) StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error) {
	return t.db.ReceiptTable.UpsertReceipt(ctx, t.txn, roomID, receiptType, userID, eventID, timestamp)
}

func (t *txn) GetAccountDataInRange(ctx context.Context, userID string, r types.Range, accountDataFilterPart *synctypes.EventFilter) (map[string][]string, types.StreamPosition, error) {
	return t.db.AccountDataTable.SelectAccountDataInRange(ctx, t.txn, userID, r, accountDataFilterPart)
}

func (t *txn) IgnoresForUser(ctx context.Context, userID string) (*tables.IgnoredUsers, error) {
	return t.db.IgnoresTable.SelectIgnores(ctx, t.txn, userID)
}

func (t *txn) SendToDeviceUpdatesForSync(ctx context.Context, userID, deviceID string, from, to types.StreamPosition) (types.StreamPosition, []types.SendToDeviceEvent, error) {
	events, pos, err := t.db.SendToDeviceTable.SelectSendToDeviceMessages(ctx, t.txn, userID, deviceID, from, to)
	return pos, events, err
}

func (t *txn) GetUserUnreadThreadNotificationCountsForRoom(ctx context.Context, userID, roomID string) (map[string]*eventutil.NotificationData, error) {
	counts, err := t.db.NotificationDataTable.SelectUserUnreadThreadCountsForRooms(ctx, t.txn, userID, []string{roomID})
	if err != nil {
		return nil, err
	}
	return counts[roomID], nil
}

func (t *txn) GetUserUnreadNotificationCountsForRooms(ctx context.Context, userID string, roomIDs []string) (map[string]*eventutil.NotificationData, error) {
	return t.db.NotificationDataTable.SelectUserUnreadCountsForRooms(ctx, t.txn, userID, roomIDs)
}

func (t *txn) MaxStreamPositionsForRooms(ctx context.Context) (types.StreamingToken, error) {
	pduPos, err := t.db.EventsTable.SelectMaxEventID(ctx, t.txn)
	if err != nil {
		return types.StreamingToken{}, err
	}
	receiptPos, err := t.db.ReceiptTable.SelectMaxReceiptID(ctx, t.txn)
	if err != nil {
		return types.StreamingToken{}, err
	}
	sendToDevicePos, err := t.db.SendToDeviceTable.SelectMaxSendToDeviceMessageID(ctx, t.txn)
	if err != nil {
		return types.StreamingToken{}, err
	}
	invitePos, err := t.db.InvitesTable.SelectMaxInviteID(ctx, t.txn)
	if err != nil {
		return types.StreamingToken{}, err
	}
	accountDataPos, err := t.db.AccountDataTable.SelectMaxAccountDataID(ctx, t.txn)
	if err != nil {
		return types.StreamingToken{}, err
	}
	return types.StreamingToken{
		PDUPosition:          types.StreamPosition(pduPos),
		ReceiptPosition:      types.StreamPosition(receiptPos),
		SendToDevicePosition: types.StreamPosition(sendToDevicePos),
		InvitePosition:       types.StreamPosition(invitePos),
		AccountDataPosition:  types.StreamPosition(accountDataPos),
	}, nil
}

func (t *txn) MaxTopologicalPosition(ctx context.Context, roomID string) (types.TopologyToken, error) {
	depth, pos, err := t.db.TopologyTable.SelectMaxPositionInTopology(ctx, t.txn, roomID)
	return types.TopologyToken{Depth: depth, PDUPosition: pos}, err
}

func (t *txn) GetSlidingSyncRoomMetadata() tables.SlidingSyncRoomMetadata {
	return t.db.SlidingSyncRoomMeta
}

func (t *txn) GetConnectionList(ctx context.Context, connectionKey int64, listName string) (string, bool, error) {
	return t.db.SlidingSyncTable.SelectConnectionList(ctx, t.txn, connectionKey, listName)
}

func (t *txn) GetConnectionStreamsByPosition(ctx context.Context, connectionPosition int64) (map[string]map[string]*tables.SlidingSyncConnectionStream, error) {
	return t.db.SlidingSyncTable.SelectConnectionStreamsByPosition(ctx, t.txn, connectionPosition)
}

func (t *txn) GetLatestRoomConfig(ctx context.Context, connectionKey int64, roomID string) (*tables.SlidingSyncRoomConfig, error) {
	return t.db.SlidingSyncTable.SelectLatestRoomConfig(ctx, t.txn, connectionKey, roomID)
}

func (t *txn) GetOrCreateRequiredStateID(ctx context.Context, connectionKey int64, requiredState string) (int64, error) {
	id, exists, err := t.db.SlidingSyncTable.SelectRequiredStateByContent(ctx, t.txn, connectionKey, requiredState)
	if err != nil {
		return 0, err
	}
	if exists {
		return id, nil
	}
	return t.db.SlidingSyncTable.InsertRequiredState(ctx, t.txn, connectionKey, requiredState)
}

func (t *txn) SelectLatestUserReceiptsForConnection(ctx context.Context, connectionKey int64, roomIDs []string, userID string) ([]types.OutputReceiptEvent, error) {
	return t.db.ReceiptTable.SelectLatestUserReceiptsForConnection(ctx, t.txn, connectionKey, roomIDs, userID)
}

// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/internal/eventutil"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

// Receipts stores and serves read receipts, both the classic per-room stream
// and the per-connection delivery state sliding sync needs to avoid re-
// sending unchanged receipts.
type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error)
	SelectRoomReceiptsAfter(ctx context.Context, txn *sql.Tx, roomIDs []string, streamPos types.StreamPosition) (types.StreamPosition, []types.OutputReceiptEvent, error)
	SelectMaxReceiptID(ctx context.Context, txn *sql.Tx) (int64, error)
	PurgeReceipts(ctx context.Context, txn *sql.Tx, roomID string) error

	SelectLatestUserReceiptsForConnection(ctx context.Context, txn *sql.Tx, connectionKey int64, roomIDs []string, userID string) ([]types.OutputReceiptEvent, error)
	UpsertConnectionReceipt(ctx context.Context, txn *sql.Tx, connectionKey int64, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) error
	DeleteConnectionReceipts(ctx context.Context, txn *sql.Tx, connectionKey int64) error
}

// NotificationData stores per-room (and per-thread) unread push-rule counts,
// fed by the Device & Key Registry's push evaluator and consumed by the Sync
// Engine's unread_notifications block
type NotificationData interface {
	UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID, threadRoot string, notificationCount, highlightCount int) (types.StreamPosition, error)
	SelectUserUnreadCountsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]*eventutil.NotificationData, error)
	SelectUserUnreadThreadCountsForRooms(ctx context.Context, txn *sql.Tx, userID string, roomIDs []string) (map[string]map[string]*eventutil.NotificationData, error)
	SelectMaxID(ctx context.Context, txn *sql.Tx) (int64, error)
	PurgeNotificationData(ctx context.Context, txn *sql.Tx, roomID string) error
}

// UnPartialStatedRooms records, per user, when a partial-state-joined room
// finished resyncing full state, so an in-flight incremental sync can
// present it as "newly joined" exactly once
type UnPartialStatedRooms interface {
	InsertUnPartialStatedRoom(ctx context.Context, txn *sql.Tx, roomID, userID string) (types.StreamPosition, error)
	SelectUnPartialStatedRoomsInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]string, types.StreamPosition, error)
	SelectMaxUnPartialStatedRoomID(ctx context.Context, txn *sql.Tx) (int64, error)
	PurgeUnPartialStatedRooms(ctx context.Context, txn *sql.Tx, roomID string) error
}

// Events is the Sync Engine's own append-only timeline mirror of the Room
// Manager's event DAG: every event the Room Manager applies is copied here
// at the PDU stream position it was received, so the Sync Engine never has
// to call back into the Event Store to serve /sync or /messages
type Events interface {
	SelectStreamPositionForEvent(ctx context.Context, txn *sql.Tx, eventID string) (types.StreamPosition, error)
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomIDs []string, r types.Range, eventFilter *synctypes.RoomEventFilter, chronologicalOrder, onlySyncEvents bool) (map[string]types.RecentEvents, error)
	SelectEarlyEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, eventFilter *synctypes.RoomEventFilter) ([]types.StreamEvent, error)
	SelectMaxEventID(ctx context.Context, txn *sql.Tx) (int64, error)
	InsertEvent(
		ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent,
		addStateEventIDs, removeStateEventIDs []string,
		topologicalPosition types.StreamPosition, excludeFromSync bool, transactionID *types.TransactionID,
	) (streamPos types.StreamPosition, err error)
	SelectContextEvent(ctx context.Context, txn *sql.Tx, roomID, eventID string) (int, types.StreamEvent, error)
	SelectContextBeforeEvent(ctx context.Context, txn *sql.Tx, id int, roomID string, filter *synctypes.RoomEventFilter) ([]*rstypes.HeaderedEvent, error)
	SelectContextAfterEvent(ctx context.Context, txn *sql.Tx, id int, roomID string, filter *synctypes.RoomEventFilter) (int, []*rstypes.HeaderedEvent, error)
	UpdateEventJSON(ctx context.Context, txn *sql.Tx, event gomatrixserverlib.PDU) error
	PurgeEvents(ctx context.Context, txn *sql.Tx, roomID string) error
	SelectEventPositionInTopology(ctx context.Context, txn *sql.Tx, eventID string) (types.TopologyToken, error)
}

// CurrentRoomState mirrors each room's resolved current state into one row
// per (room, type, state_key), the shape /sync's "initial state" and lazy-
// loaded membership queries read from.
type CurrentRoomState interface {
	SelectStateEvent(ctx context.Context, txn *sql.Tx, roomID, evType, stateKey string) (*rstypes.HeaderedEvent, error)
	SelectEventsWithEventIDs(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]types.StreamEvent, error)
	SelectCurrentState(ctx context.Context, txn *sql.Tx, roomID string, stateFilter *synctypes.StateFilter, excludeEventIDs []string) ([]*rstypes.HeaderedEvent, error)
	SelectRoomIDsWithMembership(ctx context.Context, txn *sql.Tx, userID, membership string) ([]string, error)
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx) (map[string][]string, error)
	SelectJoinedUsersInRoom(ctx context.Context, txn *sql.Tx, roomIDs []string) (map[string][]string, error)
	SelectRoomMembershipForUser(ctx context.Context, txn *sql.Tx, roomID, userID string, pos types.StreamPosition) (membership string, eventID string, streamPos types.StreamPosition, err error)
	SelectMembershipCount(ctx context.Context, txn *sql.Tx, roomID, membership string, pos types.StreamPosition) (int, error)
	UpsertRoomState(ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent, membership *string, streamPos types.StreamPosition) error
	DeleteRoomStateByEventID(ctx context.Context, txn *sql.Tx, eventID string) error
	PurgeRoomState(ctx context.Context, txn *sql.Tx, roomID string) error
}

// Invites tracks pending invites separately from CurrentRoomState so an
// invitee can be shown a stripped-state invite without the Sync Engine
// needing their (possibly unreachable, partial-state) room's full state.
type Invites interface {
	InsertInviteEvent(ctx context.Context, txn *sql.Tx, inviteEvent *rstypes.HeaderedEvent) (types.StreamPosition, error)
	DeleteInviteEvent(ctx context.Context, txn *sql.Tx, inviteEventID string) (types.StreamPosition, error)
	SelectInviteEventsInRange(ctx context.Context, txn *sql.Tx, targetUserID string, r types.Range) (map[string]*rstypes.HeaderedEvent, map[string]*rstypes.HeaderedEvent, types.StreamPosition, error)
	SelectMaxInviteID(ctx context.Context, txn *sql.Tx) (int64, error)
	PurgeInvites(ctx context.Context, txn *sql.Tx, roomID string) error
}

// AccountData stores per-user (and optionally per-room) client config blobs
type AccountData interface {
	InsertAccountData(ctx context.Context, txn *sql.Tx, userID, roomID, dataType string) (types.StreamPosition, error)
	SelectAccountDataInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range, accountDataFilterPart *synctypes.EventFilter) (map[string][]string, types.StreamPosition, error)
	SelectMaxAccountDataID(ctx context.Context, txn *sql.Tx) (int64, error)
}

// SendToDevice queues device-to-device messages, delivered once and deleted
// after the recipient's sync confirms receipt.
type SendToDevice interface {
	InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, userID, deviceID, content string) (types.StreamPosition, error)
	SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, from, to types.StreamPosition) ([]types.SendToDeviceEvent, types.StreamPosition, error)
	DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, to types.StreamPosition) error
	SelectMaxSendToDeviceMessageID(ctx context.Context, txn *sql.Tx) (int64, error)
}

// Topology maps each event to its position in a room's topological
// (depth-ordered) stream, the ordering /messages paginates by rather
// than the PDU stream position used for /sync.
type Topology interface {
	InsertEventInTopology(ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent, pos types.StreamPosition) (topoPos types.StreamPosition, err error)
	SelectEventIDsInRange(ctx context.Context, txn *sql.Tx, roomID string, minDepth, maxDepth, maxStreamPos types.StreamPosition, limit int, chronological bool) ([]string, error)
	SelectPositionInTopology(ctx context.Context, txn *sql.Tx, eventID string) (pos, spos types.StreamPosition, err error)
	SelectMaxPositionInTopology(ctx context.Context, txn *sql.Tx, roomID string) (pos, spos types.StreamPosition, err error)
	SelectStreamToTopologicalPosition(ctx context.Context, txn *sql.Tx, roomID string, streamPos types.StreamPosition, backwards bool) (topoPos types.StreamPosition, err error)
}

// Filter persists client-uploaded /user/{id}/filter definitions so a
// subsequent /sync?filter=<id> can resolve the ID back to its JSON body.
type Filter interface {
	SelectFilter(ctx context.Context, txn *sql.Tx, target *synctypes.RoomEventFilter, localpart string, filterID string) error
	InsertFilter(ctx context.Context, txn *sql.Tx, filter *synctypes.RoomEventFilter, localpart string) (filterID string, err error)
}

// Ignores stores a user's m.ignored_user_list account data in queryable
// form, so the Sync Engine can cheaply drop events from ignored senders.
type Ignores interface {
	SelectIgnores(ctx context.Context, txn *sql.Tx, userID string) (*IgnoredUsers, error)
	UpsertIgnores(ctx context.Context, txn *sql.Tx, userID string, ignores *IgnoredUsers) error
}

// IgnoredUsers is the decoded form of one user's ignore list.
type IgnoredUsers struct {
	List map[string]any `json:"ignored_users"`
}

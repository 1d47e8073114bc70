// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package storage declares the Sync Engine's storage
// contract: a write-capable Database plus the read-only
// DatabaseTransaction surface shared by both a long-lived snapshot (used
// to serve one /sync response consistently) and an explicit transaction
// (used when a consumer needs to both read and write atomically).
package storage

import (
	"context"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/internal/eventutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
)

// DatabaseTransaction is every read query the Sync Engine needs to serve a
// /sync (classic or sliding) response, satisfied by both a read-only
// snapshot (NewDatabaseSnapshot) and a read-write transaction
// (NewDatabaseTransaction) so callers never need to care which one they were
// handed
type DatabaseTransaction interface {
	Commit() error
	Rollback() error

	// Timeline / events
	RecentEvents(ctx context.Context, roomIDs []string, r types.Range, eventFilter *synctypes.RoomEventFilter, chronologicalOrder, onlySyncEvents bool) (map[string]types.RecentEvents, error)
	GetEventsInStreamingRange(ctx context.Context, from, to *types.StreamingToken) ([]types.StreamEvent, error)
	PaginateEvents(ctx context.Context, roomID string, from, to types.TopologyToken, direction string, limit int, eventFilter *synctypes.RoomEventFilter) ([]types.StreamEvent, types.TopologyToken, error)
	EventPositionInTopology(ctx context.Context, eventID string) (types.TopologyToken, error)
	StreamEventsToEvents(ctx context.Context, device *spec.UserID, in []types.StreamEvent, userIDForSender synctypes.UserIDForSender) []*rstypes.HeaderedEvent

	// Current room state
	GetStateEvent(ctx context.Context, roomID, evType, stateKey string) (*rstypes.HeaderedEvent, error)
	GetStateEventsForRoom(ctx context.Context, roomID string, stateFilter *synctypes.StateFilter) ([]*rstypes.HeaderedEvent, error)
	GetRoomSummary(ctx context.Context, roomID, userID string) (*types.Summary, error)
	AllJoinedUsersInRoom(ctx context.Context, roomIDs []string) (map[string][]string, error)
	AllJoinedUsersInRooms(ctx context.Context) (map[string][]string, error)
	RoomIDsWithMembership(ctx context.Context, userID string, membership string) ([]string, error)
	SelectMembershipForUser(ctx context.Context, roomID, userID string, pos int64) (membership string, eventID string, streamPos int64, err error)
	MembershipCount(ctx context.Context, roomID, membership string, pos types.StreamPosition) (int, error)
	KickedRoomIDs(ctx context.Context, userID string, r types.Range) ([]string, error)
	RoomsWithEventsSince(ctx context.Context, roomIDs []string, since types.StreamPosition) ([]string, error)
	RoomsWithInvitesSince(ctx context.Context, userID string, roomIDs []string, since types.StreamPosition) ([]string, error)

	// Invites
	InviteEventsInRange(ctx context.Context, targetUserID string, r types.Range) (map[string]*rstypes.HeaderedEvent, map[string]*rstypes.HeaderedEvent, types.StreamPosition, error)
	MaxStreamPositionForInvites(ctx context.Context) (types.StreamPosition, error)

	// Receipts
	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error)

	// Account data
	GetAccountDataInRange(ctx context.Context, userID string, r types.Range, accountDataFilterPart *synctypes.EventFilter) (map[string][]string, types.StreamPosition, error)
	IgnoresForUser(ctx context.Context, userID string) (*tables.IgnoredUsers, error)

	// Send-to-device
	SendToDeviceUpdatesForSync(ctx context.Context, userID, deviceID string, from, to types.StreamPosition) (types.StreamPosition, []types.SendToDeviceEvent, error)

	// Notification counts (fed by the Device & Key Registry's push evaluator)
	GetUserUnreadThreadNotificationCountsForRoom(ctx context.Context, userID, roomID string) (map[string]*eventutil.NotificationData, error)
	GetUserUnreadNotificationCountsForRooms(ctx context.Context, userID string, roomIDs []string) (map[string]*eventutil.NotificationData, error)

	// Current max position of every stream, used to compute a token
	// covering "everything known right now" for an initial sync.
	MaxStreamPositionsForRooms(ctx context.Context) (types.StreamingToken, error)
	MaxTopologicalPosition(ctx context.Context, roomID string) (types.TopologyToken, error)

	// MSC4186 sliding sync: room metadata cache (owned by tables.SlidingSyncRoomMetadata)
	GetSlidingSyncRoomMetadata() tables.SlidingSyncRoomMetadata

	// MSC4186 sliding sync: per-connection position/stream/list state
	GetConnectionList(ctx context.Context, connectionKey int64, listName string) (roomIDsJSON string, exists bool, err error)
	GetConnectionStreamsByPosition(ctx context.Context, connectionPosition int64) (map[string]map[string]*tables.SlidingSyncConnectionStream, error)
	GetLatestRoomConfig(ctx context.Context, connectionKey int64, roomID string) (*tables.SlidingSyncRoomConfig, error)
	GetOrCreateRequiredStateID(ctx context.Context, connectionKey int64, requiredState string) (int64, error)
	SelectLatestUserReceiptsForConnection(ctx context.Context, connectionKey int64, roomIDs []string, userID string) ([]types.OutputReceiptEvent, error)
}

// Database is the Sync Engine's write-capable storage handle: every read in
// DatabaseTransaction, plus the writes fed by its JetStream consumers and
// the connection bookkeeping MSC4186 sliding sync needs
type Database interface {
	DatabaseTransaction

	// NewDatabaseTransaction starts a read-write transaction, used by
	// consumers that must write and then immediately read their own
	// write (e.g. to compute a stream position to notify with).
	NewDatabaseTransaction(ctx context.Context) (DatabaseTransaction, error)

	// NewDatabaseSnapshot starts a read-only, REPEATABLE READ snapshot,
	// used to serve one /sync response from a single consistent view of
	// every stream even though they're read independently.
	NewDatabaseSnapshot(ctx context.Context) (DatabaseTransaction, error)

	// WriteEvent mirrors one Room Manager event into the timeline,
	// current-state and topology tables in a single transaction, so the
	// Sync Engine always observes the Room Manager's event order.
	WriteEvent(
		ctx context.Context, ev *rstypes.HeaderedEvent,
		addStateEvents []*rstypes.HeaderedEvent,
		addStateEventIDs, removeStateEventIDs []string,
		transactionID *types.TransactionID, excludeFromSync bool,
		historyVisibility gomatrixserverlib.HistoryVisibility,
	) (types.StreamPosition, error)

	UpsertRoomState(ctx context.Context, event *rstypes.HeaderedEvent, membership *string, addedAt types.StreamPosition) error

	// RedactEvent strips eventID's content in place per the redaction
	// algorithm, for redactions (such as burn-after-read) that aren't
	// carried by their own m.room.redaction event in the timeline.
	RedactEvent(ctx context.Context, roomID, eventID string) error

	// EventContent returns eventID's raw content, e.g. to check it for a
	// burn_after_read marker before scheduling a delayed redaction.
	EventContent(ctx context.Context, roomID, eventID string) (json.RawMessage, error)

	StoreNewSendForDeviceMessage(ctx context.Context, userID, deviceID string, event gomatrixserverlib.SendToDeviceEvent) (types.StreamPosition, error)
	CleanSendToDeviceUpdates(ctx context.Context, userID, deviceID string, before types.StreamPosition) error

	UpsertAccountData(ctx context.Context, userID, roomID, dataType string) (types.StreamPosition, error)

	UpsertRoomUnreadNotificationCounts(ctx context.Context, userID, roomID, threadRootEventID string, unreadNotificationCount, unreadHighlightCount int) (types.StreamPosition, error)

	UpdateIgnoresForUser(ctx context.Context, userID string, ignores *tables.IgnoredUsers) error

	PurgeRoom(ctx context.Context, roomID string) error

	// MSC4186 sliding sync connection/position/list/stream bookkeeping
	GetOrCreateConnection(ctx context.Context, userID, deviceID, connID string) (connectionKey int64, err error)
	CreateConnectionPosition(ctx context.Context, connectionKey int64) (connectionPosition int64, err error)
	ValidateConnectionPosition(ctx context.Context, connectionKey, connectionPosition int64) error
	DeleteOtherConnectionPositions(ctx context.Context, connectionKey, keepPosition int64) error
	DeleteConnectionReceipts(ctx context.Context, connectionKey int64) error
	UpdateRoomConfig(ctx context.Context, connectionPosition int64, roomID string, timelineLimit int, requiredStateID int64) error
	UpdateConnectionList(ctx context.Context, connectionKey int64, listName string, roomIDsJSON string) error
	UpdateConnectionStream(ctx context.Context, connectionPosition int64, roomID, stream, roomStatus, lastToken string) error
	UpsertConnectionReceipt(ctx context.Context, connectionKey int64, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) error

	MarkRoomUnPartialStated(ctx context.Context, roomID string, memberUserIDs []string) (types.StreamPosition, error)
}

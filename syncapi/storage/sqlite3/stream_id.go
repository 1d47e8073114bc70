// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"sync"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/syncapi/types"
)

// StreamIDStatements hands out the next stream position for every stream
// this component owns. sqlite3 has no SEQUENCE object (unlike postgres,
// which backs each stream with one), so each stream gets a row in one
// shared counter table that's read-incremented-written under a mutex;
// every nextXXXID caller already runs inside the writer's single
// connection, so the mutex only protects against concurrent goroutines
// racing the read-then-write, not against another process.
type StreamIDStatements struct {
	db  *sql.DB
	mu  sync.Mutex
	set *sql.Stmt
}

const streamIDSchema = `
CREATE TABLE IF NOT EXISTS syncapi_stream_id (
	stream_name TEXT NOT NULL PRIMARY KEY,
	stream_id INTEGER NOT NULL DEFAULT 0
);
`

const updateStreamIDSQL = `
UPDATE syncapi_stream_id SET stream_id = $2 WHERE stream_name = $1
`

// NewSqliteStreamIDStatements prepares the shared counter table used by
// every stream that needs a monotonic position on sqlite3.
func NewSqliteStreamIDStatements(db *sql.DB) (*StreamIDStatements, error) {
	if _, err := db.Exec(streamIDSchema); err != nil {
		return nil, err
	}
	s := &StreamIDStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.set, updateStreamIDSQL},
	}.Prepare(db)
}

func (s *StreamIDStatements) next(ctx context.Context, txn *sql.Tx, streamName string) (types.StreamPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ($1, 0) ON CONFLICT (stream_name) DO NOTHING", streamName); err != nil {
		return 0, err
	}
	var current int64
	if err := s.db.QueryRowContext(ctx, "SELECT stream_id FROM syncapi_stream_id WHERE stream_name = $1", streamName).Scan(&current); err != nil {
		return 0, err
	}
	next := current + 1
	if _, err := sqlutil.TxStmt(txn, s.set).ExecContext(ctx, streamName, next); err != nil {
		return 0, err
	}
	return types.StreamPosition(next), nil
}

func (s *StreamIDStatements) nextPDUID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "pdu")
}

func (s *StreamIDStatements) nextReceiptID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "receipt")
}

func (s *StreamIDStatements) nextNotificationID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "notification")
}

func (s *StreamIDStatements) nextUnPartialStatedID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "unpartialstated")
}

func (s *StreamIDStatements) nextInviteID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "invite")
}

func (s *StreamIDStatements) nextAccountDataID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "accountdata")
}

func (s *StreamIDStatements) nextSendToDeviceID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error) {
	return s.next(ctx, txn, "sendtodevice")
}

func (s *StreamIDStatements) nextTopologyID(ctx context.Context, txn *sql.Tx, roomID string) (types.StreamPosition, error) {
	return s.next(ctx, txn, "topology_"+roomID)
}

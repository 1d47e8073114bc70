// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrixcore/homeserver/internal"
	"github.com/matrixcore/homeserver/internal/sqlutil"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage/tables"
	"github.com/matrixcore/homeserver/syncapi/types"
)

const topologySchema = `
CREATE TABLE IF NOT EXISTS syncapi_topology (
	event_id TEXT NOT NULL PRIMARY KEY,
	room_id TEXT NOT NULL,
	topological_position BIGINT NOT NULL,
	stream_position BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_topology_room_depth ON syncapi_topology(room_id, topological_position, stream_position);`

const insertEventInTopologySQL = `
INSERT INTO syncapi_topology (event_id, room_id, topological_position, stream_position)
  VALUES ($1, $2, $3, $4)
  ON CONFLICT (event_id) DO UPDATE SET topological_position = $3
  RETURNING topological_position`

const selectEventIDsInRangeASCSQL = `
SELECT event_id FROM syncapi_topology
  WHERE room_id = $1 AND topological_position >= $2 AND topological_position <= $3
    AND (topological_position < $3 OR stream_position <= $4)
  ORDER BY topological_position ASC, stream_position ASC
  LIMIT $5`

const selectEventIDsInRangeDESCSQL = `
SELECT event_id FROM syncapi_topology
  WHERE room_id = $1 AND topological_position >= $2 AND topological_position <= $3
    AND (topological_position < $3 OR stream_position <= $4)
  ORDER BY topological_position DESC, stream_position DESC
  LIMIT $5`

const selectPositionInTopologySQL = `
SELECT topological_position, stream_position FROM syncapi_topology WHERE event_id = $1`

const selectMaxPositionInTopologySQL = `
SELECT topological_position, stream_position FROM syncapi_topology
  WHERE room_id = $1 ORDER BY topological_position DESC, stream_position DESC LIMIT 1`

const selectStreamToTopologicalPositionASCSQL = `
SELECT COALESCE(MIN(topological_position), 0) FROM syncapi_topology
  WHERE room_id = $1 AND stream_position >= $2`

const selectStreamToTopologicalPositionDESCSQL = `
SELECT COALESCE(MAX(topological_position), 0) FROM syncapi_topology
  WHERE room_id = $1 AND stream_position <= $2`

type topologyStatements struct {
	db                               *sql.DB
	insertEventInTopology            *sql.Stmt
	selectEventIDsInRangeASC         *sql.Stmt
	selectEventIDsInRangeDESC        *sql.Stmt
	selectPositionInTopology         *sql.Stmt
	selectMaxPositionInTopology      *sql.Stmt
	selectStreamToTopoPositionASC    *sql.Stmt
	selectStreamToTopoPositionDESC   *sql.Stmt
}

func NewPostgresTopologyTable(db *sql.DB) (tables.Topology, error) {
	_, err := db.Exec(topologySchema)
	if err != nil {
		return nil, err
	}
	s := &topologyStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertEventInTopology, insertEventInTopologySQL},
		{&s.selectEventIDsInRangeASC, selectEventIDsInRangeASCSQL},
		{&s.selectEventIDsInRangeDESC, selectEventIDsInRangeDESCSQL},
		{&s.selectPositionInTopology, selectPositionInTopologySQL},
		{&s.selectMaxPositionInTopology, selectMaxPositionInTopologySQL},
		{&s.selectStreamToTopoPositionASC, selectStreamToTopologicalPositionASCSQL},
		{&s.selectStreamToTopoPositionDESC, selectStreamToTopologicalPositionDESCSQL},
	}.Prepare(db)
}

func (s *topologyStatements) InsertEventInTopology(ctx context.Context, txn *sql.Tx, event *rstypes.HeaderedEvent, pos types.StreamPosition) (topoPos types.StreamPosition, err error) {
	stmt := sqlutil.TxStmt(txn, s.insertEventInTopology)
	err = stmt.QueryRowContext(ctx, event.EventID(), event.RoomID().String(), event.Depth(), pos).Scan(&topoPos)
	return
}

func (s *topologyStatements) SelectEventIDsInRange(ctx context.Context, txn *sql.Tx, roomID string, minDepth, maxDepth, maxStreamPos types.StreamPosition, limit int, chronological bool) ([]string, error) {
	stmt := s.selectEventIDsInRangeASC
	if !chronological {
		stmt = s.selectEventIDsInRangeDESC
	}
	rows, err := sqlutil.TxStmt(txn, stmt).QueryContext(ctx, roomID, minDepth, maxDepth, maxStreamPos, limit)
	if err != nil {
		return nil, fmt.Errorf("unable to query events in range: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectEventIDsInRange: rows.close() failed")
	var eventIDs []string
	for rows.Next() {
		var eventID string
		if err = rows.Scan(&eventID); err != nil {
			return nil, err
		}
		eventIDs = append(eventIDs, eventID)
	}
	return eventIDs, rows.Err()
}

func (s *topologyStatements) SelectPositionInTopology(ctx context.Context, txn *sql.Tx, eventID string) (pos, spos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectPositionInTopology).QueryRowContext(ctx, eventID).Scan(&pos, &spos)
	return
}

func (s *topologyStatements) SelectMaxPositionInTopology(ctx context.Context, txn *sql.Tx, roomID string) (pos, spos types.StreamPosition, err error) {
	err = sqlutil.TxStmt(txn, s.selectMaxPositionInTopology).QueryRowContext(ctx, roomID).Scan(&pos, &spos)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	return
}

func (s *topologyStatements) SelectStreamToTopologicalPosition(ctx context.Context, txn *sql.Tx, roomID string, streamPos types.StreamPosition, backwards bool) (topoPos types.StreamPosition, err error) {
	stmt := s.selectStreamToTopoPositionASC
	if backwards {
		stmt = s.selectStreamToTopoPositionDESC
	}
	err = sqlutil.TxStmt(txn, stmt).QueryRowContext(ctx, roomID, streamPos).Scan(&topoPos)
	return
}

var _ tables.Topology = &topologyStatements{}

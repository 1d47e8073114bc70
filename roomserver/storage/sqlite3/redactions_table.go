// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrixcore/homeserver/internal/sqlutil"
)

const redactionsSchema = `
CREATE TABLE IF NOT EXISTS roomserver_redactions (
	redaction_event_id TEXT NOT NULL PRIMARY KEY,
	redacts_event_id TEXT NOT NULL,
	validated BOOLEAN NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_roomserver_redactions_redacts ON roomserver_redactions(redacts_event_id);
`

const insertRedactionSQL = "" +
	"INSERT INTO roomserver_redactions (redaction_event_id, redacts_event_id, validated) VALUES ($1, $2, $3)" +
	" ON CONFLICT (redaction_event_id) DO UPDATE SET validated = $3"

const selectRedactionInfoByEventIDSQL = "" +
	"SELECT redaction_event_id, redacts_event_id, validated FROM roomserver_redactions WHERE redaction_event_id = $1"

const markRedactionValidatedSQL = "" +
	"UPDATE roomserver_redactions SET validated = $2 WHERE redaction_event_id = $1"

type redactionStatements struct {
	insertRedactionStmt              *sql.Stmt
	selectRedactionInfoByEventIDStmt *sql.Stmt
	markRedactionValidatedStmt       *sql.Stmt
}

func CreateRedactionsTable(db *sql.DB) error {
	_, err := db.Exec(redactionsSchema)
	return err
}

func PrepareRedactionsTable(db *sql.DB) (*redactionStatements, error) {
	s := &redactionStatements{}
	return s, sqlutil.StatementList{
		{&s.insertRedactionStmt, insertRedactionSQL},
		{&s.selectRedactionInfoByEventIDStmt, selectRedactionInfoByEventIDSQL},
		{&s.markRedactionValidatedStmt, markRedactionValidatedSQL},
	}.Prepare(db)
}

func (s *redactionStatements) InsertRedaction(ctx context.Context, txn *sql.Tx, redactionEventID, redactsEventID string, validated bool) error {
	stmt := sqlutil.TxStmt(txn, s.insertRedactionStmt)
	_, err := stmt.ExecContext(ctx, redactionEventID, redactsEventID, validated)
	return err
}

func (s *redactionStatements) SelectRedactionInfoByEventID(ctx context.Context, txn *sql.Tx, eventID string) (redactionEventID string, redacts string, validated bool, ok bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectRedactionInfoByEventIDStmt)
	err = stmt.QueryRowContext(ctx, eventID).Scan(&redactionEventID, &redacts, &validated)
	if err == sql.ErrNoRows {
		return "", "", false, false, nil
	}
	if err != nil {
		return "", "", false, false, err
	}
	return redactionEventID, redacts, validated, true, nil
}

func (s *redactionStatements) MarkRedactionValidated(ctx context.Context, txn *sql.Tx, redactionEventID string, validated bool) error {
	stmt := sqlutil.TxStmt(txn, s.markRedactionValidatedStmt)
	_, err := stmt.ExecContext(ctx, redactionEventID, validated)
	return err
}

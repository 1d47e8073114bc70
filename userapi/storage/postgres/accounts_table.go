// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

const accountsSchema = `
CREATE TABLE IF NOT EXISTS userapi_accounts (
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	appservice_id TEXT NOT NULL DEFAULT '',
	account_type SMALLINT NOT NULL DEFAULT 0,
	is_deactivated BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL,
	PRIMARY KEY (localpart, server_name)
);
`

const insertAccountSQL = `
INSERT INTO userapi_accounts (localpart, server_name, password_hash, appservice_id, account_type, created_ts)
VALUES ($1, $2, $3, $4, $5, $6)
`

const selectAccountByLocalpartSQL = `
SELECT localpart, server_name, appservice_id, account_type, is_deactivated, created_ts
FROM userapi_accounts WHERE localpart = $1 AND server_name = $2
`

const selectPasswordHashSQL = `
SELECT password_hash FROM userapi_accounts WHERE localpart = $1 AND server_name = $2
`

const deactivateAccountSQL = `
UPDATE userapi_accounts SET is_deactivated = TRUE WHERE localpart = $1 AND server_name = $2
`

const updatePasswordSQL = `
UPDATE userapi_accounts SET password_hash = $3 WHERE localpart = $1 AND server_name = $2
`

type accountsStatements struct {
	insertStmt      *sql.Stmt
	selectStmt      *sql.Stmt
	selectPassStmt  *sql.Stmt
	deactivateStmt  *sql.Stmt
	updatePassStmt  *sql.Stmt
	serverNoticesLp string
}

// NewPostgresAccountsTable opens the local user directory. serverNoticesLocalpart,
// when set, is the localpart of the account the homeserver uses to send
// server notices; the table reserves it as AccountTypeUser on first use so a
// login attempt for it never races its own provisioning.
func NewPostgresAccountsTable(db *sql.DB, serverNoticesLocalpart string) (tables.AccountsTable, error) {
	if _, err := db.Exec(accountsSchema); err != nil {
		return nil, err
	}
	s := &accountsStatements{serverNoticesLp: serverNoticesLocalpart}
	return s, sqlutil.StatementList{
		{&s.insertStmt, insertAccountSQL},
		{&s.selectStmt, selectAccountByLocalpartSQL},
		{&s.selectPassStmt, selectPasswordHashSQL},
		{&s.deactivateStmt, deactivateAccountSQL},
		{&s.updatePassStmt, updatePasswordSQL},
	}.Prepare(db)
}

func (s *accountsStatements) InsertAccount(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, password, appserviceID string, accountType api.AccountType) (*api.Account, error) {
	now := spec.AsTimestamp(time.Now().UTC())
	stmt := sqlutil.TxStmt(txn, s.insertStmt)
	if _, err := stmt.ExecContext(ctx, localpart, string(serverName), password, appserviceID, int16(accountType), int64(now)); err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:       userIDFor(localpart, serverName),
		Localpart:    localpart,
		ServerName:   serverName,
		AppServiceID: appserviceID,
		AccountType:  accountType,
		CreatedTS:    now,
	}, nil
}

func (s *accountsStatements) SelectAccountByLocalpart(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) (*api.Account, error) {
	stmt := sqlutil.TxStmt(txn, s.selectStmt)
	var (
		lp, sn, appserviceID string
		accountType          int16
		deactivated          bool
		createdTS            int64
	)
	err := stmt.QueryRowContext(ctx, localpart, string(serverName)).Scan(&lp, &sn, &appserviceID, &accountType, &deactivated, &createdTS)
	if err != nil {
		return nil, err
	}
	return &api.Account{
		UserID:       userIDFor(lp, spec.ServerName(sn)),
		Localpart:    lp,
		ServerName:   spec.ServerName(sn),
		AppServiceID: appserviceID,
		AccountType:  api.AccountType(accountType),
		CreatedTS:    spec.Timestamp(createdTS),
	}, nil
}

func (s *accountsStatements) SelectPasswordHash(ctx context.Context, localpart string, serverName spec.ServerName) (string, error) {
	var hash string
	err := s.selectPassStmt.QueryRowContext(ctx, localpart, string(serverName)).Scan(&hash)
	return hash, err
}

func (s *accountsStatements) DeactivateAccount(ctx context.Context, localpart string, serverName spec.ServerName) error {
	_, err := s.deactivateStmt.ExecContext(ctx, localpart, string(serverName))
	return err
}

func (s *accountsStatements) UpdatePassword(ctx context.Context, localpart string, serverName spec.ServerName, passwordHash string) error {
	_, err := s.updatePassStmt.ExecContext(ctx, localpart, string(serverName), passwordHash)
	return err
}

func userIDFor(localpart string, serverName spec.ServerName) string {
	return "@" + localpart + ":" + string(serverName)
}

var _ tables.AccountsTable = (*accountsStatements)(nil)

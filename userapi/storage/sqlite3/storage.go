// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	// Side-effect import registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/shared"
	"github.com/matrixcore/homeserver/userapi/storage/sqlite3/deltas"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Open connects to a SQLite account database, creates every table that
// doesn't already exist, prepares all statements, and applies outstanding
// migrations.
func Open(dataSourceName string, serverName spec.ServerName, serverNoticesLocalpart string) (*shared.Database, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	// SQLite only allows one writer at a time; serialise writes through a
	// single connection rather than letting database/sql pool them.
	db.SetMaxOpenConns(1)

	accounts, err := NewSQLiteAccountsTable(db, serverNoticesLocalpart)
	if err != nil {
		return nil, err
	}
	profiles, err := NewSQLiteProfilesTable(db, serverNoticesLocalpart)
	if err != nil {
		return nil, err
	}
	devices, err := NewSQLiteDevicesTable(db, serverName)
	if err != nil {
		return nil, err
	}
	users, err := NewSQLiteUsersTable(db)
	if err != nil {
		return nil, err
	}
	emailVerification, err := NewSQLiteEmailVerificationTable(db)
	if err != nil {
		return nil, err
	}
	emailVerificationLimits, err := NewSQLiteEmailVerificationLimitTable(db)
	if err != nil {
		return nil, err
	}
	passwordReset, err := NewSQLitePasswordResetTokensTable(db)
	if err != nil {
		return nil, err
	}
	passwordResetLimits, err := NewSQLitePasswordResetLimitTable(db)
	if err != nil {
		return nil, err
	}
	redactionJobs, err := NewSQLiteUserRedactionJobsTable(db)
	if err != nil {
		return nil, err
	}
	accountData, err := NewSQLiteAccountDataTable(db)
	if err != nil {
		return nil, err
	}
	threePIDs, err := NewSQLiteThreePIDsTable(db)
	if err != nil {
		return nil, err
	}
	refreshTokens, err := NewSQLiteRefreshTokensTable(db)
	if err != nil {
		return nil, err
	}

	m := sqlutil.NewMigrator(db)
	m.AddMigrations(
		sqlutil.Migration{
			Version: "userapi: thread notifications",
			Up:      deltas.UpNotificationThreads,
		},
		sqlutil.Migration{
			Version: "userapi: normalize threepids",
			Up:      deltas.UpNormalizeThreePIDs,
		},
		sqlutil.Migration{
			Version: "userapi: password reset attempt idempotency",
			Up:      deltas.UpPasswordResetAttemptIdempotency,
		},
		sqlutil.Migration{
			Version: "userapi: email verification tables",
			Up:      deltas.UpEmailVerificationTables,
		},
		sqlutil.Migration{
			Version: "userapi: normalize localparts",
			Up:      deltas.UpNormalizeLocalparts,
		},
	)
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("sqlite3: migrate: %w", err)
	}

	return &shared.Database{
		DB:                      db,
		ServerName:              serverName,
		AccountsTable:           accounts,
		ProfileTable:            profiles,
		DevicesTable:            devices,
		UsersTable:              users,
		EmailVerificationTable:  emailVerification,
		EmailVerificationLimits: emailVerificationLimits,
		PasswordResetTable:      passwordReset,
		PasswordResetLimits:     passwordResetLimits,
		RedactionJobsTable:      redactionJobs,
		AccountDataTable:        accountData,
		ThreePIDsTable:          threePIDs,
		RefreshTokensTable:      refreshTokens,
	}, nil
}

// OpenKeyDatabase connects to a SQLite E2EE key database, creates every
// table that doesn't already exist, and prepares all statements.
func OpenKeyDatabase(dataSourceName string) (*shared.KeyDatabase, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("sqlite3: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	deviceKeys, err := NewSQLiteDeviceKeysTable(db)
	if err != nil {
		return nil, err
	}
	oneTimeKeys, err := NewSQLiteOneTimeKeysTable(db)
	if err != nil {
		return nil, err
	}
	keyChanges, err := NewSQLiteKeyChangesTable(db)
	if err != nil {
		return nil, err
	}

	return &shared.KeyDatabase{
		DB:               db,
		DeviceKeysTable:  deviceKeys,
		OneTimeKeysTable: oneTimeKeys,
		KeyChangesTable:  keyChanges,
	}, nil
}

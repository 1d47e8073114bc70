// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	// Side-effect import registers the postgres driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/storage/postgres/deltas"
	"github.com/matrixcore/homeserver/userapi/storage/shared"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Open connects to a postgres account database, creates every table that
// doesn't already exist, prepares all statements, and applies outstanding
// migrations.
func Open(dataSourceName string, serverName spec.ServerName, serverNoticesLocalpart string) (*shared.Database, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	accounts, err := NewPostgresAccountsTable(db, serverNoticesLocalpart)
	if err != nil {
		return nil, err
	}
	profiles, err := NewPostgresProfilesTable(db, serverNoticesLocalpart)
	if err != nil {
		return nil, err
	}
	devices, err := NewPostgresDevicesTable(db, serverName)
	if err != nil {
		return nil, err
	}
	users, err := NewPostgresUsersTable(db)
	if err != nil {
		return nil, err
	}
	emailVerification, err := NewPostgresEmailVerificationTable(db)
	if err != nil {
		return nil, err
	}
	emailVerificationLimits, err := NewPostgresEmailVerificationLimitTable(db)
	if err != nil {
		return nil, err
	}
	passwordReset, err := NewPostgresPasswordResetTokensTable(db)
	if err != nil {
		return nil, err
	}
	passwordResetLimits, err := NewPostgresPasswordResetLimitTable(db)
	if err != nil {
		return nil, err
	}
	redactionJobs, err := NewPostgresUserRedactionJobsTable(db)
	if err != nil {
		return nil, err
	}
	accountData, err := NewPostgresAccountDataTable(db)
	if err != nil {
		return nil, err
	}
	threePIDs, err := NewPostgresThreePIDsTable(db)
	if err != nil {
		return nil, err
	}
	refreshTokens, err := NewPostgresRefreshTokensTable(db)
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
			Version: "userapi: password reset tokens",
			Up:      deltas.UpPasswordResetTokens,
		},
		sqlutil.Migration{
			Version: "userapi: password reset limits",
			Up:      deltas.UpPasswordResetLimits,
		},
		sqlutil.Migration{
			Version: "userapi: password reset attempt idempotency",
			Up:      deltas.UpPasswordResetAttemptIdempotency,
		},
	)
	if err = m.Up(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
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

// OpenKeyDatabase connects to a postgres E2EE key database, creates every
// table that doesn't already exist, and prepares all statements.
func OpenKeyDatabase(dataSourceName string) (*shared.KeyDatabase, error) {
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	deviceKeys, err := NewPostgresDeviceKeysTable(db)
	if err != nil {
		return nil, err
	}
	oneTimeKeys, err := NewPostgresOneTimeKeysTable(db)
	if err != nil {
		return nil, err
	}
	keyChanges, err := NewPostgresKeyChangesTable(db)
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

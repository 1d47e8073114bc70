// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package shared implements the Device & Key Registry's account half, its
// user/device/session store, once against the tables.* interfaces so the
// postgres and sqlite3 packages only need to supply the per-dialect table
// implementations.
package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"golang.org/x/crypto/bcrypt"

	"github.com/matrixcore/homeserver/internal/sqlutil"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
	"github.com/matrixcore/homeserver/userapi/types"
)

// Database is the dialect-agnostic half of the Device & Key Registry that
// owns accounts, profiles, devices and their supporting flows (email
// verification, password reset, admin listing, redaction jobs).
type Database struct {
	DB         *sql.DB
	ServerName spec.ServerName
	BcryptCost int

	AccountsTable           tables.AccountsTable
	ProfileTable            tables.ProfileTable
	DevicesTable            tables.DevicesTable
	UsersTable              tables.UsersTable
	EmailVerificationTable  tables.EmailVerificationTokensTable
	EmailVerificationLimits tables.EmailVerificationRateLimitTable
	PasswordResetTable      tables.PasswordResetTokensTable
	PasswordResetLimits     tables.PasswordResetRateLimitTable
	RedactionJobsTable      tables.UserRedactionJobsTable
	AccountDataTable        tables.AccountDataTable
	ThreePIDsTable          tables.ThreePIDsTable
	RefreshTokensTable      tables.RefreshTokensTable
}

// CreateAccount hashes password with bcrypt and inserts both the account row
// and an empty profile row, since every account has exactly one profile
func (d *Database) CreateAccount(ctx context.Context, localpart string, password, appserviceID string, accountType api.AccountType) (*api.Account, error) {
	hash := ""
	if password != "" {
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost())
		if err != nil {
			return nil, fmt.Errorf("userapi: hash password: %w", err)
		}
		hash = string(hashed)
	}
	acc, err := d.AccountsTable.InsertAccount(ctx, nil, localpart, d.ServerName, hash, appserviceID, accountType)
	if err != nil {
		return nil, err
	}
	if err = d.ProfileTable.InsertProfile(ctx, nil, localpart, d.ServerName); err != nil {
		return nil, err
	}
	return acc, nil
}

func (d *Database) bcryptCost() int {
	if d.BcryptCost == 0 {
		return bcrypt.DefaultCost
	}
	return d.BcryptCost
}

// GetAccountByPassword verifies a plaintext password against the stored
// bcrypt hash and returns the account on success.
func (d *Database) GetAccountByPassword(ctx context.Context, localpart, password string) (*api.Account, error) {
	hash, err := d.AccountsTable.SelectPasswordHash(ctx, localpart, d.ServerName)
	if err != nil {
		return nil, err
	}
	if hash == "" {
		return nil, fmt.Errorf("userapi: account has no password set")
	}
	if err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, err
	}
	return d.AccountsTable.SelectAccountByLocalpart(ctx, nil, localpart, d.ServerName)
}

// GetAccountByLocalpart fetches an account without verifying a password,
// used by flows that already authenticated via an access token.
func (d *Database) GetAccountByLocalpart(ctx context.Context, localpart string) (*api.Account, error) {
	return d.AccountsTable.SelectAccountByLocalpart(ctx, nil, localpart, d.ServerName)
}

// DeactivateAccount flips the account's deactivated flag and revokes every
// device it owns, so a deactivated account can never be used to log back in
func (d *Database) DeactivateAccount(ctx context.Context, localpart string) error {
	devices, err := d.DevicesTable.SelectDevicesByLocalpart(ctx, localpart, d.ServerName, "")
	if err != nil {
		return err
	}
	deviceIDs := make([]string, len(devices))
	for i, dev := range devices {
		deviceIDs[i] = dev.ID
	}
	if len(deviceIDs) > 0 {
		if err = d.DevicesTable.DeleteDevices(ctx, nil, localpart, d.ServerName, deviceIDs); err != nil {
			return err
		}
	}
	return d.AccountsTable.DeactivateAccount(ctx, localpart, d.ServerName)
}

// SetPassword bcrypt-hashes a new password and replaces the account's
// stored hash.
func (d *Database) SetPassword(ctx context.Context, localpart string, serverName spec.ServerName, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost())
	if err != nil {
		return fmt.Errorf("userapi: hash password: %w", err)
	}
	return d.AccountsTable.UpdatePassword(ctx, localpart, serverName, string(hashed))
}

// GetProfile returns a user's display name and avatar URL.
func (d *Database) GetProfile(ctx context.Context, localpart string) (displayName, avatarURL string, err error) {
	return d.ProfileTable.SelectProfileByLocalpart(ctx, localpart, d.ServerName)
}

// SetDisplayName updates a user's display name, returning the value it
// replaced so callers can emit an m.room.member update only when it
// actually changed.
func (d *Database) SetDisplayName(ctx context.Context, localpart, displayName string) (old, new string, err error) {
	return d.ProfileTable.SetDisplayName(ctx, nil, localpart, d.ServerName, displayName)
}

// SetAvatarURL updates a user's avatar URL, mirroring SetDisplayName.
func (d *Database) SetAvatarURL(ctx context.Context, localpart, avatarURL string) (old, new string, err error) {
	return d.ProfileTable.SetAvatarURL(ctx, nil, localpart, d.ServerName, avatarURL)
}

// CreateDevice inserts a new device/session, generating a device ID when the
// caller didn't supply a stable one to resume
func (d *Database) CreateDevice(ctx context.Context, localpart string, deviceID *string, accessToken string, displayName *string, ipAddr, userAgent string) (*api.Device, error) {
	id := ""
	if deviceID != nil && *deviceID != "" {
		id = *deviceID
	} else {
		id = util.RandomString(10)
	}
	return d.DevicesTable.InsertDevice(ctx, nil, id, localpart, d.ServerName, accessToken, displayName, ipAddr, userAgent)
}

// GetDeviceByAccessToken resolves an access token to the device session
// that owns it, the core of every authenticated client request.
func (d *Database) GetDeviceByAccessToken(ctx context.Context, token string) (*api.Device, error) {
	return d.DevicesTable.SelectDeviceByAccessToken(ctx, token)
}

// GetDeviceByID fetches one of a user's devices by its stable ID.
func (d *Database) GetDeviceByID(ctx context.Context, localpart, deviceID string) (*api.Device, error) {
	return d.DevicesTable.SelectDeviceByID(ctx, localpart, d.ServerName, deviceID)
}

// GetDevicesByLocalpart lists every device a user currently holds.
func (d *Database) GetDevicesByLocalpart(ctx context.Context, localpart string) ([]api.Device, error) {
	return d.DevicesTable.SelectDevicesByLocalpart(ctx, localpart, d.ServerName, "")
}

// UpdateDeviceName renames a device, e.g. via PUT /devices/{id}.
func (d *Database) UpdateDeviceName(ctx context.Context, localpart, deviceID string, displayName *string) error {
	return d.DevicesTable.UpdateDeviceName(ctx, localpart, d.ServerName, deviceID, displayName)
}

// UpdateDeviceLastSeen records the IP and timestamp of a device's most
// recent request, surfaced by the admin device listing and /devices.
func (d *Database) UpdateDeviceLastSeen(ctx context.Context, localpart, deviceID, ipAddr string, lastSeenTS int64) error {
	return d.DevicesTable.UpdateDeviceLastSeen(ctx, localpart, d.ServerName, deviceID, ipAddr, lastSeenTS)
}

// RemoveDevice revokes one device (its access token stops authenticating
// immediately), the server side of logout.
func (d *Database) RemoveDevice(ctx context.Context, localpart, deviceID string) error {
	return d.DevicesTable.DeleteDevice(ctx, nil, localpart, d.ServerName, deviceID)
}

// RemoveDevices revokes several devices at once, the server side of
// /delete_devices and POST /logout/all.
func (d *Database) RemoveDevices(ctx context.Context, localpart string, deviceIDs []string) error {
	return d.DevicesTable.DeleteDevices(ctx, nil, localpart, d.ServerName, deviceIDs)
}

// ListUsers answers the admin "list users" query over accounts/profiles/devices.
func (d *Database) ListUsers(ctx context.Context, params tables.SelectUsersParams) ([]api.UserResult, int64, error) {
	params.ServerName = d.ServerName
	return d.UsersTable.SelectUsers(ctx, params)
}

// CreateUserRedactionJob queues an asynchronous bulk-redaction run for a
// deactivated user's historical messages.
func (d *Database) CreateUserRedactionJob(ctx context.Context, userID, requestedBy string, redactMessages bool) (int64, error) {
	return d.RedactionJobsTable.InsertUserRedactionJob(ctx, nil, tables.UserRedactionJob{
		UserID:         userID,
		RequestedBy:    requestedBy,
		RequestedTS:    time.Now().UTC(),
		Status:         string(types.RedactionJobStatusPending),
		RedactMessages: redactMessages,
	})
}

// GetUserRedactionJobs lists every redaction job queued for a user, most
// recent first.
func (d *Database) GetUserRedactionJobs(ctx context.Context, userID string) ([]tables.UserRedactionJob, error) {
	return d.RedactionJobsTable.SelectUserRedactionJobsByUser(ctx, nil, userID)
}

// UpsertAccountData stores the JSON content behind one piece of global or
// per-room account data, replacing whatever was there before.
func (d *Database) UpsertAccountData(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string, content json.RawMessage) error {
	return d.AccountDataTable.UpsertAccountData(ctx, nil, localpart, serverName, roomID, dataType, content)
}

// GetAccountData fetches the JSON content behind one piece of account data;
// RoomID empty means global account data.
func (d *Database) GetAccountData(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string) (json.RawMessage, error) {
	return d.AccountDataTable.SelectAccountData(ctx, localpart, serverName, roomID, dataType)
}

// AddThreePID binds a verified third-party identifier to a local account.
func (d *Database) AddThreePID(ctx context.Context, threepid, medium, localpart string, serverName spec.ServerName) error {
	return d.ThreePIDsTable.InsertThreePID(ctx, nil, threepid, medium, localpart, serverName, time.Now().UnixMilli())
}

// RemoveThreePID unbinds a third-party identifier from whichever account
// currently owns it.
func (d *Database) RemoveThreePID(ctx context.Context, threepid, medium string) error {
	return d.ThreePIDsTable.DeleteThreePID(ctx, nil, threepid, medium)
}

// GetLocalpartForThreePID resolves a verified third-party identifier to the
// local account bound to it.
func (d *Database) GetLocalpartForThreePID(ctx context.Context, threepid, medium string) (string, spec.ServerName, error) {
	return d.ThreePIDsTable.SelectLocalpartForThreePID(ctx, threepid, medium)
}

// GetThreePIDsForLocalpart lists every third-party identifier bound to a
// user's account.
func (d *Database) GetThreePIDsForLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) ([]tables.ThreePID, error) {
	return d.ThreePIDsTable.SelectThreePIDsForLocalpart(ctx, localpart, serverName)
}

// LookupPasswordResetAttempt answers a retried password reset request with
// the session it already created, so a client that resends the same
// send_attempt gets back the same sid instead of a fresh token.
func (d *Database) LookupPasswordResetAttempt(ctx context.Context, clientSecret, email string, sendAttempt int) (*api.PasswordResetAttempt, error) {
	_, sessionID, _, err := d.PasswordResetTable.SelectPasswordResetTokenByAttempt(ctx, nil, clientSecret, email, sendAttempt, time.Now().UTC())
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &api.PasswordResetAttempt{SessionID: sessionID}, nil
}

// StorePasswordResetToken inserts a newly minted password reset token,
// checking the attempt's uniqueness constraint up front so a retried
// send_attempt surfaces as ErrPasswordResetAttemptExists instead of a
// constraint-violation error from the driver.
func (d *Database) StorePasswordResetToken(ctx context.Context, tokenHash, tokenLookup, userID, email, sessionID, clientSecret string, sendAttempt int, expiresAt time.Time) error {
	_, _, _, err := d.PasswordResetTable.SelectPasswordResetTokenByAttempt(ctx, nil, clientSecret, email, sendAttempt, time.Now().UTC())
	if err == nil {
		return api.ErrPasswordResetAttemptExists
	}
	if err != sql.ErrNoRows {
		return err
	}
	return d.PasswordResetTable.InsertPasswordResetToken(ctx, nil, tokenHash, tokenLookup, userID, email, sessionID, clientSecret, sendAttempt, expiresAt)
}

// GetPasswordResetToken looks up a still-valid, unconsumed password reset
// token by its lookup key.
func (d *Database) GetPasswordResetToken(ctx context.Context, tokenLookup string) (*api.PasswordResetTokenInfo, error) {
	tokenHash, userID, email, expiresAt, err := d.PasswordResetTable.SelectPasswordResetToken(ctx, nil, tokenLookup, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	return &api.PasswordResetTokenInfo{TokenHash: tokenHash, UserID: userID, Email: email, ExpiresAt: expiresAt}, nil
}

// ConsumePasswordResetToken marks a password reset token used; Claimed is
// false when the token was already consumed or no longer exists.
func (d *Database) ConsumePasswordResetToken(ctx context.Context, tokenLookup, tokenHash string) (*api.ConsumePasswordResetTokenResponse, error) {
	err := d.PasswordResetTable.MarkPasswordResetTokenConsumed(ctx, nil, tokenLookup, tokenHash, time.Now().UTC())
	if err != nil {
		if err == sql.ErrNoRows {
			return &api.ConsumePasswordResetTokenResponse{Claimed: false}, nil
		}
		return nil, err
	}
	return &api.ConsumePasswordResetTokenResponse{Claimed: true}, nil
}

// DeletePasswordResetToken removes a password reset token outright, used to
// roll back a freshly stored token whose delivery email failed to send.
func (d *Database) DeletePasswordResetToken(ctx context.Context, tokenLookup string) error {
	return d.PasswordResetTable.DeletePasswordResetToken(ctx, nil, tokenLookup)
}

// CreateRefreshToken stores a freshly minted refresh token bound to a
// device session, the counterpart to the access token issued alongside
// it at login.
func (d *Database) CreateRefreshToken(ctx context.Context, tokenHash, tokenLookup string, sessionID int64, expiresAt time.Time) error {
	return d.RefreshTokensTable.InsertRefreshToken(ctx, nil, tokenHash, tokenLookup, sessionID, expiresAt)
}

// GetRefreshToken looks up a refresh token by its lookup key regardless of
// whether it has already been used or has expired, so the caller can tell
// "no such token" apart from "already rotated" or "expired".
func (d *Database) GetRefreshToken(ctx context.Context, tokenLookup string) (*api.RefreshTokenInfo, error) {
	tokenHash, sessionID, usedAt, expiresAt, err := d.RefreshTokensTable.SelectRefreshToken(ctx, nil, tokenLookup)
	if err != nil {
		return nil, err
	}
	return &api.RefreshTokenInfo{
		TokenHash: tokenHash,
		SessionID: sessionID,
		UsedAt:    usedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// RotateRefreshToken atomically marks tokenLookup used and, in the same
// transaction, overwrites its device session's access token and stores
// the replacement refresh token - the only way a session's access token
// changes once issued. Returns sql.ErrNoRows if tokenLookup was already
// consumed by a concurrent or earlier rotation.
func (d *Database) RotateRefreshToken(ctx context.Context, tokenLookup, tokenHash string, sessionID int64, newAccessToken, newTokenHash, newTokenLookup string, newExpiresAt time.Time) error {
	return sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		if err := d.RefreshTokensTable.MarkRefreshTokenUsed(ctx, txn, tokenLookup, tokenHash, time.Now().UTC()); err != nil {
			return err
		}
		if err := d.DevicesTable.UpdateDeviceAccessToken(ctx, txn, sessionID, newAccessToken); err != nil {
			return err
		}
		return d.RefreshTokensTable.InsertRefreshToken(ctx, txn, newTokenHash, newTokenLookup, sessionID, newExpiresAt)
	})
}

// CheckPasswordResetRateLimit applies a fixed-window limiter keyed by IP or
// email address, incrementing the window's counter and resetting it once
// the window has elapsed.
func (d *Database) CheckPasswordResetRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	now := time.Now().UTC()
	var allowed bool
	var retryAfter time.Duration
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		counter, windowStart, err := d.PasswordResetLimits.SelectPasswordResetLimitForUpdate(ctx, txn, key)
		if err != nil {
			if err != sql.ErrNoRows {
				return err
			}
			counter, windowStart = 0, now
		} else if now.Sub(windowStart) >= window {
			counter, windowStart = 0, now
		}
		counter++
		allowed = counter <= limit
		if !allowed {
			retryAfter = window - now.Sub(windowStart)
		}
		return d.PasswordResetLimits.UpsertPasswordResetLimit(ctx, txn, key, counter, windowStart)
	})
	if err != nil {
		return false, 0, err
	}
	return allowed, retryAfter, nil
}

// CreateEmailVerificationSession inserts a new outstanding proof-of-ownership
// for an email or msisdn address.
func (d *Database) CreateEmailVerificationSession(ctx context.Context, session *api.EmailVerificationSession) error {
	return d.EmailVerificationTable.InsertEmailVerificationSession(ctx, nil, session)
}

// GetEmailVerificationSessionByAttempt answers a retried 3PID verification
// request with the session it already created.
func (d *Database) GetEmailVerificationSessionByAttempt(ctx context.Context, clientSecretHash, email, medium string, sendAttempt int) (*api.EmailVerificationSession, error) {
	return d.EmailVerificationTable.SelectEmailVerificationSessionByAttempt(ctx, nil, clientSecretHash, email, medium, sendAttempt)
}

// GetEmailVerificationSession looks up a verification session by its sid.
func (d *Database) GetEmailVerificationSession(ctx context.Context, sessionID string) (*api.EmailVerificationSession, error) {
	return d.EmailVerificationTable.SelectEmailVerificationSessionByID(ctx, nil, sessionID)
}

// MarkEmailVerificationValidated records that the token for a session was
// presented successfully, ahead of the 3PID being bound to an account.
func (d *Database) MarkEmailVerificationValidated(ctx context.Context, sessionID string) error {
	return d.EmailVerificationTable.UpdateEmailVerificationValidated(ctx, nil, sessionID, time.Now().UTC())
}

// MarkEmailVerificationConsumed records that a validated session was used
// to complete a 3PID add/bind, so it can't be replayed.
func (d *Database) MarkEmailVerificationConsumed(ctx context.Context, sessionID string) error {
	return d.EmailVerificationTable.UpdateEmailVerificationConsumed(ctx, nil, sessionID, time.Now().UTC())
}

// DeleteEmailVerificationSession removes a verification session outright.
func (d *Database) DeleteEmailVerificationSession(ctx context.Context, sessionID string) error {
	return d.EmailVerificationTable.DeleteEmailVerificationSession(ctx, nil, sessionID)
}

// CheckEmailVerificationRateLimit applies the same fixed-window limiter as
// CheckPasswordResetRateLimit, over the email verification limits table.
func (d *Database) CheckEmailVerificationRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	now := time.Now().UTC()
	var allowed bool
	var retryAfter time.Duration
	err := sqlutil.WithTransaction(d.DB, func(txn *sql.Tx) error {
		counter, windowStart, err := d.EmailVerificationLimits.SelectEmailVerificationLimitForUpdate(ctx, txn, key)
		if err != nil {
			if err != sql.ErrNoRows {
				return err
			}
			counter, windowStart = 0, now
		} else if now.Sub(windowStart) >= window {
			counter, windowStart = 0, now
		}
		counter++
		allowed = counter <= limit
		if !allowed {
			retryAfter = window - now.Sub(windowStart)
		}
		return d.EmailVerificationLimits.UpsertEmailVerificationLimit(ctx, txn, key, counter, windowStart)
	})
	if err != nil {
		return false, 0, err
	}
	return allowed, retryAfter, nil
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// AccountsTable stores one row per local user, keyed by (localpart, server_name).
type AccountsTable interface {
	InsertAccount(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, password, appserviceID string, accountType api.AccountType) (*api.Account, error)
	SelectAccountByLocalpart(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) (*api.Account, error)
	SelectPasswordHash(ctx context.Context, localpart string, serverName spec.ServerName) (string, error)
	UpdatePassword(ctx context.Context, localpart string, serverName spec.ServerName, passwordHash string) error
	DeactivateAccount(ctx context.Context, localpart string, serverName spec.ServerName) error
}

// ProfileTable stores a user's display name and avatar, independent of any
// one device.
type ProfileTable interface {
	InsertProfile(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName) error
	SelectProfileByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) (displayName, avatarURL string, err error)
	SetDisplayName(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, displayName string) (old, new string, err error)
	SetAvatarURL(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, avatarURL string) (old, new string, err error)
}

// DevicesTable stores one row per logged-in client session.
type DevicesTable interface {
	InsertDevice(ctx context.Context, txn *sql.Tx, deviceID, localpart string, serverName spec.ServerName, accessToken string, displayName *string, ipAddr, userAgent string) (*api.Device, error)
	SelectDeviceByAccessToken(ctx context.Context, accessToken string) (*api.Device, error)
	SelectDeviceByID(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string) (*api.Device, error)
	SelectDevicesByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName, excludeDeviceID string) ([]api.Device, error)
	UpdateDeviceName(ctx context.Context, localpart string, serverName spec.ServerName, deviceID string, displayName *string) error
	UpdateDeviceLastSeen(ctx context.Context, localpart string, serverName spec.ServerName, deviceID, ipAddr string, lastSeenTS int64) error
	DeleteDevice(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string) error
	DeleteDevices(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceIDs []string) error
	CountDevicesByLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) (int, error)
	// UpdateDeviceAccessToken replaces a session's access token in place,
	// keyed by session_id rather than the token itself since the caller
	// (refresh token rotation) no longer has the old token once it decides
	// to replace it.
	UpdateDeviceAccessToken(ctx context.Context, txn *sql.Tx, sessionID int64, accessToken string) error
}

// UsersTable answers the admin "list users" query over accounts/profiles/devices.
type UsersTable interface {
	SelectUsers(ctx context.Context, params SelectUsersParams) ([]api.UserResult, int64, error)
	CountUsers(ctx context.Context, params CountUsersParams) (int64, error)
}

type SelectUsersParams struct {
	ServerName  spec.ServerName
	Search      string
	Offset      int
	Limit       int
	SortBy      api.UserSortBy
	Deactivated *bool
}

type CountUsersParams struct {
	ServerName  spec.ServerName
	Search      string
	Deactivated *bool
}

// DeviceKeysTable stores each device's uploaded identity keys (the
// `device_keys` upload in /keys/upload), one row per (user, device).
type DeviceKeysTable interface {
	UpsertDeviceKeys(ctx context.Context, userID, deviceID string, keyJSON []byte, streamID int64) error
	SelectDeviceKeys(ctx context.Context, userID string, deviceIDs []string) ([]api.DeviceKeys, error)
	SelectMaxStreamIDForUser(ctx context.Context, userID string) (int64, error)
	DeleteDeviceKeys(ctx context.Context, userID, deviceID string) error
}

// OneTimeKeysTable stores per-(user, device, algorithm, key_id) one-time
// keys, consumed at most once by /keys/claim, plus at most one fallback key
// per algorithm that is never consumed.
type OneTimeKeysTable interface {
	UpsertOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]json.RawMessage) (map[string]int, error)
	UpsertFallbackKey(ctx context.Context, userID, deviceID, algorithm string, keyJSON json.RawMessage) error
	CountOneTimeKeys(ctx context.Context, userID, deviceID string) (map[string]int, error)
	ClaimOneTimeKey(ctx context.Context, userID, deviceID, algorithm string) (keyID string, keyJSON json.RawMessage, err error)
	ClaimFallbackKey(ctx context.Context, userID, deviceID, algorithm string) (keyID string, keyJSON json.RawMessage, err error)
	MarkFallbackKeyUsed(ctx context.Context, userID, deviceID, algorithm string) error
	SelectUnusedFallbackAlgorithms(ctx context.Context, userID, deviceID string) ([]string, error)
}

// KeyChangesTable is the device-list change stream: every time a user's
// device list changes (new device, key rotation, device removed) a row is
// appended so sync readers and federation peers can ask "what changed since
// position X".
type KeyChangesTable interface {
	InsertKeyChange(ctx context.Context, userID string) (streamID int64, err error)
	SelectKeyChanges(ctx context.Context, fromStreamID, toStreamID int64) ([]string, error)
}

// EmailVerificationTokensTable stores outstanding email ownership proofs for
// 3PID add/registration, one session per (client_secret, email, send_attempt).
type EmailVerificationTokensTable interface {
	InsertEmailVerificationSession(ctx context.Context, txn *sql.Tx, session *api.EmailVerificationSession) error
	SelectEmailVerificationSessionByAttempt(ctx context.Context, txn *sql.Tx, clientSecretHash, email, medium string, sendAttempt int) (*api.EmailVerificationSession, error)
	SelectEmailVerificationSessionByID(ctx context.Context, txn *sql.Tx, sessionID string) (*api.EmailVerificationSession, error)
	UpdateEmailVerificationValidated(ctx context.Context, txn *sql.Tx, sessionID string, validatedAt time.Time) error
	UpdateEmailVerificationConsumed(ctx context.Context, txn *sql.Tx, sessionID string, consumedAt time.Time) error
	DeleteExpiredEmailVerificationSessions(ctx context.Context, txn *sql.Tx, now time.Time) error
	DeleteEmailVerificationSession(ctx context.Context, txn *sql.Tx, sessionID string) error
}

// EmailVerificationRateLimitTable throttles how often a given key (IP or
// email address) may request a verification email.
type EmailVerificationRateLimitTable interface {
	SelectEmailVerificationLimit(ctx context.Context, txn *sql.Tx, key string) (int, time.Time, error)
	SelectEmailVerificationLimitForUpdate(ctx context.Context, txn *sql.Tx, key string) (int, time.Time, error)
	UpsertEmailVerificationLimit(ctx context.Context, txn *sql.Tx, key string, counter int, windowStart time.Time) error
	DeleteEmailVerificationLimitBefore(ctx context.Context, txn *sql.Tx, threshold time.Time) error
}

// PasswordResetTokensTable stores outstanding password reset tokens, looked
// up by an opaque token_lookup value distinct from the token itself so the
// secret never appears in a WHERE clause.
type PasswordResetTokensTable interface {
	InsertPasswordResetToken(ctx context.Context, txn *sql.Tx, tokenHash, tokenLookup, userID, email, sessionID, clientSecret string, sendAttempt int, expiresAt time.Time) error
	SelectPasswordResetToken(ctx context.Context, txn *sql.Tx, tokenLookup string, now time.Time) (tokenHash, userID, email string, expiresAt time.Time, err error)
	SelectPasswordResetTokenByAttempt(ctx context.Context, txn *sql.Tx, clientSecret, email string, sendAttempt int, now time.Time) (tokenLookup, sessionID string, expiresAt time.Time, err error)
	MarkPasswordResetTokenConsumed(ctx context.Context, txn *sql.Tx, tokenLookup, tokenHash string, consumedAt time.Time) error
	DeleteExpiredPasswordResetTokens(ctx context.Context, txn *sql.Tx, now time.Time) error
	DeletePasswordResetToken(ctx context.Context, txn *sql.Tx, tokenLookup string) error
}

// PasswordResetRateLimitTable throttles how often a given key (IP or email
// address) may request a password reset.
type PasswordResetRateLimitTable interface {
	SelectPasswordResetLimit(ctx context.Context, txn *sql.Tx, key string) (int, time.Time, error)
	SelectPasswordResetLimitForUpdate(ctx context.Context, txn *sql.Tx, key string) (int, time.Time, error)
	UpsertPasswordResetLimit(ctx context.Context, txn *sql.Tx, key string, counter int, windowStart time.Time) error
	DeletePasswordResetLimitBefore(ctx context.Context, txn *sql.Tx, threshold time.Time) error
}

// RefreshTokensTable stores refresh tokens issued alongside an access
// token, looked up by an opaque token_lookup value distinct from the
// token itself, mirroring PasswordResetTokensTable's lookup-vs-secret
// split. A token is single-use: MarkRefreshTokenUsed records the
// rotation that consumed it, and a later rotation attempt against the
// same lookup fails.
type RefreshTokensTable interface {
	InsertRefreshToken(ctx context.Context, txn *sql.Tx, tokenHash, tokenLookup string, sessionID int64, expiresAt time.Time) error
	SelectRefreshToken(ctx context.Context, txn *sql.Tx, tokenLookup string) (tokenHash string, sessionID int64, usedAt *time.Time, expiresAt time.Time, err error)
	MarkRefreshTokenUsed(ctx context.Context, txn *sql.Tx, tokenLookup, tokenHash string, usedAt time.Time) error
	DeleteRefreshTokensForSession(ctx context.Context, txn *sql.Tx, sessionID int64) error
}

// UserRedactionJobsTable tracks admin-requested bulk redaction of a user's
// messages, run asynchronously after account deactivation.
type UserRedactionJobsTable interface {
	InsertUserRedactionJob(ctx context.Context, txn *sql.Tx, job UserRedactionJob) (int64, error)
	SelectUserRedactionJobsByUser(ctx context.Context, txn *sql.Tx, userID string) ([]UserRedactionJob, error)
}

// AccountDataTable stores the JSON content behind a user's global and
// per-room account data, keyed by (localpart, server_name, room_id, type)
// with an empty room_id for global entries.
type AccountDataTable interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, roomID, dataType string, content json.RawMessage) error
	SelectAccountData(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string) (json.RawMessage, error)
}

// ThreePID is one verified third-party identifier bound to a local account.
type ThreePID struct {
	Address string
	Medium  string
	AddedAt int64
}

// ThreePIDsTable maps third-party identifiers (email, msisdn) to the local
// account that owns them, the lookup password reset and login-by-email use.
type ThreePIDsTable interface {
	InsertThreePID(ctx context.Context, txn *sql.Tx, threepid, medium, localpart string, serverName spec.ServerName, addedAt int64) error
	SelectLocalpartForThreePID(ctx context.Context, threepid, medium string) (localpart string, serverName spec.ServerName, err error)
	SelectThreePIDsForLocalpart(ctx context.Context, localpart string, serverName spec.ServerName) ([]ThreePID, error)
	DeleteThreePID(ctx context.Context, txn *sql.Tx, threepid, medium string) error
}

type UserRedactionJob struct {
	JobID          int64
	UserID         string
	RequestedBy    string
	RequestedTS    time.Time
	Status         string
	RedactMessages bool
}

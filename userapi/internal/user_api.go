// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal wires the Device & Key Registry's account store and key
// store behind the userapi/api contracts: password login, device session
// management, end-to-end encryption key upload/query/claim, account data,
// and the password reset / 3PID flows clientapi's routing layer drives.
package internal

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/clientapi/auth/authtypes"
	"github.com/matrixcore/homeserver/internal/passwordreset"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/producers"
	"github.com/matrixcore/homeserver/userapi/storage/shared"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

const (
	refreshTokenByteLength = 32
	accessTokenByteLength  = 32
	refreshTokenLifetime   = 30 * 24 * time.Hour
)

var refreshTokenHasher = passwordreset.TokenHasher{}

// generateOpaqueToken returns a URL-safe random token of n bytes' entropy,
// used for both the access token and refresh token half of a login pair.
func generateOpaqueToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// KeyChangeProducer is the narrow slice of producers.KeyChange the Device &
// Key Registry notifies after a device list or key set changes.
type KeyChangeProducer interface {
	ProduceKeyChange(userID string, streamID int64) error
}

// UserInternalAPI implements api.SyncUserAPI and api.ClientUserAPI over one
// account database and one key database, plus the login/device/key
// operations neither of those narrower interfaces names directly.
type UserInternalAPI struct {
	DB                *shared.Database
	KeyDB             *shared.KeyDatabase
	ServerName        spec.ServerName
	KeyChangeProducer KeyChangeProducer
}

// NewInternalAPI constructs a Device & Key Registry bound to one account
// database and one key database. keyChangeProducer may be nil, in which
// case device-list changes are persisted but never announced over NATS -
// acceptable for tests and single-process tools that don't run a sync
// engine or federation sender alongside this API.
func NewInternalAPI(db *shared.Database, keyDB *shared.KeyDatabase, serverName spec.ServerName, keyChangeProducer *producers.KeyChange) *UserInternalAPI {
	u := &UserInternalAPI{DB: db, KeyDB: keyDB, ServerName: serverName}
	if keyChangeProducer != nil {
		u.KeyChangeProducer = keyChangeProducer
	}
	return u
}

func (u *UserInternalAPI) announceKeyChange(userID string, streamID int64) {
	if u.KeyChangeProducer == nil {
		return
	}
	if err := u.KeyChangeProducer.ProduceKeyChange(userID, streamID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Warn("userapi: failed to publish key change")
	}
}

// QueryAccountByPassword verifies a plaintext password against a local
// account's stored hash. Every failure path — unknown localpart, account
// with no password set, wrong password — collapses to Exists=false rather
// than a distinct error, so a login attempt can't be used to enumerate
// which usernames exist.
func (u *UserInternalAPI) QueryAccountByPassword(ctx context.Context, req *api.QueryAccountByPasswordRequest, res *api.QueryAccountByPasswordResponse) error {
	acc, err := u.DB.GetAccountByPassword(ctx, req.Localpart, req.PlaintextPassword)
	if err != nil {
		res.Exists = false
		return nil
	}
	res.Exists = true
	res.Account = acc
	return nil
}

// PerformAccountCreation registers a new local account and its (initially
// blank) profile.
func (u *UserInternalAPI) PerformAccountCreation(ctx context.Context, localpart, password, appserviceID string, accountType api.AccountType) (*api.Account, error) {
	return u.DB.CreateAccount(ctx, localpart, password, appserviceID, accountType)
}

// PerformAccountDeactivation disables an account and revokes every device
// it holds; it does not itself queue message redaction, callers that want
// that call CreateUserRedactionJob separately.
func (u *UserInternalAPI) PerformAccountDeactivation(ctx context.Context, localpart string) error {
	return u.DB.DeactivateAccount(ctx, localpart)
}

// QueryProfile returns a user's display name and avatar URL.
func (u *UserInternalAPI) QueryProfile(ctx context.Context, localpart string) (displayName, avatarURL string, err error) {
	return u.DB.GetProfile(ctx, localpart)
}

// PerformDeviceCreation logs in a new device session, generating a device
// ID when the caller didn't supply one to resume.
func (u *UserInternalAPI) PerformDeviceCreation(ctx context.Context, localpart string, deviceID *string, accessToken string, displayName *string, ipAddr, userAgent string) (*api.Device, error) {
	return u.DB.CreateDevice(ctx, localpart, deviceID, accessToken, displayName, ipAddr, userAgent)
}

// QueryDeviceByAccessToken resolves an access token to the device session
// that owns it, the check behind every authenticated client request.
func (u *UserInternalAPI) QueryDeviceByAccessToken(ctx context.Context, accessToken string) (*api.Device, error) {
	return u.DB.GetDeviceByAccessToken(ctx, accessToken)
}

// QueryDevices lists every device a user currently holds.
func (u *UserInternalAPI) QueryDevices(ctx context.Context, localpart string) ([]api.Device, error) {
	return u.DB.GetDevicesByLocalpart(ctx, localpart)
}

// PerformDeviceUpdate renames a device, e.g. via PUT /devices/{id}.
func (u *UserInternalAPI) PerformDeviceUpdate(ctx context.Context, localpart, deviceID string, displayName *string) error {
	return u.DB.UpdateDeviceName(ctx, localpart, deviceID, displayName)
}

// PerformSingleDeviceDeletion revokes one device: its access token, its
// identity keys, and any one-time/fallback keys still held for it.
func (u *UserInternalAPI) PerformSingleDeviceDeletion(ctx context.Context, localpart, deviceID string) error {
	userID := fmt.Sprintf("@%s:%s", localpart, u.ServerName)
	streamID, err := u.KeyDB.DeleteDeviceKeys(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	u.announceKeyChange(userID, streamID)
	return u.DB.RemoveDevice(ctx, localpart, deviceID)
}

// PerformDeviceDeletion revokes every device session belonging to a user,
// the server side of a full logout and of password reset's
// logout_devices=true. UserID identifies the account rather than a
// localpart because the one caller today (password reset) only has the
// full Matrix user ID of the account the reset token was issued for.
func (u *UserInternalAPI) PerformDeviceDeletion(ctx context.Context, req *api.PerformDeviceDeletionRequest, res *api.PerformDeviceDeletionResponse) error {
	localpart, serverName, err := gomatrixserverlib.SplitID('@', req.UserID)
	if err != nil {
		return err
	}
	devices, err := u.DB.GetDevicesByLocalpart(ctx, localpart)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return nil
	}
	deviceIDs := make([]string, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.ID
	}
	userID := fmt.Sprintf("@%s:%s", localpart, serverName)
	var lastStreamID int64
	for _, id := range deviceIDs {
		streamID, err := u.KeyDB.DeleteDeviceKeys(ctx, userID, id)
		if err != nil {
			return err
		}
		lastStreamID = streamID
	}
	u.announceKeyChange(userID, lastStreamID)
	return u.DB.RemoveDevices(ctx, localpart, deviceIDs)
}

// PerformPusherDeletion is a no-op: this server doesn't run a push
// notification subsystem, so there are never any pushers to remove. It
// exists only so password reset's logout_devices flow has something to
// call without special-casing the absence of push delivery.
func (u *UserInternalAPI) PerformPusherDeletion(ctx context.Context, req *api.PerformPusherDeletionRequest, res *struct{}) error {
	return nil
}

// PerformRefreshTokenRotation redeems req.RefreshToken for a brand new
// access/refresh token pair, overwriting the device session's old access
// token so it stops working the instant the new pair is issued. The lookup
// key identifies the row; the hash proves possession of the token itself,
// mirroring how password reset tokens are verified.
func (u *UserInternalAPI) PerformRefreshTokenRotation(ctx context.Context, req *api.PerformRefreshTokenRotationRequest, res *api.PerformRefreshTokenRotationResponse) error {
	tokenLookup := passwordreset.LookupKey(req.RefreshToken)
	info, err := u.DB.GetRefreshToken(ctx, tokenLookup)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrRefreshTokenInvalid
		}
		return err
	}
	if info.UsedAt != nil || time.Now().After(info.ExpiresAt) {
		return api.ErrRefreshTokenInvalid
	}
	ok, err := refreshTokenHasher.VerifyToken(req.RefreshToken, info.TokenHash)
	if err != nil {
		return err
	}
	if !ok {
		return api.ErrRefreshTokenInvalid
	}

	newAccessToken, err := generateOpaqueToken(accessTokenByteLength)
	if err != nil {
		return err
	}
	newRefreshToken, err := generateOpaqueToken(refreshTokenByteLength)
	if err != nil {
		return err
	}
	newTokenHash, err := refreshTokenHasher.HashToken(newRefreshToken)
	if err != nil {
		return err
	}
	newTokenLookup := passwordreset.LookupKey(newRefreshToken)
	newExpiresAt := time.Now().Add(refreshTokenLifetime)

	err = u.DB.RotateRefreshToken(ctx, tokenLookup, info.TokenHash, info.SessionID, newAccessToken, newTokenHash, newTokenLookup, newExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrRefreshTokenInvalid
		}
		return err
	}

	res.AccessToken = newAccessToken
	res.RefreshToken = newRefreshToken
	res.ExpiresInMillis = refreshTokenLifetime.Milliseconds()
	return nil
}

// PerformUploadKeys stores a device's identity keys (first upload only,
// since a device's identity key is immutable thereafter) and tops up its
// one-time/fallback key pools, returning its new unclaimed counts.
func (u *UserInternalAPI) PerformUploadKeys(ctx context.Context, req *api.PerformUploadKeysRequest, res *api.PerformUploadKeysResponse) error {
	if len(req.DeviceKeys) > 0 {
		streamID, err := u.KeyDB.StoreDeviceKeys(ctx, req.UserID, req.DeviceID, req.DeviceKeys)
		if err != nil {
			res.Error = &api.KeyError{Err: err.Error()}
			return nil
		}
		u.announceKeyChange(req.UserID, streamID)
	}
	if len(req.OneTimeKeys) > 0 {
		if _, err := u.KeyDB.StoreOneTimeKeys(ctx, req.UserID, req.DeviceID, req.OneTimeKeys); err != nil {
			res.Error = &api.KeyError{Err: err.Error()}
			return nil
		}
	}
	for algorithm, keyJSON := range req.FallbackKeys {
		if err := u.KeyDB.StoreFallbackKey(ctx, req.UserID, req.DeviceID, algorithm, keyJSON); err != nil {
			res.Error = &api.KeyError{Err: err.Error()}
			return nil
		}
	}
	counts, err := u.KeyDB.OneTimeKeysCount(ctx, req.UserID, req.DeviceID)
	if err != nil {
		return err
	}
	res.OneTimeKeyCounts = counts
	return nil
}

// QueryKeys answers /keys/query: every requested user's devices' identity
// keys, or every device they own when the caller listed none explicitly.
func (u *UserInternalAPI) QueryKeys(ctx context.Context, req *api.QueryKeysRequest, res *api.QueryKeysResponse) error {
	res.DeviceKeys = make(map[string]map[string]json.RawMessage)
	for userID, deviceIDs := range req.UserToDevices {
		keys, err := u.KeyDB.DeviceKeysForUser(ctx, userID, deviceIDs)
		if err != nil {
			res.Error = &api.KeyError{Err: err.Error()}
			return nil
		}
		if len(keys) == 0 {
			continue
		}
		perDevice := make(map[string]json.RawMessage, len(keys))
		for _, k := range keys {
			perDevice[k.DeviceID] = k.KeyJSON
		}
		res.DeviceKeys[userID] = perDevice
	}
	return nil
}

// PerformClaimKeys answers /keys/claim: one one-time (or fallback) key per
// requested (user, device, algorithm).
func (u *UserInternalAPI) PerformClaimKeys(ctx context.Context, req *api.PerformClaimKeysRequest, res *api.PerformClaimKeysResponse) error {
	claimed, err := u.KeyDB.ClaimKeys(ctx, req.OneTimeKeys)
	if err != nil {
		res.Error = &api.KeyError{Err: err.Error()}
		return nil
	}
	res.OneTimeKeys = claimed
	return nil
}

// QueryOneTimeKeys reports one device's remaining unclaimed one-time keys
// plus which fallback-key algorithms still have an unused key, the data
// behind a sync response's device_one_time_keys_count.
func (u *UserInternalAPI) QueryOneTimeKeys(ctx context.Context, req *api.QueryOneTimeKeysRequest, res *api.QueryOneTimeKeysResponse) error {
	counts, err := u.KeyDB.OneTimeKeysCount(ctx, req.UserID, req.DeviceID)
	if err != nil {
		res.Error = err
		return nil
	}
	algos, err := u.KeyDB.UnusedFallbackKeyAlgorithms(ctx, req.UserID, req.DeviceID)
	if err != nil {
		res.Error = err
		return nil
	}
	res.Count = api.OneTimeKeysCount{UserID: req.UserID, DeviceID: req.DeviceID, KeyCount: counts}
	res.UnusedFallbackAlgorithms = algos
	return nil
}

// QueryKeyChanges lists which users changed their device list between two
// stream positions.
func (u *UserInternalAPI) QueryKeyChanges(ctx context.Context, req *api.QueryKeyChangesRequest, res *api.QueryKeyChangesResponse) error {
	userIDs, err := u.KeyDB.QueryKeyChanges(ctx, req.FromOffset, req.ToOffset)
	if err != nil {
		res.Error = err
		return nil
	}
	res.UserIDs = userIDs
	res.Offset = req.ToOffset
	return nil
}

// PerformAccountDataUpdate stores the JSON content behind one piece of
// global or per-room account data.
func (u *UserInternalAPI) PerformAccountDataUpdate(ctx context.Context, localpart string, serverName spec.ServerName, roomID, dataType string, content []byte) error {
	return u.DB.UpsertAccountData(ctx, localpart, serverName, roomID, dataType, content)
}

// QueryAccountData answers a sync request's need for one piece of account
// data content; RoomID empty means global account data.
func (u *UserInternalAPI) QueryAccountData(ctx context.Context, req *api.QueryAccountDataRequest, res *api.QueryAccountDataResponse) error {
	localpart, serverName, err := gomatrixserverlib.SplitID('@', req.UserID)
	if err != nil {
		return err
	}
	content, err := u.DB.GetAccountData(ctx, localpart, serverName, req.RoomID, req.DataType)
	if err != nil {
		return err
	}
	if content == nil {
		return nil
	}
	if req.RoomID == "" {
		res.GlobalAccountData = map[string]json.RawMessage{req.DataType: content}
		return nil
	}
	res.RoomAccountData = map[string]map[string]json.RawMessage{
		req.RoomID: {req.DataType: content},
	}
	return nil
}

// PerformUserRedactionJob queues an asynchronous bulk-redaction run for a
// deactivated user's historical messages.
func (u *UserInternalAPI) PerformUserRedactionJob(ctx context.Context, userID, requestedBy string, redactMessages bool) (int64, error) {
	return u.DB.CreateUserRedactionJob(ctx, userID, requestedBy, redactMessages)
}

// QueryUserRedactionJobs lists every redaction job queued for a user.
func (u *UserInternalAPI) QueryUserRedactionJobs(ctx context.Context, userID string) ([]tables.UserRedactionJob, error) {
	return u.DB.GetUserRedactionJobs(ctx, userID)
}

// PerformUserDeactivation revokes every device an account holds, flips its
// deactivated flag, and optionally queues a bulk-redaction job for its past
// messages. It does not leave the account's rooms; that requires a
// roomserver round trip the admin route performs separately.
func (u *UserInternalAPI) PerformUserDeactivation(ctx context.Context, req *api.PerformUserDeactivationRequest, res *api.PerformUserDeactivationResponse) error {
	localpart, _, err := gomatrixserverlib.SplitID('@', req.UserID)
	if err != nil {
		return err
	}

	devices, err := u.DB.GetDevicesByLocalpart(ctx, localpart)
	if err != nil {
		return err
	}

	deviceDeletionRes := &api.PerformDeviceDeletionResponse{}
	if err := u.PerformDeviceDeletion(ctx, &api.PerformDeviceDeletionRequest{UserID: req.UserID}, deviceDeletionRes); err != nil {
		return err
	}

	if err := u.DB.DeactivateAccount(ctx, localpart); err != nil {
		return err
	}

	res.UserID = req.UserID
	res.Deactivated = true
	res.TokensRevoked = len(devices)

	if req.RedactMessages {
		jobID, err := u.PerformUserRedactionJob(ctx, req.UserID, req.RequestedBy, req.RedactMessages)
		if err != nil {
			return err
		}
		res.RedactionQueued = true
		res.RedactionJobID = jobID
	}

	return nil
}

// QueryAdminUsers answers the admin "list users" query over accounts,
// profiles and devices.
func (u *UserInternalAPI) QueryAdminUsers(ctx context.Context, req *api.QueryAdminUsersRequest, res *api.QueryAdminUsersResponse) error {
	params := tables.SelectUsersParams{
		ServerName:  req.ServerName,
		Search:      req.Search,
		Offset:      req.From,
		Limit:       req.Limit,
		SortBy:      req.SortBy,
		Deactivated: req.Deactivated,
	}
	users, total, err := u.DB.ListUsers(ctx, params)
	if err != nil {
		return err
	}
	res.Users = users
	res.Total = total
	res.NextFrom = -1
	if req.Limit > 0 && req.From+len(users) < int(total) {
		res.NextFrom = req.From + len(users)
	}
	return nil
}

// LookupPasswordResetAttempt answers a retried password reset request with
// the session it already created.
func (u *UserInternalAPI) LookupPasswordResetAttempt(ctx context.Context, clientSecret, email string, sendAttempt int) (*api.PasswordResetAttempt, error) {
	return u.DB.LookupPasswordResetAttempt(ctx, clientSecret, email, sendAttempt)
}

// QueryLocalpartForThreePID resolves a verified third-party identifier to
// the local account bound to it.
func (u *UserInternalAPI) QueryLocalpartForThreePID(ctx context.Context, req *api.QueryLocalpartForThreePIDRequest, res *api.QueryLocalpartForThreePIDResponse) error {
	localpart, serverName, err := u.DB.GetLocalpartForThreePID(ctx, req.ThreePID, req.Medium)
	if err != nil {
		return err
	}
	res.Localpart = localpart
	res.ServerName = serverName
	return nil
}

// CheckPasswordResetRateLimit applies a fixed-window limiter keyed by IP or
// email address.
func (u *UserInternalAPI) CheckPasswordResetRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	return u.DB.CheckPasswordResetRateLimit(ctx, key, window, limit)
}

// StorePasswordResetToken inserts a newly minted password reset token.
func (u *UserInternalAPI) StorePasswordResetToken(ctx context.Context, tokenHash, tokenLookup, userID, email, sessionID, clientSecret string, sendAttempt int, expiresAt time.Time) error {
	return u.DB.StorePasswordResetToken(ctx, tokenHash, tokenLookup, userID, email, sessionID, clientSecret, sendAttempt, expiresAt)
}

// DeletePasswordResetToken removes a password reset token outright.
func (u *UserInternalAPI) DeletePasswordResetToken(ctx context.Context, tokenLookup string) error {
	return u.DB.DeletePasswordResetToken(ctx, tokenLookup)
}

// GetPasswordResetToken looks up a still-valid, unconsumed password reset
// token by its lookup key.
func (u *UserInternalAPI) GetPasswordResetToken(ctx context.Context, tokenLookup string) (*api.PasswordResetTokenInfo, error) {
	return u.DB.GetPasswordResetToken(ctx, tokenLookup)
}

// ConsumePasswordResetToken marks a password reset token used.
func (u *UserInternalAPI) ConsumePasswordResetToken(ctx context.Context, tokenLookup, tokenHash string) (*api.ConsumePasswordResetTokenResponse, error) {
	return u.DB.ConsumePasswordResetToken(ctx, tokenLookup, tokenHash)
}

// PerformPasswordUpdate sets a new password for a local account.
func (u *UserInternalAPI) PerformPasswordUpdate(ctx context.Context, req *api.PerformPasswordUpdateRequest, res *api.PerformPasswordUpdateResponse) error {
	if err := u.DB.SetPassword(ctx, req.Localpart, req.ServerName, req.Password); err != nil {
		return err
	}
	res.PasswordUpdated = true
	return nil
}

// CreateOrReuseEmailVerificationSession inserts a new email ownership proof,
// or returns the session a retried send_attempt already created so the
// caller doesn't send a second verification email for the same attempt.
func (u *UserInternalAPI) CreateOrReuseEmailVerificationSession(ctx context.Context, session *api.EmailVerificationSession) (*api.EmailVerificationSession, bool, error) {
	existing, err := u.DB.GetEmailVerificationSessionByAttempt(ctx, session.ClientSecretHash, session.Email, session.Medium, session.SendAttempt)
	if err == nil {
		return existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, err
	}
	if err := u.DB.CreateEmailVerificationSession(ctx, session); err != nil {
		return nil, false, err
	}
	return session, true, nil
}

// GetEmailVerificationSession looks up an outstanding email verification
// session by its sid.
func (u *UserInternalAPI) GetEmailVerificationSession(ctx context.Context, sessionID string) (*api.EmailVerificationSession, error) {
	session, err := u.DB.GetEmailVerificationSession(ctx, sessionID)
	if err == sql.ErrNoRows {
		return nil, api.ErrEmailVerificationSessionNotFound
	}
	return session, err
}

// MarkEmailVerificationSessionValidated records that a session's token was
// presented successfully.
func (u *UserInternalAPI) MarkEmailVerificationSessionValidated(ctx context.Context, sessionID string, validatedAt time.Time) error {
	return u.DB.EmailVerificationTable.UpdateEmailVerificationValidated(ctx, nil, sessionID, validatedAt)
}

// MarkEmailVerificationSessionConsumed records that a validated session was
// used to complete a 3PID bind, so it can't be replayed.
func (u *UserInternalAPI) MarkEmailVerificationSessionConsumed(ctx context.Context, sessionID string, consumedAt time.Time) error {
	return u.DB.EmailVerificationTable.UpdateEmailVerificationConsumed(ctx, nil, sessionID, consumedAt)
}

// DeleteEmailVerificationSession removes a session outright, used to roll
// back a freshly created session whose delivery email failed to send.
func (u *UserInternalAPI) DeleteEmailVerificationSession(ctx context.Context, sessionID string) error {
	return u.DB.DeleteEmailVerificationSession(ctx, sessionID)
}

// CheckEmailVerificationRateLimit applies a fixed-window limiter keyed by IP
// or email address.
func (u *UserInternalAPI) CheckEmailVerificationRateLimit(ctx context.Context, key string, window time.Duration, limit int) (bool, time.Duration, error) {
	return u.DB.CheckEmailVerificationRateLimit(ctx, key, window, limit)
}

// PerformSaveThreePIDAssociation binds a verified third-party identifier to
// a local account.
func (u *UserInternalAPI) PerformSaveThreePIDAssociation(ctx context.Context, req *api.PerformSaveThreePIDAssociationRequest, res *struct{}) error {
	return u.DB.AddThreePID(ctx, req.ThreePID, req.Medium, req.Localpart, req.ServerName)
}

// PerformForgetThreePID unbinds a third-party identifier from whichever
// local account currently owns it.
func (u *UserInternalAPI) PerformForgetThreePID(ctx context.Context, req *api.PerformForgetThreePIDRequest, res *struct{}) error {
	return u.DB.RemoveThreePID(ctx, req.ThreePID, req.Medium)
}

// QueryThreePIDsForLocalpart lists every third-party identifier bound to a
// local account.
func (u *UserInternalAPI) QueryThreePIDsForLocalpart(ctx context.Context, req *api.QueryThreePIDsForLocalpartRequest, res *api.QueryThreePIDsForLocalpartResponse) error {
	rows, err := u.DB.GetThreePIDsForLocalpart(ctx, req.Localpart, req.ServerName)
	if err != nil {
		return err
	}
	res.ThreePIDs = make([]authtypes.ThreePID, len(rows))
	for i, row := range rows {
		res.ThreePIDs[i] = authtypes.ThreePID{Address: row.Address, Medium: row.Medium, AddedAt: row.AddedAt}
	}
	return nil
}

var _ api.SyncUserAPI = (*UserInternalAPI)(nil)
var _ api.ClientUserAPI = (*UserInternalAPI)(nil)

// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ErrPasswordResetAttemptExists is returned by StorePasswordResetToken when a
// token for the same (client_secret, email, send_attempt) was already
// stored, the signal to fall back to LookupPasswordResetAttempt instead of
// minting a second token for a retried request.
var ErrPasswordResetAttemptExists = errors.New("password reset attempt already exists")

// PasswordResetAttempt is the session a client gets back when it retries a
// password reset request it already made with the same send_attempt.
type PasswordResetAttempt struct {
	SessionID string
}

// PasswordResetTokenInfo is what GetPasswordResetToken hands back about a
// still-valid, unconsumed token, enough to verify it and identify the
// account it belongs to.
type PasswordResetTokenInfo struct {
	TokenHash string
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// ConsumePasswordResetTokenResponse reports whether this call was the one
// that claimed the token; concurrent or repeated completion attempts for the
// same token see Claimed false.
type ConsumePasswordResetTokenResponse struct {
	Claimed bool
}

// QueryLocalpartForThreePIDRequest resolves a verified third-party
// identifier (email, msisdn) to the local account it's bound to.
type QueryLocalpartForThreePIDRequest struct {
	ThreePID string
	Medium   string
}

// QueryLocalpartForThreePIDResponse answers QueryLocalpartForThreePIDRequest.
// Localpart is empty when no account owns the identifier.
type QueryLocalpartForThreePIDResponse struct {
	Localpart  string
	ServerName spec.ServerName
}

// PerformPasswordUpdateRequest sets a new password for a local account.
type PerformPasswordUpdateRequest struct {
	Localpart  string
	ServerName spec.ServerName
	Password   string
}

// PerformPasswordUpdateResponse answers PerformPasswordUpdateRequest.
type PerformPasswordUpdateResponse struct {
	PasswordUpdated bool
}

// PerformDeviceDeletionRequest revokes every device session belonging to a
// user, the server side of a full logout.
type PerformDeviceDeletionRequest struct {
	UserID string
}

// PerformDeviceDeletionResponse answers PerformDeviceDeletionRequest.
type PerformDeviceDeletionResponse struct{}

// PerformUserDeactivationRequest is an admin-triggered account deactivation:
// it revokes every device/access token the account holds, flips its
// deactivated flag, and optionally queues a bulk-redaction job for its past
// messages.
type PerformUserDeactivationRequest struct {
	UserID         string
	RequestedBy    string
	LeaveRooms     bool
	RedactMessages bool
}

// PerformUserDeactivationResponse answers PerformUserDeactivationRequest.
type PerformUserDeactivationResponse struct {
	UserID          string
	Deactivated     bool
	TokensRevoked   int
	RoomsLeft       int
	RedactionQueued bool
	RedactionJobID  int64
}

// PerformPusherDeletionRequest removes a user's push notification targets.
// SessionID -1 means "every session except the one that issued this
// request" is not tracked here, so callers asking for a full wipe pass -1
// and get every pusher the account owns.
type PerformPusherDeletionRequest struct {
	Localpart  string
	ServerName spec.ServerName
	SessionID  int64
}

// ClientUserAPI is the slice of the Device & Key Registry the password reset
// and 3PID email verification routes depend on.
type ClientUserAPI interface {
	RefreshTokenUserAPI

	LookupPasswordResetAttempt(ctx context.Context, clientSecret, email string, sendAttempt int) (*PasswordResetAttempt, error)
	QueryLocalpartForThreePID(ctx context.Context, req *QueryLocalpartForThreePIDRequest, res *QueryLocalpartForThreePIDResponse) error
	CheckPasswordResetRateLimit(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, retryAfter time.Duration, err error)
	StorePasswordResetToken(ctx context.Context, tokenHash, tokenLookup, userID, email, sessionID, clientSecret string, sendAttempt int, expiresAt time.Time) error
	DeletePasswordResetToken(ctx context.Context, tokenLookup string) error
	GetPasswordResetToken(ctx context.Context, tokenLookup string) (*PasswordResetTokenInfo, error)
	ConsumePasswordResetToken(ctx context.Context, tokenLookup, tokenHash string) (*ConsumePasswordResetTokenResponse, error)
	PerformPasswordUpdate(ctx context.Context, req *PerformPasswordUpdateRequest, res *PerformPasswordUpdateResponse) error
	PerformDeviceDeletion(ctx context.Context, req *PerformDeviceDeletionRequest, res *PerformDeviceDeletionResponse) error
	PerformPusherDeletion(ctx context.Context, req *PerformPusherDeletionRequest, res *struct{}) error

	// PerformUserDeactivation implements the admin "deactivate account"
	// operation (POST /_dendrite/admin/v1/deactivate/{userID}).
	PerformUserDeactivation(ctx context.Context, req *PerformUserDeactivationRequest, res *PerformUserDeactivationResponse) error

	// Email ownership verification (POST /account/3pid/email/requestToken and
	// /submitToken) backing the local (non identity-server) 3PID flow.
	CreateOrReuseEmailVerificationSession(ctx context.Context, session *EmailVerificationSession) (stored *EmailVerificationSession, created bool, err error)
	GetEmailVerificationSession(ctx context.Context, sessionID string) (*EmailVerificationSession, error)
	MarkEmailVerificationSessionValidated(ctx context.Context, sessionID string, validatedAt time.Time) error
	MarkEmailVerificationSessionConsumed(ctx context.Context, sessionID string, consumedAt time.Time) error
	DeleteEmailVerificationSession(ctx context.Context, sessionID string) error
	CheckEmailVerificationRateLimit(ctx context.Context, key string, window time.Duration, limit int) (allowed bool, retryAfter time.Duration, err error)

	// Third-party identifier association (POST /account/3pid, /3pid/delete,
	// GET /account/3pid).
	PerformSaveThreePIDAssociation(ctx context.Context, req *PerformSaveThreePIDAssociationRequest, res *struct{}) error
	PerformForgetThreePID(ctx context.Context, req *PerformForgetThreePIDRequest, res *struct{}) error
	QueryThreePIDsForLocalpart(ctx context.Context, req *QueryThreePIDsForLocalpartRequest, res *QueryThreePIDsForLocalpartResponse) error
}

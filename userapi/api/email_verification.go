// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"errors"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/clientapi/auth/authtypes"
)

// ErrEmailVerificationSessionNotFound is returned when a session ID from a
// client's 3PID credentials doesn't match any session this server issued.
var ErrEmailVerificationSessionNotFound = errors.New("email verification session not found")

// EmailVerificationSession is one outstanding proof-of-ownership for an
// email address, identified to the client by SessionID (the `sid` in its
// 3PID credentials) and to the server internally by TokenLookup/TokenHash,
// mirroring the split used for password reset tokens: the lookup value is
// safe to put in a WHERE clause, the hash is only compared once a candidate
// row is found.
type EmailVerificationSession struct {
	SessionID        string
	ClientSecretHash string
	Email            string
	Medium           string
	TokenLookup      string
	TokenHash        string
	SendAttempt      int
	NextLink         string
	ExpiresAt        time.Time
	ValidatedAt      *time.Time
	ConsumedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PerformSaveThreePIDAssociationRequest binds a verified third-party
// identifier to a local account once its ownership proof has been checked.
type PerformSaveThreePIDAssociationRequest struct {
	ThreePID   string
	Localpart  string
	ServerName spec.ServerName
	Medium     string
}

// PerformForgetThreePIDRequest unbinds a third-party identifier from
// whichever local account currently owns it.
type PerformForgetThreePIDRequest struct {
	ThreePID string
	Medium   string
}

// QueryThreePIDsForLocalpartRequest asks for every third-party identifier
// a local account has verified and bound.
type QueryThreePIDsForLocalpartRequest struct {
	Localpart  string
	ServerName spec.ServerName
}

// QueryThreePIDsForLocalpartResponse answers QueryThreePIDsForLocalpartRequest.
type QueryThreePIDsForLocalpartResponse struct {
	ThreePIDs []authtypes.ThreePID
}

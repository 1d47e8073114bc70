// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"
	"time"
)

// ErrRefreshTokenInvalid is returned by PerformRefreshTokenRotation when the
// supplied refresh token doesn't exist, was already used by an earlier
// rotation, or has expired. The caller maps this to HTTP 401 M_UNKNOWN_TOKEN.
var ErrRefreshTokenInvalid = errors.New("refresh token unknown, already used, or expired")

// RefreshTokenInfo is what GetRefreshToken hands back about a stored refresh
// token, regardless of whether it's still usable.
type RefreshTokenInfo struct {
	TokenHash string
	SessionID int64
	UsedAt    *time.Time
	ExpiresAt time.Time
}

// PerformRefreshTokenRotationRequest redeems a refresh token issued at login
// or by a previous rotation. Rotation is single-use: RefreshToken can only
// ever be redeemed once.
type PerformRefreshTokenRotationRequest struct {
	RefreshToken string
}

// PerformRefreshTokenRotationResponse carries the new token pair minted in
// place of the one that was redeemed.
type PerformRefreshTokenRotationResponse struct {
	AccessToken     string
	RefreshToken    string
	ExpiresInMillis int64
}

// RefreshTokenUserAPI is the slice of the Device & Key Registry the token
// refresh route depends on.
type RefreshTokenUserAPI interface {
	// PerformRefreshTokenRotation implements POST /refresh: it atomically
	// consumes req.RefreshToken and returns a freshly minted access/refresh
	// token pair, invalidating the access token issued alongside the
	// consumed refresh token. Returns ErrRefreshTokenInvalid if the token
	// can't be redeemed.
	PerformRefreshTokenRotation(ctx context.Context, req *PerformRefreshTokenRotationRequest, res *PerformRefreshTokenRotationResponse) error
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

// Device represents a client's login session, identified by the access
// token it was issued. One user may hold several devices at once (one
// per logged-in client), each with its own access token and, once
// end-to-end encryption is in play, its own Curve25519/Ed25519 identity.
type Device struct {
	ID          string
	UserID      string
	AccessToken string
	// SessionID disambiguates multiple logins to the same device, so a
	// revoked session's access token can be told apart from a current one.
	SessionID   int64
	DisplayName string
	LastSeenTS  int64
	LastSeenIP  string
}

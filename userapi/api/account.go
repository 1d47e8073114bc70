// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "github.com/matrix-org/gomatrixserverlib/spec"

// AccountType distinguishes a guest, a normal user and a server admin,
// since login and the admin API both gate on it.
type AccountType int16

const (
	AccountTypeUser AccountType = iota
	AccountTypeGuest
	AccountTypeAdmin
	AccountTypeAppService
)

// Account is one row of the local user directory: a localpart is unique
// per server_name, never across servers.
type Account struct {
	UserID       string
	Localpart    string
	ServerName   spec.ServerName
	AppServiceID string
	AccountType  AccountType
	CreatedTS    spec.Timestamp
}

// QueryAccountByPasswordRequest verifies a plaintext password against a
// local account's stored hash, the core of password-based login.
type QueryAccountByPasswordRequest struct {
	Localpart         string
	ServerName        spec.ServerName
	PlaintextPassword string
}

// QueryAccountByPasswordResponse answers QueryAccountByPasswordRequest.
// Exists is false both when the account doesn't exist and when the
// password was wrong, so login can't be used to probe for usernames.
type QueryAccountByPasswordResponse struct {
	Account *Account
	Exists  bool
}

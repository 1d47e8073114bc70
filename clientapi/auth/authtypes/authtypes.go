// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package authtypes holds types shared by every client-server login/account
// flow, kept separate from clientapi/auth so the Device & Key Registry can
// depend on them without importing the login machinery itself.
package authtypes

// LoginTypePassword is the `type` value for https://spec.matrix.org/v1.11/client-server-api/#password-based
const LoginTypePassword = "m.login.password"

// Profile is a local user's publicly-visible display name and avatar.
type Profile struct {
	Localpart   string `json:"-"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// ThreePID is a verified third-party identifier (email, msisdn) bound to,
// or being bound to, a local account.
type ThreePID struct {
	Address     string `json:"address"`
	Medium      string `json:"medium"`
	AddedAt     int64  `json:"added_at,omitempty"`
	ValidatedAt int64  `json:"validated_at,omitempty"`
}

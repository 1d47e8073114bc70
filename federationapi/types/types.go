// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the value types shared between the federation
// client/server's storage layer and its statistics tracker, kept separate
// from both so neither imports the other just to see a struct shape.
package types

import "github.com/matrix-org/gomatrixserverlib/spec"

// RetryState is a remote server's current backoff: how many consecutive
// sends have failed, and the timestamp after which the next attempt may be
// made.
type RetryState struct {
	FailureCount uint32
	RetryUntil   spec.Timestamp
}

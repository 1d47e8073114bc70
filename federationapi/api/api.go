// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package api declares the Federation Client/Server surface the rest of
// the homeserver talks to, so callers never import federationapi/internal
// directly.
package api

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	roomserverAPI "github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// FederationInternalAPI is the Federation Client/Server as the rest of
// the homeserver sees it: queue a locally-originated event or EDU for
// delivery, or satisfy the Room Manager's callback for an event it's
// missing.
type FederationInternalAPI interface {
	roomserverAPI.FederationAPI

	// SendEventToDestinations queues event for delivery to every listed
	// destination's outbound transaction worker.
	SendEventToDestinations(ctx context.Context, event *types.HeaderedEvent, destinations []spec.ServerName) error

	// SendEDUToDestinations queues an ephemeral data unit (typing, read
	// receipt, presence, device list update, ...) for delivery to every
	// listed destination.
	SendEDUToDestinations(ctx context.Context, edu *gomatrixserverlib.EDU, destinations []spec.ServerName) error

	// IsBlacklistedOrBackingOff reports whether destination should be
	// skipped right now, and if so, until when.
	IsBlacklistedOrBackingOff(destination spec.ServerName) (time.Time, error)
}

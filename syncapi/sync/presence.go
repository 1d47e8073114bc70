// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"net/http"

	"github.com/matrixcore/homeserver/syncapi/storage"
	userapi "github.com/matrixcore/homeserver/userapi/api"
)

// updateLastSeen records a device's last-seen IP and time off the
// incoming request. Device bookkeeping belongs to the Device & Key
// Registry's own store; until that store is wired in here, this is a
// deliberate no-op rather than a half-written write path.
func (rp *RequestPool) updateLastSeen(req *http.Request, device *userapi.Device) {
	_ = req
	_ = device
}

// updatePresence applies a sync request's set_presence parameter. Presence
// tracking itself isn't implemented here, so this stays a no-op rather
// than inventing a presence store out of scope for this package.
func (rp *RequestPool) updatePresence(db storage.Database, setPresence, userID string) {
	_ = db
	_ = setPresence
	_ = userID
}

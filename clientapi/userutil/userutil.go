// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package userutil holds the small parsing helpers login flows need to turn
// a client-supplied "username" field (either a bare localpart or a full
// Matrix user ID) into a localpart/server name pair.
package userutil

import (
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/internal/util"
	"github.com/matrixcore/homeserver/setup/config"
)

// ParseUsernameParam accepts either a bare localpart ("alice") or a full
// user ID ("@alice:example.com") and returns the normalized localpart and
// the server name it belongs to. A bare localpart is assumed to belong to
// cfg's own server name.
func ParseUsernameParam(username string, cfg *config.Global) (string, spec.ServerName, error) {
	if len(username) > 0 && username[0] == '@' {
		localpart, domain, err := gomatrixserverlib.SplitID('@', username)
		if err != nil {
			return "", "", err
		}
		return util.NormalizeLocalpart(localpart), domain, nil
	}
	return util.NormalizeLocalpart(username), cfg.ServerName, nil
}

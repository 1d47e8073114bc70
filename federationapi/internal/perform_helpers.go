// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
)

// checkEventsContainCreateEvent finds the m.room.create event among events
// (as returned by a remote server's /send_join or /state) and validates
// that it names a room version this server knows how to handle. A create
// event with no room_version defaults to version "1", matching the
// room version specification's own default.
func checkEventsContainCreateEvent(events []gomatrixserverlib.PDU) error {
	var createEvent gomatrixserverlib.PDU
	for _, ev := range events {
		if ev.Type() == "m.room.create" {
			createEvent = ev
			break
		}
	}
	if createEvent == nil {
		return fmt.Errorf("sendjoin: response is missing m.room.create event")
	}

	var createContent struct {
		RoomVersion gomatrixserverlib.RoomVersion `json:"room_version"`
	}
	if err := json.Unmarshal(createEvent.Content(), &createContent); err != nil {
		return fmt.Errorf("sendjoin: m.room.create event content is invalid: %w", err)
	}
	if createContent.RoomVersion == "" {
		createContent.RoomVersion = gomatrixserverlib.RoomVersionV1
	}

	if _, ok := gomatrixserverlib.RoomVersions()[createContent.RoomVersion]; !ok {
		return fmt.Errorf("sendjoin: response m.room.create event has an unknown room version %q", createContent.RoomVersion)
	}
	return nil
}

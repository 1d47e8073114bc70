// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package roomserver assembles the Room Manager from its Event Store and
// Inputer, the way each top-level service package (e.g. mediaapi) assembles
// its own internal API from storage.
package roomserver

import (
	"github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/internal"
	"github.com/matrixcore/homeserver/roomserver/internal/input"
	"github.com/matrixcore/homeserver/roomserver/storage"
)

// NewInternalAPI opens the Event Store at dataSourceName and returns a
// Room Manager bound to it and to producer, the sink for output events
// the Sync Engine and Federation Client/Server consume.
func NewInternalAPI(dataSourceName string, producer input.OutputRoomEventProducer) (api.RoomserverInternalAPI, error) {
	db, err := storage.Open(dataSourceName)
	if err != nil {
		return nil, err
	}
	return internal.NewInternalAPI(db, producer), nil
}

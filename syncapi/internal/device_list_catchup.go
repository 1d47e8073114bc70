// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	roomserverAPI "github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/syncapi/storage"
	"github.com/matrixcore/homeserver/syncapi/types"
	userapi "github.com/matrixcore/homeserver/userapi/api"
)

// DeviceListCatchup fills in res.DeviceLists.Changed for a classic or
// sliding sync response: the users sharing a joined room with userID whose
// device list changed between from and to (the trigger for a client to
// re-query /keys/query). It does not fill res.DeviceLists.Left; users who
// no longer share any room with userID are not reported.
func DeviceListCatchup(
	ctx context.Context,
	snapshot storage.DatabaseTransaction,
	userAPI userapi.SyncUserAPI,
	rsAPI roomserverAPI.SyncRoomserverAPI,
	userID string,
	res *types.Response,
	from, to types.StreamPosition,
) (hasNew bool, newRes *types.Response, err error) {
	if res.DeviceLists == nil {
		res.DeviceLists = &types.DeviceLists{}
	}
	if from >= to {
		return false, res, nil
	}

	var changesRes userapi.QueryKeyChangesResponse
	err = userAPI.QueryKeyChanges(ctx, &userapi.QueryKeyChangesRequest{
		FromOffset: int64(from),
		ToOffset:   int64(to),
	}, &changesRes)
	if err != nil {
		return false, res, err
	}
	if changesRes.Error != nil {
		return false, res, changesRes.Error
	}
	if len(changesRes.UserIDs) == 0 {
		return false, res, nil
	}

	joinedRoomIDs, err := snapshot.RoomIDsWithMembership(ctx, userID, "join")
	if err != nil {
		return false, res, err
	}
	joinedUsersByRoom, err := snapshot.AllJoinedUsersInRoom(ctx, joinedRoomIDs)
	if err != nil {
		return false, res, err
	}
	sharesRoomWith := make(map[string]bool)
	for _, members := range joinedUsersByRoom {
		for _, member := range members {
			if member != userID {
				sharesRoomWith[member] = true
			}
		}
	}

	changed := false
	for _, changedUserID := range changesRes.UserIDs {
		if !sharesRoomWith[changedUserID] {
			continue
		}
		res.DeviceLists.Changed = append(res.DeviceLists.Changed, changedUserID)
		changed = true
	}

	return changed, res, nil
}

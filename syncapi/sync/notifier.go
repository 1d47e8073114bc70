// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package sync holds the Sync Engine's long-poll wake-up mechanism: the
// Notifier tracks which users are joined to which rooms, and wakes any
// client blocked in /sync as soon as an event affecting them arrives.
package sync

import (
	"context"
	"sync"
	"time"

	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/storage"
	"github.com/matrixcore/homeserver/syncapi/types"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/sirupsen/logrus"
)

// userIDSet is a small string-set tailored to user IDs; a plain map keeps
// add/remove/contains at O(1) without pulling in a generic set library for
// one use.
type userIDSet map[string]bool

func (s userIDSet) add(userID string)      { s[userID] = true }
func (s userIDSet) remove(userID string)   { delete(s, userID) }
func (s userIDSet) values() []string {
	values := make([]string, 0, len(s))
	for userID := range s {
		values = append(values, userID)
	}
	return values
}

// Notifier tracks every user's room membership and wakes their blocked /sync
// requests when a relevant event or stream update arrives The two maps below
// are kept in lock-step under streamLock: membership changes and wake-ups
// for a given room must never interleave, or a client could be woken for a
// room it was never counted as joined to.
type Notifier struct {
	streamLock *sync.Mutex
	// currPos is the latest position this Notifier has observed across
	// every stream; new listeners start here if they supply no token.
	currPos types.StreamingToken
	// roomIDToJoinedUsers lets OnNewEvent find every user that must be
	// woken for a given room without a storage round trip.
	roomIDToJoinedUsers map[string]userIDSet
	// userDeviceStreams lets OnNewEvent find a specific device's listener
	// without scanning every connected device.
	userDeviceStreams map[string]map[string]*UserDeviceStream
	lastCleanUpTime   time.Time
}

// NewNotifier creates a Notifier starting from currPos; call Load before
// serving any request so roomIDToJoinedUsers isn't empty.
func NewNotifier(currPos types.StreamingToken) *Notifier {
	return &Notifier{
		currPos:             currPos,
		roomIDToJoinedUsers: make(map[string]userIDSet),
		userDeviceStreams:   make(map[string]map[string]*UserDeviceStream),
		streamLock:          &sync.Mutex{},
		lastCleanUpTime:     time.Now(),
	}
}

// Load populates roomIDToJoinedUsers from storage, run once at startup so
// the Notifier can wake existing members without replaying every event.
func (n *Notifier) Load(ctx context.Context, db storage.Database) error {
	roomToUsers, err := db.AllJoinedUsersInRooms(ctx)
	if err != nil {
		return err
	}
	n.streamLock.Lock()
	defer n.streamLock.Unlock()
	for roomID, userIDs := range roomToUsers {
		n.setUsersJoinedToRoomsLocked(roomID, userIDs)
	}
	return nil
}

// OnNewEvent wakes every device stream for users affected by ev: every
// currently-joined member of the room, plus (for membership events) the
// user the membership change targets, so an invitee or a newly-joined
// user is woken even though they weren't counted as joined a moment ago.
func (n *Notifier) OnNewEvent(ev *rstypes.HeaderedEvent, roomID string, userIDs []string, posUpdate types.StreamingToken) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)

	if roomID == "" && ev != nil {
		roomID = ev.RoomID().String()
	}

	if len(userIDs) == 0 && roomID != "" {
		userIDs = n.joinedUsersLocked(roomID)
	}

	if ev != nil && ev.Type() == "m.room.member" && ev.StateKey() != nil {
		targetUserID := *ev.StateKey()
		membership, _ := ev.Membership()
		switch membership {
		case "join":
			n.addJoinedUserLocked(roomID, targetUserID)
		case "leave", "ban":
			n.removeJoinedUserLocked(roomID, targetUserID)
		}
		userIDs = append(userIDs, targetUserID)
	}

	n.wakeupUsersLocked(userIDs, n.currPos)
	n.maybeCleanUpLocked()
}

// OnNewSendToDevice wakes the specific devices a send-to-device message was
// addressed to; unlike OnNewEvent this never needs room membership.
func (n *Notifier) OnNewSendToDevice(userID string, deviceIDs []string, posUpdate types.StreamingToken) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)

	if len(deviceIDs) == 0 {
		n.wakeupUserLocked(userID, n.currPos)
		return
	}
	for _, deviceID := range deviceIDs {
		n.wakeupUserDeviceLocked(userID, deviceID, n.currPos)
	}
}

// OnNewKeyChange wakes every device of the given user, used when the
// Device & Key Registry publishes a cross-signing or device-list update
// that must be reflected in that user's own /sync.
func (n *Notifier) OnNewKeyChange(posUpdate types.StreamingToken, userID string) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)
	n.wakeupUserLocked(userID, n.currPos)
}

// OnNewInvite wakes the invited user, used when an invite event arrives for
// a room the server has no existing join for so OnNewEvent's joined-user
// lookup would otherwise miss them.
func (n *Notifier) OnNewInvite(posUpdate types.StreamingToken, invitedUserID string) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)
	n.wakeupUserLocked(invitedUserID, n.currPos)
}

// OnNewReceipt wakes every user joined to roomID, used when a read or
// read-private receipt is stored so their /sync reflects the new position.
func (n *Notifier) OnNewReceipt(roomID string, posUpdate types.StreamingToken) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)
	n.wakeupUsersLocked(n.joinedUsersLocked(roomID), n.currPos)
}

// OnNewNotificationData wakes the given user, used when their unread
// notification or highlight counts change for a room.
func (n *Notifier) OnNewNotificationData(userID string, posUpdate types.StreamingToken) {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()

	n.currPos = n.currPos.WithUpdates(posUpdate)
	n.wakeupUserLocked(userID, n.currPos)
}

// CurrentPosition returns the latest position this Notifier has observed.
func (n *Notifier) CurrentPosition() types.StreamingToken {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()
	return n.currPos
}

// GetListener returns the stream a device should wait on for req, creating
// it on first use. The caller releases nothing; the stream is cleaned up
// lazily by maybeCleanUpLocked once it's been idle a while.
func (n *Notifier) GetListener(device api.Device) *UserDeviceStream {
	n.streamLock.Lock()
	defer n.streamLock.Unlock()
	return n.fetchUserDeviceStreamLocked(device.UserID, device.ID, true)
}

// setUsersJoinedToRoomsLocked replaces the joined-user set for roomID
// wholesale, used only during the startup Load.
func (n *Notifier) setUsersJoinedToRoomsLocked(roomID string, userIDs []string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
		n.roomIDToJoinedUsers[roomID] = make(userIDSet)
	}
	for _, userID := range userIDs {
		n.roomIDToJoinedUsers[roomID].add(userID)
	}
}

func (n *Notifier) addJoinedUserLocked(roomID, userID string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
		n.roomIDToJoinedUsers[roomID] = make(userIDSet)
	}
	n.roomIDToJoinedUsers[roomID].add(userID)
}

func (n *Notifier) removeJoinedUserLocked(roomID, userID string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; ok {
		n.roomIDToJoinedUsers[roomID].remove(userID)
	}
}

func (n *Notifier) joinedUsersLocked(roomID string) []string {
	if users, ok := n.roomIDToJoinedUsers[roomID]; ok {
		return users.values()
	}
	return nil
}

func (n *Notifier) wakeupUsersLocked(userIDs []string, newlyAvailable types.StreamingToken) {
	seen := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		if seen[userID] {
			continue
		}
		seen[userID] = true
		n.wakeupUserLocked(userID, newlyAvailable)
	}
}

func (n *Notifier) wakeupUserLocked(userID string, newlyAvailable types.StreamingToken) {
	for deviceID := range n.userDeviceStreams[userID] {
		n.wakeupUserDeviceLocked(userID, deviceID, newlyAvailable)
	}
}

func (n *Notifier) wakeupUserDeviceLocked(userID, deviceID string, newlyAvailable types.StreamingToken) {
	stream := n.fetchUserDeviceStreamLocked(userID, deviceID, false)
	if stream == nil {
		return
	}
	stream.Broadcast(newlyAvailable)
}

func (n *Notifier) fetchUserDeviceStreamLocked(userID, deviceID string, makeIfNotExists bool) *UserDeviceStream {
	devices, ok := n.userDeviceStreams[userID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		devices = make(map[string]*UserDeviceStream)
		n.userDeviceStreams[userID] = devices
	}
	stream, ok := devices[deviceID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		stream = NewUserDeviceStream(userID, deviceID, n.currPos)
		devices[deviceID] = stream
	}
	return stream
}

// maybeCleanUpLocked drops device streams idle for more than five minutes,
// checked at most once a minute so a busy server isn't scanning every
// stream on every single event.
func (n *Notifier) maybeCleanUpLocked() {
	now := time.Now()
	if now.Sub(n.lastCleanUpTime) < time.Minute {
		return
	}
	n.lastCleanUpTime = now
	for userID, devices := range n.userDeviceStreams {
		for deviceID, stream := range devices {
			if now.Sub(stream.TimeOfLastUse()) > 5*time.Minute {
				delete(devices, deviceID)
				logrus.WithFields(logrus.Fields{
					"user_id":   userID,
					"device_id": deviceID,
				}).Trace("syncapi: dropped idle device stream")
			}
		}
		if len(devices) == 0 {
			delete(n.userDeviceStreams, userID)
		}
	}
}

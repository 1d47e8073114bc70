// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package streams

import "sync"

// EDUCache holds the current typing users per room plus the millisecond
// timestamp of their last change, the minimum state a long-poll needs to
// answer "did typing change since <t>?" without replaying every EDU.
type EDUCache struct {
	mu    sync.RWMutex
	rooms map[string]*typingRoomState
}

type typingRoomState struct {
	userIDs   []string
	updatedAt int64
}

// NewEDUCache creates an empty typing cache.
func NewEDUCache() *EDUCache {
	return &EDUCache{rooms: make(map[string]*typingRoomState)}
}

// SetTypingUsers records roomID's current typing user set at updatedAt,
// called by the EDU consumer whenever an m.typing ephemeral event arrives.
func (c *EDUCache) SetTypingUsers(roomID string, userIDs []string, updatedAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[roomID] = &typingRoomState{userIDs: userIDs, updatedAt: updatedAt}
}

// GetTypingUsersIfUpdatedAfter returns roomID's typing users and true if
// they changed after afterMS, or (nil, false) if nothing changed since
// then (including when the room has never had a typing update).
func (c *EDUCache) GetTypingUsersIfUpdatedAfter(roomID string, afterMS int64) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.rooms[roomID]
	if !ok || state.updatedAt <= afterMS {
		return nil, false
	}
	return state.userIDs, true
}

// TypingStreamProvider serves the sliding sync typing extension from an
// in-memory cache, since typing notifications are ephemeral and never
// persisted to the event store.
type TypingStreamProvider struct {
	EDUCache *EDUCache
}

// NewTypingStreamProvider creates a provider with an empty cache.
func NewTypingStreamProvider() *TypingStreamProvider {
	return &TypingStreamProvider{EDUCache: NewEDUCache()}
}

func (p *TypingStreamProvider) Name() string { return "typing" }

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"sync"
	"time"

	"github.com/matrixcore/homeserver/syncapi/types"
)

// UserDeviceStream is one device's long-poll wait point: a position plus a
// condition variable, so a blocked /sync can be woken the instant the
// Notifier advances past the position it's waiting on. There's no
// suitable broadcast-with-cancellation primitive in the pack's dependency
// set for this, so it's built directly on sync.Cond.
type UserDeviceStream struct {
	UserID   string
	DeviceID string

	mu         sync.Mutex
	cond       *sync.Cond
	pos        types.StreamingToken
	lastUsedAt time.Time
}

// NewUserDeviceStream creates a stream starting at pos.
func NewUserDeviceStream(userID, deviceID string, pos types.StreamingToken) *UserDeviceStream {
	s := &UserDeviceStream{
		UserID:     userID,
		DeviceID:   deviceID,
		pos:        pos,
		lastUsedAt: time.Now(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Broadcast advances the stream's position and wakes every goroutine
// blocked in Wait, called by the Notifier whenever something this device
// might care about happens.
func (s *UserDeviceStream) Broadcast(newPos types.StreamingToken) {
	s.mu.Lock()
	s.pos = s.pos.WithUpdates(newPos)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Wait blocks until the stream's position has advanced past since, the
// context is cancelled, or the deadline elapses — whichever comes first —
// and returns the stream's position at that point.
//
// sync.Cond has no context-aware wait, so a watcher goroutine bridges
// ctx.Done() into a Broadcast call; it's joined before Wait returns so it
// never leaks past this call.
func (s *UserDeviceStream) Wait(ctx context.Context, since types.StreamingToken) types.StreamingToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsedAt = time.Now()

	if s.pos.IsAfter(since) {
		return s.pos
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cond.Broadcast()
		case <-stop:
		}
	}()

	for !s.pos.IsAfter(since) {
		if ctx.Err() != nil {
			return s.pos
		}
		s.cond.Wait()
	}
	return s.pos
}

// TimeOfLastUse reports when this stream was last waited on, used by the
// Notifier's idle-stream clean up.
func (s *UserDeviceStream) TimeOfLastUse() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

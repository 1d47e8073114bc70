// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package test builds small in-memory rooms and users for exercising the
// homeserver core's packages without a real storage backend or network.
package test

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/roomserver/types"
)

var userCounter uint64
var roomCounter uint64
var tsCounter uint64

// User is a minimal local test user; it never touches the User/Device
// registry, only the Matrix user ID string roomserver packages consume.
type User struct {
	ID       string
	DeviceID string
}

// NewUser returns a fresh, uniquely-named local test user.
func NewUser(t testing.TB) *User {
	t.Helper()
	n := atomic.AddUint64(&userCounter, 1)
	return &User{
		ID:       fmt.Sprintf("@user%d:test", n),
		DeviceID: fmt.Sprintf("DEVICE%d", n),
	}
}

// Preset mirrors the client-server room creation presets that determine a
// test room's default join_rules and history_visibility.
type Preset int

const (
	PresetPrivateChat Preset = iota
	PresetPublicChat
	PresetTrustedPrivateChat
)

type roomOptions struct {
	preset  Preset
	version gomatrixserverlib.RoomVersion
}

// RoomOpt configures NewRoom.
type RoomOpt func(*roomOptions)

// RoomPreset selects the join_rules a test room is created with.
func RoomPreset(p Preset) RoomOpt {
	return func(o *roomOptions) { o.preset = p }
}

// RoomVersion pins the room version used to build and parse every event
// in the room; defaults to the latest stable version.
func RoomVersion(v gomatrixserverlib.RoomVersion) RoomOpt {
	return func(o *roomOptions) { o.version = v }
}

// Room is an in-memory room: a running event DAG plus the subset of
// current state (by type, keyed additionally by state_key for membership)
// needed to derive realistic auth_events for new test events.
type Room struct {
	ID      string
	Version gomatrixserverlib.RoomVersion
	creator *User

	events       []*types.HeaderedEvent
	latestEvents []string
	depth        int64

	// authState indexes the current state by the same key scheme
	// roomserver/auth's authEventProvider uses, so CreateEvent can derive
	// realistic default auth_events without a real Event Store.
	authState map[string]string
}

// NewRoom creates a room with a create event, the creator's join, default
// power levels, and join_rules matching the requested preset, inserting each
// into the room's tracked state in turn
func NewRoom(t testing.TB, creator *User, opts ...RoomOpt) *Room {
	t.Helper()
	o := roomOptions{preset: PresetPrivateChat, version: gomatrixserverlib.RoomVersionV10}
	for _, opt := range opts {
		opt(&o)
	}
	n := atomic.AddUint64(&roomCounter, 1)
	r := &Room{
		ID:        fmt.Sprintf("!room%d:test", n),
		Version:   o.version,
		creator:   creator,
		authState: map[string]string{},
	}

	r.CreateAndInsert(t, creator, spec.MRoomCreate, map[string]interface{}{
		"creator":      creator.ID,
		"room_version": string(o.version),
	})
	r.CreateAndInsert(t, creator, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, WithStateKey(creator.ID))
	r.CreateAndInsert(t, creator, spec.MRoomPowerLevels, map[string]interface{}{
		"users":          map[string]interface{}{creator.ID: 100},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
	})

	joinRule := "invite"
	if o.preset == PresetPublicChat {
		joinRule = "public"
	}
	r.CreateAndInsert(t, creator, spec.MRoomJoinRules, map[string]interface{}{
		"join_rule": joinRule,
	})

	return r
}

// Events returns every event built into the room so far, in creation
// order; index 0 is always the m.room.create event.
func (r *Room) Events() []*types.HeaderedEvent {
	return r.events
}

type eventOptions struct {
	stateKey *string
	authIDs  []string
}

// EventOpt configures CreateEvent/CreateAndInsert.
type EventOpt func(*eventOptions)

// WithStateKey marks the built event as a state event with the given
// state_key (empty string is a valid, non-nil state_key).
func WithStateKey(key string) EventOpt {
	return func(o *eventOptions) { o.stateKey = &key }
}

// WithAuthIDs overrides the auth_events the built event references,
// instead of the room's current tracked state; used to craft illegal
// cross-room or stale auth chains in authorisation tests.
func WithAuthIDs(ids []string) EventOpt {
	return func(o *eventOptions) { o.authIDs = ids }
}

// CreateEvent builds (but does not apply) a new event on top of the
// room's current forward extremities.
func (r *Room) CreateEvent(t testing.TB, sender *User, evType string, content map[string]interface{}, opts ...EventOpt) *types.HeaderedEvent {
	t.Helper()
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}

	authIDs := o.authIDs
	if authIDs == nil {
		authIDs = r.defaultAuthEventIDs(evType, sender.ID, o.stateKey)
	}

	contentBytes, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("test: marshal content: %v", err)
	}

	n := atomic.AddUint64(&tsCounter, 1)
	raw := map[string]interface{}{
		"type":              evType,
		"room_id":           r.ID,
		"sender":             sender.ID,
		"origin_server_ts":  int64(n),
		"depth":             r.depth + 1,
		"content":           json.RawMessage(contentBytes),
		"prev_events":       r.latestEvents,
		"auth_events":       authIDs,
	}
	if o.stateKey != nil {
		raw["state_key"] = *o.stateKey
	}

	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("test: marshal event: %v", err)
	}

	verImpl, err := gomatrixserverlib.GetRoomVersion(r.Version)
	if err != nil {
		t.Fatalf("test: room version %s: %v", r.Version, err)
	}
	pdu, err := verImpl.NewEventFromTrustedJSON(jsonBytes, false)
	if err != nil {
		t.Fatalf("test: build event: %v", err)
	}
	return &types.HeaderedEvent{PDU: pdu}
}

// CreateAndInsert builds a new event and, if it carries a state_key,
// applies it to the room's tracked state so later CreateEvent calls see
// it as part of the default auth chain.
func (r *Room) CreateAndInsert(t testing.TB, sender *User, evType string, content map[string]interface{}, opts ...EventOpt) *types.HeaderedEvent {
	t.Helper()
	ev := r.CreateEvent(t, sender, evType, content, opts...)
	r.depth++
	r.latestEvents = []string{ev.EventID()}
	r.events = append(r.events, ev)

	if sk := ev.StateKey(); sk != nil {
		key := evType
		if *sk != "" {
			key = evType + "\x00" + *sk
		}
		r.authState[key] = ev.EventID()
	}
	return ev
}

func (r *Room) defaultAuthEventIDs(evType, senderID string, stateKey *string) []string {
	var ids []string
	seen := map[string]bool{}
	add := func(key string) {
		id, ok := r.authState[key]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if evType != spec.MRoomCreate {
		add(spec.MRoomCreate)
	}
	add(spec.MRoomPowerLevels)
	if evType != spec.MRoomJoinRules {
		add(spec.MRoomJoinRules)
	}
	add(spec.MRoomMember + "\x00" + senderID)
	if evType == spec.MRoomMember && stateKey != nil && *stateKey != senderID {
		add(spec.MRoomMember + "\x00" + *stateKey)
	}
	return ids
}

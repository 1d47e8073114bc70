// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package synctypes holds the Sync Engine's client-facing event shape and
// filter types, kept separate from syncapi/types so the storage layer never
// has to import the HTTP-facing ClientEvent shape.
package synctypes

import (
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Format selects how much of an event ToClientEvent serialises: the full
// federation shape (FormatAll, used for state) or the trimmed /sync shape
// (FormatSync, which drops auth/prev-event bookkeeping clients never use).
type Format int

const (
	FormatAll Format = iota
	FormatSync
)

// UserIDForSender resolves an event's pseudo-ID sender into a display
// user ID, needed for room versions that pseudonymise senders.
type UserIDForSender func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error)

// ClientEvent is the JSON shape of an event as returned to /sync, /messages
// and /state clients — never the wire PDU shape, which carries auth/hash
// fields clients don't need and aren't meant to trust blindly.
type ClientEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	PrevContent    json.RawMessage `json:"prev_content,omitempty"`
}

// ToClientEvent converts a PDU into its client-facing shape, resolving the
// sender's display user ID via userIDForSender (room versions after v11
// pseudonymise senders, so the wire sender and the client-visible sender
// can differ).
func ToClientEvent(e gomatrixserverlib.PDU, format Format, userIDForSender UserIDForSender) (*ClientEvent, error) {
	if e == nil {
		return nil, nil
	}
	ce := &ClientEvent{
		Content:        json.RawMessage(e.Content()),
		EventID:        e.EventID(),
		OriginServerTS: e.OriginServerTS(),
		RoomID:         e.RoomID().String(),
		Type:           e.Type(),
		StateKey:       e.StateKey(),
	}
	senderID := e.SenderID()
	userID, err := userIDForSender(e.RoomID(), senderID)
	if err != nil || userID == nil {
		ce.Sender = string(senderID)
	} else {
		ce.Sender = userID.String()
	}
	if format == FormatSync {
		return ce, nil
	}
	if unsigned := e.Unsigned(); len(unsigned) > 0 {
		ce.Unsigned = json.RawMessage(unsigned)
	}
	return ce, nil
}

// EventFilter is the non-room-scoped half of a Matrix filter: restrict by
// type/sender, independent of which rooms are considered.
type EventFilter struct {
	Limit      int      `json:"limit,omitempty"`
	NotSenders []string `json:"not_senders,omitempty"`
	NotTypes   []string `json:"not_types,omitempty"`
	Senders    []string `json:"senders,omitempty"`
	Types      []string `json:"types,omitempty"`
}

// RoomEventFilter additionally restricts by room and URL-containing
// content, applied to the room timeline/state sections of a filter.
type RoomEventFilter struct {
	Limit                   int      `json:"limit,omitempty"`
	NotSenders              []string `json:"not_senders,omitempty"`
	NotTypes                []string `json:"not_types,omitempty"`
	Senders                 []string `json:"senders,omitempty"`
	Types                   []string `json:"types,omitempty"`
	NotRooms                []string `json:"not_rooms,omitempty"`
	Rooms                   []string `json:"rooms,omitempty"`
	ContainsURL             *bool    `json:"contains_url,omitempty"`
	LazyLoadMembers         bool     `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool     `json:"include_redundant_members,omitempty"`
	UnreadThreadNotifications bool   `json:"unread_thread_notifications,omitempty"`
}

// StateFilter is a RoomEventFilter applied to the state section of a
// filter; kept as a distinct type so a future state-only restriction
// doesn't widen the timeline filter by accident.
type StateFilter struct {
	Limit                   int      `json:"limit,omitempty"`
	NotSenders              []string `json:"not_senders,omitempty"`
	NotTypes                []string `json:"not_types,omitempty"`
	Senders                 []string `json:"senders,omitempty"`
	Types                   []string `json:"types,omitempty"`
	NotRooms                []string `json:"not_rooms,omitempty"`
	Rooms                   []string `json:"rooms,omitempty"`
	ContainsURL             *bool    `json:"contains_url,omitempty"`
	LazyLoadMembers         bool     `json:"lazy_load_members,omitempty"`
	IncludeRedundantMembers bool     `json:"include_redundant_members,omitempty"`
}

// RoomFilter is the room section of a /sync filter: separate timeline,
// state, account-data and ephemeral restrictions, plus an overall
// include/exclude room list.
type RoomFilter struct {
	NotRooms    []string        `json:"not_rooms,omitempty"`
	Rooms       []string        `json:"rooms,omitempty"`
	Ephemeral   RoomEventFilter `json:"ephemeral,omitempty"`
	IncludeLeave bool           `json:"include_leave,omitempty"`
	State       StateFilter     `json:"state,omitempty"`
	Timeline    RoomEventFilter `json:"timeline,omitempty"`
	AccountData RoomEventFilter `json:"account_data,omitempty"`
}

// Filter is the full body of a named or inline /sync filter (Matrix spec
// "Filtering"), applied server-side so a client only receives the
// timeline/state/account-data slices it asked for.
type Filter struct {
	AccountData EventFilter `json:"account_data,omitempty"`
	EventFields []string    `json:"event_fields,omitempty"`
	EventFormat Format      `json:"event_format,omitempty"`
	Presence    EventFilter `json:"presence,omitempty"`
	Room        RoomFilter  `json:"room,omitempty"`
}

// DefaultFilter returns an unrestricted Filter with Matrix's documented
// default limits throughout, used when a /sync request names no filter.
func DefaultFilter() Filter {
	return Filter{
		AccountData: DefaultEventFilter(),
		Presence:    DefaultEventFilter(),
		Room: RoomFilter{
			Ephemeral:   DefaultRoomEventFilter(),
			State:       DefaultStateFilter(),
			Timeline:    DefaultRoomEventFilter(),
			AccountData: DefaultRoomEventFilter(),
		},
	}
}

// DefaultEventFilter returns an unrestricted EventFilter with Matrix's
// documented default limit.
func DefaultEventFilter() EventFilter {
	return EventFilter{Limit: 20}
}

// DefaultStateFilter returns an unrestricted StateFilter with Matrix's
// documented default limit.
func DefaultStateFilter() StateFilter {
	return StateFilter{Limit: 20}
}

// DefaultRoomEventFilter returns an unrestricted RoomEventFilter with
// Matrix's documented default limit.
func DefaultRoomEventFilter() RoomEventFilter {
	return RoomEventFilter{Limit: 20}
}

// Matches reports whether eventType/sender/roomID survive this filter's
// inclusion/exclusion lists
func (f *RoomEventFilter) Matches(eventType, sender, roomID string) bool {
	if !matchesList(f.Types, eventType, true) {
		return false
	}
	if matchesList(f.NotTypes, eventType, false) {
		return false
	}
	if !matchesList(f.Senders, sender, true) {
		return false
	}
	if matchesList(f.NotSenders, sender, false) {
		return false
	}
	if !matchesList(f.Rooms, roomID, true) {
		return false
	}
	if matchesList(f.NotRooms, roomID, false) {
		return false
	}
	return true
}

func matchesList(list []string, value string, emptyMeansAllow bool) bool {
	if len(list) == 0 {
		return emptyMeansAllow
	}
	for _, v := range list {
		if v == value {
			return true
		}
		if len(v) > 0 && v[len(v)-1] == '*' && len(value) >= len(v)-1 && value[:len(v)-1] == v[:len(v)-1] {
			return true
		}
	}
	return false
}

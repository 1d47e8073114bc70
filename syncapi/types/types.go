// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package types holds the Sync Engine's storage-facing types: stream
// positions, the composite StreamingToken clients pass back as since=, and
// the classic /sync response shape
package types

import (
	"fmt"
	"strconv"
	"strings"

	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// StreamPosition is a monotonically increasing cursor into one of the
// sync engine's independent streams (PDU, typing, receipt, ...). Streams
// advance independently; a StreamingToken pins one position per stream.
type StreamPosition int64

func (p StreamPosition) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// StreamEvent pairs a room event with the PDU stream position it was
// written at, the unit the timeline stream hands back to callers.
type StreamEvent struct {
	*rstypes.HeaderedEvent
	StreamPosition    StreamPosition
	TransactionID     *TransactionID
	ExcludeFromSync   bool
}

// SendToDeviceEvent pairs a queued send-to-device message with the
// stream position it was inserted at, so a partially-delivered batch can
// resume from where it left off.
type SendToDeviceEvent struct {
	StreamPosition    StreamPosition
	SendToDeviceEvent gomatrixserverlib.SendToDeviceEvent
}

// TransactionID identifies the request that caused a client's own event
// to be echoed back to it on /sync, so clients can deduplicate.
type TransactionID struct {
	DeviceID  string `json:"device_id"`
	SessionID string `json:"session_id"`
}

// Range is a [From, To) span over one stream, used for both classic
// incremental sync ("everything since my last token") and backwards
// pagination (Backwards: true reverses iteration order).
type Range struct {
	From      StreamPosition
	To        StreamPosition
	Backwards bool
}

// Low returns the lower bound of the range regardless of direction,
// since From > To when Backwards is set.
func (r Range) Low() StreamPosition {
	if r.Backwards {
		return r.To
	}
	return r.From
}

// High returns the upper bound of the range regardless of direction.
func (r Range) High() StreamPosition {
	if r.Backwards {
		return r.From
	}
	return r.To
}

// RecentEvents is the timeline window returned for one room: the events
// within a Range plus whether the database held more (Limited).
type RecentEvents struct {
	Events  []StreamEvent
	Limited bool
}

// StreamingToken is the since= token classic /sync hands back: one
// position per independent stream, so a client resuming sync only
// receives what actually changed in each.
type StreamingToken struct {
	PDUPosition              StreamPosition
	TypingPosition           StreamPosition
	ReceiptPosition          StreamPosition
	SendToDevicePosition     StreamPosition
	InvitePosition           StreamPosition
	AccountDataPosition      StreamPosition
	DeviceListPosition       StreamPosition
	NotificationDataPosition StreamPosition
}

const streamTokenPrefix = "s"
const streamTokenFieldCount = 8

// String serialises the token as "s{pdu}_{typing}_{receipt}_{s2d}_{invite}_{accountdata}_{devicelist}_{notifdata}".
func (t StreamingToken) String() string {
	return fmt.Sprintf(
		"%s%d_%d_%d_%d_%d_%d_%d_%d",
		streamTokenPrefix,
		t.PDUPosition, t.TypingPosition, t.ReceiptPosition, t.SendToDevicePosition,
		t.InvitePosition, t.AccountDataPosition, t.DeviceListPosition, t.NotificationDataPosition,
	)
}

// IsAfter reports whether t is strictly ahead of other on any stream.
func (t StreamingToken) IsAfter(other StreamingToken) bool {
	return t.PDUPosition > other.PDUPosition ||
		t.TypingPosition > other.TypingPosition ||
		t.ReceiptPosition > other.ReceiptPosition ||
		t.SendToDevicePosition > other.SendToDevicePosition ||
		t.InvitePosition > other.InvitePosition ||
		t.AccountDataPosition > other.AccountDataPosition ||
		t.DeviceListPosition > other.DeviceListPosition ||
		t.NotificationDataPosition > other.NotificationDataPosition
}

// WithUpdates returns a copy of t with every non-zero field of other
// overlaid on top, used to fold a newly observed position for one stream
// into a token without disturbing the others.
func (t StreamingToken) WithUpdates(other StreamingToken) StreamingToken {
	ret := t
	if other.PDUPosition > ret.PDUPosition {
		ret.PDUPosition = other.PDUPosition
	}
	if other.TypingPosition > ret.TypingPosition {
		ret.TypingPosition = other.TypingPosition
	}
	if other.ReceiptPosition > ret.ReceiptPosition {
		ret.ReceiptPosition = other.ReceiptPosition
	}
	if other.SendToDevicePosition > ret.SendToDevicePosition {
		ret.SendToDevicePosition = other.SendToDevicePosition
	}
	if other.InvitePosition > ret.InvitePosition {
		ret.InvitePosition = other.InvitePosition
	}
	if other.AccountDataPosition > ret.AccountDataPosition {
		ret.AccountDataPosition = other.AccountDataPosition
	}
	if other.DeviceListPosition > ret.DeviceListPosition {
		ret.DeviceListPosition = other.DeviceListPosition
	}
	if other.NotificationDataPosition > ret.NotificationDataPosition {
		ret.NotificationDataPosition = other.NotificationDataPosition
	}
	return ret
}

// NewStreamTokenFromString parses a token produced by StreamingToken.String.
func NewStreamTokenFromString(s string) (token StreamingToken, err error) {
	if s == "" {
		return token, nil
	}
	if !strings.HasPrefix(s, streamTokenPrefix) {
		return token, fmt.Errorf("types: invalid stream token %q: missing %q prefix", s, streamTokenPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(s, streamTokenPrefix), "_")
	positions := make([]StreamPosition, streamTokenFieldCount)
	for i := 0; i < len(parts) && i < streamTokenFieldCount; i++ {
		v, perr := strconv.ParseInt(parts[i], 10, 64)
		if perr != nil {
			return token, fmt.Errorf("types: invalid stream token %q: field %d: %w", s, i, perr)
		}
		positions[i] = StreamPosition(v)
	}
	token = StreamingToken{
		PDUPosition:              positions[0],
		TypingPosition:           positions[1],
		ReceiptPosition:          positions[2],
		SendToDevicePosition:     positions[3],
		InvitePosition:           positions[4],
		AccountDataPosition:      positions[5],
		DeviceListPosition:       positions[6],
		NotificationDataPosition: positions[7],
	}
	return token, nil
}

// NewStreamPositionFromString parses a single bare integer position, used
// where a caller already knows which stream it belongs to.
func NewStreamPositionFromString(s string) (StreamPosition, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return StreamPosition(v), nil
}

// TopologyToken paginates /messages by (depth, stream position) rather
// than stream position alone, so events in different rooms that share a
// PDU stream position still sort by the room's own event DAG depth.
type TopologyToken struct {
	Depth          StreamPosition
	PDUPosition    StreamPosition
}

func (t TopologyToken) String() string {
	return fmt.Sprintf("t%d-%d", t.Depth, t.PDUPosition)
}

// Decrement moves the token to the position immediately before the event
// it was derived from, the boundary /messages and prev_batch need.
func (t *TopologyToken) Decrement() {
	if t.PDUPosition > 0 {
		t.PDUPosition--
		return
	}
	if t.Depth > 0 {
		t.Depth--
	}
}

// NewTopologyTokenFromString parses a token produced by TopologyToken.String.
func NewTopologyTokenFromString(s string) (token TopologyToken, err error) {
	if !strings.HasPrefix(s, "t") {
		return token, fmt.Errorf("types: invalid topology token %q: missing \"t\" prefix", s)
	}
	parts := strings.SplitN(strings.TrimPrefix(s, "t"), "-", 2)
	if len(parts) != 2 {
		return token, fmt.Errorf("types: invalid topology token %q", s)
	}
	depth, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return token, err
	}
	pduPos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return token, err
	}
	return TopologyToken{Depth: StreamPosition(depth), PDUPosition: StreamPosition(pduPos)}, nil
}

// OutputReceiptEvent is one read-receipt row as returned to the Sync
// Engine, the shape fanned out from the Receipt Store.
type OutputReceiptEvent struct {
	RoomID    string        `json:"room_id"`
	Type      string        `json:"type"`
	UserID    string        `json:"user_id"`
	EventID   string        `json:"event_id"`
	Timestamp spec.Timestamp `json:"timestamp"`
}

// DeviceLists carries the device-list changes a sync response tells a
// client about: whose device lists to re-query (Changed) and whose to
// drop from tracking because a shared room was left (Left).
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

// Summary is the room-summary block of a /sync room entry: enough to render
// a room name from its heroes when the room has no m.room.name.
type Summary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

// State is a state-events block, shared by joined/invited/left room
// entries in a classic /sync response.
type State struct {
	Events []synctypes.ClientEvent `json:"events"`
}

// NewState returns a State with an initialised, never-nil Events slice
// so it always serialises as `"events":[]` rather than `null`.
func NewState() *State {
	return &State{Events: []synctypes.ClientEvent{}}
}

// Timeline is the room-timeline block of a /sync room entry.
type Timeline struct {
	Events    []synctypes.ClientEvent `json:"events"`
	Limited   bool                    `json:"limited"`
	PrevBatch *TopologyToken          `json:"prev_batch,omitempty"`
}

// JoinResponse is one room's entry under rooms.join in a classic /sync response.
type JoinResponse struct {
	Summary                Summary                      `json:"summary,omitempty"`
	State                  State                        `json:"state"`
	Timeline               Timeline                     `json:"timeline"`
	Ephemeral              struct {
		Events []synctypes.ClientEvent `json:"events"`
	} `json:"ephemeral"`
	AccountData            State                        `json:"account_data"`
	UnreadNotifications    UnreadNotifications           `json:"unread_notifications,omitempty"`
}

// UnreadNotifications is the per-room notification-count block (spec
// "push rules" counts, computed by the notification-data consumer).
type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

// InviteResponse is one room's entry under rooms.invite: stripped state
// only, since an un-joined member shouldn't see the full timeline.
type InviteResponse struct {
	InviteState State `json:"invite_state"`
}

// NewInviteResponse returns an InviteResponse with an empty, non-nil
// InviteState so stripped-state rooms still serialise `"events":[]`.
func NewInviteResponse(event *rstypes.HeaderedEvent) *InviteResponse {
	return &InviteResponse{InviteState: *NewState()}
}

// LeaveResponse is one room's entry under rooms.leave.
type LeaveResponse struct {
	State    State    `json:"state"`
	Timeline Timeline `json:"timeline"`
}

// NewLeaveResponse returns a LeaveResponse with empty, non-nil blocks.
func NewLeaveResponse() *LeaveResponse {
	return &LeaveResponse{
		State:    *NewState(),
		Timeline: Timeline{Events: []synctypes.ClientEvent{}},
	}
}

// RoomsResponse is the rooms block of a classic /sync response, keyed by
// room ID within each membership bucket.
type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join,omitempty"`
	Invite map[string]*InviteResponse `json:"invite,omitempty"`
	Leave  map[string]*LeaveResponse  `json:"leave,omitempty"`
}

// Response is the full body of a classic GET /sync response.
type Response struct {
	NextBatch   StreamingToken `json:"next_batch"`
	AccountData State          `json:"account_data,omitempty"`
	Presence    struct {
		Events []synctypes.ClientEvent `json:"events"`
	} `json:"presence,omitempty"`
	Rooms       *RoomsResponse `json:"rooms"`
	ToDevice    *struct {
		Events []gomatrixserverlib.SendToDeviceEvent `json:"events"`
	} `json:"to_device,omitempty"`
	DeviceLists                *DeviceLists   `json:"device_lists,omitempty"`
	DeviceOneTimeKeysCount     map[string]int `json:"device_one_time_keys_count,omitempty"`
	DeviceUnusedFallbackKeyTypes []string     `json:"device_unused_fallback_key_types,omitempty"`
}

// NewResponse returns a Response with every map/slice field initialised so
// a sync response never serialises a JSON null where clients expect {}.
func NewResponse() *Response {
	res := &Response{}
	res.Rooms = &RoomsResponse{
		Join:   make(map[string]*JoinResponse),
		Invite: make(map[string]*InviteResponse),
		Leave:  make(map[string]*LeaveResponse),
	}
	res.AccountData = *NewState()
	res.Presence.Events = []synctypes.ClientEvent{}
	return res
}

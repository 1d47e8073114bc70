// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixcore/homeserver/clientapi/httputil"
	"github.com/matrixcore/homeserver/internal/eventutil"
	roomserverAPI "github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/setup/config"
	userapi "github.com/matrixcore/homeserver/userapi/api"
)

// validPresets lists the presets /createRoom accepts in the preset field.
var validPresets = []string{spec.PresetPrivateChat, spec.PresetTrustedPrivateChat, spec.PresetPublicChat}

// createRoomRequest is the body of POST /createRoom.
type createRoomRequest struct {
	Visibility                string                        `json:"visibility"`
	RoomAliasName             string                        `json:"room_alias_name"`
	Name                      string                        `json:"name"`
	Topic                     string                        `json:"topic"`
	Invite                    []string                      `json:"invite"`
	Preset                    string                        `json:"preset"`
	CreationContent           json.RawMessage               `json:"creation_content"`
	InitialState              []fledglingEvent              `json:"initial_state"`
	IsDirect                  bool                          `json:"is_direct"`
	PowerLevelContentOverride json.RawMessage               `json:"power_level_content_override"`
	RoomVersion               gomatrixserverlib.RoomVersion `json:"room_version"`
}

// Validate checks the fields of a createRoomRequest that can be rejected
// without consulting any other state, matching the order Matrix clients
// are most likely to get wrong in: alias name, preset, invite list, then
// creation_content.
func (r createRoomRequest) Validate() *util.JSONResponse {
	if strings.ContainsAny(r.RoomAliasName, " \t\n:") {
		return &util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.InvalidParam("room_alias_name cannot contain whitespace or ':'"),
		}
	}

	if r.Preset != "" {
		valid := false
		for _, p := range validPresets {
			if r.Preset == p {
				valid = true
				break
			}
		}
		if !valid {
			return &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam(fmt.Sprintf("preset must be any of %v", validPresets)),
			}
		}
	}

	for _, userID := range r.Invite {
		if _, err := spec.NewUserID(userID, true); err != nil {
			return &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("user id must be in the form @localpart:domain"),
			}
		}
	}

	if len(r.CreationContent) > 0 {
		var content map[string]interface{}
		if err := json.Unmarshal(r.CreationContent, &content); err != nil {
			return &util.JSONResponse{
				Code: http.StatusBadRequest,
				JSON: spec.InvalidParam("malformed creation_content: " + err.Error()),
			}
		}
	}

	return nil
}

// fledglingEvent is a client-supplied initial_state entry: a state event
// that hasn't been built yet, only described.
type fledglingEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Content  json.RawMessage `json:"content"`
}

// createRoomResponse is the body of a successful /createRoom response.
type createRoomResponse struct {
	RoomID    string `json:"room_id"`
	RoomAlias string `json:"room_alias,omitempty"`
}

// CreateRoom implements POST /createRoom: builds the new room's initial
// event chain one event at a time (each depends on the last one's state)
// and submits them to the Room Manager as a brand-new room.
//
// trusted_private_chat is not just power_levels shorthand: per-event
// history visibility aside, a room created with it carries an explicit
// m.room.create content marker (our own "privacy_level" field) so the
// Room Manager and downstream consumers (e.g. redaction policy) can tell
// a mutually-trusted room from an ordinary private one without
// re-deriving it from the power level event every time.
func CreateRoom(
	ctx context.Context,
	req *http.Request,
	device *userapi.Device,
	cfg *config.ClientAPI,
	rsAPI roomserverAPI.RoomserverInternalAPI,
) util.JSONResponse {
	var r createRoomRequest
	if resErr := httputil.UnmarshalJSONRequest(req, &r); resErr != nil {
		return *resErr
	}
	if validationErr := r.Validate(); validationErr != nil {
		return *validationErr
	}

	userID, err := spec.NewUserID(device.UserID, true)
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown("invalid device user ID")}
	}

	roomVersion := r.RoomVersion
	if roomVersion == "" {
		roomVersion = gomatrixserverlib.RoomVersionV11
	}
	if _, err = gomatrixserverlib.GetRoomVersion(roomVersion); err != nil {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MatrixError{
				ErrCode: spec.ErrorUnsupportedRoomVersion,
				Err:     fmt.Sprintf("room version %q is not supported", roomVersion),
			},
		}
	}

	roomID, err := spec.NewRoomID(fmt.Sprintf("!%s:%s", uuid.NewString(), cfg.Matrix.ServerName))
	if err != nil {
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown("failed to allocate room id")}
	}

	identity := &fclient.SigningIdentity{
		ServerName: cfg.Matrix.ServerName,
		KeyID:      gomatrixserverlib.KeyID(cfg.Matrix.KeyID),
		PrivateKey: cfg.Matrix.PrivateKey.(ed25519.PrivateKey),
	}

	builder := roomCreationBuilder{
		ctx: ctx, rsAPI: rsAPI, identity: identity,
		roomID: *roomID, roomVersion: roomVersion,
		senderID: spec.SenderID(userID.String()),
		device:   device,
	}

	if err = builder.createInitialEvents(r); err != nil {
		util.GetLogger(ctx).WithError(err).Error("failed to create room")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown("failed to create room")}
	}

	response := createRoomResponse{RoomID: roomID.String()}
	if r.RoomAliasName != "" {
		response.RoomAlias = fmt.Sprintf("#%s:%s", r.RoomAliasName, cfg.Matrix.ServerName)
	}
	return util.JSONResponse{Code: http.StatusOK, JSON: response}
}

// roomCreationBuilder threads the auth/prev event closure through the
// sequence of state events a new room starts with, since each one is
// authorised against the state left by the one before it.
type roomCreationBuilder struct {
	ctx         context.Context
	rsAPI       roomserverAPI.RoomserverInternalAPI
	identity    *fclient.SigningIdentity
	roomID      spec.RoomID
	roomVersion gomatrixserverlib.RoomVersion
	senderID    spec.SenderID
	device      *userapi.Device
}

// createInitialEvents builds and submits, in order: m.room.create,
// m.room.member (creator's own join), m.room.power_levels,
// m.room.join_rules, m.room.history_visibility, optionally
// m.room.canonical_alias, m.room.name, m.room.topic, then each
// initial_state event, then one m.room.member invite per invitee.
func (b *roomCreationBuilder) createInitialEvents(r createRoomRequest) error {
	createContent := map[string]interface{}{}
	if len(r.CreationContent) > 0 {
		if err := json.Unmarshal(r.CreationContent, &createContent); err != nil {
			return fmt.Errorf("invalid creation_content: %w", err)
		}
	}
	createContent["creator"] = b.senderID
	createContent["room_version"] = b.roomVersion
	if r.Preset == spec.PresetTrustedPrivateChat {
		createContent["privacy_level"] = "trusted_private_chat"
	}

	if err := b.sendFirstEvent(spec.MRoomCreate, "", createContent); err != nil {
		return fmt.Errorf("m.room.create: %w", err)
	}

	if err := b.sendEvent(spec.MRoomMember, string(b.senderID), map[string]interface{}{
		"membership": spec.Join,
	}); err != nil {
		return fmt.Errorf("m.room.member (creator): %w", err)
	}

	powerLevels := map[string]interface{}{}
	if len(r.PowerLevelContentOverride) > 0 {
		if err := json.Unmarshal(r.PowerLevelContentOverride, &powerLevels); err != nil {
			return fmt.Errorf("invalid power_level_content_override: %w", err)
		}
	}
	users, ok := powerLevels["users"].(map[string]interface{})
	if !ok {
		users = map[string]interface{}{}
	}
	if _, ok = users[string(b.senderID)]; !ok {
		users[string(b.senderID)] = 100
	}
	if r.Preset == spec.PresetTrustedPrivateChat {
		// Every invited member starts as trusted as the creator: the
		// whole point of this preset is a room with no privilege gap.
		for _, invitee := range r.Invite {
			users[invitee] = 100
		}
	}
	powerLevels["users"] = users
	if err := b.sendEvent(spec.MRoomPowerLevels, "", powerLevels); err != nil {
		return fmt.Errorf("m.room.power_levels: %w", err)
	}

	joinRule := spec.Invite
	historyVisibility := "shared"
	switch r.Preset {
	case spec.PresetPublicChat:
		joinRule = "public"
		historyVisibility = "shared"
	case spec.PresetPrivateChat, spec.PresetTrustedPrivateChat:
		joinRule = spec.Invite
		historyVisibility = "invited"
	}
	if err := b.sendEvent(spec.MRoomJoinRules, "", map[string]interface{}{"join_rule": joinRule}); err != nil {
		return fmt.Errorf("m.room.join_rules: %w", err)
	}
	if err := b.sendEvent(spec.MRoomHistoryVisibility, "", map[string]interface{}{"history_visibility": historyVisibility}); err != nil {
		return fmt.Errorf("m.room.history_visibility: %w", err)
	}

	if r.RoomAliasName != "" {
		alias := fmt.Sprintf("#%s:%s", r.RoomAliasName, b.identity.ServerName)
		if err := b.sendEvent(spec.MRoomCanonicalAlias, "", map[string]interface{}{"alias": alias}); err != nil {
			return fmt.Errorf("m.room.canonical_alias: %w", err)
		}
	}
	if r.Name != "" {
		if err := b.sendEvent(spec.MRoomName, "", map[string]interface{}{"name": r.Name}); err != nil {
			return fmt.Errorf("m.room.name: %w", err)
		}
	}
	if r.Topic != "" {
		if err := b.sendEvent(spec.MRoomTopic, "", map[string]interface{}{"topic": r.Topic}); err != nil {
			return fmt.Errorf("m.room.topic: %w", err)
		}
	}

	for _, content := range r.InitialState {
		if err := b.sendEvent(content.Type, content.StateKey, content.Content); err != nil {
			return fmt.Errorf("initial_state %s: %w", content.Type, err)
		}
	}

	for _, invitee := range r.Invite {
		if err := b.sendEvent(spec.MRoomMember, invitee, map[string]interface{}{
			"membership": spec.Invite,
			"is_direct":  r.IsDirect,
		}); err != nil {
			return fmt.Errorf("m.room.member (invite %s): %w", invitee, err)
		}
	}

	return nil
}

// sendFirstEvent submits the room's very first event, which by
// definition has no prev_events/auth_events and no existing state to
// query.
func (b *roomCreationBuilder) sendFirstEvent(eventType, stateKey string, content interface{}) error {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return err
	}
	proto := &gomatrixserverlib.ProtoEvent{
		SenderID: string(b.senderID),
		RoomID:   b.roomID.String(),
		Type:     eventType,
		StateKey: &stateKey,
		Content:  rawContent,
		Depth:    1,
	}
	verImpl, err := gomatrixserverlib.GetRoomVersion(b.roomVersion)
	if err != nil {
		return err
	}
	eventBuilder := verImpl.NewEventBuilderFromProtoEvent(proto)
	event, err := eventBuilder.Build(time.Now(), b.identity.ServerName, b.identity.KeyID, b.identity.PrivateKey)
	if err != nil {
		return err
	}
	return b.submit(&types.HeaderedEvent{PDU: event}, nil)
}

// sendEvent builds every event after the room's create event, resolving
// its prev_events/auth_events against the state the room is in right now.
func (b *roomCreationBuilder) sendEvent(eventType, stateKey string, content interface{}) error {
	rawContent, err := json.Marshal(content)
	if err != nil {
		return err
	}
	proto := &gomatrixserverlib.ProtoEvent{
		SenderID: string(b.senderID),
		RoomID:   b.roomID.String(),
		Type:     eventType,
		StateKey: &stateKey,
		Content:  rawContent,
	}
	event, err := eventutil.QueryAndBuildEvent(b.ctx, proto, b.identity, time.Now(), b.rsAPI, nil)
	if err != nil {
		return err
	}
	return b.submit(event, nil)
}

func (b *roomCreationBuilder) submit(event *types.HeaderedEvent, stateEventIDs []string) error {
	req := &roomserverAPI.InputRoomEventsRequest{
		InputRoomEvents: []roomserverAPI.InputRoomEvent{{
			Kind:          roomserverAPI.KindNew,
			Event:         event,
			AuthEventIDs:  event.PDU.AuthEventIDs(),
			HasState:      true,
			StateEventIDs: stateEventIDs,
			SendAsServer:  string(b.identity.ServerName),
			TransactionID: &roomserverAPI.TransactionID{DeviceID: b.device.ID},
		}},
	}
	var res roomserverAPI.InputRoomEventsResponse
	b.rsAPI.InputRoomEvents(b.ctx, req, &res)
	return res.Err()
}

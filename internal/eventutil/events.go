// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package eventutil holds event-building helpers shared by any component
// that authors new PDUs against the Room Manager, kept out
// of roomserver/api so components don't have to import the Event Store's
// full surface just to fill in prev_events/auth_events.
package eventutil

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
)

// errRoomNoExists is wrapped by ErrRoomNoExists so callers can errors.As
// against a stable sentinel without depending on our private message.
var errRoomNoExists = fmt.Errorf("room does not exist")

// ErrRoomNoExists is returned when trying to build an event for a room
// whose current state could not be retrieved.
type ErrRoomNoExists struct{}

func (e ErrRoomNoExists) Error() string { return errRoomNoExists.Error() }
func (e ErrRoomNoExists) Unwrap() error { return errRoomNoExists }

// NotificationData is the per-room unread-count update the Device & Key
// Registry's push-rule evaluator hands to the Sync Engine's notification
// consumer.
type NotificationData struct {
	RoomID                  string
	ThreadRootEventID       string
	UnreadNotificationCount int
	UnreadHighlightCount    int
}

// QueryAndBuildEvent builds a signed PDU from proto, fetching the
// auth/prev event closure from the Room Manager first.
func QueryAndBuildEvent(
	ctx context.Context,
	proto *gomatrixserverlib.ProtoEvent,
	identity *fclient.SigningIdentity, evTime time.Time,
	rsAPI api.RoomserverInternalAPI, queryRes *api.QueryLatestEventsAndStateResponse,
) (*types.HeaderedEvent, error) {
	if queryRes == nil {
		queryRes = &api.QueryLatestEventsAndStateResponse{}
	}

	eventsNeeded, err := queryRequiredEventsForBuilder(ctx, proto, rsAPI, queryRes)
	if err != nil {
		return nil, err
	}
	return BuildEvent(ctx, proto, identity, evTime, eventsNeeded, queryRes)
}

// BuildEvent signs and finalises a PDU once its auth/prev event closure
// has already been resolved into queryRes.
func BuildEvent(
	ctx context.Context,
	proto *gomatrixserverlib.ProtoEvent,
	identity *fclient.SigningIdentity, evTime time.Time,
	eventsNeeded *gomatrixserverlib.StateNeeded, queryRes *api.QueryLatestEventsAndStateResponse,
) (*types.HeaderedEvent, error) {
	if err := addPrevEventsToEvent(proto, eventsNeeded, queryRes); err != nil {
		return nil, err
	}

	verImpl, err := gomatrixserverlib.GetRoomVersion(queryRes.RoomVersion)
	if err != nil {
		return nil, err
	}
	builder := verImpl.NewEventBuilderFromProtoEvent(proto)

	event, err := builder.Build(evTime, identity.ServerName, identity.KeyID, identity.PrivateKey)
	if err != nil {
		return nil, err
	}

	return &types.HeaderedEvent{PDU: event}, nil
}

func queryRequiredEventsForBuilder(
	ctx context.Context,
	proto *gomatrixserverlib.ProtoEvent,
	rsAPI api.RoomserverInternalAPI, queryRes *api.QueryLatestEventsAndStateResponse,
) (*gomatrixserverlib.StateNeeded, error) {
	eventsNeeded, err := gomatrixserverlib.StateNeededForProtoEvent(proto)
	if err != nil {
		return nil, fmt.Errorf("gomatrixserverlib.StateNeededForProtoEvent: %w", err)
	}

	if len(eventsNeeded.Tuples()) == 0 {
		return nil, errors.New("expecting state tuples for event builder, got none")
	}

	queryReq := api.QueryLatestEventsAndStateRequest{
		RoomID:       proto.RoomID,
		StateToFetch: eventsNeeded.Tuples(),
	}
	return &eventsNeeded, rsAPI.QueryLatestEventsAndState(ctx, &queryReq, queryRes)
}

func addPrevEventsToEvent(
	builder *gomatrixserverlib.ProtoEvent,
	eventsNeeded *gomatrixserverlib.StateNeeded,
	queryRes *api.QueryLatestEventsAndStateResponse,
) error {
	if !queryRes.RoomExists {
		return ErrRoomNoExists{}
	}

	builder.Depth = queryRes.Depth

	authEvents, _ := gomatrixserverlib.NewAuthEvents(nil)
	for i := range queryRes.StateEvents {
		if err := authEvents.AddEvent(queryRes.StateEvents[i].PDU); err != nil {
			return fmt.Errorf("authEvents.AddEvent: %w", err)
		}
	}

	refs, err := eventsNeeded.AuthEventReferences(authEvents)
	if err != nil {
		return fmt.Errorf("eventsNeeded.AuthEventReferences: %w", err)
	}

	builder.AuthEvents, builder.PrevEvents = truncateAuthAndPrevEvents(refs, queryRes.LatestEvents)
	return nil
}

// truncateAuthAndPrevEvents bounds the number of auth/prev event
// references an event carries; servers otherwise reject oversized events.
func truncateAuthAndPrevEvents(auth, prev []string) (truncAuth, truncPrev []string) {
	truncAuth, truncPrev = auth, prev
	if len(truncAuth) > 10 {
		truncAuth = truncAuth[:10]
	}
	if len(truncPrev) > 20 {
		truncPrev = truncPrev[:20]
	}
	return
}

// RedactEvent redacts redactedEvent in place and records the redaction's
// client-facing shape under unsigned.redacted_because, the form clients
// expect when a previously-seen event is redacted mid-sync.
func RedactEvent(ctx context.Context, redactionEvent, redactedEvent gomatrixserverlib.PDU, querier api.SyncRoomserverAPI) error {
	if redactionEvent.Type() != spec.MRoomRedaction {
		return fmt.Errorf("RedactEvent: redactionEvent isn't a redaction event, is '%s'", redactionEvent.Type())
	}
	redactedEvent.Redact()
	clientEvent, err := synctypes.ToClientEvent(redactionEvent, synctypes.FormatSync, func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
		return querier.QueryUserIDForSender(ctx, roomID, senderID)
	})
	if err != nil {
		return err
	}
	if err := redactedEvent.SetUnsignedField("redacted_because", clientEvent); err != nil {
		return err
	}
	return redactedEvent.SetUnsignedField("redacted_by", redactionEvent.EventID())
}

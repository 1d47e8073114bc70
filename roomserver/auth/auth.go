// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package auth implements the Event Authoriser: deciding whether an event
// is permitted given the small set of auth_events it pins
package auth

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ErrRejected is returned (wrapped) when an event fails authorisation. It
// carries the human-readable reason surfaced to clients as M_FORBIDDEN
type ErrRejected struct {
	Reason string
}

func (e ErrRejected) Error() string { return fmt.Sprintf("event rejected: %s", e.Reason) }

// Authoriser decides PDUs against the small set of pinned auth events,
// delegating the room-version-specific rule table to gomatrixserverlib
// (which already encodes the create/membership/power-level auth rules).
type Authoriser struct {
	RoomVersion gomatrixserverlib.RoomVersion
}

// NewAuthoriser binds an authoriser to one room's version, since the rule
// variant selected depends on it
func NewAuthoriser(roomVersion gomatrixserverlib.RoomVersion) Authoriser {
	return Authoriser{RoomVersion: roomVersion}
}

// Check authorises event against the already-resolved auth_events supplied
// by the caller (the State Resolver, during replay, or the Room Manager,
// for a freshly-sent local event). It never does its own DAG walk: the
// caller is responsible for having fetched exactly the auth_events named
// by the event.
func (a Authoriser) Check(ctx context.Context, event gomatrixserverlib.PDU, authEvents []gomatrixserverlib.PDU) error {
	provider := newAuthEventProvider(authEvents)
	if err := gomatrixserverlib.Allowed(event, provider, userIDForSender); err != nil {
		return ErrRejected{Reason: err.Error()}
	}
	return nil
}

// userIDForSender resolves a sender's raw Matrix ID to a parsed spec.UserID;
// required by room versions (v3+) that use hashed rather than raw sender
// identifiers in auth checks. The homeserver core only supports the
// unhashed (classic) sender form, so this is the identity mapping.
func userIDForSender(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
	return spec.NewUserID(string(senderID), true)
}

// authEventProvider implements gomatrixserverlib's small accessor
// interface over a flat slice of already-resolved auth events, avoiding a
// second storage round trip during Check.
type authEventProvider struct {
	byType map[string]gomatrixserverlib.PDU
}

func newAuthEventProvider(events []gomatrixserverlib.PDU) *authEventProvider {
	p := &authEventProvider{byType: make(map[string]gomatrixserverlib.PDU, len(events))}
	for _, e := range events {
		key := e.Type()
		if sk := e.StateKey(); sk != nil && *sk != "" {
			key = e.Type() + "\x00" + *sk
		}
		p.byType[key] = e
	}
	return p
}

func (p *authEventProvider) Create() (gomatrixserverlib.PDU, error) {
	return p.byType["m.room.create"], nil
}

func (p *authEventProvider) PowerLevels() (gomatrixserverlib.PDU, error) {
	return p.byType["m.room.power_levels"], nil
}

func (p *authEventProvider) JoinRules() (gomatrixserverlib.PDU, error) {
	return p.byType["m.room.join_rules"], nil
}

func (p *authEventProvider) Member(stateKey spec.SenderID) (gomatrixserverlib.PDU, error) {
	return p.byType["m.room.member\x00"+string(stateKey)], nil
}

func (p *authEventProvider) ThirdPartyInvite(stateKey string) (gomatrixserverlib.PDU, error) {
	return p.byType["m.room.third_party_invite\x00"+stateKey], nil
}

func (p *authEventProvider) Valid() bool {
	_, ok := p.byType["m.room.create"]
	return ok
}

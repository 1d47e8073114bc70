// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package internal implements the Federation Client/Server: outbound
// requests to other homeservers, backoff/blacklist tracking per
// destination, and the MSC3706 partial-state background resync worker.
package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"

	fedapi "github.com/matrixcore/homeserver/federationapi/api"
	"github.com/matrixcore/homeserver/federationapi/queue"
	"github.com/matrixcore/homeserver/federationapi/statistics"
	roomserverAPI "github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/setup/config"
)

// FailuresUntilBlacklist is the number of consecutive failures after which
// a destination is blacklisted and no longer retried automatically.
const FailuresUntilBlacklist = 10

// FailuresUntilAssumedOffline is the number of consecutive failures after
// which a destination is assumed offline for the purposes of e.g. typing
// notifications and read receipts, well before it is blacklisted outright.
const FailuresUntilAssumedOffline = 4

// FederationClient is the narrow slice of gomatrixserverlib's federation
// client the Federation Client/Server's internal API depends on, so tests
// can substitute a stub instead of making real HTTP requests.
type FederationClient interface {
	LookupState(ctx context.Context, s spec.ServerName, roomID string, eventID string, roomVersion gomatrixserverlib.RoomVersion) (gomatrixserverlib.RespState, error)
	GetEvent(ctx context.Context, s spec.ServerName, eventID string) (gomatrixserverlib.Transaction, error)
}

// FederationInternalAPI implements the Federation Client/Server: it issues
// signed requests to other homeservers, tracks each destination's recent
// failures via statistics.Statistics, and runs the background worker that
// resyncs full state for partial-state ("faster join") rooms.
type FederationInternalAPI struct {
	cfg        *config.FederationAPI
	rsAPI      roomserverAPI.FederationRoomserverAPI
	federation FederationClient
	statistics *statistics.Statistics
	queues     *queue.OutgoingQueues
}

// NewFederationInternalAPI constructs the Federation Client/Server's
// internal API over an already-started federation client, its outbound
// send queue, and the Room Manager it resyncs partial-state rooms
// through.
func NewFederationInternalAPI(
	cfg *config.FederationAPI,
	rsAPI roomserverAPI.FederationRoomserverAPI,
	federation FederationClient,
	stats *statistics.Statistics,
	queues *queue.OutgoingQueues,
) *FederationInternalAPI {
	return &FederationInternalAPI{
		cfg:        cfg,
		rsAPI:      rsAPI,
		federation: federation,
		statistics: stats,
		queues:     queues,
	}
}

// SendEventToDestinations queues event for delivery to every listed
// destination's outbound transaction worker.
func (f *FederationInternalAPI) SendEventToDestinations(ctx context.Context, event *types.HeaderedEvent, destinations []spec.ServerName) error {
	return f.queues.SendEvent(event, f.cfg.Matrix.ServerName, destinations)
}

// SendEDUToDestinations queues edu for delivery to every listed
// destination's outbound transaction worker.
func (f *FederationInternalAPI) SendEDUToDestinations(ctx context.Context, edu *gomatrixserverlib.EDU, destinations []spec.ServerName) error {
	return f.queues.SendEDU(edu, f.cfg.Matrix.ServerName, destinations)
}

// LookupState fetches the full room state at one event from destination,
// recording the attempt's success or failure against that server's
// statistics either way.
func (f *FederationInternalAPI) LookupState(
	ctx context.Context,
	origin, destination spec.ServerName,
	roomID, eventID string,
	roomVersion gomatrixserverlib.RoomVersion,
) (roomserverAPI.StateResponse, error) {
	serverStats := f.statistics.ForServer(destination)
	if until, backingOff := serverStats.BackingOff(); backingOff {
		return nil, federationClientBackingOffError{destination: destination, until: until}
	}

	state, err := f.federation.LookupState(ctx, destination, roomID, eventID, roomVersion)
	if err != nil {
		failBlacklistableError(err, serverStats)
		return nil, err
	}
	serverStats.Success()
	return state, nil
}

// GetEvent fetches one event by ID from destination over the /event
// endpoint, satisfying roomserver/api.FederationAPI so the Room Manager
// can fill in an event it's missing from a prev_events/auth_events
// closure without needing its own copy of the federation client.
func (f *FederationInternalAPI) GetEvent(ctx context.Context, origin, destination, eventID string) (gomatrixserverlib.PDU, error) {
	txn, err := f.federation.GetEvent(ctx, spec.ServerName(destination), eventID)
	if err != nil {
		return nil, err
	}
	if len(txn.PDUs) == 0 {
		return nil, fmt.Errorf("federationapi: GetEvent: %s returned no event for %q", destination, eventID)
	}

	var roomID struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(txn.PDUs[0], &roomID); err != nil {
		return nil, fmt.Errorf("federationapi: GetEvent: invalid event JSON: %w", err)
	}
	roomVersion, err := f.rsAPI.QueryRoomVersionForRoom(ctx, roomID.RoomID)
	if err != nil {
		return nil, fmt.Errorf("federationapi: GetEvent: unknown room version for %q: %w", roomID.RoomID, err)
	}

	return gomatrixserverlib.MustGetRoomVersion(roomVersion).NewEventFromUntrustedJSON(txn.PDUs[0])
}

// IsBlacklistedOrBackingOff reports whether destination should be skipped:
// either it has been blacklisted outright, or it is still inside its
// backoff window from a recent failure. It returns the time the caller may
// retry after, which is zero when the server is blacklisted rather than
// merely backing off.
func (f *FederationInternalAPI) IsBlacklistedOrBackingOff(destination spec.ServerName) (time.Time, error) {
	serverStats := f.statistics.ForServer(destination)
	if serverStats.Blacklisted() {
		return time.Time{}, blacklistedError{destination: destination}
	}
	if until, backingOff := serverStats.BackingOff(); backingOff {
		return until, federationClientBackingOffError{destination: destination, until: until}
	}
	return time.Time{}, nil
}

// blacklistedError is returned by IsBlacklistedOrBackingOff for a server
// that has failed enough consecutive times to be given up on entirely.
type blacklistedError struct {
	destination spec.ServerName
}

func (e blacklistedError) Error() string {
	return "federationapi: " + string(e.destination) + " is blacklisted"
}

// federationClientBackingOffError is returned for a server that failed
// recently enough that it isn't due to be retried yet.
type federationClientBackingOffError struct {
	destination spec.ServerName
	until       time.Time
}

func (e federationClientBackingOffError) Error() string {
	return "federationapi: " + string(e.destination) + " is backing off until " + e.until.String()
}

// failBlacklistableError classifies an error from a federation request and,
// unless it's a 4xx response other than 401 (a well-formed rejection, not a
// sign the server is unreachable), records it as a failure against
// serverStats. It returns the backoff deadline the failure introduced and
// whether the server is now blacklisted; both are zero/false when the
// error wasn't failure-worthy.
func failBlacklistableError(err error, serverStats *statistics.ServerStatistics) (time.Time, bool) {
	if err == nil {
		return time.Time{}, false
	}
	var httpErr gomatrix.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Code/100 == 2 {
			return time.Time{}, false
		}
		if httpErr.Code != 401 && httpErr.Code/100 == 4 {
			return time.Time{}, false
		}
	}
	return serverStats.Failure()
}

var _ roomserverAPI.FederationAPI = (*FederationInternalAPI)(nil)
var _ fedapi.FederationInternalAPI = (*FederationInternalAPI)(nil)

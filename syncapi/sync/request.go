// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"

	roomserverAPI "github.com/matrixcore/homeserver/roomserver/api"
	rstypes "github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/setup/config"
	"github.com/matrixcore/homeserver/syncapi/storage"
	"github.com/matrixcore/homeserver/syncapi/streams"
	"github.com/matrixcore/homeserver/syncapi/synctypes"
	"github.com/matrixcore/homeserver/syncapi/types"
	"github.com/matrixcore/homeserver/userapi/api"
)

// defaultSyncTimeout bounds how long OnIncomingSyncRequest blocks a client
// with no ?timeout= of its own, the classic /sync long-poll default.
const defaultSyncTimeout = 0

// maxSyncTimeout caps ?timeout= so one client can't tie up a goroutine
// forever; Matrix clients are expected to simply issue another request.
const maxSyncTimeout = 60 * time.Second

// RequestPool serves both classic GET /sync and MSC4186 sliding sync
// requests against db, waking blocked requests via Notifier as soon as
// something changes. The sliding-sync request handlers (v4*.go) reach
// into cfg/rsAPI/userAPI/streams directly; the classic handlers in this
// file mostly go through db and Notifier.
type RequestPool struct {
	db       storage.Database
	cfg      *config.SyncAPI
	Notifier *Notifier
	rsAPI    roomserverAPI.SyncRoomserverAPI
	userAPI  api.SyncUserAPI
	streams  *streams.Streams
}

// NewRequestPool creates a RequestPool serving both classic and sliding
// sync. userAPI may be nil, in which case account data and one-time-key
// counts are reported empty rather than queried.
func NewRequestPool(
	db storage.Database,
	cfg *config.SyncAPI,
	notifier *Notifier,
	rsAPI roomserverAPI.SyncRoomserverAPI,
	userAPI api.SyncUserAPI,
) *RequestPool {
	return &RequestPool{
		db:       db,
		cfg:      cfg,
		Notifier: notifier,
		rsAPI:    rsAPI,
		userAPI:  userAPI,
		streams:  streams.NewStreams(),
	}
}

// syncRequest carries one /sync call's parsed parameters end to end.
type syncRequest struct {
	device      *api.Device
	since       *types.StreamingToken
	timeout     time.Duration
	wantFull    bool
	filter      synctypes.Filter
	log         *logrus.Entry
}

// OnIncomingSyncRequest parses req and serves it, long-polling up to the
// request's timeout for new data to arrive when since= is current. It
// never returns until either new data exists, the timeout elapses, or the
// request's context is cancelled.
func (rp *RequestPool) OnIncomingSyncRequest(req *http.Request, device *api.Device) util.JSONResponse {
	syncReq, errResp := rp.parseSyncRequest(req, device)
	if errResp != nil {
		return *errResp
	}

	latest := rp.Notifier.CurrentPosition()

	if syncReq.since != nil && !latest.IsAfter(*syncReq.since) && syncReq.timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), syncReq.timeout)
		defer cancel()
		stream := rp.Notifier.GetListener(*device)
		latest = stream.Wait(ctx, *syncReq.since)
	}

	res, err := rp.currentSyncForUser(req.Context(), *syncReq, latest)
	if err != nil {
		syncReq.log.WithError(err).Error("syncapi: failed to build sync response")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.Unknown("failed to sync")}
	}

	return util.JSONResponse{Code: http.StatusOK, JSON: res}
}

func (rp *RequestPool) parseSyncRequest(req *http.Request, device *api.Device) (*syncRequest, *util.JSONResponse) {
	query := req.URL.Query()

	syncReq := &syncRequest{
		device: device,
		filter: synctypes.DefaultFilter(),
		log:    logrus.WithField("user_id", device.UserID).WithField("device_id", device.ID),
	}

	if sinceStr := query.Get("since"); sinceStr != "" {
		since, err := types.NewStreamTokenFromString(sinceStr)
		if err != nil {
			return nil, &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("invalid since token")}
		}
		syncReq.since = &since
	}

	if timeoutStr := query.Get("timeout"); timeoutStr != "" {
		ms, err := strconv.ParseInt(timeoutStr, 10, 64)
		if err != nil || ms < 0 {
			return nil, &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("invalid timeout")}
		}
		syncReq.timeout = time.Duration(ms) * time.Millisecond
		if syncReq.timeout > maxSyncTimeout {
			syncReq.timeout = maxSyncTimeout
		}
	} else {
		syncReq.timeout = defaultSyncTimeout
	}

	if fullState := query.Get("full_state"); fullState == "true" {
		syncReq.wantFull = true
	}

	if filterJSON := query.Get("filter"); filterJSON != "" {
		// A filter ID (rather than an inline JSON object) would need a
		// lookup against the stored filter table; only inline JSON
		// filters are accepted here.
		if len(filterJSON) > 0 && filterJSON[0] == '{' {
			var f synctypes.Filter
			if err := json.Unmarshal([]byte(filterJSON), &f); err != nil {
				return nil, &util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("invalid filter")}
			}
			syncReq.filter = f
		}
	}

	return syncReq, nil
}

// currentSyncForUser assembles the full /sync response as of latest, reading
// everything through one snapshot so every stream reflects the same instant
func (rp *RequestPool) currentSyncForUser(ctx context.Context, syncReq syncRequest, latest types.StreamingToken) (*types.Response, error) {
	snapshot, err := rp.db.NewDatabaseSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snapshot.Rollback() // nolint: errcheck

	res := types.NewResponse()
	res.NextBatch = latest

	since := types.StreamingToken{}
	if syncReq.since != nil {
		since = *syncReq.since
	}
	pduRange := types.Range{From: since.PDUPosition, To: latest.PDUPosition}

	userIDForSender := func(roomID spec.RoomID, senderID spec.SenderID) (*spec.UserID, error) {
		return spec.NewUserID(string(senderID), true)
	}

	joinedRoomIDs, err := snapshot.RoomIDsWithMembership(ctx, syncReq.device.UserID, "join")
	if err != nil {
		return nil, err
	}

	if len(joinedRoomIDs) > 0 {
		recent, rerr := snapshot.RecentEvents(ctx, joinedRoomIDs, pduRange, &syncReq.filter.Room.Timeline, true, true)
		if rerr != nil {
			return nil, rerr
		}
		for _, roomID := range joinedRoomIDs {
			jr := &types.JoinResponse{
				State:    *types.NewState(),
				Timeline: types.Timeline{Events: []synctypes.ClientEvent{}},
			}

			if window, ok := recent[roomID]; ok {
				jr.Timeline.Limited = window.Limited
				for _, se := range window.Events {
					ce, cerr := synctypes.ToClientEvent(se.HeaderedEvent, synctypes.FormatSync, userIDForSender)
					if cerr != nil {
						return nil, cerr
					}
					jr.Timeline.Events = append(jr.Timeline.Events, *ce)
				}
			}

			// Full current state is only sent for an initial sync (zero
			// since token) or an explicit full_state=true; an incremental
			// sync's state block is the empty set the zero State above
			// already gives, since this pass doesn't yet track which
			// individual state events changed mid-timeline.
			if since == (types.StreamingToken{}) || syncReq.wantFull {
				stateEvents, serr := snapshot.GetStateEventsForRoom(ctx, roomID, &syncReq.filter.Room.State)
				if serr != nil {
					return nil, serr
				}
				jr.State.Events = clientEventsFromHeadered(stateEvents, userIDForSender)
			}

			counts, nerr := snapshot.GetUserUnreadNotificationCountsForRooms(ctx, syncReq.device.UserID, []string{roomID})
			if nerr == nil {
				if nd, ok := counts[roomID]; ok && nd != nil {
					jr.UnreadNotifications.NotificationCount = nd.UnreadNotificationCount
					jr.UnreadNotifications.HighlightCount = nd.UnreadHighlightCount
				}
			}

			res.Rooms.Join[roomID] = jr
		}
	}

	inviteRange := types.Range{From: since.InvitePosition, To: latest.InvitePosition}
	// retiredInvites (accepted, rejected or superseded within the range)
	// need no further handling here: an accepted invite already shows up
	// as a join in joinedRoomIDs above, and a rejected one simply drops
	// out of the invite block by not being in newInvites.
	newInvites, _, _, err := snapshot.InviteEventsInRange(ctx, syncReq.device.UserID, inviteRange)
	if err != nil {
		return nil, err
	}
	for roomID, ev := range newInvites {
		ir := types.NewInviteResponse(ev)
		ce, cerr := synctypes.ToClientEvent(ev, synctypes.FormatSync, userIDForSender)
		if cerr == nil {
			ir.InviteState.Events = []synctypes.ClientEvent{*ce}
		}
		res.Rooms.Invite[roomID] = ir
	}

	leftRoomIDs, err := snapshot.RoomIDsWithMembership(ctx, syncReq.device.UserID, "leave")
	if err != nil {
		return nil, err
	}
	if len(leftRoomIDs) > 0 {
		leftRecent, lerr := snapshot.RecentEvents(ctx, leftRoomIDs, pduRange, &syncReq.filter.Room.Timeline, true, true)
		if lerr != nil {
			return nil, lerr
		}
		for _, roomID := range leftRoomIDs {
			window, ok := leftRecent[roomID]
			if !ok || len(window.Events) == 0 {
				continue
			}
			lr := types.NewLeaveResponse()
			lr.Timeline.Limited = window.Limited
			for _, se := range window.Events {
				ce, cerr := synctypes.ToClientEvent(se.HeaderedEvent, synctypes.FormatSync, userIDForSender)
				if cerr != nil {
					return nil, cerr
				}
				lr.Timeline.Events = append(lr.Timeline.Events, *ce)
			}
			res.Rooms.Leave[roomID] = lr
		}
	}

	if err := rp.populateAccountData(ctx, snapshot, syncReq, since, latest, res); err != nil {
		return nil, err
	}

	s2dRange := types.Range{From: since.SendToDevicePosition, To: latest.SendToDevicePosition}
	_, s2dEvents, err := snapshot.SendToDeviceUpdatesForSync(ctx, syncReq.device.UserID, syncReq.device.ID, s2dRange.From, s2dRange.To)
	if err != nil {
		return nil, err
	}
	if len(s2dEvents) > 0 {
		events := make([]gomatrixserverlib.SendToDeviceEvent, 0, len(s2dEvents))
		for _, e := range s2dEvents {
			events = append(events, e.SendToDeviceEvent)
		}
		res.ToDevice = &struct {
			Events []gomatrixserverlib.SendToDeviceEvent `json:"events"`
		}{Events: events}
	}

	return res, nil
}

// populateAccountData fills both the global and per-room account_data
// blocks from the change markers the Sync Engine tracks; content is
// fetched through rp.userAPI when set, since the change marker alone
// carries no payload.
func (rp *RequestPool) populateAccountData(ctx context.Context, snapshot storage.DatabaseTransaction, syncReq syncRequest, since, latest types.StreamingToken, res *types.Response) error {
	r := types.Range{From: since.AccountDataPosition, To: latest.AccountDataPosition}
	changed, _, err := snapshot.GetAccountDataInRange(ctx, syncReq.device.UserID, r, &syncReq.filter.AccountData)
	if err != nil {
		return err
	}
	for roomID, dataTypes := range changed {
		for _, dataType := range dataTypes {
			content := json.RawMessage(`{}`)
			if rp.userAPI != nil {
				dataRes := api.QueryAccountDataResponse{}
				if aerr := rp.userAPI.QueryAccountData(ctx, &api.QueryAccountDataRequest{
					UserID:   syncReq.device.UserID,
					RoomID:   roomID,
					DataType: dataType,
				}, &dataRes); aerr == nil {
					if roomID == "" {
						if c, ok := dataRes.GlobalAccountData[dataType]; ok {
							content = c
						}
					} else if c, ok := dataRes.RoomAccountData[roomID][dataType]; ok {
						content = c
					}
				}
			}
			ce := synctypes.ClientEvent{Type: dataType, Content: content}
			if roomID == "" {
				res.AccountData.Events = append(res.AccountData.Events, ce)
				continue
			}
			jr, ok := res.Rooms.Join[roomID]
			if !ok {
				continue
			}
			jr.AccountData.Events = append(jr.AccountData.Events, ce)
		}
	}
	return nil
}

func clientEventsFromHeadered(events []*rstypes.HeaderedEvent, userIDForSender synctypes.UserIDForSender) []synctypes.ClientEvent {
	out := make([]synctypes.ClientEvent, 0, len(events))
	for _, ev := range events {
		ce, err := synctypes.ToClientEvent(ev, synctypes.FormatSync, userIDForSender)
		if err != nil || ce == nil {
			continue
		}
		out = append(out, *ce)
	}
	return out
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixcore/homeserver/clientapi/httputil"
	"github.com/matrixcore/homeserver/setup/config"
	"github.com/matrixcore/homeserver/userapi/api"
)

type adminDeactivateUserRequest struct {
	LeaveRooms     bool `json:"leave_rooms"`
	RedactMessages bool `json:"redact_messages"`
}

type adminDeactivateUserResponse struct {
	UserID          string `json:"user_id"`
	Deactivated     bool   `json:"deactivated"`
	TokensRevoked   int    `json:"tokens_revoked"`
	RoomsLeft       int    `json:"rooms_left"`
	RedactionQueued bool   `json:"redaction_queued"`
	RedactionJobID  int64  `json:"redaction_job_id,omitempty"`
}

// AdminDeactivateUser implements POST /_dendrite/admin/v1/deactivate/{userID}.
// It revokes every device the target account holds, marks it deactivated, and
// optionally queues a bulk redaction of its historical messages.
func AdminDeactivateUser(
	req *http.Request, cfg *config.ClientAPI, device *api.Device, userAPI api.ClientUserAPI,
) util.JSONResponse {
	targetUserID := mux.Vars(req)["userID"]
	if targetUserID == "" {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.MissingParam("userID")}
	}
	if _, _, err := gomatrixserverlib.SplitID('@', targetUserID); err != nil {
		return util.JSONResponse{Code: http.StatusBadRequest, JSON: spec.InvalidParam("invalid user ID")}
	}

	var body adminDeactivateUserRequest
	if reqErr := httputil.UnmarshalJSONRequest(req, &body); reqErr != nil {
		return *reqErr
	}

	res := &api.PerformUserDeactivationResponse{}
	if err := userAPI.PerformUserDeactivation(req.Context(), &api.PerformUserDeactivationRequest{
		UserID:         targetUserID,
		RequestedBy:    device.UserID,
		LeaveRooms:     body.LeaveRooms,
		RedactMessages: body.RedactMessages,
	}, res); err != nil {
		util.GetLogger(req.Context()).WithError(err).Error("userAPI.PerformUserDeactivation failed")
		return util.JSONResponse{Code: http.StatusInternalServerError, JSON: spec.InternalServerError{}}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: adminDeactivateUserResponse{
			UserID:          res.UserID,
			Deactivated:     res.Deactivated,
			TokensRevoked:   res.TokensRevoked,
			RoomsLeft:       res.RoomsLeft,
			RedactionQueued: res.RedactionQueued,
			RedactionJobID:  res.RedactionJobID,
		},
	}
}

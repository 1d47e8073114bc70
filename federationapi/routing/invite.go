// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"context"
	"errors"
	"net/http"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"

	"github.com/matrixcore/homeserver/roomserver/api"
	"github.com/matrixcore/homeserver/roomserver/types"
)

// handleInviteResult turns the outcome of validating and authorising a
// federation invite into the event to store, or the error response to
// return to the inviting server. err is the result of that validation;
// event is only used once err is nil.
func handleInviteResult(
	ctx context.Context,
	event gomatrixserverlib.PDU,
	err error,
	rsAPI api.FederationRoomserverAPI,
) (gomatrixserverlib.PDU, *util.JSONResponse) {
	if err != nil {
		return nil, inviteErrorResponse(err)
	}

	if err := rsAPI.HandleInvite(ctx, &types.HeaderedEvent{PDU: event}); err != nil {
		util.GetLogger(ctx).WithError(err).Error("roomserverAPI.HandleInvite failed")
		return nil, &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}
	return event, nil
}

// inviteErrorResponse maps an invite-processing error to the HTTP status
// and body a federation /invite request should fail with.
func inviteErrorResponse(err error) *util.JSONResponse {
	var internalErr spec.InternalServerError
	if errors.As(err, &internalErr) {
		return &util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: internalErr,
		}
	}

	var matrixErr spec.MatrixError
	if errors.As(err, &matrixErr) {
		return &util.JSONResponse{
			Code: inviteMatrixErrorHTTPStatus(matrixErr.ErrCode),
			JSON: matrixErr,
		}
	}

	return &util.JSONResponse{
		Code: http.StatusBadRequest,
		JSON: spec.Unknown("unknown error"),
	}
}

// inviteMatrixErrorHTTPStatus maps a Matrix error code arising from invite
// processing to its HTTP status. Error codes this handler doesn't
// specifically expect default to 500, since they indicate something went
// wrong building the response rather than a well-understood rejection.
func inviteMatrixErrorHTTPStatus(code spec.MatrixErrorCode) int {
	switch code {
	case spec.ErrorForbidden:
		return http.StatusForbidden
	case spec.ErrorUnsupportedRoomVersion, spec.ErrorBadJSON:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

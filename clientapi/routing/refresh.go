// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"errors"
	"net/http"

	"github.com/matrixcore/homeserver/clientapi/httputil"
	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

type refreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshTokenResponse struct {
	AccessToken     string `json:"access_token"`
	RefreshToken    string `json:"refresh_token"`
	ExpiresInMillis int64  `json:"expires_in_ms"`
}

// RefreshToken implements POST /refresh: it redeems a refresh token
// single-use for a new access/refresh token pair, invalidating the access
// token that was issued alongside the one just redeemed.
func RefreshToken(req *http.Request, userAPI api.ClientUserAPI) util.JSONResponse {
	var body refreshTokenRequest
	if reqErr := httputil.UnmarshalJSONRequest(req, &body); reqErr != nil {
		return *reqErr
	}
	if body.RefreshToken == "" {
		return util.JSONResponse{
			Code: http.StatusBadRequest,
			JSON: spec.MissingParam("refresh_token is missing"),
		}
	}

	var res api.PerformRefreshTokenRotationResponse
	err := userAPI.PerformRefreshTokenRotation(req.Context(), &api.PerformRefreshTokenRotationRequest{
		RefreshToken: body.RefreshToken,
	}, &res)
	if err != nil {
		if errors.Is(err, api.ErrRefreshTokenInvalid) {
			return util.JSONResponse{
				Code: http.StatusUnauthorized,
				JSON: spec.MatrixError{
					ErrCode: "M_UNKNOWN_TOKEN",
					Err:     "Invalid refresh token",
				},
			}
		}
		util.GetLogger(req.Context()).WithError(err).Error("userAPI.PerformRefreshTokenRotation failed")
		return util.JSONResponse{
			Code: http.StatusInternalServerError,
			JSON: spec.InternalServerError{},
		}
	}

	return util.JSONResponse{
		Code: http.StatusOK,
		JSON: refreshTokenResponse{
			AccessToken:     res.AccessToken,
			RefreshToken:    res.RefreshToken,
			ExpiresInMillis: res.ExpiresInMillis,
		},
	}
}

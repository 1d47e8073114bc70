// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func doRefreshRequest(t *testing.T, userAPI *stubClientUserAPI, refreshToken string) (resp struct {
	Code int
	JSON map[string]any
}) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	assert.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/_matrix/client/v3/refresh", bytes.NewReader(body))

	jr := RefreshToken(req, userAPI)
	resp.Code = jr.Code
	encoded, err := json.Marshal(jr.JSON)
	assert.NoError(t, err)
	assert.NoError(t, json.Unmarshal(encoded, &resp.JSON))
	return resp
}

func TestRefreshTokenRotationSuccess(t *testing.T) {
	userAPI := newStubClientUserAPI(nil)
	userAPI.issueRefreshToken("R1", "T1", time.Now().Add(time.Hour))
	userAPI.nextRefreshToken = "R2"

	resp := doRefreshRequest(t, userAPI, "R1")
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "T1-rotated", resp.JSON["access_token"])
	assert.Equal(t, "R2", resp.JSON["refresh_token"])
	assert.Greater(t, resp.JSON["expires_in_ms"], float64(0))
}

func TestRefreshTokenRotationSingleUse(t *testing.T) {
	userAPI := newStubClientUserAPI(nil)
	userAPI.issueRefreshToken("R1", "T1", time.Now().Add(time.Hour))

	first := doRefreshRequest(t, userAPI, "R1")
	assert.Equal(t, http.StatusOK, first.Code)

	second := doRefreshRequest(t, userAPI, "R1")
	assert.Equal(t, http.StatusUnauthorized, second.Code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", second.JSON["errcode"])
}

func TestRefreshTokenRotationExpired(t *testing.T) {
	userAPI := newStubClientUserAPI(nil)
	userAPI.issueRefreshToken("R1", "T1", time.Now().Add(-time.Minute))

	resp := doRefreshRequest(t, userAPI, "R1")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", resp.JSON["errcode"])
}

func TestRefreshTokenRotationUnknownToken(t *testing.T) {
	userAPI := newStubClientUserAPI(nil)

	resp := doRefreshRequest(t, userAPI, "does-not-exist")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "M_UNKNOWN_TOKEN", resp.JSON["errcode"])
}

func TestRefreshTokenRotationMissingParam(t *testing.T) {
	userAPI := newStubClientUserAPI(nil)

	resp := doRefreshRequest(t, userAPI, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package txnidempotency

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
)

func TestClientTransactionMiss(t *testing.T) {
	c := New()
	_, ok := c.FetchTransaction("token1", "txn1")
	assert.False(t, ok)
}

func TestClientTransactionHit(t *testing.T) {
	c := New()
	c.AddTransaction("token1", "txn1", http.StatusOK, map[string]string{"event_id": "$a"})

	got, ok := c.FetchTransaction("token1", "txn1")
	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, got.StatusCode)
	assert.Equal(t, map[string]string{"event_id": "$a"}, got.Body)
}

func TestClientTransactionDistinctByToken(t *testing.T) {
	c := New()
	c.AddTransaction("token1", "txn1", http.StatusOK, "first")

	_, ok := c.FetchTransaction("token2", "txn1")
	assert.False(t, ok, "same txn_id under a different access token must not collide")
}

func TestPerformClientTransactionOnlyRunsOnce(t *testing.T) {
	c := New()
	calls := 0
	perform := func() (int, interface{}) {
		calls++
		return http.StatusOK, "computed"
	}

	status1, body1 := c.PerformClientTransaction("token1", "txn1", perform)
	status2, body2 := c.PerformClientTransaction("token1", "txn1", perform)

	assert.Equal(t, 1, calls)
	assert.Equal(t, status1, status2)
	assert.Equal(t, body1, body2)
}

func TestClientTransactionExpires(t *testing.T) {
	c := NewWithRetention(10 * time.Millisecond)
	c.AddTransaction("token1", "txn1", http.StatusOK, "first")

	time.Sleep(50 * time.Millisecond)

	_, ok := c.FetchTransaction("token1", "txn1")
	assert.False(t, ok, "entry should have expired")
}

func TestFederationTransactionHit(t *testing.T) {
	f := NewFederation()
	result := FederationResult{PDUResults: map[string]error{
		"$a": nil,
		"$b": errors.New("missing auth event"),
	}}
	f.AddTransaction(spec.ServerName("origin.example.com"), "txn1", result)

	got, ok := f.FetchTransaction(spec.ServerName("origin.example.com"), "txn1")
	assert.True(t, ok)
	assert.Len(t, got.PDUResults, 2)
	assert.Nil(t, got.PDUResults["$a"])
	assert.Error(t, got.PDUResults["$b"])
}

func TestFederationTransactionDistinctByOrigin(t *testing.T) {
	f := NewFederation()
	f.AddTransaction(spec.ServerName("a.example.com"), "txn1", FederationResult{})

	_, ok := f.FetchTransaction(spec.ServerName("b.example.com"), "txn1")
	assert.False(t, ok, "same txn_id from a different origin must not collide")
}

func TestStatusCodeForPDUResultsAlwaysOK(t *testing.T) {
	assert.Equal(t, http.StatusOK, StatusCodeForPDUResults(map[string]error{
		"$a": errors.New("rejected"),
	}))
}

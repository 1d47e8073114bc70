// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package txnidempotency de-duplicates repeated client PUTs and federation
// transactions within a bounded retention window, so a retried request
// returns the response the first attempt computed instead of re-executing.
package txnidempotency

import (
	"fmt"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// DefaultRetention is how long a cached response survives before a retried
// txn ID is treated as new, matching the "typically one hour" window.
const DefaultRetention = time.Hour

const cleanupInterval = 15 * time.Minute

// ClientResponse is what a client PUT's txn_id maps to: the HTTP status the
// first attempt returned and the body to replay verbatim.
type ClientResponse struct {
	StatusCode int
	Body       interface{}
}

// Cache maps (access_token, txn_id) to the ClientResponse computed the first
// time that pair was seen, bounded by retention. The zero value is not
// usable; construct with New.
type Cache struct {
	responses *cache.Cache
	retention time.Duration
}

// New creates a client PUT idempotency cache with the default one-hour
// retention window.
func New() *Cache {
	return NewWithRetention(DefaultRetention)
}

// NewWithRetention creates a client PUT idempotency cache, retaining each
// entry for retention before it expires.
func NewWithRetention(retention time.Duration) *Cache {
	return &Cache{
		responses: cache.New(retention, cleanupInterval),
		retention: retention,
	}
}

func clientKey(accessToken, txnID string) string {
	return accessToken + "\x00" + txnID
}

// FetchTransaction returns the cached response for (accessToken, txnID), if
// one was stored within the retention window.
func (t *Cache) FetchTransaction(accessToken, txnID string) (ClientResponse, bool) {
	v, ok := t.responses.Get(clientKey(accessToken, txnID))
	if !ok {
		return ClientResponse{}, false
	}
	return v.(ClientResponse), true
}

// AddTransaction records the response computed for (accessToken, txnID), so
// a repeat of the same request within the retention window replays it
// instead of re-executing.
func (t *Cache) AddTransaction(accessToken, txnID string, statusCode int, body interface{}) {
	t.responses.Set(clientKey(accessToken, txnID), ClientResponse{StatusCode: statusCode, Body: body}, cache.DefaultExpiration)
}

// PerformClientTransaction runs perform and caches its result under
// (accessToken, txnID) unless a cached result already exists, in which case
// the cached result is returned without calling perform. This is the
// idempotent-PUT entry point most handlers should call rather than using
// FetchTransaction/AddTransaction directly.
func (t *Cache) PerformClientTransaction(accessToken, txnID string, perform func() (int, interface{})) (int, interface{}) {
	if cached, ok := t.FetchTransaction(accessToken, txnID); ok {
		return cached.StatusCode, cached.Body
	}
	statusCode, body := perform()
	t.AddTransaction(accessToken, txnID, statusCode, body)
	return statusCode, body
}

// FederationResult is what one origin server's txn_id maps to: the
// per-PDU results the first processing attempt computed. EDU outcomes are
// not recorded.
type FederationResult struct {
	PDUResults map[string]error
}

// FederationCache maps (origin_server, txn_id) to the FederationResult
// computed the first time that transaction was received from that origin.
type FederationCache struct {
	results *cache.Cache
}

// NewFederation creates a federation transaction idempotency cache with the
// default one-hour retention window.
func NewFederation() *FederationCache {
	return &FederationCache{results: cache.New(DefaultRetention, cleanupInterval)}
}

func federationKey(origin spec.ServerName, txnID string) string {
	return fmt.Sprintf("%s\x00%s", origin, txnID)
}

// FetchTransaction returns the cached per-PDU result set for
// (origin, txnID), if one was stored within the retention window.
func (f *FederationCache) FetchTransaction(origin spec.ServerName, txnID string) (FederationResult, bool) {
	v, ok := f.results.Get(federationKey(origin, txnID))
	if !ok {
		return FederationResult{}, false
	}
	return v.(FederationResult), true
}

// AddTransaction records the per-PDU result set computed for
// (origin, txnID).
func (f *FederationCache) AddTransaction(origin spec.ServerName, txnID string, result FederationResult) {
	f.results.Set(federationKey(origin, txnID), result, cache.DefaultExpiration)
}

// StatusCodeForPDUResults maps a federation transaction's per-PDU outcomes
// to the overall HTTP status the /send endpoint should return: 200 even
// when individual PDUs were rejected, since rejections are reported per-PDU
// in the body rather than failing the transaction, matching how a
// federation sender is never expected to fail a whole batch over one bad
// event signature.
func StatusCodeForPDUResults(results map[string]error) int {
	return http.StatusOK
}

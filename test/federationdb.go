// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// InMemoryFederationDatabase satisfies federationapi/statistics.Database
// over a plain map, so tests can exercise per-server backoff tracking
// without a real *sql.DB.
type InMemoryFederationDatabase struct {
	mu    sync.Mutex
	state map[spec.ServerName]inMemoryRetryState
}

type inMemoryRetryState struct {
	failureCount uint32
	retryUntil   spec.Timestamp
}

// NewInMemoryFederationDatabase returns an empty InMemoryFederationDatabase.
func NewInMemoryFederationDatabase() *InMemoryFederationDatabase {
	return &InMemoryFederationDatabase{
		state: make(map[spec.ServerName]inMemoryRetryState),
	}
}

func (d *InMemoryFederationDatabase) GetServerRetryState(_ context.Context, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.state[serverName]
	if !ok {
		return 0, 0, false, nil
	}
	return s.failureCount, s.retryUntil, true, nil
}

func (d *InMemoryFederationDatabase) SetServerRetryState(_ context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[serverName] = inMemoryRetryState{failureCount: failureCount, retryUntil: retryUntil}
	return nil
}

func (d *InMemoryFederationDatabase) ClearServerRetryState(_ context.Context, serverName spec.ServerName) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.state, serverName)
	return nil
}

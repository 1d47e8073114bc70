// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package statistics tracks each remote server's recent send failures, so
// the Federation Client/Server can back off a flaky destination instead of
// retrying it on every event, and can stop trying entirely once it has
// failed consistently for long enough.
package statistics

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"
)

const (
	minBackoff = time.Second * 10
	maxBackoff = time.Hour * 8
)

// Database is the narrow slice of federationapi storage statistics needs,
// so tests can substitute an in-memory double without a real *sql.DB.
type Database interface {
	GetServerRetryState(ctx context.Context, serverName spec.ServerName) (failureCount uint32, retryUntil spec.Timestamp, exists bool, err error)
	SetServerRetryState(ctx context.Context, serverName spec.ServerName, failureCount uint32, retryUntil spec.Timestamp) error
	ClearServerRetryState(ctx context.Context, serverName spec.ServerName) error
}

// Statistics owns the set of per-server failure counters, and the
// thresholds that turn persistent failure into an assumed-offline or
// blacklisted server.
type Statistics struct {
	DB                          Database
	FailuresUntilBlacklist      uint32
	FailuresUntilAssumedOffline uint32
	backoffEnabled              bool

	mu      sync.Mutex
	servers map[spec.ServerName]*ServerStatistics
}

// NewStatistics constructs a Statistics tracker. Disabling backoff is only
// useful in tests: every Failure still counts towards the blacklist and
// assumed-offline thresholds, it just doesn't introduce real delay.
func NewStatistics(db Database, failuresUntilBlacklist, failuresUntilAssumedOffline uint32, enableBackoff bool) Statistics {
	return Statistics{
		DB:                          db,
		FailuresUntilBlacklist:      failuresUntilBlacklist,
		FailuresUntilAssumedOffline: failuresUntilAssumedOffline,
		backoffEnabled:              enableBackoff,
		servers:                     make(map[spec.ServerName]*ServerStatistics),
	}
}

// ForServer returns the ServerStatistics tracker for one destination,
// creating and rehydrating it from storage on first use.
func (s *Statistics) ForServer(serverName spec.ServerName) *ServerStatistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.servers[serverName]; ok {
		return ss
	}
	ss := &ServerStatistics{
		statistics: s,
		serverName: serverName,
	}
	if s.DB != nil {
		if failures, retryUntil, exists, err := s.DB.GetServerRetryState(context.Background(), serverName); err == nil && exists {
			ss.failCounter = failures
			ss.backoffUntil = retryUntil.Time()
			if failures >= s.FailuresUntilBlacklist && s.FailuresUntilBlacklist > 0 {
				ss.blacklisted = true
			}
			if failures >= s.FailuresUntilAssumedOffline && s.FailuresUntilAssumedOffline > 0 {
				ss.assumedOffline = true
			}
		}
	}
	s.servers[serverName] = ss
	return ss
}

// ServerStatistics tracks one destination server's consecutive failures
// and, once backoff is enabled, the time before which it shouldn't be
// retried.
type ServerStatistics struct {
	statistics *Statistics
	serverName spec.ServerName

	mu             sync.Mutex
	failCounter    uint32
	successCounter uint32
	backoffUntil   time.Time
	blacklisted    bool
	assumedOffline bool
}

// Failure records a failed request, advancing the backoff and, once the
// configured thresholds are crossed, marking the server assumed-offline or
// blacklisted. It returns the time before which the caller shouldn't retry,
// and whether the server is now blacklisted.
func (s *ServerStatistics) Failure() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successCounter = 0
	s.failCounter++

	if limit := s.statistics.FailuresUntilAssumedOffline; limit > 0 && s.failCounter >= limit {
		s.assumedOffline = true
	}
	if limit := s.statistics.FailuresUntilBlacklist; limit > 0 && s.failCounter >= limit {
		s.blacklisted = true
	}

	// Every failure advances the backoff deadline regardless of
	// backoffEnabled: that flag only controls whether BackingOff reports
	// it to callers (who then wait), not whether it's computed.
	until := time.Now().Add(backoffDuration(s.failCounter))
	s.backoffUntil = until

	if s.statistics.DB != nil {
		if err := s.statistics.DB.SetServerRetryState(context.Background(), s.serverName, s.failCounter, spec.AsTimestamp(until)); err != nil {
			logrus.WithError(err).WithField("server", s.serverName).Warn("federation: failed to persist retry state")
		}
	}

	return until, s.blacklisted
}

// Success clears a server's failure count, ending any backoff or
// assumed-offline state. A server removed from the blacklist must be
// unblacklisted explicitly elsewhere; Success alone doesn't clear it, since
// blacklisting is normally a manual-retry decision.
func (s *ServerStatistics) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successCounter++
	s.failCounter = 0
	s.assumedOffline = false
	s.backoffUntil = time.Time{}

	if s.statistics.DB != nil {
		if err := s.statistics.DB.ClearServerRetryState(context.Background(), s.serverName); err != nil {
			logrus.WithError(err).WithField("server", s.serverName).Warn("federation: failed to clear retry state")
		}
	}
}

// BackingOff reports whether this server is still inside its backoff
// window, and if so, until when.
func (s *ServerStatistics) BackingOff() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.statistics.backoffEnabled {
		return time.Time{}, false
	}
	if s.backoffUntil.IsZero() || !time.Now().Before(s.backoffUntil) {
		return time.Time{}, false
	}
	return s.backoffUntil, true
}

// Blacklisted reports whether this server has crossed the
// failures-until-blacklist threshold.
func (s *ServerStatistics) Blacklisted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blacklisted
}

// AssumedOffline reports whether this server has crossed the
// failures-until-assumed-offline threshold.
func (s *ServerStatistics) AssumedOffline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assumedOffline
}

// RemoveBlacklist clears a server's blacklisted flag and failure counter,
// used when an operator forces a retry of a previously given-up-on server.
func (s *ServerStatistics) RemoveBlacklist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklisted = false
	s.assumedOffline = false
	s.failCounter = 0
	s.backoffUntil = time.Time{}
	if s.statistics.DB != nil {
		_ = s.statistics.DB.ClearServerRetryState(context.Background(), s.serverName)
	}
}

// backoffDuration computes an exponential backoff with jitter, capped at
// maxBackoff, the same shape the partial-state resync worker uses.
func backoffDuration(failCounter uint32) time.Duration {
	jitter := 0.8 + rand.Float64()*0.6
	backoff := float64(minBackoff) * math.Pow(2, float64(failCounter-1)) * jitter
	d := time.Duration(backoff)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package queue implements the Federation Client/Server's outbound half:
// one worker per destination drains events addressed to it into signed
// transactions, backing off a flaky or unreachable server rather than
// retrying on every event.
package queue

import (
	"context"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/federationapi/statistics"
	"github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/setup/process"
)

// maxPDUsPerTransaction and maxEDUsPerTransaction mirror the same
// server-server API limits federationapi/routing enforces on inbound
// transactions; an outbound transaction is built to the same caps.
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
	maxQueuedPerDestination = 1024
)

// FederationClient is the narrow slice of gomatrixserverlib's federation
// client the send queue depends on to deliver a built transaction.
type FederationClient interface {
	SendTransaction(ctx context.Context, t gomatrixserverlib.Transaction) (gomatrixserverlib.RespSend, error)
}

// OutgoingQueues owns one destinationQueue per remote server this
// homeserver has had anything to send to, creating them lazily on first
// use. A queue is kept once created, even after it has drained.
type OutgoingQueues struct {
	process     *process.ProcessContext
	disabled    bool
	origin      spec.ServerName
	client      FederationClient
	statistics  *statistics.Statistics

	mu     sync.Mutex
	queues map[spec.ServerName]*destinationQueue
}

// NewOutgoingQueues constructs the send queue set. disabled is set when
// this homeserver is configured not to federate at all, in which case
// every Send call is a silent no-op.
func NewOutgoingQueues(
	processCtx *process.ProcessContext,
	disabled bool,
	origin spec.ServerName,
	client FederationClient,
	stats *statistics.Statistics,
) *OutgoingQueues {
	return &OutgoingQueues{
		process:    processCtx,
		disabled:   disabled,
		origin:     origin,
		client:     client,
		statistics: stats,
		queues:     make(map[spec.ServerName]*destinationQueue),
	}
}

// SendEvent queues a newly-accepted room event for delivery to every
// destination, skipping the origin itself if it appears in the list.
func (oqs *OutgoingQueues) SendEvent(event *types.HeaderedEvent, origin spec.ServerName, destinations []spec.ServerName) error {
	if oqs.disabled {
		return nil
	}
	for _, destination := range destinations {
		if destination == oqs.origin {
			continue
		}
		oqs.queueFor(destination).sendEvent(event)
	}
	return nil
}

// SendEDU queues an ephemeral data unit (typing, read receipt, presence,
// device list update, ...) for delivery to every destination.
func (oqs *OutgoingQueues) SendEDU(edu *gomatrixserverlib.EDU, origin spec.ServerName, destinations []spec.ServerName) error {
	if oqs.disabled {
		return nil
	}
	for _, destination := range destinations {
		if destination == oqs.origin {
			continue
		}
		oqs.queueFor(destination).sendEDU(edu)
	}
	return nil
}

// queueFor returns destination's queue, creating and starting its worker
// on first use.
func (oqs *OutgoingQueues) queueFor(destination spec.ServerName) *destinationQueue {
	oqs.mu.Lock()
	defer oqs.mu.Unlock()

	if dq, ok := oqs.queues[destination]; ok {
		return dq
	}
	dq := &destinationQueue{
		process:     oqs.process,
		origin:      oqs.origin,
		destination: destination,
		client:      oqs.client,
		statistics:  oqs.statistics.ForServer(destination),
		notify:      make(chan struct{}, 1),
	}
	oqs.queues[destination] = dq
	go dq.backgroundSend()
	observeSendQueueDepth(0)
	logrus.WithField("destination", destination).Debug("federationapi: started destination queue")
	return dq
}

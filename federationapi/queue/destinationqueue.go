// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/roomserver/types"
	"github.com/matrixcore/homeserver/setup/process"
)

// destinationQueue drains events addressed to one remote server into
// transactions. Events already in flight when the server starts backing
// off stay queued; the worker only blocks itself, never the callers
// enqueuing onto it.
type destinationQueue struct {
	process     *process.ProcessContext
	origin      spec.ServerName
	destination spec.ServerName
	client      FederationClient
	statistics  interface {
		BackingOff() (time.Time, bool)
		Failure() (time.Time, bool)
		Success()
	}
	notify chan struct{}

	mu        sync.Mutex
	pendingPDUs []*types.HeaderedEvent
	pendingEDUs []*gomatrixserverlib.EDU
}

// sendEvent appends an event to the queue, dropping the oldest queued
// event once the bound is reached rather than growing unbounded while a
// destination is down.
func (dq *destinationQueue) sendEvent(event *types.HeaderedEvent) {
	dq.mu.Lock()
	if len(dq.pendingPDUs) >= maxQueuedPerDestination {
		dq.pendingPDUs = dq.pendingPDUs[1:]
	} else {
		observeSendQueueDepth(1)
	}
	dq.pendingPDUs = append(dq.pendingPDUs, event)
	dq.mu.Unlock()
	dq.wake()
}

func (dq *destinationQueue) sendEDU(edu *gomatrixserverlib.EDU) {
	dq.mu.Lock()
	if len(dq.pendingEDUs) >= maxQueuedPerDestination {
		dq.pendingEDUs = dq.pendingEDUs[1:]
	} else {
		observeSendQueueDepth(1)
	}
	dq.pendingEDUs = append(dq.pendingEDUs, edu)
	dq.mu.Unlock()
	dq.wake()
}

func (dq *destinationQueue) wake() {
	select {
	case dq.notify <- struct{}{}:
	default:
	}
}

// backgroundSend is the destination's worker loop: wait for something to
// send (or a backoff to expire), build one transaction's worth, and send
// it, looping until the process is shut down.
func (dq *destinationQueue) backgroundSend() {
	logger := logrus.WithField("destination", dq.destination)
	ctx := dq.process.Context()
	for {
		if until, backingOff := dq.statistics.BackingOff(); backingOff {
			timer := time.NewTimer(time.Until(until))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		pdus, edus := dq.takeBatch()
		if len(pdus) == 0 && len(edus) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-dq.notify:
				continue
			}
		}

		if err := dq.sendBatch(ctx, pdus, edus); err != nil {
			logger.WithError(err).Warn("federationapi: failed to send transaction")
			dq.requeue(pdus, edus)
			continue
		}
		dq.statistics.Success()
	}
}

// takeBatch removes up to one transaction's worth of PDUs and EDUs from
// the pending queues.
func (dq *destinationQueue) takeBatch() ([]*types.HeaderedEvent, []*gomatrixserverlib.EDU) {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	pduCount := len(dq.pendingPDUs)
	if pduCount > maxPDUsPerTransaction {
		pduCount = maxPDUsPerTransaction
	}
	eduCount := len(dq.pendingEDUs)
	if eduCount > maxEDUsPerTransaction {
		eduCount = maxEDUsPerTransaction
	}

	pdus := dq.pendingPDUs[:pduCount]
	edus := dq.pendingEDUs[:eduCount]
	dq.pendingPDUs = dq.pendingPDUs[pduCount:]
	dq.pendingEDUs = dq.pendingEDUs[eduCount:]
	observeSendQueueDepth(-int64(pduCount + eduCount))
	return pdus, edus
}

// requeue puts a batch that failed to send back at the front of the
// queue, so it's retried before anything enqueued since.
func (dq *destinationQueue) requeue(pdus []*types.HeaderedEvent, edus []*gomatrixserverlib.EDU) {
	if len(pdus) == 0 && len(edus) == 0 {
		return
	}
	dq.mu.Lock()
	dq.pendingPDUs = append(pdus, dq.pendingPDUs...)
	dq.pendingEDUs = append(edus, dq.pendingEDUs...)
	dq.mu.Unlock()
	observeSendQueueDepth(int64(len(pdus) + len(edus)))
}

// sendBatch builds and sends one transaction, recording the outcome
// against this destination's statistics.
func (dq *destinationQueue) sendBatch(ctx context.Context, pdus []*types.HeaderedEvent, edus []*gomatrixserverlib.EDU) error {
	txn := gomatrixserverlib.Transaction{
		TransactionID:  gomatrixserverlib.TransactionID(time.Now().Format(time.RFC3339Nano)),
		Origin:         dq.origin,
		Destination:    dq.destination,
		OriginServerTS: spec.AsTimestamp(time.Now()),
		EDUs:           edus,
	}
	for _, pdu := range pdus {
		txn.PDUs = append(txn.PDUs, pdu.PDU.JSON())
	}

	_, err := dq.client.SendTransaction(ctx, txn)
	if err != nil {
		dq.statistics.Failure()
		return err
	}
	return nil
}

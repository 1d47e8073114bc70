// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package queue

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sendQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dendrite",
			Subsystem: "federationapi",
			Name:      "queue_send_depth",
			Help:      "Total number of PDUs/EDUs pending across every destination's send queue",
		},
	)
	// sendQueueDepthValue mirrors the gauge's current value so
	// observeSendQueueDepth can apply a relative delta without reading
	// the gauge back through Prometheus's collector interface.
	sendQueueDepthValue atomic.Int64
)

var registerQueueMetrics sync.Once

func init() {
	registerQueueMetrics.Do(func() {
		prometheus.MustRegister(sendQueueDepth)
	})
}

// observeSendQueueDepth adjusts the total queue depth gauge by delta,
// called whenever a destination's queue grows (an event is enqueued) or
// shrinks (taken into a transaction to send).
func observeSendQueueDepth(delta int64) {
	newValue := sendQueueDepthValue.Add(delta)
	sendQueueDepth.Set(float64(newValue))
}

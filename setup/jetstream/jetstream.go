// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package jetstream wires the homeserver's internal pub/sub bus: the Room
// Manager publishes appended events, the Sync Engine and Federation sender
// consume them, built on nats-io/nats.go's embedded JetStream.
package jetstream

import (
	"context"
	"fmt"
	"strings"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/matrixcore/homeserver/setup/config"
	"github.com/matrixcore/homeserver/setup/process"
)

// Subject names for the streams every component may publish/consume.
// Component packages prefix these with cfg.Matrix.JetStream.Prefixed.
const (
	OutputRoomEvent          = "OutputRoomEvent"
	OutputReceiptEvent       = "OutputReceiptEvent"
	OutputSendToDeviceEvent  = "OutputSendToDeviceEvent"
	OutputTypingEvent        = "OutputTypingEvent"
	OutputClientData         = "OutputClientData"
	OutputNotificationData   = "OutputNotificationData"
	OutputKeyChangeEvent     = "OutputKeyChangeEvent"
	RequestPresence          = "RequestPresence"
	InputFederationAPIEvent  = "InputFederationAPIEvent"
)

// NATS message header keys used to carry routing metadata alongside the
// JSON payload, avoiding a second unmarshal just to read the room/user ID.
const (
	UserID   = "user_id"
	RoomID   = "room_id"
	EventID  = "event_id"
	EventType = "event_type"
)

// NATSInstance owns either a connection to an external NATS deployment or
// an embedded in-process server, used by single-process builds that don't
// want to stand up a separate NATS deployment.
type NATSInstance struct {
	embedded *natsserver.Server
	conn     *nats.Conn
	js       nats.JetStreamContext
}

// Prepare connects (or boots an embedded server and connects) and returns
// the JetStreamContext every component shares.
func (n *NATSInstance) Prepare(process *process.ProcessContext, cfg *config.JetStream) (nats.JetStreamContext, *nats.Conn) {
	if n.js != nil {
		return n.js, n.conn
	}
	var url string
	if len(cfg.Addresses) > 0 {
		url = cfg.Addresses[0]
	} else {
		srv, err := natsserver.NewServer(&natsserver.Options{
			JetStream: true,
			StoreDir:  string(cfg.StoragePath),
			Port:      -1,
			NoLog:     true,
			NoSigs:    true,
		})
		if err != nil {
			log.WithError(err).Fatal("jetstream: failed to start embedded NATS server")
		}
		go srv.Start()
		if !srv.ReadyForConnections(0) {
			srv.WaitForShutdown()
		}
		n.embedded = srv
		url = srv.ClientURL()
		process.ComponentStarted()
		go func() {
			<-process.Context().Done()
			srv.Shutdown()
			process.ComponentFinished()
		}()
	}
	conn, err := nats.Connect(url)
	if err != nil {
		log.WithError(err).Fatal("jetstream: failed to connect")
	}
	js, err := conn.JetStream()
	if err != nil {
		log.WithError(err).Fatal("jetstream: failed to acquire JetStream context")
	}
	n.conn = conn
	n.js = js
	return js, conn
}

// JetStreamConsumer subscribes durable onto subject, fanning messages into
// f in batches of at most batchSize. f returns true to ack the batch.
func JetStreamConsumer(
	ctx context.Context, js nats.JetStreamContext, subject, durable string, batchSize int,
	f func(ctx context.Context, msgs []*nats.Msg) bool,
	opts ...nats.SubOpt,
) error {
	if batchSize < 1 {
		batchSize = 1
	}
	opts = append(opts, nats.Durable(durable), nats.AckExplicit())
	sub, err := js.PullSubscribe(subject, durable, opts...)
	if err != nil {
		return fmt.Errorf("jetstream: pull subscribe %q: %w", subject, err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			msgs, err := sub.Fetch(batchSize, nats.MaxWait(1e9))
			if err != nil {
				if err != nats.ErrTimeout && err != context.DeadlineExceeded {
					log.WithError(err).WithField("subject", subject).Warn("jetstream: fetch failed")
				}
				continue
			}
			if len(msgs) == 0 {
				continue
			}
			if f(ctx, msgs) {
				for _, m := range msgs {
					_ = m.Ack()
				}
			} else {
				for _, m := range msgs {
					_ = m.Nak()
				}
			}
		}
	}()
	return nil
}

// DeleteAllStreams removes every stream under prefix, used by integration
// tests that need a clean bus between runs.
func DeleteAllStreams(js nats.JetStreamContext, cfg *config.JetStream) {
	for name := range js.StreamNames() {
		if strings.HasPrefix(name, cfg.TopicPrefix) {
			_ = js.DeleteStream(name)
		}
	}
}

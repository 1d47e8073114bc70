// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package producers publishes the user API's device-list change stream onto
// the internal JetStream bus so the Sync Engine and federation sender can
// tell their peers a user's devices or keys changed.
package producers

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/matrixcore/homeserver/setup/config"
	"github.com/matrixcore/homeserver/setup/jetstream"
)

// KeyChange publishes to the key change output stream. Its zero value is
// usable but publishes nowhere useful; construct with NewKeyChangeProducer.
type KeyChange struct {
	JetStream nats.JetStreamContext
	Topic     string
}

// NewKeyChangeProducer binds a KeyChange producer to the homeserver's shared
// JetStream connection and the configured stream prefix.
func NewKeyChangeProducer(js nats.JetStreamContext, cfg *config.JetStream) *KeyChange {
	return &KeyChange{
		JetStream: js,
		Topic:     cfg.Prefixed(jetstream.OutputKeyChangeEvent),
	}
}

// ProduceKeyChange announces that userID's device list or uploaded keys
// changed. streamID is the position assigned by KeyChangesTable.InsertKeyChange,
// carried so consumers can track their own position in the stream without a
// second database round trip.
func (p *KeyChange) ProduceKeyChange(userID string, streamID int64) error {
	if p.JetStream == nil {
		return nil
	}
	msg := &nats.Msg{
		Subject: p.Topic,
		Header:  nats.Header{},
	}
	msg.Header.Set(jetstream.UserID, userID)
	msg.Data = []byte(fmt.Sprintf("%d", streamID))
	_, err := p.JetStream.PublishMsg(msg)
	if err != nil {
		return fmt.Errorf("producers: publish key change: %w", err)
	}
	return nil
}

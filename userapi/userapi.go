// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package userapi assembles the Device & Key Registry from its account
// database, its key database, and the key-change producer onto the shared
// NATS bus, the way roomserver assembles the Room Manager from its Event
// Store and Inputer.
package userapi

import (
	"github.com/nats-io/nats.go"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixcore/homeserver/setup/config"
	"github.com/matrixcore/homeserver/userapi/internal"
	"github.com/matrixcore/homeserver/userapi/producers"
	"github.com/matrixcore/homeserver/userapi/storage"
)

// NewInternalAPI opens the account and key databases at their respective
// connection strings and returns a Device & Key Registry bound to them. js
// may be nil, in which case device-list changes are stored but never
// announced to the Sync Engine or federation sender over NATS.
func NewInternalAPI(
	accountDataSourceName, keyDataSourceName string,
	serverName spec.ServerName,
	serverNoticesLocalpart string,
	js nats.JetStreamContext,
	jsCfg *config.JetStream,
) (*internal.UserInternalAPI, error) {
	db, err := storage.Open(accountDataSourceName, serverName, serverNoticesLocalpart)
	if err != nil {
		return nil, err
	}
	keyDB, err := storage.OpenKeyDatabase(keyDataSourceName)
	if err != nil {
		return nil, err
	}
	var producer *producers.KeyChange
	if js != nil {
		producer = producers.NewKeyChangeProducer(js, jsCfg)
	}
	return internal.NewInternalAPI(db, keyDB, serverName, producer), nil
}

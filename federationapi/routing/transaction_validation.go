// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package routing

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Per https://spec.matrix.org/latest/server-server-api/#transactions, a
// single /send transaction may carry at most this many PDUs and EDUs.
const (
	maxPDUsPerTransaction = 50
	maxEDUsPerTransaction = 100
)

// ValidateTransactionLimits rejects a federation transaction that carries
// more PDUs or EDUs than the Matrix spec allows in one request.
func ValidateTransactionLimits(pduCount, eduCount int) error {
	if pduCount > maxPDUsPerTransaction {
		return fmt.Errorf("transaction PDU count %d exceeds limit of %d", pduCount, maxPDUsPerTransaction)
	}
	if eduCount > maxEDUsPerTransaction {
		return fmt.Errorf("transaction EDU count %d exceeds limit of %d", eduCount, maxEDUsPerTransaction)
	}
	return nil
}

// GenerateTransactionKey builds the de-duplication key an inbound
// transaction is cached under: an origin server can reuse the same
// txnID for a different transaction without colliding with another
// server's, and the NUL separator rules out any ambiguity between e.g.
// origin "server" + txnID ".comtxn1" and origin "server.com" + txnID
// "txn1".
func GenerateTransactionKey(origin spec.ServerName, txnID gomatrixserverlib.TransactionID) string {
	return string(origin) + "\000" + string(txnID)
}

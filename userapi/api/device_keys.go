// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import "encoding/json"

// DeviceKeys is one device's uploaded identity keys: the signed
// `device_keys` object from /keys/upload, stored verbatim and replayed
// as-is to /keys/query callers rather than re-serialised field by field.
type DeviceKeys struct {
	UserID   string
	DeviceID string
	KeyJSON  json.RawMessage
	StreamID int64
}

// PerformUploadKeysRequest is one device's /keys/upload call: DeviceKeys is
// present on first upload (and ignored on later ones, since a device's
// identity key never changes), OneTimeKeys and FallbackKeys top up the
// device's claimable key pool.
type PerformUploadKeysRequest struct {
	UserID       string
	DeviceID     string
	DeviceKeys   json.RawMessage
	OneTimeKeys  map[string]json.RawMessage
	FallbackKeys map[string]json.RawMessage
}

// PerformUploadKeysResponse reports, per algorithm, how many one-time keys
// the device now holds unclaimed, mirroring the OneTimeKeysCount the client
// uses to decide whether to top up again.
type PerformUploadKeysResponse struct {
	OneTimeKeyCounts map[string]int
	Error            *KeyError
}

// QueryKeysRequest asks for every device's identity keys for each listed
// user; an empty device slice for a user means "all of that user's devices".
type QueryKeysRequest struct {
	UserToDevices map[string][]string
}

// QueryKeysResponse answers QueryKeysRequest, keyed the same way as the
// request: user ID, then device ID, to the raw signed key object.
type QueryKeysResponse struct {
	DeviceKeys map[string]map[string]json.RawMessage
	Error      *KeyError
}

// PerformClaimKeysRequest is one /keys/claim call: for each user and
// device, the one-time key algorithm the caller wants to claim a key for.
type PerformClaimKeysRequest struct {
	OneTimeKeys map[string]map[string]string
}

// PerformClaimKeysResponse answers PerformClaimKeysRequest with the claimed
// keys, one per (user, device) that had one available; a (user, device)
// with nothing claimable is simply absent, never an error.
type PerformClaimKeysResponse struct {
	OneTimeKeys map[string]map[string]json.RawMessage
	Error       *KeyError
}

// QueryKeyChangesRequest asks which users sharing a room with the caller
// changed their device list between two points on the device-list stream.
type QueryKeyChangesRequest struct {
	FromOffset int64
	ToOffset   int64
}

// QueryKeyChangesResponse answers QueryKeyChangesRequest. Offset is the
// highest stream position actually observed, which may be below ToOffset
// if the stream hadn't advanced that far yet.
type QueryKeyChangesResponse struct {
	UserIDs []string
	Offset  int64
	Error   error
}

// PerformMarkAsStaleRequest flags a user's device list as needing a fresh
// /keys/query round-trip over federation, used when a remote server's
// device-list update couldn't be applied directly (e.g. a gap in the
// stream that catch-up alone can't fill).
type PerformMarkAsStaleRequest struct {
	UserID string
	Domain string
}

// KeyError mirrors a per-user or per-device failure inside an otherwise
// successful keys/query or keys/claim response, since federation can
// succeed for some users and fail for others within the same request.
type KeyError struct {
	Err string
}

func (k *KeyError) Error() string {
	return k.Err
}

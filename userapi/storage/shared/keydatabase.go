// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrixcore/homeserver/userapi/api"
	"github.com/matrixcore/homeserver/userapi/storage/tables"
)

// KeyDatabase is the E2EE half of the Device & Key Registry: uploaded device
// identity keys, one-time/fallback keys, and the device-list change stream
type KeyDatabase struct {
	DB               *sql.DB
	DeviceKeysTable  tables.DeviceKeysTable
	OneTimeKeysTable tables.OneTimeKeysTable
	KeyChangesTable  tables.KeyChangesTable
}

// StoreDeviceKeys upserts a device's signed identity key object, bumping the
// device-list change stream so sync and federation both learn about the
// update. It returns the stream position the change landed on so the
// caller can publish it.
func (k *KeyDatabase) StoreDeviceKeys(ctx context.Context, userID, deviceID string, keyJSON json.RawMessage) (int64, error) {
	streamID, err := k.KeyChangesTable.InsertKeyChange(ctx, userID)
	if err != nil {
		return 0, err
	}
	return streamID, k.DeviceKeysTable.UpsertDeviceKeys(ctx, userID, deviceID, keyJSON, streamID)
}

// DeviceKeysForUser returns the requested devices' identity keys, or every
// device's keys when deviceIDs is empty.
func (k *KeyDatabase) DeviceKeysForUser(ctx context.Context, userID string, deviceIDs []string) ([]api.DeviceKeys, error) {
	return k.DeviceKeysTable.SelectDeviceKeys(ctx, userID, deviceIDs)
}

// DeleteDeviceKeys removes a device's identity keys and any remaining
// one-time/fallback keys, called when a device is logged out. It returns
// the stream position the change landed on so the caller can publish it.
func (k *KeyDatabase) DeleteDeviceKeys(ctx context.Context, userID, deviceID string) (int64, error) {
	streamID, err := k.KeyChangesTable.InsertKeyChange(ctx, userID)
	if err != nil {
		return 0, err
	}
	return streamID, k.DeviceKeysTable.DeleteDeviceKeys(ctx, userID, deviceID)
}

// StoreOneTimeKeys is idempotent on (user, device, algorithm, key_id): re-
// uploading an already-stored key ID is a silent no-op, never an error
func (k *KeyDatabase) StoreOneTimeKeys(ctx context.Context, userID, deviceID string, keys map[string]json.RawMessage) (map[string]int, error) {
	return k.OneTimeKeysTable.UpsertOneTimeKeys(ctx, userID, deviceID, keys)
}

// StoreFallbackKey replaces a device's single fallback key for an
// algorithm, marking it unused again so it becomes claimable.
func (k *KeyDatabase) StoreFallbackKey(ctx context.Context, userID, deviceID, algorithm string, keyJSON json.RawMessage) error {
	return k.OneTimeKeysTable.UpsertFallbackKey(ctx, userID, deviceID, algorithm, keyJSON)
}

// OneTimeKeysCount reports a device's remaining unclaimed one-time keys
// per algorithm, used to decide whether a client should top up.
func (k *KeyDatabase) OneTimeKeysCount(ctx context.Context, userID, deviceID string) (map[string]int, error) {
	return k.OneTimeKeysTable.CountOneTimeKeys(ctx, userID, deviceID)
}

// UnusedFallbackKeyAlgorithms lists which algorithms still have an unused
// fallback key, mirrored in sync's `device_unused_fallback_key_types`.
func (k *KeyDatabase) UnusedFallbackKeyAlgorithms(ctx context.Context, userID, deviceID string) ([]string, error) {
	return k.OneTimeKeysTable.SelectUnusedFallbackAlgorithms(ctx, userID, deviceID)
}

// ClaimKeys atomically claims one key per (user, device, algorithm), falling
// back to the device's fallback key A (user, device) with nothing claimable
// is simply absent from the result.
func (k *KeyDatabase) ClaimKeys(ctx context.Context, oneTimeKeys map[string]map[string]string) (map[string]map[string]json.RawMessage, error) {
	result := make(map[string]map[string]json.RawMessage)
	for userID, deviceAlgos := range oneTimeKeys {
		for deviceID, algorithm := range deviceAlgos {
			keyID, keyJSON, err := k.OneTimeKeysTable.ClaimOneTimeKey(ctx, userID, deviceID, algorithm)
			switch {
			case err == sql.ErrNoRows:
				keyID, keyJSON, err = k.OneTimeKeysTable.ClaimFallbackKey(ctx, userID, deviceID, algorithm)
				if err == sql.ErrNoRows {
					continue
				}
				if err != nil {
					return nil, err
				}
				if merr := k.OneTimeKeysTable.MarkFallbackKeyUsed(ctx, userID, deviceID, algorithm); merr != nil {
					return nil, merr
				}
			case err != nil:
				return nil, err
			}
			if result[userID] == nil {
				result[userID] = make(map[string]json.RawMessage)
			}
			result[userID][fmt.Sprintf("%s:%s", algorithm, keyID)] = keyJSON
		}
	}
	return result, nil
}

// KeyChanges appends a device-list change for userID and returns the
// stream position it landed on.
func (k *KeyDatabase) KeyChanges(ctx context.Context, userID string) (int64, error) {
	return k.KeyChangesTable.InsertKeyChange(ctx, userID)
}

// QueryKeyChanges lists which users changed their device list between two
// stream positions, the data behind sync's device_lists.changed.
func (k *KeyDatabase) QueryKeyChanges(ctx context.Context, fromStreamID, toStreamID int64) ([]string, error) {
	return k.KeyChangesTable.SelectKeyChanges(ctx, fromStreamID, toStreamID)
}

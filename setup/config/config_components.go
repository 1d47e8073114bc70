// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

// RoomServer configures the Room Manager/Event Store component.
type RoomServer struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:roomserver.db"
	}
	c.Database.Defaults()
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	}
}

// SyncAPI configures the Sync Engine component.
type SyncAPI struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`

	// RealIPHeader is the HTTP header holding the client's real IP when
	// running behind a reverse proxy, used for rate-limit exemptions.
	RealIPHeader string `yaml:"real_ip_header"`

	// Fulltext search indexing of message bodies.
	Fulltext struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"search"`
}

func (c *SyncAPI) Defaults(opts DefaultOpts) {
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:syncapi.db"
	}
	c.Database.Defaults()
}

func (c *SyncAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "sync_api.database.connection_string", string(c.Database.ConnectionString))
	}
}

// FederationAPI configures the Federation Client/Server component.
type FederationAPI struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`

	// SendMaxRetries bounds outbound transaction retries before a
	// destination is marked "down".
	SendMaxRetries int `yaml:"send_max_retries"`

	// DisableTLSValidation allows self-signed federation certs, for tests.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`

	KeyPerspectives KeyPerspectives `yaml:"key_perspectives"`

	PreferDirectFetch bool `yaml:"prefer_direct_fetch"`
}

// KeyPerspectives lists notary servers consulted for federation signing
// keys in addition to direct /_matrix/key/v2/server fetches.
type KeyPerspectives []KeyPerspectiveServer

type KeyPerspectiveServer struct {
	ServerName string            `yaml:"server_name"`
	Keys       []struct {
		KeyID string `yaml:"key_id"`
		PublicKey string `yaml:"public_key"`
	} `yaml:"keys"`
}

func (c *FederationAPI) Defaults(opts DefaultOpts) {
	c.SendMaxRetries = 16
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:federationapi.db"
	}
	c.Database.Defaults()
}

func (c *FederationAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "federation_api.database.connection_string", string(c.Database.ConnectionString))
	}
}

// UserAPI configures the Device & Key Registry component.
type UserAPI struct {
	Matrix        *Global         `yaml:"-"`
	AccountDatabase DatabaseOptions `yaml:"account_database,omitempty"`

	// BCryptCost is the bcrypt work factor for password hashing (golang.org/x/crypto/bcrypt).
	BCryptCost int `yaml:"bcrypt_cost"`

	// OpenIDTokenLifetimeMS bounds OpenID token issuance (used by identity
	// server integrations).
	OpenIDTokenLifetimeMS int64 `yaml:"openid_token_lifetime_ms"`

	// LoginTokenLifetimeMS bounds how long a short-lived login token minted
	// by SSO/token login stays redeemable.
	LoginTokenLifetimeMS int64 `yaml:"login_token_lifetime_ms"`

	// ServerNoticesLocalpart, when set, reserves that localpart for the
	// account the homeserver sends server notices from.
	ServerNoticesLocalpart string `yaml:"server_notices_localpart"`
}

const DefaultOpenIDTokenLifetimeMS = int64(3600_000)
const DefaultLoginTokenLifetimeMS = int64(2 * 60_000)

func (c *UserAPI) Defaults(opts DefaultOpts) {
	c.BCryptCost = 10
	c.OpenIDTokenLifetimeMS = DefaultOpenIDTokenLifetimeMS
	c.LoginTokenLifetimeMS = DefaultLoginTokenLifetimeMS
	if opts.Generate && !opts.SingleDatabase {
		c.AccountDatabase.ConnectionString = "file:userapi_accounts.db"
	}
	c.AccountDatabase.Defaults()
}

func (c *UserAPI) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "user_api.account_database.connection_string", string(c.AccountDatabase.ConnectionString))
	}
	checkPositive(configErrs, "user_api.bcrypt_cost", int64(c.BCryptCost))
}

// KeyServer configures the E2EE device key store: uploaded identity keys,
// one-time/fallback keys, and the device-list change stream that sync and
// federation both consume.
type KeyServer struct {
	Matrix   *Global         `yaml:"-"`
	Database DatabaseOptions `yaml:"database,omitempty"`
}

func (c *KeyServer) Defaults(opts DefaultOpts) {
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:keyserver.db"
	}
	c.Database.Defaults()
}

func (c *KeyServer) Verify(configErrs *ConfigErrors) {
	if c.Matrix.DatabaseOptions.ConnectionString == "" {
		checkNotEmpty(configErrs, "key_server.database.connection_string", string(c.Database.ConnectionString))
	}
}

// AppServiceAPI configures bridge (Application Service) registration.
type AppServiceAPI struct {
	Matrix       *Global  `yaml:"-"`
	ConfigFiles  []string `yaml:"config_files"`
}

func (c *AppServiceAPI) Defaults(opts DefaultOpts) {}

func (c *AppServiceAPI) Verify(configErrs *ConfigErrors) {}

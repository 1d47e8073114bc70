// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package config holds the homeserver's YAML-sourced configuration tree:
// one top-level Dendrite struct composing a Global section shared by every
// component plus one section per component package.
package config

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// Path is a filesystem path read from config, kept as its own type so
// relative/absolute resolution has one obvious place to live.
type Path string

// DataSource is a database connection string (postgres DSN or sqlite3 file: URI).
type DataSource string

// FileSizeBytes is a byte count read from config.
type FileSizeBytes int64

// ThumbnailSize is one pre-generated media thumbnail dimension (mediaapi).
type ThumbnailSize struct {
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	ResizeMethod string `yaml:"method,omitempty"`
}

// DefaultOpts controls how much of the default configuration generator
// fills in, used by config.Defaults(DefaultOpts{...}) and by tests that
// construct a minimal config without reading a YAML file.
type DefaultOpts struct {
	Generate       bool
	SingleDatabase bool
}

// ConfigErrors accumulates config validation failures so Verify can report
// every problem in one pass instead of stopping at the first.
type ConfigErrors []string

func (e *ConfigErrors) Add(message string) {
	*e = append(*e, message)
}

func (e ConfigErrors) Error() string {
	return strings.Join(e, "\n")
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("config key %q must be positive, got %d", key, value))
	}
}

// DatabaseOptions configures one component's database connection, either a
// postgres DSN (lib/pq) or a sqlite3 file: URI (mattn/go-sqlite3), in a
// single struct shared by both dialects.
type DatabaseOptions struct {
	ConnectionString       DataSource `yaml:"connection_string"`
	MaxOpenConnections      int        `yaml:"max_open_conns"`
	MaxIdleConnections      int        `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int        `yaml:"conn_max_lifetime_seconds"`
}

func (d *DatabaseOptions) Defaults() {
	if d.MaxOpenConnections == 0 {
		d.MaxOpenConnections = 90
	}
	if d.MaxIdleConnections == 0 {
		d.MaxIdleConnections = 5
	}
	if d.ConnMaxLifetimeSeconds == 0 {
		d.ConnMaxLifetimeSeconds = 300
	}
}

// Derived holds values computed from the rest of the config at load time
// rather than read directly from YAML (the resolved application service
// list).
type Derived struct {
	ApplicationServices []ApplicationService
	Registered          bool
}

// ApplicationService is one parsed `registration.yaml` entry (Application
// Service API), kept as supporting infrastructure for bridges.
type ApplicationService struct {
	ID              string                          `yaml:"id"`
	URL             string                          `yaml:"url"`
	ASToken         string                          `yaml:"as_token"`
	HSToken         string                          `yaml:"hs_token"`
	SenderLocalpart string                          `yaml:"sender_localpart"`
	RateLimited     bool                             `yaml:"rate_limited"`
	Protocols       []string                        `yaml:"protocols"`
	NamespaceMap    map[string][]ApplicationServiceNamespace `yaml:"namespaces"`
}

// ApplicationServiceNamespace is one regex namespace claim inside an
// ApplicationService registration.
type ApplicationServiceNamespace struct {
	Exclusive      bool   `yaml:"exclusive"`
	Regex          string `yaml:"regex"`
	GroupID        string `yaml:"group_id"`
}

// MSCs lists experimental Matrix Spec Change flags this homeserver has
// opted into (e.g. "msc4186" for sliding sync).
type MSCs struct {
	MSCs []string `yaml:"mscs"`
}

func (c *MSCs) Enabled(msc string) bool {
	for _, m := range c.MSCs {
		if m == msc {
			return true
		}
	}
	return false
}

// Logging configures the structured (logrus) logger.
type Logging struct {
	Level string `yaml:"level"`
	Format string `yaml:"format"`
}

// Metrics configures the Prometheus metrics endpoint.
type Metrics struct {
	Enabled  bool   `yaml:"enabled"`
	BasicAuth struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"basic_auth"`
}

// Tracing configures the Jaeger span exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
}

// Global holds configuration shared by every component: server identity,
// signing keys, the JetStream bus, and cross-cutting knobs like partial
// state joins and the NATS/database defaults every component inherits
// unless it overrides them.
type Global struct {
	ServerName spec.ServerName `yaml:"server_name"`
	PrivateKeyPath Path   `yaml:"private_key"`
	PrivateKey     interface{} `yaml:"-"`
	KeyID          string `yaml:"-"`

	// Extra names this homeserver also answers to, for virtual hosting.
	VirtualHosts []*VirtualHost `yaml:"-"`

	JetStream JetStream `yaml:"jetstream"`

	DatabaseOptions DatabaseOptions `yaml:"database"`

	Logging []Logging `yaml:"logging"`
	Metrics Metrics    `yaml:"metrics"`
	Tracing Tracing    `yaml:"tracing"`

	// DisableFederation stops outbound federation traffic entirely; used
	// by single-server test/demo deployments.
	DisableFederation bool `yaml:"disable_federation"`

	// ReportStats opts into anonymous usage reporting.
	ReportStats struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"report_stats"`

	// Enables partial-state ("faster") joins.
	PartialStateJoinsEnabled bool `yaml:"-"`
}

// VirtualHost is an additional server_name this homeserver accepts
// federation traffic for, with its own signing key.
type VirtualHost struct {
	ServerName spec.ServerName `yaml:"server_name"`
	KeyID      string          `yaml:"-"`
	PrivateKey interface{}     `yaml:"-"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	c.DatabaseOptions.Defaults()
	c.JetStream.Defaults(opts)
	if opts.Generate {
		c.ServerName = "localhost"
	}
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
}

// IsLocalServerName reports whether serverName is this homeserver's own
// name or one of its configured virtual hosts.
func (c *Global) IsLocalServerName(serverName spec.ServerName) bool {
	if serverName == c.ServerName {
		return true
	}
	for _, vh := range c.VirtualHosts {
		if vh.ServerName == serverName {
			return true
		}
	}
	return false
}

// SplitID splits a Matrix identifier of the form "@localpart:domain" (or
// "!localpart:domain", "#localpart:domain") into its two halves.
func SplitID(sigil byte, id string) (string, spec.ServerName, error) {
	if len(id) == 0 || id[0] != sigil {
		return "", "", fmt.Errorf("config: identifier %q missing sigil %q", id, sigil)
	}
	idx := strings.IndexByte(id, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("config: identifier %q missing domain", id)
	}
	return id[1:idx], spec.ServerName(id[idx+1:]), nil
}

// Dendrite is the top-level config tree loaded from YAML, one section per
// component package plus the shared Global section.
type Dendrite struct {
	Version int `yaml:"version"`

	Global Global `yaml:"global"`

	ClientAPI     ClientAPI     `yaml:"client_api"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	RoomServer    RoomServer    `yaml:"room_server"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
	UserAPI       UserAPI       `yaml:"user_api"`
	KeyServer     KeyServer     `yaml:"key_server"`
	MediaAPI      MediaAPI      `yaml:"media_api"`
	AppServiceAPI AppServiceAPI `yaml:"app_service_api"`

	MSCs MSCs `yaml:"mscs"`

	Derived Derived `yaml:"-"`
}

// Defaults fills in every component section, wiring each section's Matrix
// pointer back to the shared Global so components never need a second
// config-loading pass.
func (c *Dendrite) Defaults(opts DefaultOpts) {
	c.Global.Defaults(opts)
	c.ClientAPI.Matrix = &c.Global
	c.FederationAPI.Matrix = &c.Global
	c.RoomServer.Matrix = &c.Global
	c.SyncAPI.Matrix = &c.Global
	c.UserAPI.Matrix = &c.Global
	c.KeyServer.Matrix = &c.Global
	c.MediaAPI.Matrix = &c.Global
	c.AppServiceAPI.Matrix = &c.Global
	c.ClientAPI.Derived = &c.Derived

	c.ClientAPI.Defaults(opts)
	c.FederationAPI.Defaults(opts)
	c.RoomServer.Defaults(opts)
	c.SyncAPI.Defaults(opts)
	c.UserAPI.Defaults(opts)
	c.KeyServer.Defaults(opts)
	c.MediaAPI.Defaults(opts)
	c.AppServiceAPI.Defaults(opts)
}

func (c *Dendrite) Verify(configErrs *ConfigErrors) {
	c.Global.Verify(configErrs)
	c.ClientAPI.Verify(configErrs)
	c.FederationAPI.Verify(configErrs)
	c.RoomServer.Verify(configErrs)
	c.SyncAPI.Verify(configErrs)
	c.UserAPI.Verify(configErrs)
	c.KeyServer.Verify(configErrs)
	c.MediaAPI.Verify(configErrs)
	c.AppServiceAPI.Verify(configErrs)
}

// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

// JetStream configures the internal NATS JetStream bus every component
// uses to publish/consume room events, receipts, notifications and
// device-list updates, built on nats-io/nats.go.
type JetStream struct {
	// Addresses of existing NATS servers to connect to. If empty, an
	// embedded NATS server is started using StoragePath as its JetStream
	// storage directory.
	Addresses []string `yaml:"addresses"`

	// StoragePath is where the embedded NATS server persists streams.
	StoragePath Path `yaml:"storage_path"`

	// TopicPrefix namespaces subjects/durables so multiple homeservers
	// can share one NATS deployment without colliding.
	TopicPrefix string `yaml:"topic_prefix"`

	// DisableTLSValidation allows self-signed certs when dialing a
	// remote NATS deployment, for tests.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.StoragePath = "./jetstream"
		c.TopicPrefix = "Dendrite"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "Dendrite"
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {}

// Prefixed namespaces a bare subject name (e.g. jetstream.OutputRoomEvent)
// with this deployment's topic prefix.
func (c *JetStream) Prefixed(subject string) string {
	return c.TopicPrefix + subject
}

// Durable namespaces a consumer's durable name the same way, so restarting
// a component resumes the same JetStream consumer instead of creating a
// second one.
func (c *JetStream) Durable(name string) string {
	return c.TopicPrefix + name
}

// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/canopy-foundation/canopy/wire"
)

// Policy selects how messages of a type are delivered to a surface.
type Policy string

const (
	// PolicyDirect delivers every message individually, in order.
	PolicyDirect Policy = "direct"

	// PolicySuppress keeps only the latest value per (surface, type)
	// while the destination is backed up. Intermediate values a slow
	// surface could never render are dropped.
	PolicySuppress Policy = "suppress"

	// PolicyBatch accumulates messages per (surface, type) and flushes
	// them as one ordered canopy.batch frame on the batch interval or
	// when the batch reaches its size cap.
	PolicyBatch Policy = "batch"
)

// RoleConfig declares one surface role the supervisor may run.
type RoleConfig struct {
	// Role is the role key: "primary" or a secondary kind.
	Role string `yaml:"role"`

	// Command is the argv that starts a surface process for this role.
	Command []string `yaml:"command"`

	// Recoverable marks the role for automatic recreation after an
	// unexpected termination. Meaningless on the primary, whose death
	// always shuts the application down.
	Recoverable bool `yaml:"recoverable"`

	// MultiInstance allows several live surfaces of this role at once.
	// Each EnsureSurface call creates a new instance.
	MultiInstance bool `yaml:"multi_instance"`

	// SpawnRetries is how many additional spawn attempts follow a
	// failed spawn or handshake before the creation fails. Zero means
	// DefaultSpawnRetries; use -1 for no retries.
	SpawnRetries int `yaml:"spawn_retries"`
}

// TypeConfig declares one application message type.
type TypeConfig struct {
	// Name is the namespaced type name, e.g. "debug.breakpoint_added".
	Name string `yaml:"name"`

	// Tag is the wire tag. Must be at or above wire.ApplicationTagBase
	// and unique.
	Tag uint16 `yaml:"tag"`

	// Policy selects delivery behavior. Empty means PolicyDirect.
	Policy Policy `yaml:"policy"`

	// Resync marks the type for replay after crash recovery: the last
	// value sent per role is re-sent to a recreated surface so it can
	// rebuild its view.
	Resync bool `yaml:"resync"`
}

// RouteConfig is one static routing-table entry: messages of Type with
// no explicit target go to every live surface of the listed roles.
type RouteConfig struct {
	Type         string   `yaml:"type"`
	Destinations []string `yaml:"destinations"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// TimeoutConfig bounds the supervisor's timed waits. Zero fields select
// the defaults below.
type TimeoutConfig struct {
	// Handshake bounds the spawn-to-surface.ready window.
	Handshake Duration `yaml:"handshake"`

	// Drain bounds queue flushing when a surface is closed.
	Drain Duration `yaml:"drain"`

	// BatchInterval is the flush cadence for batched and suppressed
	// messages.
	BatchInterval Duration `yaml:"batch_interval"`
}

// Timed-wait and sizing defaults.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultDrainTimeout     = time.Second
	DefaultBatchInterval    = 16 * time.Millisecond
	DefaultBatchMaxItems    = 64
	DefaultSpawnRetries     = 2
)

// Config is the supervisor's full configuration, normally loaded from a
// YAML file.
type Config struct {
	// Roles lists every surface role this application can run. Exactly
	// one entry must be the primary.
	Roles []RoleConfig `yaml:"roles"`

	// MessageTypes lists the application message types and their
	// delivery policies.
	MessageTypes []TypeConfig `yaml:"message_types"`

	// Routes is the static routing table for untargeted messages.
	Routes []RouteConfig `yaml:"routes"`

	// Timeouts bounds the supervisor's timed waits.
	Timeouts TimeoutConfig `yaml:"timeouts"`

	// BatchMaxItems caps a batch before the interval elapses. Zero
	// means DefaultBatchMaxItems.
	BatchMaxItems int `yaml:"batch_max_items"`

	// QueueSize bounds each surface's outbound queue. Zero selects the
	// surface package default.
	QueueSize int `yaml:"queue_size"`

	// LayoutPath is where the surface layout is persisted. Empty
	// disables persistence.
	LayoutPath string `yaml:"layout_path"`

	// Compression names the payload compression for large frames:
	// "none", "lz4", or "zstd". Empty means none.
	Compression string `yaml:"compression"`

	// CompressionThreshold is the minimum payload size, in bytes, that
	// gets compressed.
	CompressionThreshold int `yaml:"compression_threshold"`
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var config Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration's internal consistency: exactly one
// primary role, parseable unique role keys, well-formed message types,
// and routes that reference declared types and roles.
func (c *Config) Validate() error {
	if len(c.Roles) == 0 {
		return fmt.Errorf("no roles configured")
	}

	primaries := 0
	roleKeys := make(map[string]bool, len(c.Roles))
	for _, role := range c.Roles {
		parsed, err := wire.ParseRole(role.Role)
		if err != nil {
			return fmt.Errorf("role %q: %w", role.Role, err)
		}
		if roleKeys[role.Role] {
			return fmt.Errorf("role %q declared twice", role.Role)
		}
		roleKeys[role.Role] = true
		if parsed.IsPrimary() {
			primaries++
			if role.MultiInstance {
				return fmt.Errorf("primary role cannot be multi-instance")
			}
			if role.Recoverable {
				return fmt.Errorf("primary role cannot be recoverable: primary termination shuts the application down")
			}
		}
		if len(role.Command) == 0 {
			return fmt.Errorf("role %q: no command configured", role.Role)
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary role required, found %d", primaries)
	}

	typeNames := make(map[string]bool, len(c.MessageTypes))
	tags := make(map[uint16]string, len(c.MessageTypes))
	for _, messageType := range c.MessageTypes {
		if messageType.Name == "" {
			return fmt.Errorf("message type with empty name")
		}
		if typeNames[messageType.Name] {
			return fmt.Errorf("message type %q declared twice", messageType.Name)
		}
		typeNames[messageType.Name] = true
		if messageType.Tag < wire.ApplicationTagBase {
			return fmt.Errorf("message type %q: tag 0x%04x is below the application range (0x%04x)", messageType.Name, messageType.Tag, wire.ApplicationTagBase)
		}
		if existing, ok := tags[messageType.Tag]; ok {
			return fmt.Errorf("message types %q and %q share tag 0x%04x", existing, messageType.Name, messageType.Tag)
		}
		tags[messageType.Tag] = messageType.Name
		switch messageType.Policy {
		case "", PolicyDirect, PolicySuppress, PolicyBatch:
		default:
			return fmt.Errorf("message type %q: unknown policy %q", messageType.Name, messageType.Policy)
		}
	}

	routedTypes := make(map[string]bool, len(c.Routes))
	for _, route := range c.Routes {
		if !typeNames[route.Type] {
			return fmt.Errorf("route for undeclared message type %q", route.Type)
		}
		if routedTypes[route.Type] {
			return fmt.Errorf("message type %q routed twice", route.Type)
		}
		routedTypes[route.Type] = true
		if len(route.Destinations) == 0 {
			return fmt.Errorf("route for %q has no destinations", route.Type)
		}
		for _, destination := range route.Destinations {
			if !roleKeys[destination] {
				return fmt.Errorf("route for %q: destination role %q not configured", route.Type, destination)
			}
		}
	}

	switch c.Compression {
	case "", "none", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown compression %q", c.Compression)
	}

	return nil
}

// buildRegistry returns a wire.Registry holding the control types plus
// every configured application type.
func (c *Config) buildRegistry() (*wire.Registry, error) {
	registry := wire.NewRegistry()
	for _, messageType := range c.MessageTypes {
		if err := registry.Register(messageType.Name, messageType.Tag); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildCodec returns the wire codec shared by every surface channel.
func (c *Config) buildCodec() (*wire.Codec, error) {
	registry, err := c.buildRegistry()
	if err != nil {
		return nil, err
	}
	compression := wire.CompressionNone
	if c.Compression != "" && c.Compression != "none" {
		compression, err = wire.ParseCompressionTag(c.Compression)
		if err != nil {
			return nil, err
		}
	}
	return &wire.Codec{
		Registry:             registry,
		Compression:          compression,
		CompressionThreshold: c.CompressionThreshold,
	}, nil
}

// roleConfig returns the configuration for a role key.
func (c *Config) roleConfig(key string) (RoleConfig, bool) {
	for _, role := range c.Roles {
		if role.Role == key {
			return role, true
		}
	}
	return RoleConfig{}, false
}

// typeConfig returns the configuration for a message type name.
func (c *Config) typeConfig(name string) (TypeConfig, bool) {
	for _, messageType := range c.MessageTypes {
		if messageType.Name == name {
			return messageType, true
		}
	}
	return TypeConfig{}, false
}

// policyFor returns the delivery policy for a message type. Unconfigured
// types (control types included) are direct.
func (c *Config) policyFor(name string) Policy {
	if messageType, ok := c.typeConfig(name); ok && messageType.Policy != "" {
		return messageType.Policy
	}
	return PolicyDirect
}

// routeFor returns the static destinations for a message type and
// whether the type has a routing-table entry at all.
func (c *Config) routeFor(name string) ([]string, bool) {
	for _, route := range c.Routes {
		if route.Type == name {
			return route.Destinations, true
		}
	}
	return nil, false
}

// handshakeTimeout returns the configured handshake window or its
// default.
func (c *Config) handshakeTimeout() time.Duration {
	if c.Timeouts.Handshake > 0 {
		return time.Duration(c.Timeouts.Handshake)
	}
	return DefaultHandshakeTimeout
}

// drainTimeout returns the configured drain window or its default.
func (c *Config) drainTimeout() time.Duration {
	if c.Timeouts.Drain > 0 {
		return time.Duration(c.Timeouts.Drain)
	}
	return DefaultDrainTimeout
}

// batchInterval returns the configured flush cadence or its default.
func (c *Config) batchInterval() time.Duration {
	if c.Timeouts.BatchInterval > 0 {
		return time.Duration(c.Timeouts.BatchInterval)
	}
	return DefaultBatchInterval
}

// batchMaxItems returns the configured batch cap or its default.
func (c *Config) batchMaxItems() int {
	if c.BatchMaxItems > 0 {
		return c.BatchMaxItems
	}
	return DefaultBatchMaxItems
}

// spawnRetries resolves a role's retry budget.
func (r RoleConfig) spawnRetries() int {
	switch {
	case r.SpawnRetries > 0:
		return r.SpawnRetries
	case r.SpawnRetries < 0:
		return 0
	default:
		return DefaultSpawnRetries
	}
}

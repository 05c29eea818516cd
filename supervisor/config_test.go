// Copyright 2026 The Canopy Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopy.yaml")
	contents := `
roles:
  - role: primary
    command: ["canopy-editor"]
  - role: debug
    command: ["canopy-debug", "--attach"]
    recoverable: true
  - role: floating
    command: ["canopy-float"]
    multi_instance: true
message_types:
  - name: debug.breakpoint_added
    tag: 0x0100
    resync: true
  - name: editor.cursor_moved
    tag: 0x0101
    policy: batch
routes:
  - type: debug.breakpoint_added
    destinations: [debug]
timeouts:
  handshake: 2s
  batch_interval: 8ms
layout_path: /tmp/canopy/layout.cbor
compression: zstd
compression_threshold: 4096
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	config, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(config.Roles) != 3 || config.Roles[1].Role != "debug" || !config.Roles[1].Recoverable {
		t.Fatalf("roles = %+v", config.Roles)
	}
	if got, _ := config.typeConfig("debug.breakpoint_added"); got.Tag != 0x0100 || !got.Resync {
		t.Fatalf("breakpoint type = %+v", got)
	}
	if config.policyFor("editor.cursor_moved") != PolicyBatch {
		t.Fatalf("cursor policy = %q", config.policyFor("editor.cursor_moved"))
	}
	if config.handshakeTimeout() != 2*time.Second {
		t.Fatalf("handshake = %v", config.handshakeTimeout())
	}
	if config.Timeouts.BatchInterval != Duration(8*time.Millisecond) {
		t.Fatalf("batch interval = %v", config.Timeouts.BatchInterval)
	}
	// Unset fields fall back to defaults.
	if config.drainTimeout() != DefaultDrainTimeout {
		t.Fatalf("drain = %v", config.drainTimeout())
	}
	if config.batchMaxItems() != DefaultBatchMaxItems {
		t.Fatalf("batch max = %d", config.batchMaxItems())
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canopy.yaml")
	contents := `
roles:
  - role: primary
    command: ["canopy-editor"]
    restart_policy: always
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted an unknown field")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := testConfig()
	if err := valid.Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no roles",
			mutate:  func(c *Config) { c.Roles = nil },
			wantErr: "no roles",
		},
		{
			name: "no primary",
			mutate: func(c *Config) {
				c.Roles = c.Roles[1:]
				c.Routes = nil
			},
			wantErr: "exactly one primary",
		},
		{
			name: "two primaries",
			mutate: func(c *Config) {
				c.Roles = append(c.Roles, RoleConfig{Role: "primary", Command: []string{"x"}})
			},
			wantErr: "declared twice",
		},
		{
			name: "unknown role kind",
			mutate: func(c *Config) {
				c.Roles = append(c.Roles, RoleConfig{Role: "sidebar", Command: []string{"x"}})
			},
			wantErr: "unknown surface role",
		},
		{
			name: "recoverable primary",
			mutate: func(c *Config) {
				c.Roles[0].Recoverable = true
			},
			wantErr: "cannot be recoverable",
		},
		{
			name: "multi-instance primary",
			mutate: func(c *Config) {
				c.Roles[0].MultiInstance = true
			},
			wantErr: "cannot be multi-instance",
		},
		{
			name: "role without command",
			mutate: func(c *Config) {
				c.Roles[1].Command = nil
			},
			wantErr: "no command",
		},
		{
			name: "tag below application range",
			mutate: func(c *Config) {
				c.MessageTypes[0].Tag = 0x0004
			},
			wantErr: "below the application range",
		},
		{
			name: "duplicate tag",
			mutate: func(c *Config) {
				c.MessageTypes[1].Tag = c.MessageTypes[0].Tag
			},
			wantErr: "share tag",
		},
		{
			name: "duplicate type name",
			mutate: func(c *Config) {
				c.MessageTypes[1].Name = c.MessageTypes[0].Name
			},
			wantErr: "declared twice",
		},
		{
			name: "unknown policy",
			mutate: func(c *Config) {
				c.MessageTypes[0].Policy = "sometimes"
			},
			wantErr: "unknown policy",
		},
		{
			name: "route for undeclared type",
			mutate: func(c *Config) {
				c.Routes[0].Type = "editor.saved"
			},
			wantErr: "undeclared message type",
		},
		{
			name: "route to unconfigured role",
			mutate: func(c *Config) {
				c.Routes[0].Destinations = []string{"terminal"}
			},
			wantErr: "not configured",
		},
		{
			name: "route without destinations",
			mutate: func(c *Config) {
				c.Routes[0].Destinations = nil
			},
			wantErr: "no destinations",
		},
		{
			name: "duplicate route",
			mutate: func(c *Config) {
				c.Routes = append(c.Routes, c.Routes[0])
			},
			wantErr: "routed twice",
		},
		{
			name: "unknown compression",
			mutate: func(c *Config) {
				c.Compression = "brotli"
			},
			wantErr: "unknown compression",
		},
	}

	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			config := testConfig()
			testCase.mutate(&config)
			err := config.Validate()
			if err == nil {
				t.Fatal("Validate accepted the broken config")
			}
			if !strings.Contains(err.Error(), testCase.wantErr) {
				t.Fatalf("error %q does not contain %q", err, testCase.wantErr)
			}
		})
	}
}

func TestRoleSpawnRetries(t *testing.T) {
	if got := (RoleConfig{}).spawnRetries(); got != DefaultSpawnRetries {
		t.Fatalf("default retries = %d", got)
	}
	if got := (RoleConfig{SpawnRetries: 5}).spawnRetries(); got != 5 {
		t.Fatalf("explicit retries = %d", got)
	}
	if got := (RoleConfig{SpawnRetries: -1}).spawnRetries(); got != 0 {
		t.Fatalf("disabled retries = %d", got)
	}
}

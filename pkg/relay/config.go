// Copyright 2025-2026 ForwardX Labs
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// DatabaseConfig points at the SQLite file backing mappings, pairs,
// sessions, rules and the activity feed.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	// ListenAddr is the bind address, e.g. ":29400". Empty disables the API.
	ListenAddr string `yaml:"listen_addr"`
	// Token, when set, is required as a Bearer token on every request.
	Token string `yaml:"token"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	// Pretty switches from JSON to console output.
	Pretty bool `yaml:"pretty"`
}

// SessionConfig describes one provisioned source identity.
type SessionConfig struct {
	ID          string `yaml:"id"`
	IdentityRef string `yaml:"identity_ref"`
	// FeedURL is the websocket endpoint delivering this identity's source
	// events.
	FeedURL string `yaml:"feed_url"`
	// FeedToken, when set, is sent as a Bearer token on the feed handshake.
	FeedToken string `yaml:"feed_token"`
}

// PairConfig describes one source-to-destination forwarding link.
type PairConfig struct {
	ID          string `yaml:"id"`
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	// Cleaning overrides the top-level cleaning defaults for this pair.
	Cleaning *CleaningConfig `yaml:"cleaning"`
}

// MattermostConfig configures the Mattermost destination adapter.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
}

// MatrixConfig configures the Matrix destination adapter.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`
}

// DestinationsConfig enables the destination adapters. A destination ref of
// the form "scheme:channel" resolves against the adapter registered for its
// scheme: "mattermost:<channel-id>", "matrix:<room-id>",
// "webhook:<https-url>".
type DestinationsConfig struct {
	Mattermost *MattermostConfig `yaml:"mattermost"`
	Matrix     *MatrixConfig     `yaml:"matrix"`
	// WebhookEnabled turns on the generic webhook adapter; it needs no
	// credentials since the target URL is in the destination ref.
	WebhookEnabled bool `yaml:"webhook_enabled"`
}

// Config is the full service configuration.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Admin        AdminConfig        `yaml:"admin"`
	Logging      LoggingConfig      `yaml:"logging"`
	Pool         PoolConfig         `yaml:"pool"`
	Retry        RetryConfig        `yaml:"retry"`
	Trap         TrapConfig         `yaml:"trap"`
	Cleaning     CleaningConfig     `yaml:"cleaning"`
	Destinations DestinationsConfig `yaml:"destinations"`
	Sessions     []SessionConfig    `yaml:"sessions"`
	Pairs        []PairConfig       `yaml:"pairs"`
}

func defaultConfig() Config {
	return Config{
		Database: DatabaseConfig{Path: "relay.db"},
		Admin:    AdminConfig{ListenAddr: ":29400"},
		Logging:  LoggingConfig{Level: "info"},
		Pool:     DefaultPoolConfig(),
		Retry:    DefaultRetryConfig(),
		Trap:     DefaultTrapConfig(),
		Cleaning: DefaultCleaningConfig(),
	}
}

// LoadConfig reads, decodes and validates a YAML config file. Defaults are
// applied before decoding, so absent sections keep sane values.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := defaultConfig()
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field consistency: unique IDs, resolvable
// destination schemes, compilable cleaning patterns.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Sessions) == 0 {
		return fmt.Errorf("at least one session is required")
	}

	sessionIDs := make(map[string]struct{}, len(c.Sessions))
	for i, sess := range c.Sessions {
		if sess.ID == "" {
			return fmt.Errorf("sessions[%d]: id is required", i)
		}
		if _, dup := sessionIDs[sess.ID]; dup {
			return fmt.Errorf("duplicate session id %q", sess.ID)
		}
		sessionIDs[sess.ID] = struct{}{}
		if sess.FeedURL == "" {
			return fmt.Errorf("session %s: feed_url is required", sess.ID)
		}
	}

	schemes := c.enabledSchemes()
	pairIDs := make(map[string]struct{}, len(c.Pairs))
	for i, pair := range c.Pairs {
		if pair.ID == "" {
			return fmt.Errorf("pairs[%d]: id is required", i)
		}
		if _, dup := pairIDs[pair.ID]; dup {
			return fmt.Errorf("duplicate pair id %q", pair.ID)
		}
		pairIDs[pair.ID] = struct{}{}
		if pair.Source == "" {
			return fmt.Errorf("pair %s: source is required", pair.ID)
		}
		scheme, _, found := strings.Cut(pair.Destination, ":")
		if !found {
			return fmt.Errorf("pair %s: destination must be scheme:ref, got %q", pair.ID, pair.Destination)
		}
		if _, ok := schemes[scheme]; !ok {
			return fmt.Errorf("pair %s: destination scheme %q is not enabled", pair.ID, scheme)
		}
		if pair.Cleaning != nil {
			if _, err := NewCleaner(*pair.Cleaning, zerolog.Nop()); err != nil {
				return fmt.Errorf("pair %s: %w", pair.ID, err)
			}
		}
	}

	if _, err := NewCleaner(c.Cleaning, zerolog.Nop()); err != nil {
		return fmt.Errorf("cleaning: %w", err)
	}

	if c.Destinations.Mattermost != nil && c.Destinations.Mattermost.ServerURL == "" {
		return fmt.Errorf("destinations.mattermost.server_url is required")
	}
	if c.Destinations.Matrix != nil {
		if c.Destinations.Matrix.HomeserverURL == "" {
			return fmt.Errorf("destinations.matrix.homeserver_url is required")
		}
		if c.Destinations.Matrix.UserID == "" {
			return fmt.Errorf("destinations.matrix.user_id is required")
		}
	}

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	return nil
}

func (c *Config) enabledSchemes() map[string]struct{} {
	schemes := make(map[string]struct{})
	if c.Destinations.Mattermost != nil {
		schemes["mattermost"] = struct{}{}
	}
	if c.Destinations.Matrix != nil {
		schemes["matrix"] = struct{}{}
	}
	if c.Destinations.WebhookEnabled {
		schemes["webhook"] = struct{}{}
	}
	return schemes
}

// PairCleaning returns the effective cleaning configuration for a pair.
func (c *Config) PairCleaning(pair PairConfig) CleaningConfig {
	if pair.Cleaning != nil {
		return *pair.Cleaning
	}
	return c.Cleaning
}

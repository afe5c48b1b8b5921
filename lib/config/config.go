// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the master configuration for voxlink.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Listen   ListenConfig   `yaml:"listen"`
	Session  SessionConfig  `yaml:"session"`
	Audio    AudioConfig    `yaml:"audio"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Tools    ToolsConfig    `yaml:"tools"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Services ServicesConfig `yaml:"services"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Per-environment sections, decoded over the base values when
	// Environment matches.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	// State holds the CA, trust store, audit database, and archive.
	State string `yaml:"state"`

	// AdminSocket is the Unix socket for operator commands.
	AdminSocket string `yaml:"admin_socket"`
}

// ListenConfig configures the agent's network listeners.
type ListenConfig struct {
	// Address is the mTLS session listener.
	Address string `yaml:"address"`

	// StatusAddress serves GET /status for wake readiness polling.
	StatusAddress string `yaml:"status_address"`

	// ServerNames become DNS or IP SANs on the agent certificate.
	ServerNames []string `yaml:"server_names"`
}

// SessionConfig configures transport session liveness.
type SessionConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMisses   int           `yaml:"heartbeat_misses"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	OutboundBuffer    int           `yaml:"outbound_buffer"`
	InboundBuffer     int           `yaml:"inbound_buffer"`
}

// AudioConfig configures segment assembly.
type AudioConfig struct {
	// JitterTolerance is how many sequence numbers past the next
	// expected frame may arrive before the segment is declared corrupt.
	JitterTolerance int `yaml:"jitter_tolerance"`

	// GapThreshold closes a segment that has received no frames for
	// this long.
	GapThreshold    time.Duration `yaml:"gap_threshold"`
	MaxSegmentBytes int           `yaml:"max_segment_bytes"`
	MaxOpenSegments int           `yaml:"max_open_segments"`
}

// PipelineConfig configures the command pipeline.
type PipelineConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	ContextWindow       int           `yaml:"context_window"`
	ContextTTL          time.Duration `yaml:"context_ttl"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	TranscribeTimeout   time.Duration `yaml:"transcribe_timeout"`
	TranscribeRetries   int           `yaml:"transcribe_retries"`
	TranscribeBackoff   time.Duration `yaml:"transcribe_backoff"`
	InterpretTimeout    time.Duration `yaml:"interpret_timeout"`
	InterpreterRetry    RetryConfig   `yaml:"interpreter_retry"`
	MaxInFlight         int           `yaml:"max_in_flight"`
}

// RetryConfig configures the interpreter retry queue.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	Backoff   time.Duration `yaml:"backoff"`
	QueueSize int           `yaml:"queue_size"`
}

// ToolsConfig configures the tool router.
type ToolsConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`

	// CatalogFile is an optional JSONC file overriding action timeouts
	// and flags.
	CatalogFile string `yaml:"catalog_file"`

	// ProtectedPaths are directory prefixes under which write_file
	// requires confirmation.
	ProtectedPaths []string `yaml:"protected_paths"`

	// Executor selects "local" (in-process executors) or "remote"
	// (HTTP executors from Services).
	Executor string `yaml:"executor"`
}

// PairingConfig configures the certificate authority.
type PairingConfig struct {
	TicketTTL           time.Duration `yaml:"ticket_ttl"`
	MaxDevices          int           `yaml:"max_devices"`
	MaxAttempts         int           `yaml:"max_attempts"`
	CertificateValidity time.Duration `yaml:"certificate_validity"`
	TrustCacheSize      int           `yaml:"trust_cache_size"`
}

// ServicesConfig locates the external collaborators.
type ServicesConfig struct {
	TranscriberURL     string        `yaml:"transcriber_url"`
	InterpreterURL     string        `yaml:"interpreter_url"`
	BrowserExecutorURL string        `yaml:"browser_executor_url"`
	SystemExecutorURL  string        `yaml:"system_executor_url"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

// ArchiveConfig configures retention of assembled audio segments.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`

	// Compression is "zstd", "lz4", or "none".
	Compression string `yaml:"compression"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// File, when set, receives logs with size-based rotation instead
	// of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
}

// Default returns a configuration with every field populated. Loading a
// file decodes over these values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	state := filepath.Join(homeDir, ".local", "state", "voxlink")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			State:       state,
			AdminSocket: filepath.Join(state, "admin.sock"),
		},
		Listen: ListenConfig{
			Address:       ":8765",
			StatusAddress: ":8766",
			ServerNames:   []string{"localhost", "127.0.0.1"},
		},
		Session: SessionConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMisses:   3,
			HandshakeTimeout:  10 * time.Second,
			OutboundBuffer:    64,
			InboundBuffer:     64,
		},
		Audio: AudioConfig{
			JitterTolerance: 4,
			GapThreshold:    1500 * time.Millisecond,
			MaxSegmentBytes: 4 << 20,
			MaxOpenSegments: 4,
		},
		Pipeline: PipelineConfig{
			ConfidenceThreshold: 0.60,
			ContextWindow:       5,
			ContextTTL:          10 * time.Minute,
			ConfirmationTimeout: 30 * time.Second,
			TranscribeTimeout:   20 * time.Second,
			TranscribeRetries:   2,
			TranscribeBackoff:   time.Second,
			InterpretTimeout:    15 * time.Second,
			InterpreterRetry: RetryConfig{
				Attempts:  3,
				Backoff:   5 * time.Second,
				QueueSize: 16,
			},
			MaxInFlight: 4,
		},
		Tools: ToolsConfig{
			MaxConcurrent: 3,
			MaxRetries:    2,
			RetryBackoff:  time.Second,
			Executor:      "local",
			ProtectedPaths: []string{
				"/etc", "/usr", "/bin", "/sbin", "/boot", "/var",
				filepath.Join(homeDir, ".ssh"),
			},
		},
		Pairing: PairingConfig{
			TicketTTL:           10 * time.Minute,
			MaxDevices:          3,
			MaxAttempts:         5,
			CertificateValidity: 365 * 24 * time.Hour,
			TrustCacheSize:      64,
		},
		Services: ServicesConfig{
			RequestTimeout: 30 * time.Second,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Dir:         filepath.Join(state, "archive"),
			Compression: "zstd",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
		},
	}
}

// Load loads configuration from the file named by VOXLINK_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("VOXLINK_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("VOXLINK_CONFIG environment variable not set; " +
			"set it to the path of your voxlink.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path over [Default], applies the
// section for the configured environment, and expands path variables.
// The result is not validated; callers run [Config.Validate].
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes. See [LoadFile].
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

// applyEnvironmentOverrides decodes the matching environment section
// onto c. yaml.v3 only assigns keys present in the node, so the
// section overrides exactly what it names.
func (c *Config) applyEnvironmentOverrides() error {
	var node *yaml.Node
	switch c.Environment {
	case Development:
		node = &c.Development
	case Staging:
		node = &c.Staging
	case Production:
		node = &c.Production
	}
	if node == nil || node.Kind == 0 {
		return nil
	}

	environment := c.Environment
	if err := node.Decode(c); err != nil {
		return fmt.Errorf("applying %s overrides: %w", environment, err)
	}
	// A section must not switch environments under itself.
	c.Environment = environment
	return nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["VOXLINK_STATE"] = c.Paths.State

	c.Paths.AdminSocket = expandVars(c.Paths.AdminSocket, vars)
	c.Archive.Dir = expandVars(c.Archive.Dir, vars)
	c.Logging.File = expandVars(c.Logging.File, vars)
	c.Tools.CatalogFile = expandVars(c.Tools.CatalogFile, vars)
	for i, path := range c.Tools.ProtectedPaths {
		c.Tools.ProtectedPaths[i] = expandVars(path, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}, checking vars before
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Listen.Address == "" {
		errs = append(errs, fmt.Errorf("listen.address is required"))
	}

	positiveDurations := []struct {
		name  string
		value time.Duration
	}{
		{"session.heartbeat_interval", c.Session.HeartbeatInterval},
		{"session.handshake_timeout", c.Session.HandshakeTimeout},
		{"audio.gap_threshold", c.Audio.GapThreshold},
		{"pipeline.context_ttl", c.Pipeline.ContextTTL},
		{"pipeline.confirmation_timeout", c.Pipeline.ConfirmationTimeout},
		{"pipeline.transcribe_timeout", c.Pipeline.TranscribeTimeout},
		{"pipeline.interpret_timeout", c.Pipeline.InterpretTimeout},
		{"pipeline.interpreter_retry.backoff", c.Pipeline.InterpreterRetry.Backoff},
		{"pairing.ticket_ttl", c.Pairing.TicketTTL},
		{"pairing.certificate_validity", c.Pairing.CertificateValidity},
	}
	for _, field := range positiveDurations {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", field.name, field.value))
		}
	}

	positiveInts := []struct {
		name  string
		value int
	}{
		{"session.heartbeat_misses", c.Session.HeartbeatMisses},
		{"session.outbound_buffer", c.Session.OutboundBuffer},
		{"session.inbound_buffer", c.Session.InboundBuffer},
		{"audio.max_segment_bytes", c.Audio.MaxSegmentBytes},
		{"audio.max_open_segments", c.Audio.MaxOpenSegments},
		{"pipeline.context_window", c.Pipeline.ContextWindow},
		{"pipeline.interpreter_retry.attempts", c.Pipeline.InterpreterRetry.Attempts},
		{"pipeline.interpreter_retry.queue_size", c.Pipeline.InterpreterRetry.QueueSize},
		{"pipeline.max_in_flight", c.Pipeline.MaxInFlight},
		{"tools.max_concurrent", c.Tools.MaxConcurrent},
		{"pairing.max_devices", c.Pairing.MaxDevices},
		{"pairing.max_attempts", c.Pairing.MaxAttempts},
	}
	for _, field := range positiveInts {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}

	if c.Audio.JitterTolerance < 0 {
		errs = append(errs, fmt.Errorf("audio.jitter_tolerance must not be negative"))
	}
	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence_threshold must be in [0, 1], got %v", c.Pipeline.ConfidenceThreshold))
	}
	if c.Tools.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("tools.max_retries must not be negative"))
	}

	if !slices.Contains([]string{"local", "remote"}, c.Tools.Executor) {
		errs = append(errs, fmt.Errorf("tools.executor must be one of: local, remote"))
	}
	if c.Tools.Executor == "remote" && (c.Services.BrowserExecutorURL == "" || c.Services.SystemExecutorURL == "") {
		errs = append(errs, fmt.Errorf("tools.executor remote requires services.browser_executor_url and services.system_executor_url"))
	}

	if !slices.Contains([]string{"zstd", "lz4", "none"}, c.Archive.Compression) {
		errs = append(errs, fmt.Errorf("archive.compression must be one of: zstd, lz4, none"))
	}
	if c.Archive.Enabled && c.Archive.Dir == "" {
		errs = append(errs, fmt.Errorf("archive.dir is required when the archive is enabled"))
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the state and archive directories.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.State, filepath.Dir(c.Paths.AdminSocket)}
	if c.Archive.Enabled {
		paths = append(paths, c.Archive.Dir)
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

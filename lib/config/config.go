// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration fallbacks used when a duration field is empty.
const (
	DefaultUploadTimeout   = 30 * time.Second
	DefaultUploadCooldown  = 15 * time.Second
	DefaultPolicyCacheTTL  = 30 * time.Minute
	DefaultPolicyTimeout   = 10 * time.Second
	DefaultDrainInterval   = 500 * time.Millisecond
	DefaultControlInterval = 30 * time.Second
)

// Config is the master configuration for a beacon collector.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// App identifies the host application to the collection service.
	App AppConfig `yaml:"app"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Upload configures the upload endpoint and batching.
	Upload UploadConfig `yaml:"upload"`

	// Policy configures the policy endpoint and cache.
	Policy PolicyConfig `yaml:"policy"`

	// Queue configures the worker loop.
	Queue QueueConfig `yaml:"queue"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths  *PathsConfig  `yaml:"paths,omitempty"`
	Upload *UploadConfig `yaml:"upload,omitempty"`
	Policy *PolicyConfig `yaml:"policy,omitempty"`
	Queue  *QueueConfig  `yaml:"queue,omitempty"`
}

// AppConfig identifies the host application.
type AppConfig struct {
	// ID names this app's directory under Paths.SharedRoot and is sent
	// to the policy endpoint. Required.
	ID string `yaml:"id"`

	// PackageID is sent as "pkid" in every upload.
	PackageID string `yaml:"package_id"`

	// APIKey authenticates uploads. One of APIKey or PartnerCode is
	// required; APIKey wins when both are set.
	APIKey string `yaml:"api_key"`

	// PartnerCode is sent in place of APIKey by partner integrations.
	PartnerCode string `yaml:"partner_code"`

	// APIVersion is sent as "qcv".
	// Default: 1
	APIVersion string `yaml:"api_version"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for beacon data.
	Root string `yaml:"root"`

	// State holds the event database and the policy cache.
	// Default: ${BEACON_ROOT}/state
	State string `yaml:"state"`

	// SharedRoot is the directory shared by every app on the device
	// for the opt-out decision.
	// Default: ${BEACON_ROOT}/shared
	SharedRoot string `yaml:"shared_root"`
}

// UploadConfig configures uploads.
type UploadConfig struct {
	// Endpoint is the upload URL. Required.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds each upload request.
	// Default: 30s
	Timeout string `yaml:"timeout"`

	// Cooldown is the minimum time between unforced uploads.
	// Default: 15s (development, staging), 60s (production)
	Cooldown string `yaml:"cooldown"`

	// MaxBatchSize bounds the events sent in one request.
	// Default: 100
	MaxBatchSize int `yaml:"max_batch_size"`

	// UploadThreshold triggers an upload once this many events are
	// buffered.
	// Default: 50
	UploadThreshold int `yaml:"upload_threshold"`

	// Compression is the body encoding: none, zstd or lz4.
	// Default: none (development, staging), zstd (production)
	Compression string `yaml:"compression"`
}

// PolicyConfig configures policy retrieval.
type PolicyConfig struct {
	// Endpoint is the policy URL. Required.
	Endpoint string `yaml:"endpoint"`

	// CacheTTL is how long a fetched policy is used before refetching.
	// Default: 30m
	CacheTTL string `yaml:"cache_ttl"`

	// Timeout bounds each policy request.
	// Default: 10s
	Timeout string `yaml:"timeout"`
}

// QueueConfig configures the worker loop.
type QueueConfig struct {
	// DrainInterval is how often the worker wakes without new events.
	// Default: 500ms
	DrainInterval string `yaml:"drain_interval"`

	// ControlRefresh is how often the shared opt-out decision is
	// reread from disk.
	// Default: 30s
	ControlRefresh string `yaml:"control_refresh"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Environment: Development,
		App: AppConfig{
			APIVersion: "1",
		},
		Paths: PathsConfig{
			Root:       filepath.Join(homeDir, ".cache", "beacon"),
			State:      "${BEACON_ROOT}/state",
			SharedRoot: "${BEACON_ROOT}/shared",
		},
		Upload: UploadConfig{
			Timeout:         DefaultUploadTimeout.String(),
			Cooldown:        DefaultUploadCooldown.String(),
			MaxBatchSize:    100,
			UploadThreshold: 50,
			Compression:     "none",
		},
		Policy: PolicyConfig{
			CacheTTL: DefaultPolicyCacheTTL.String(),
			Timeout:  DefaultPolicyTimeout.String(),
		},
		Queue: QueueConfig{
			DrainInterval:  DefaultDrainInterval.String(),
			ControlRefresh: DefaultControlInterval.String(),
		},
	}
}

// Load loads configuration from BEACON_CONFIG environment variable.
//
// There are no fallbacks or defaults - if BEACON_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("BEACON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BEACON_CONFIG environment variable not set; " +
			"set it to the path of your beacon.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. The only expansion
// performed is ${HOME}, ${BEACON_ROOT} and ${VAR:-default} in path
// fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// productionDefaults apply when the file has no production section.
func productionDefaults() *ConfigOverrides {
	return &ConfigOverrides{
		Upload: &UploadConfig{
			Cooldown:    "60s",
			Compression: "zstd",
		},
	}
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		if overrides == nil {
			overrides = productionDefaults()
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		overrideString(&c.Paths.Root, overrides.Paths.Root)
		overrideString(&c.Paths.State, overrides.Paths.State)
		overrideString(&c.Paths.SharedRoot, overrides.Paths.SharedRoot)
	}

	if overrides.Upload != nil {
		overrideString(&c.Upload.Endpoint, overrides.Upload.Endpoint)
		overrideString(&c.Upload.Timeout, overrides.Upload.Timeout)
		overrideString(&c.Upload.Cooldown, overrides.Upload.Cooldown)
		overrideString(&c.Upload.Compression, overrides.Upload.Compression)
		if overrides.Upload.MaxBatchSize != 0 {
			c.Upload.MaxBatchSize = overrides.Upload.MaxBatchSize
		}
		if overrides.Upload.UploadThreshold != 0 {
			c.Upload.UploadThreshold = overrides.Upload.UploadThreshold
		}
	}

	if overrides.Policy != nil {
		overrideString(&c.Policy.Endpoint, overrides.Policy.Endpoint)
		overrideString(&c.Policy.CacheTTL, overrides.Policy.CacheTTL)
		overrideString(&c.Policy.Timeout, overrides.Policy.Timeout)
	}

	if overrides.Queue != nil {
		overrideString(&c.Queue.DrainInterval, overrides.Queue.DrainInterval)
		overrideString(&c.Queue.ControlRefresh, overrides.Queue.ControlRefresh)
	}
}

func overrideString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BEACON_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BEACON_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.SharedRoot = expandVars(c.Paths.SharedRoot, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

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

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var compressionNames = []string{"", "none", "identity", "zstd", "lz4"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.App.ID == "" {
		errs = append(errs, fmt.Errorf("app.id is required"))
	}
	if c.App.APIKey == "" && c.App.PartnerCode == "" {
		errs = append(errs, fmt.Errorf("one of app.api_key or app.partner_code is required"))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.SharedRoot == "" {
		errs = append(errs, fmt.Errorf("paths.shared_root is required"))
	}

	if err := validateEndpoint(c.Upload.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("upload.endpoint: %w", err))
	}
	if err := validateEndpoint(c.Policy.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("policy.endpoint: %w", err))
	}

	if c.Upload.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_batch_size must be positive, got %d", c.Upload.MaxBatchSize))
	}
	if c.Upload.UploadThreshold <= 0 {
		errs = append(errs, fmt.Errorf("upload.upload_threshold must be positive, got %d", c.Upload.UploadThreshold))
	}
	if !contains(compressionNames, c.Upload.Compression) {
		errs = append(errs, fmt.Errorf("upload.compression must be one of: none, zstd, lz4"))
	}

	durations := []struct {
		field string
		value string
	}{
		{"upload.timeout", c.Upload.Timeout},
		{"upload.cooldown", c.Upload.Cooldown},
		{"policy.cache_ttl", c.Policy.CacheTTL},
		{"policy.timeout", c.Policy.Timeout},
		{"queue.drain_interval", c.Queue.DrainInterval},
		{"queue.control_refresh", c.Queue.ControlRefresh},
	}
	for _, duration := range durations {
		if duration.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(duration.value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", duration.field, err))
			continue
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", duration.field, duration.value))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("required")
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("missing host in %q", endpoint)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// parseDuration returns fallback when value is empty or invalid.
// Validate reports invalid values; accessors never fail.
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

// UploadTimeout returns upload.timeout.
func (c *Config) UploadTimeout() time.Duration {
	return parseDuration(c.Upload.Timeout, DefaultUploadTimeout)
}

// UploadCooldown returns upload.cooldown.
func (c *Config) UploadCooldown() time.Duration {
	return parseDuration(c.Upload.Cooldown, DefaultUploadCooldown)
}

// PolicyCacheTTL returns policy.cache_ttl.
func (c *Config) PolicyCacheTTL() time.Duration {
	return parseDuration(c.Policy.CacheTTL, DefaultPolicyCacheTTL)
}

// PolicyTimeout returns policy.timeout.
func (c *Config) PolicyTimeout() time.Duration {
	return parseDuration(c.Policy.Timeout, DefaultPolicyTimeout)
}

// DrainInterval returns queue.drain_interval.
func (c *Config) DrainInterval() time.Duration {
	return parseDuration(c.Queue.DrainInterval, DefaultDrainInterval)
}

// ControlRefreshInterval returns queue.control_refresh.
func (c *Config) ControlRefreshInterval() time.Duration {
	return parseDuration(c.Queue.ControlRefresh, DefaultControlInterval)
}

// DatabasePath returns the event database file under Paths.State.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.State, "events.db")
}

// PolicyCachePath returns the policy cache file under Paths.State.
func (c *Config) PolicyCachePath() string {
	return filepath.Join(c.Paths.State, "policy.cbor")
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.SharedRoot,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// Package config provides project-level configuration for qrb.
// It supports loading configuration from .qrb/config.yaml files with
// proper precedence: CLI flags > project config > defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quickredblazer/qrb/pkg/publish"
)

const (
	// ConfigDir is the directory name for qrb configuration
	ConfigDir = ".qrb"
	// ConfigFile is the name of the configuration file
	ConfigFile = "config.yaml"
	// ConfigPath is the full path to the config file relative to project root
	ConfigPath = ConfigDir + "/" + ConfigFile
)

// Defaults for settings that are not configured.
const (
	DefaultConcurrency    = publish.DefaultConcurrency
	DefaultRequestTimeout = 30 * time.Second
	DefaultListen         = ":4000"
	DefaultAppOrigin      = "http://localhost:8080"
	DefaultBodyLimit      = 5 << 20
	DefaultLogLevel       = "progress"
)

// Environment overrides for the OAuth application.
const (
	ClientIDEnv     = "GITHUB_CLIENT_ID"
	ClientSecretEnv = "GITHUB_CLIENT_SECRET"
)

// ProjectConfig represents the project-level configuration for qrb.
// It provides defaults that can be overridden by CLI flags.
type ProjectConfig struct {
	// APIBaseURL is the GitHub REST API root (GitHub Enterprise, tests)
	APIBaseURL string `yaml:"api_base_url,omitempty"`

	// DefaultBranch is the branch used when a target names none
	DefaultBranch string `yaml:"default_branch,omitempty"`

	// Concurrency bounds parallel content uploads
	Concurrency int `yaml:"concurrency,omitempty"`

	// RequestTimeout bounds each GitHub API call (e.g. "30s")
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`

	// LogLevel is the default log level (debug, info, progress, minimal)
	LogLevel string `yaml:"log_level,omitempty"`

	// CommitMessage is used when a publish carries no message
	CommitMessage string `yaml:"commit_message,omitempty"`

	// MaxFileSize rejects larger files before any upload, in bytes (-1 disables)
	MaxFileSize int64 `yaml:"max_file_size,omitempty"`

	Retry  RetryConfig  `yaml:"retry,omitempty"`
	Server ServerConfig `yaml:"server,omitempty"`
	OAuth  OAuthConfig  `yaml:"oauth,omitempty"`
}

// RetryConfig overrides the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"`
}

// ServerConfig configures the helper HTTP service.
type ServerConfig struct {
	// Listen is the listen address (e.g. ":4000")
	Listen string `yaml:"listen,omitempty"`

	// AppOrigin is the editor origin redirected to after login
	AppOrigin string `yaml:"app_origin,omitempty"`

	// BodyLimit caps push request bodies, in bytes
	BodyLimit int64 `yaml:"body_limit,omitempty"`

	// SecureCookie marks the session cookie Secure (service behind HTTPS)
	SecureCookie bool `yaml:"secure_cookie,omitempty"`
}

// OAuthConfig holds the GitHub OAuth application.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`
}

// Load loads the project configuration from the given directory.
// It searches for .qrb/config.yaml in the directory and its parents.
//
// If no config file is found, it returns a zero config and nil error.
// If a config file is found but cannot be parsed, it returns an error.
func Load(dir string) (*ProjectConfig, error) {
	configPath, err := findConfigPath(dir)
	if err != nil {
		return nil, err
	}
	if configPath == "" {
		return &ProjectConfig{}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return &cfg, nil
}

// LoadFromCurrentDir loads the project configuration from the current working directory.
func LoadFromCurrentDir() (*ProjectConfig, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	return Load(dir)
}

// findConfigPath searches for .qrb/config.yaml in dir and its parent directories.
// It returns the full path to the config file, or empty string if not found.
func findConfigPath(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	for {
		configPath := filepath.Join(absDir, ConfigPath)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}

		parentDir := filepath.Dir(absDir)
		if parentDir == absDir {
			return "", nil
		}
		absDir = parentDir
	}
}

func (c *ProjectConfig) validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Server.BodyLimit < 0 {
		return fmt.Errorf("server.body_limit must not be negative")
	}
	return nil
}

// ResolveString returns the effective value for a string configuration field.
// Precedence: cliValue > configValue > defaultValue.
// Returns the effective value and its source ("cli", "config", or "default").
func (c *ProjectConfig) ResolveString(cliValue, configValue, defaultValue string) (string, string) {
	if cliValue != "" {
		return cliValue, "cli"
	}
	if configValue != "" {
		return configValue, "config"
	}
	return defaultValue, "default"
}

// ResolveLogLevel returns the effective log level and its source.
func (c *ProjectConfig) ResolveLogLevel(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.LogLevel, DefaultLogLevel)
}

// ResolveBranch returns the effective default branch and its source.
func (c *ProjectConfig) ResolveBranch(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.DefaultBranch, publish.DefaultBranch)
}

// ResolveCommitMessage returns the effective commit message and its source.
func (c *ProjectConfig) ResolveCommitMessage(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.CommitMessage, publish.DefaultMessage)
}

// ResolveAPIBaseURL returns the effective API root. An empty default means
// the public GitHub API.
func (c *ProjectConfig) ResolveAPIBaseURL(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.APIBaseURL, "")
}

// ResolveConcurrency returns the effective upload concurrency and its source.
// Non-positive CLI values count as unset.
func (c *ProjectConfig) ResolveConcurrency(cliValue int) (int, string) {
	if cliValue > 0 {
		return cliValue, "cli"
	}
	if c.Concurrency > 0 {
		return c.Concurrency, "config"
	}
	return DefaultConcurrency, "default"
}

// GetRequestTimeout returns the per-call timeout.
func (c *ProjectConfig) GetRequestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return DefaultRequestTimeout
}

// GetMaxFileSize returns the per-file size limit. Negative values disable it.
func (c *ProjectConfig) GetMaxFileSize() int64 {
	switch {
	case c.MaxFileSize < 0:
		return 0
	case c.MaxFileSize > 0:
		return c.MaxFileSize
	default:
		return publish.DefaultMaxFileSize
	}
}

// RetryPolicy merges the configured retry overrides into the default policy.
func (c *ProjectConfig) RetryPolicy() publish.RetryConfig {
	policy := publish.DefaultRetryConfig()
	if c.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = c.Retry.MaxAttempts
	}
	if c.Retry.InitialDelay > 0 {
		policy.InitialDelay = c.Retry.InitialDelay
	}
	if c.Retry.MaxDelay > 0 {
		policy.MaxDelay = c.Retry.MaxDelay
	}
	return policy
}

// ResolveListen returns the effective listen address and its source.
func (c *ProjectConfig) ResolveListen(cliValue string) (string, string) {
	return c.ResolveString(cliValue, c.Server.Listen, DefaultListen)
}

// GetAppOrigin returns the editor origin.
func (c *ProjectConfig) GetAppOrigin() string {
	if c.Server.AppOrigin != "" {
		return c.Server.AppOrigin
	}
	return DefaultAppOrigin
}

// GetBodyLimit returns the push body limit in bytes.
func (c *ProjectConfig) GetBodyLimit() int64 {
	if c.Server.BodyLimit > 0 {
		return c.Server.BodyLimit
	}
	return DefaultBodyLimit
}

// GetOAuthClient returns the OAuth client id and secret. The environment
// takes precedence over the config file.
func (c *ProjectConfig) GetOAuthClient() (clientID, clientSecret string) {
	clientID = c.OAuth.ClientID
	if v := os.Getenv(ClientIDEnv); v != "" {
		clientID = v
	}
	clientSecret = c.OAuth.ClientSecret
	if v := os.Getenv(ClientSecretEnv); v != "" {
		clientSecret = v
	}
	return clientID, clientSecret
}

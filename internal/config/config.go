// Package config provides configuration management for the edge inference
// node. It handles the YAML bootstrap file, environment variable overrides,
// the durable JSON settings store written by backend switches, and the
// read-only device registration document.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/sight-ai/edge-node/internal/constant"
)

// Config represents the node's bootstrap configuration, loaded from a YAML file.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes application logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// RequestLog enables or disables detailed request logging functionality.
	RequestLog bool `yaml:"request-log"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url"`

	// DataDir is the directory holding the task database and request logs.
	DataDir string `yaml:"data-dir"`

	// ManagementKey authenticates callers of the management endpoints.
	// An empty key disables the management surface.
	ManagementKey string `yaml:"management-key"`

	// UsageStatisticsEnabled controls whether usage records are collected.
	UsageStatisticsEnabled bool `yaml:"usage-statistics-enabled"`

	// Tunnel configures the peer link to the gateway mesh.
	Tunnel TunnelConfig `yaml:"tunnel"`

	// Backends configures the two local inference backends.
	Backends BackendConfig `yaml:"backends"`
}

// TunnelConfig configures the gateway tunnel connection.
type TunnelConfig struct {
	// Enabled controls whether the node dials the gateway at startup.
	Enabled bool `yaml:"enabled"`

	// GatewayAddress overrides the address from the device registration file.
	GatewayAddress string `yaml:"gateway-address"`

	// HeartbeatInterval is the seconds between heartbeat reports. Zero means 30.
	HeartbeatInterval int `yaml:"heartbeat-interval"`
}

// BackendConfig configures backend base URLs and the HTTP client budget.
type BackendConfig struct {
	// OllamaURL is the native backend base URL.
	OllamaURL string `yaml:"ollama-url"`

	// VLLMURL is the OpenAI-compatible backend base URL.
	VLLMURL string `yaml:"vllm-url"`

	// RequestTimeout is the per-request budget in milliseconds. Zero means 30000.
	RequestTimeout int `yaml:"request-timeout"`

	// RequestRetries is the retry budget for retryable failures. Zero means 3.
	RequestRetries int `yaml:"request-retries"`

	// Framework selects the default backend ("ollama" or "vllm") when the
	// settings store carries no runtime override.
	Framework string `yaml:"framework"`
}

// Default returns the configuration used when no bootstrap file exists.
func Default() *Config {
	cfg := &Config{
		Port:                   constant.DefaultPort,
		DataDir:                "data",
		UsageStatisticsEnabled: true,
	}
	cfg.Backends.OllamaURL = constant.DefaultOllamaURL
	cfg.Backends.VLLMURL = constant.DefaultVLLMURL
	return cfg
}

// LoadConfig reads a YAML configuration file from the given path, unmarshals
// it into a Config struct, fills defaults, and applies environment variable
// overrides.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.fillDefaults()
	config.ApplyEnv()
	return &config, nil
}

// LoadConfigOrDefault behaves like LoadConfig but falls back to the default
// configuration when the file does not exist.
func LoadConfigOrDefault(configFile string) (*Config, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		if os.IsNotExist(underlying(err)) {
			cfg = Default()
			cfg.ApplyEnv()
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func underlying(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		next := u.Unwrap()
		if next == nil {
			return err
		}
		err = next
	}
}

func (c *Config) fillDefaults() {
	if c.Port == 0 {
		c.Port = constant.DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Backends.OllamaURL == "" {
		c.Backends.OllamaURL = constant.DefaultOllamaURL
	}
	if c.Backends.VLLMURL == "" {
		c.Backends.VLLMURL = constant.DefaultVLLMURL
	}
}

// ApplyEnv applies the environment variable overrides. Environment values
// beat file values for the keys they cover.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("OLLAMA_API_URL"); v != "" {
		c.Backends.OllamaURL = v
	}
	if v := os.Getenv("VLLM_API_URL"); v != "" {
		c.Backends.VLLMURL = v
	}
	if v := os.Getenv("MODEL_REQUEST_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Backends.RequestTimeout = ms
		}
	}
	if v := os.Getenv("MODEL_REQUEST_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Backends.RequestRetries = n
		}
	}
	if v := os.Getenv("MODEL_INFERENCE_FRAMEWORK"); v == constant.Ollama || v == constant.VLLM {
		c.Backends.Framework = v
	}
}

// ApplySettings merges the runtime settings document into the backend
// configuration. Settings values sit between file values and environment
// overrides, so callers re-apply the environment after merging.
func (c *Config) ApplySettings(s *Settings) {
	if s == nil {
		return
	}
	if s.FrameworkConfig.OllamaAPIURL != "" {
		c.Backends.OllamaURL = s.FrameworkConfig.OllamaAPIURL
	}
	if s.FrameworkConfig.VLLMAPIURL != "" {
		c.Backends.VLLMURL = s.FrameworkConfig.VLLMAPIURL
	}
	if s.FrameworkConfig.RequestTimeoutMs > 0 {
		c.Backends.RequestTimeout = s.FrameworkConfig.RequestTimeoutMs
	}
	if s.FrameworkConfig.RequestRetries > 0 {
		c.Backends.RequestRetries = s.FrameworkConfig.RequestRetries
	}
}

// DefaultFramework returns the environment-derived default backend, falling
// back to the native backend when nothing is configured.
func (c *Config) DefaultFramework() string {
	if c.Backends.Framework == constant.VLLM {
		return constant.VLLM
	}
	return constant.Ollama
}

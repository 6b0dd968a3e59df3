package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// storeBackups is how many rotated copies of the settings document are kept.
const storeBackups = 5

// Settings is the durable runtime document persisted at
// <user-config>/sightai/config.json. It survives host-process restarts and
// carries the backend override written by switch operations.
type Settings struct {
	// ClientType is the runtime backend override: "native", "openai_compat",
	// or null when no switch has been performed.
	ClientType *string `json:"clientType"`

	// FrameworkConfig holds per-backend connection settings.
	FrameworkConfig FrameworkSettings `json:"frameworkConfig"`

	// ResourceConfig holds process tuning applied when spawning backends.
	ResourceConfig ResourceSettings `json:"resourceConfig"`

	// GatewayConfig holds tunnel connection settings.
	GatewayConfig GatewaySettings `json:"gatewayConfig"`
}

// FrameworkSettings mirrors the frameworkConfig key of the settings document.
type FrameworkSettings struct {
	OllamaAPIURL     string `json:"ollamaApiUrl,omitempty"`
	VLLMAPIURL       string `json:"vllmApiUrl,omitempty"`
	RequestTimeoutMs int    `json:"requestTimeoutMs,omitempty"`
	RequestRetries   int    `json:"requestRetries,omitempty"`
	DefaultModel     string `json:"defaultModel,omitempty"`
}

// ResourceSettings mirrors the resourceConfig key of the settings document.
type ResourceSettings struct {
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization,omitempty"`
	MaxModelLen          int     `json:"maxModelLen,omitempty"`
	VLLMPort             int     `json:"vllmPort,omitempty"`
	VLLMHost             string  `json:"vllmHost,omitempty"`
	RestartOnFailure     bool    `json:"restartOnFailure,omitempty"`
	MaxRestarts          int     `json:"maxRestarts,omitempty"`
}

// GatewaySettings mirrors the gatewayConfig key of the settings document.
type GatewaySettings struct {
	Address           string `json:"address,omitempty"`
	HeartbeatInterval int    `json:"heartbeatIntervalSeconds,omitempty"`
}

// Store reads and writes the settings document. Writes are atomic
// (write-temp-then-rename) and rotate up to five backup copies.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a settings store at the given path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the settings document location.
func (s *Store) Path() string {
	return s.path
}

// DefaultStorePath resolves the per-user settings document location.
func DefaultStorePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "sightai", "config.json"), nil
}

// Load reads the settings document. A missing file yields zero-valued
// settings, not an error.
func (s *Store) Load() (*Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (*Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var settings Settings
	if err = json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return &settings, nil
}

// Save writes the settings document atomically: marshal to a temp file in
// the same directory, rotate backups of the previous document, then rename
// the temp file into place.
func (s *Store) Save(settings *Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(settings)
}

func (s *Store) saveLocked(settings *Settings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp settings file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp settings file: %w", err)
	}

	s.rotateBackups()
	if err = os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace settings file: %w", err)
	}
	return nil
}

// rotateBackups shifts config.json.bak.N up by one, drops the oldest, and
// copies the current document to .bak.1. Failures are ignored; backups are
// best-effort.
func (s *Store) rotateBackups() {
	if _, err := os.Stat(s.path); err != nil {
		return
	}
	for i := storeBackups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.bak.%d", s.path, i)
		to := fmt.Sprintf("%s.bak.%d", s.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	if data, err := os.ReadFile(s.path); err == nil {
		_ = os.WriteFile(s.path+".bak.1", data, 0o644)
	}
}

// SetClientType persists the backend override under a single lock so
// concurrent switches cannot interleave their read-modify-write cycles.
func (s *Store) SetClientType(clientType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.loadLocked()
	if err != nil {
		return err
	}
	if clientType == "" {
		settings.ClientType = nil
	} else {
		settings.ClientType = &clientType
	}
	return s.saveLocked(settings)
}

// ClientType returns the persisted backend override, or empty when unset.
func (s *Store) ClientType() string {
	settings, err := s.Load()
	if err != nil || settings.ClientType == nil {
		return ""
	}
	return *settings.ClientType
}

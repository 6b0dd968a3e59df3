package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sight-ai/edge-node/internal/constant"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	// Shield the assertions from overrides in the host environment.
	t.Setenv("PORT", "")
	t.Setenv("OLLAMA_API_URL", "")
	t.Setenv("VLLM_API_URL", "")
	t.Setenv("MODEL_INFERENCE_FRAMEWORK", "")

	path := writeConfigFile(t, `
port: 9100
debug: true
management-key: secret
backends:
  ollama-url: http://127.0.0.1:11435
  framework: vllm
tunnel:
  enabled: true
  gateway-address: wss://gateway.example.com/node
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9100 || !cfg.Debug || cfg.ManagementKey != "secret" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Backends.OllamaURL != "http://127.0.0.1:11435" {
		t.Fatalf("unexpected ollama url: %q", cfg.Backends.OllamaURL)
	}
	// Unset keys fill from defaults.
	if cfg.Backends.VLLMURL != constant.DefaultVLLMURL {
		t.Fatalf("expected default vllm url, got %q", cfg.Backends.VLLMURL)
	}
	if cfg.DataDir != "data" {
		t.Fatalf("expected default data dir, got %q", cfg.DataDir)
	}
	if !cfg.Tunnel.Enabled || cfg.Tunnel.GatewayAddress != "wss://gateway.example.com/node" {
		t.Fatalf("unexpected tunnel config: %+v", cfg.Tunnel)
	}
	if cfg.DefaultFramework() != constant.VLLM {
		t.Fatalf("expected vllm default framework, got %q", cfg.DefaultFramework())
	}
}

func TestLoadConfig_EnvBeatsFile(t *testing.T) {
	t.Setenv("PORT", "9200")
	t.Setenv("OLLAMA_API_URL", "http://10.0.0.5:11434")
	t.Setenv("MODEL_INFERENCE_FRAMEWORK", constant.Ollama)

	path := writeConfigFile(t, `
port: 9100
backends:
  ollama-url: http://127.0.0.1:11435
  framework: vllm
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("expected env port override, got %d", cfg.Port)
	}
	if cfg.Backends.OllamaURL != "http://10.0.0.5:11434" {
		t.Fatalf("expected env url override, got %q", cfg.Backends.OllamaURL)
	}
	if cfg.DefaultFramework() != constant.Ollama {
		t.Fatalf("expected env framework override, got %q", cfg.DefaultFramework())
	}
}

func TestLoadConfig_RejectsUnknownFramework(t *testing.T) {
	t.Setenv("MODEL_INFERENCE_FRAMEWORK", "mlx")

	path := writeConfigFile(t, "port: 9100\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Backends.Framework != "" {
		t.Fatalf("expected unrecognized framework to be ignored, got %q", cfg.Backends.Framework)
	}
	if cfg.DefaultFramework() != constant.Ollama {
		t.Fatalf("expected native fallback, got %q", cfg.DefaultFramework())
	}
}

func TestLoadConfigOrDefault(t *testing.T) {
	t.Setenv("PORT", "")

	cfg, err := LoadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for a missing file, got %v", err)
	}
	if cfg.Port != constant.DefaultPort {
		t.Fatalf("expected default port, got %d", cfg.Port)
	}
	if !cfg.UsageStatisticsEnabled {
		t.Fatal("expected usage statistics enabled by default")
	}

	// A present but malformed file is still an error.
	path := writeConfigFile(t, "port: [broken\n")
	if _, err = LoadConfigOrDefault(path); err == nil {
		t.Fatal("expected parse error for malformed file")
	}
}

func TestApplySettings_SitsBetweenFileAndEnv(t *testing.T) {
	cfg := Default()
	cfg.Backends.OllamaURL = "http://file-value:11434"
	cfg.Backends.RequestTimeout = 10000

	settings := &Settings{FrameworkConfig: FrameworkSettings{
		OllamaAPIURL:     "http://settings-value:11434",
		RequestTimeoutMs: 45000,
	}}
	cfg.ApplySettings(settings)

	if cfg.Backends.OllamaURL != "http://settings-value:11434" {
		t.Fatalf("expected settings to beat the file, got %q", cfg.Backends.OllamaURL)
	}
	if cfg.Backends.RequestTimeout != 45000 {
		t.Fatalf("expected settings timeout, got %d", cfg.Backends.RequestTimeout)
	}
	// Unset settings keys leave the file value alone.
	if cfg.Backends.VLLMURL != constant.DefaultVLLMURL {
		t.Fatalf("expected untouched vllm url, got %q", cfg.Backends.VLLMURL)
	}

	t.Setenv("OLLAMA_API_URL", "http://env-value:11434")
	cfg.ApplyEnv()
	if cfg.Backends.OllamaURL != "http://env-value:11434" {
		t.Fatalf("expected env to beat settings, got %q", cfg.Backends.OllamaURL)
	}

	cfg.ApplySettings(nil)
	if cfg.Backends.OllamaURL != "http://env-value:11434" {
		t.Fatal("expected nil settings to be a no-op")
	}
}

func TestStore_LoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"))
	settings, err := store.Load()
	if err != nil {
		t.Fatalf("expected zero settings for a missing file, got %v", err)
	}
	if settings.ClientType != nil {
		t.Fatalf("expected nil clientType, got %v", *settings.ClientType)
	}
}

func TestStore_SaveRotatesBackups(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "config.json"))

	for i := 1; i <= 7; i++ {
		settings := &Settings{FrameworkConfig: FrameworkSettings{RequestRetries: i}}
		if err := store.Save(settings); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	settings, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if settings.FrameworkConfig.RequestRetries != 7 {
		t.Fatalf("expected latest document, got %d", settings.FrameworkConfig.RequestRetries)
	}

	// Seven saves leave the current document plus five rotated copies, the
	// newest first.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	backups := 0
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".bak.") {
			backups++
		}
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %s", entry.Name())
		}
	}
	if backups != storeBackups {
		t.Fatalf("expected %d backups, got %d", storeBackups, backups)
	}

	newest := NewStore(filepath.Join(dir, "config.json.bak.1"))
	prev, err := newest.Load()
	if err != nil {
		t.Fatalf("load backup: %v", err)
	}
	if prev.FrameworkConfig.RequestRetries != 6 {
		t.Fatalf("expected previous document in .bak.1, got %d", prev.FrameworkConfig.RequestRetries)
	}
}

func TestStore_SetClientType(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "config.json"))

	if got := store.ClientType(); got != "" {
		t.Fatalf("expected empty clientType before any switch, got %q", got)
	}

	if err := store.SetClientType(constant.ClientOpenAICompat); err != nil {
		t.Fatalf("set client type: %v", err)
	}
	if got := store.ClientType(); got != constant.ClientOpenAICompat {
		t.Fatalf("expected openai_compat, got %q", got)
	}

	// Other settings keys survive the override write.
	settings, _ := store.Load()
	settings.FrameworkConfig.DefaultModel = "llama3.2:latest"
	if err := store.Save(settings); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.SetClientType(constant.ClientNative); err != nil {
		t.Fatalf("set client type: %v", err)
	}
	settings, _ = store.Load()
	if settings.FrameworkConfig.DefaultModel != "llama3.2:latest" {
		t.Fatalf("expected preserved settings, got %+v", settings.FrameworkConfig)
	}

	if err := store.SetClientType(""); err != nil {
		t.Fatalf("clear client type: %v", err)
	}
	if got := store.ClientType(); got != "" {
		t.Fatalf("expected cleared clientType, got %q", got)
	}
}

func TestLoadDeviceRegistration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device-registration.json")
	if err := os.WriteFile(path, []byte(`{"deviceId":"device-1","deviceName":"bench","gatewayAddress":"wss://gateway.example.com"}`), 0o644); err != nil {
		t.Fatalf("seed registration: %v", err)
	}

	reg, err := LoadDeviceRegistration(path)
	if err != nil {
		t.Fatalf("load registration: %v", err)
	}
	if reg.DeviceID != "device-1" || reg.GatewayAddress != "wss://gateway.example.com" {
		t.Fatalf("unexpected registration: %+v", reg)
	}

	if _, err = LoadDeviceRegistration(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}

	if err = os.WriteFile(path, []byte(`{"deviceName":"no-id"}`), 0o644); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	if _, err = LoadDeviceRegistration(path); err == nil {
		t.Fatal("expected error for registration without deviceId")
	}
}

func TestEphemeralDeviceRegistration(t *testing.T) {
	reg := EphemeralDeviceRegistration()
	if !strings.HasPrefix(reg.DeviceID, "device-") {
		t.Fatalf("unexpected ephemeral id: %q", reg.DeviceID)
	}
	if reg.DeviceName == "" {
		t.Fatal("expected a device name")
	}
	if other := EphemeralDeviceRegistration(); other.DeviceID == reg.DeviceID {
		t.Fatal("expected unique ephemeral ids")
	}
}

// Package cmd assembles and runs the edge node: configuration, storage,
// backend adapters, process supervisors, the task engine, the tunnel link,
// the HTTP server, and the hot-reload watcher.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/sight-ai/edge-node/internal/api"
	"github.com/sight-ai/edge-node/internal/api/handlers"
	"github.com/sight-ai/edge-node/internal/api/handlers/management"
	"github.com/sight-ai/edge-node/internal/client"
	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/logging"
	"github.com/sight-ai/edge-node/internal/registry"
	"github.com/sight-ai/edge-node/internal/runtime"
	"github.com/sight-ai/edge-node/internal/supervisor"
	_ "github.com/sight-ai/edge-node/internal/translator"
	"github.com/sight-ai/edge-node/internal/tunnel"
	"github.com/sight-ai/edge-node/internal/usage"
	"github.com/sight-ai/edge-node/internal/util"
	"github.com/sight-ai/edge-node/internal/watcher"
)

// Finished task records are kept for a day; the janitor sweeps hourly.
const (
	taskRetention     = 24 * time.Hour
	taskPruneInterval = time.Hour
)

// restartExitDelay gives the switch response time to flush before the
// sanctioned self-restart exits the process.
const restartExitDelay = time.Second

// StartService wires every subsystem from the bootstrap configuration and
// blocks until a shutdown signal arrives. configPath feeds the hot-reload
// watcher; it may name a file that does not exist yet.
func StartService(cfg *config.Config, configPath string) {
	util.SetLogLevel(cfg.Debug)
	if errLog := logging.ConfigureLogOutput(cfg.LoggingToFile, "logs"); errLog != nil {
		log.Warnf("failed to configure log output: %v", errLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable runtime settings written by backend switches.
	settingsPath, errSettingsPath := config.DefaultStorePath()
	if errSettingsPath != nil {
		log.Warnf("failed to resolve settings path: %v", errSettingsPath)
	}
	store := config.NewStore(settingsPath)
	settings, errSettings := store.Load()
	if errSettings != nil {
		log.Warnf("failed to load settings store: %v", errSettings)
		settings = &config.Settings{}
	}
	cfg.ApplySettings(settings)
	cfg.ApplyEnv()

	// Task and usage database.
	if errDir := os.MkdirAll(cfg.DataDir, 0o755); errDir != nil {
		log.Fatalf("failed to create data directory %s: %v", cfg.DataDir, errDir)
	}
	db, errOpen := bolt.Open(filepath.Join(cfg.DataDir, "edge-node.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if errOpen != nil {
		log.Fatalf("failed to open node database: %v", errOpen)
	}
	defer func() { _ = db.Close() }()

	// Backend adapters behind the registry.
	reg := registry.NewBackendRegistry(store, cfg.DefaultFramework())
	reg.Register(constant.Ollama, client.NewNativeClient(cfg), registry.PriorityNative)
	reg.Register(constant.VLLM, client.NewOpenAIClient(cfg), registry.PriorityOpenAICompat)
	resolver := registry.NewModelResolver(reg)

	// Backend process supervisors.
	processes := supervisor.NewManager()
	ollamaSup := supervisor.New(supervisor.OllamaCommand(cfg.Backends.OllamaURL), "logs")
	vllmSup := supervisor.New(supervisor.VLLMCommand(cfg.Backends.VLLMURL, settings.FrameworkConfig, settings.ResourceConfig), "logs")
	if settings.ResourceConfig.RestartOnFailure {
		ollamaSup.ConfigureAutoRestart(true, settings.ResourceConfig.MaxRestarts)
		vllmSup.ConfigureAutoRestart(true, settings.ResourceConfig.MaxRestarts)
	}
	processes.Add(ollamaSup)
	processes.Add(vllmSup)

	// Task engine with persisted task records.
	tasks := runtime.NewTaskStore(db)
	engine := runtime.NewEngine(reg, resolver, tasks)
	go pruneTasks(ctx, tasks)

	// Usage accounting. The bolt plugin backs the management totals endpoint
	// even when collection is off; plugins only attach when enabled.
	usageStore := usage.NewBoltPlugin(db)
	if cfg.UsageStatisticsEnabled {
		usage.RegisterPlugin(usage.NewLoggerPlugin())
		usage.RegisterPlugin(usageStore)
		usage.StartDefault(ctx)
	} else {
		log.Info("usage statistics collection disabled")
	}

	// Gateway tunnel.
	identity, registrationPath := loadIdentity(cfg.Tunnel.Enabled)
	tunnels := &tunnelManager{
		ctx:          ctx,
		enabled:      cfg.Tunnel.Enabled,
		proxyURL:     cfg.ProxyURL,
		interval:     time.Duration(heartbeatSeconds(cfg, settings)) * time.Second,
		override:     cfg.Tunnel.GatewayAddress,
		settingsAddr: settings.GatewayConfig.Address,
		identity:     identity,
		engine:       engine,
		registry:     reg,
		resolver:     resolver,
	}
	tunnels.apply()

	// HTTP server and management surface.
	base := handlers.NewBaseHandler(engine, reg, resolver)
	mgmt := management.NewHandler(cfg.ManagementKey, reg, processes, usageStore, tasks, tunnels.current())
	tunnels.onChange = mgmt.SetTunnel
	server := api.NewServer(cfg, base, mgmt)

	// Sanctioned self-restart after a persisted switch: the host process
	// manager brings the node back up on the new backend.
	reg.SetRestartHook(func() {
		log.Info("backend switch requested restart, exiting")
		go func() {
			time.Sleep(restartExitDelay)
			os.Exit(0)
		}()
	})

	go func() {
		log.Infof("starting edge node on port %d (backend %s)", cfg.Port, reg.CurrentFramework())
		if errStart := server.Start(); errStart != nil {
			log.Fatalf("API server failed to start: %v", errStart)
		}
	}()

	fileWatcher := startWatcher(ctx, configPath, store.Path(), registrationPath, settings, server, tunnels)

	// Graceful shutdown.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("received shutdown signal, cleaning up")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if fileWatcher != nil {
		_ = fileWatcher.Stop()
	}
	tunnels.stop()
	if errStop := server.Stop(shutdownCtx); errStop != nil {
		log.Debugf("error stopping API server: %v", errStop)
	}
	processes.StopAll(shutdownCtx)
	usage.StopDefault()
	cancel()
	log.Info("cleanup completed, exiting")
}

// startWatcher wires the hot-reload callbacks: bootstrap config changes are
// applied to the running server, settings and registration changes feed the
// tunnel manager, and backend override changes are logged as restart-bound.
func startWatcher(ctx context.Context, configPath, settingsPath, registrationPath string, settings *config.Settings, server *api.Server, tunnels *tunnelManager) *watcher.Watcher {
	var (
		stateMu         sync.Mutex
		currentSettings = settings
		lastClientType  string
	)
	if settings.ClientType != nil {
		lastClientType = *settings.ClientType
	}

	callbacks := watcher.Callbacks{
		OnConfig: func(newCfg *config.Config) {
			stateMu.Lock()
			merged := currentSettings
			stateMu.Unlock()
			newCfg.ApplySettings(merged)
			newCfg.ApplyEnv()
			server.ApplyConfig(newCfg)
			tunnels.setOverride(newCfg.Tunnel.GatewayAddress)
		},
		OnSettings: func(newSettings *config.Settings) {
			clientType := ""
			if newSettings.ClientType != nil {
				clientType = *newSettings.ClientType
			}
			stateMu.Lock()
			currentSettings = newSettings
			changed := clientType != lastClientType
			lastClientType = clientType
			stateMu.Unlock()
			if changed {
				log.Infof("backend override changed to %q, takes effect on restart", clientType)
			}
			tunnels.setSettingsAddr(newSettings.GatewayConfig.Address)
		},
		OnRegistration: func(reg *config.DeviceRegistration) {
			tunnels.setIdentity(reg)
		},
	}

	fileWatcher, errWatcher := watcher.NewWatcher(configPath, settingsPath, registrationPath, callbacks)
	if errWatcher != nil {
		log.Warnf("failed to create file watcher: %v", errWatcher)
		return nil
	}
	if errStart := fileWatcher.Start(ctx); errStart != nil {
		log.Warnf("failed to start file watcher: %v", errStart)
		return nil
	}
	return fileWatcher
}

// loadIdentity loads the device registration document, falling back to an
// ephemeral identity for unprovisioned nodes. The returned path feeds the
// watcher even when the file does not exist yet.
func loadIdentity(tunnelEnabled bool) (*config.DeviceRegistration, string) {
	path, errPath := config.DeviceRegistrationPath()
	if errPath != nil {
		log.Warnf("failed to resolve device registration path: %v", errPath)
		return config.EphemeralDeviceRegistration(), ""
	}
	identity, errLoad := config.LoadDeviceRegistration(path)
	if errLoad != nil {
		if tunnelEnabled {
			log.Infof("device registration not available (%v), using ephemeral identity", errLoad)
		}
		return config.EphemeralDeviceRegistration(), path
	}
	log.Infof("loaded device registration %s (%s)", identity.DeviceID, identity.DeviceName)
	return identity, path
}

// heartbeatSeconds resolves the heartbeat interval: bootstrap config first,
// then the settings document. Zero lets the tunnel default apply.
func heartbeatSeconds(cfg *config.Config, settings *config.Settings) int {
	if cfg.Tunnel.HeartbeatInterval > 0 {
		return cfg.Tunnel.HeartbeatInterval
	}
	return settings.GatewayConfig.HeartbeatInterval
}

// pruneTasks sweeps finished task records past the retention window.
func pruneTasks(ctx context.Context, tasks *runtime.TaskStore) {
	ticker := time.NewTicker(taskPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := tasks.Prune(taskRetention); removed > 0 {
				log.Debugf("pruned %d finished task records", removed)
			}
		}
	}
}

// tunnelManager owns the tunnel service lifecycle so config, settings, and
// registration reloads can rebuild the link when the resolved gateway
// address changes. The gateway address precedence is bootstrap override,
// then settings document, then device registration.
type tunnelManager struct {
	ctx      context.Context
	enabled  bool
	proxyURL string
	interval time.Duration

	engine   *runtime.Engine
	registry *registry.BackendRegistry
	resolver *registry.ModelResolver
	onChange func(*tunnel.Service)

	mu           sync.Mutex
	override     string
	settingsAddr string
	identity     *config.DeviceRegistration
	service      *tunnel.Service
}

// current returns the live tunnel service, or nil when the link is down.
func (tm *tunnelManager) current() *tunnel.Service {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.service
}

func (tm *tunnelManager) setOverride(address string) {
	tm.mu.Lock()
	changed := tm.override != address
	tm.override = address
	tm.mu.Unlock()
	if changed {
		tm.apply()
	}
}

func (tm *tunnelManager) setSettingsAddr(address string) {
	tm.mu.Lock()
	changed := tm.settingsAddr != address
	tm.settingsAddr = address
	tm.mu.Unlock()
	if changed {
		tm.apply()
	}
}

// setIdentity swaps the device identity. A changed identity always rebuilds
// the link so the gateway sees a fresh registration.
func (tm *tunnelManager) setIdentity(identity *config.DeviceRegistration) {
	if identity == nil {
		return
	}
	tm.mu.Lock()
	tm.identity = identity
	tm.mu.Unlock()
	if tm.enabled {
		log.Infof("device registration updated, rebuilding tunnel for %s", identity.DeviceID)
		tm.rebuild()
	}
}

// resolveURLLocked computes the gateway endpoint from the highest-precedence
// source that carries one.
func (tm *tunnelManager) resolveURLLocked() string {
	if tm.override != "" {
		return tm.override
	}
	if tm.settingsAddr != "" {
		return tm.settingsAddr
	}
	if tm.identity != nil {
		return tm.identity.GatewayAddress
	}
	return ""
}

// apply brings the link in line with the resolved gateway address,
// rebuilding only when the address actually changed.
func (tm *tunnelManager) apply() {
	if !tm.enabled {
		return
	}
	tm.mu.Lock()
	url := tm.resolveURLLocked()
	same := tm.service != nil && tm.service.GatewayURL() == url
	tm.mu.Unlock()
	if same {
		return
	}
	tm.rebuild()
}

// rebuild tears down any existing link and dials the resolved address.
func (tm *tunnelManager) rebuild() {
	tm.mu.Lock()
	old := tm.service
	tm.service = nil
	tm.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	tm.mu.Lock()
	url := tm.resolveURLLocked()
	if url == "" {
		tm.mu.Unlock()
		log.Warn("tunnel enabled but no gateway address is configured")
		tm.notify(nil)
		return
	}
	service := tunnel.NewService(tunnel.Options{
		GatewayURL:        url,
		ProxyURL:          tm.proxyURL,
		HeartbeatInterval: tm.interval,
		Identity:          tm.identity,
	}, tm.engine, tm.registry, tm.resolver)
	tm.service = service
	tm.mu.Unlock()

	log.Infof("connecting tunnel to %s", url)
	service.Start(tm.ctx)
	tm.notify(service)
}

// stop tears the link down for shutdown.
func (tm *tunnelManager) stop() {
	tm.mu.Lock()
	service := tm.service
	tm.service = nil
	tm.mu.Unlock()
	if service != nil {
		service.Stop()
	}
}

func (tm *tunnelManager) notify(service *tunnel.Service) {
	if tm.onChange != nil {
		tm.onChange(service)
	}
}

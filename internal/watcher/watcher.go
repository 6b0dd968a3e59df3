// Package watcher provides file system monitoring for the node's
// configuration documents. It watches the bootstrap config file, the runtime
// settings store, and the device registration document, and reloads state
// when file content actually changes.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/config"
)

// debounceDelay coalesces event bursts for the same file. Editors and
// atomic rename saves produce several events per logical write.
const debounceDelay = 200 * time.Millisecond

// Callbacks receives reloaded documents. A nil field disables the
// corresponding dispatch.
type Callbacks struct {
	// OnConfig is invoked with the re-parsed bootstrap configuration.
	OnConfig func(*config.Config)

	// OnSettings is invoked with the re-parsed runtime settings document.
	OnSettings func(*config.Settings)

	// OnRegistration is invoked with the re-parsed device registration.
	OnRegistration func(*config.DeviceRegistration)
}

// Watcher monitors the configuration documents for content changes.
type Watcher struct {
	configPath       string
	settingsPath     string
	registrationPath string
	callbacks        Callbacks

	watcher *fsnotify.Watcher

	mu         sync.Mutex
	lastHashes map[string]string
	pending    map[string]*time.Timer
}

// NewWatcher creates a watcher over the given documents. Empty paths are
// skipped.
func NewWatcher(configPath, settingsPath, registrationPath string, callbacks Callbacks) (*Watcher, error) {
	fsw, errNewWatcher := fsnotify.NewWatcher()
	if errNewWatcher != nil {
		return nil, errNewWatcher
	}

	return &Watcher{
		configPath:       cleanPath(configPath),
		settingsPath:     cleanPath(settingsPath),
		registrationPath: cleanPath(registrationPath),
		callbacks:        callbacks,
		watcher:          fsw,
		lastHashes:       make(map[string]string),
		pending:          make(map[string]*time.Timer),
	}, nil
}

// Start seeds the content hash cache and begins watching. The parent
// directories are watched rather than the files themselves so that atomic
// write-temp-then-rename saves keep producing events. Directories that do
// not exist yet (an unprovisioned node) are skipped with a warning.
func (w *Watcher) Start(ctx context.Context) error {
	dirs := make(map[string]struct{})
	for _, path := range w.watchedPaths() {
		dirs[filepath.Dir(path)] = struct{}{}
		if data, err := os.ReadFile(path); err == nil {
			w.mu.Lock()
			w.lastHashes[path] = contentHash(data)
			w.mu.Unlock()
		}
	}

	watching := 0
	for dir := range dirs {
		if errAdd := w.watcher.Add(dir); errAdd != nil {
			log.Warnf("failed to watch directory %s: %v", dir, errAdd)
			continue
		}
		log.Debugf("watching directory: %s", dir)
		watching++
	}
	if watching == 0 {
		log.Warn("no configuration directories could be watched, hot reload disabled")
	}

	go w.processEvents(ctx)
	return nil
}

// Stop cancels armed debounce timers and closes the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

// processEvents handles file system events until the context is cancelled.
func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

// handleEvent filters directory events down to the watched documents and
// schedules a debounced reload. Atomic renames surface as Create on the
// target name.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	path := filepath.Clean(event.Name)
	switch path {
	case w.configPath, w.settingsPath, w.registrationPath:
	default:
		return
	}
	log.Debugf("file system event detected: %s %s", event.Op.String(), event.Name)
	w.schedule(path)
}

// schedule arms or resets the debounce timer for one path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(debounceDelay)
		return
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reload(path)
	})
}

// reload re-reads one document, skips unchanged content, and dispatches to
// the matching callback. The hash cache only advances when the reload
// succeeds, so a bad write is retried on the next event.
func (w *Watcher) reload(path string) {
	data, errRead := os.ReadFile(path)
	if errRead != nil {
		log.Errorf("failed to read %s: %v", filepath.Base(path), errRead)
		return
	}
	if len(data) == 0 {
		log.Debugf("ignoring empty write to %s", filepath.Base(path))
		return
	}

	newHash := contentHash(data)
	w.mu.Lock()
	prev := w.lastHashes[path]
	w.mu.Unlock()
	if prev != "" && prev == newHash {
		log.Debugf("content unchanged (hash match), skipping reload: %s", filepath.Base(path))
		return
	}

	var applied bool
	switch path {
	case w.configPath:
		applied = w.reloadConfig()
	case w.settingsPath:
		applied = w.reloadSettings()
	case w.registrationPath:
		applied = w.reloadRegistration()
	}
	if applied {
		w.mu.Lock()
		w.lastHashes[path] = newHash
		w.mu.Unlock()
	}
}

// reloadConfig re-parses the bootstrap configuration file.
func (w *Watcher) reloadConfig() bool {
	cfg, errLoad := config.LoadConfig(w.configPath)
	if errLoad != nil {
		log.Errorf("failed to reload config: %v", errLoad)
		return false
	}
	log.Infof("config file changed, reloading: %s", w.configPath)
	if w.callbacks.OnConfig != nil {
		w.callbacks.OnConfig(cfg)
	}
	return true
}

// reloadSettings re-parses the runtime settings document.
func (w *Watcher) reloadSettings() bool {
	settings, errLoad := config.NewStore(w.settingsPath).Load()
	if errLoad != nil {
		log.Errorf("failed to reload settings store: %v", errLoad)
		return false
	}
	log.Infof("settings store changed, reloading: %s", w.settingsPath)
	if w.callbacks.OnSettings != nil {
		w.callbacks.OnSettings(settings)
	}
	return true
}

// reloadRegistration re-parses the device registration document.
func (w *Watcher) reloadRegistration() bool {
	reg, errLoad := config.LoadDeviceRegistration(w.registrationPath)
	if errLoad != nil {
		log.Errorf("failed to reload device registration: %v", errLoad)
		return false
	}
	log.Infof("device registration changed, reloading: %s", w.registrationPath)
	if w.callbacks.OnRegistration != nil {
		w.callbacks.OnRegistration(reg)
	}
	return true
}

func (w *Watcher) watchedPaths() []string {
	var paths []string
	for _, path := range []string{w.configPath, w.settingsPath, w.registrationPath} {
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

func cleanPath(path string) string {
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Package registry maintains the set of registered backend adapters, their
// health, the current-backend selection, and the dynamic model inventory
// caches. It is the routing authority consulted by every request path.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/config"
	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
)

// healthCacheTTL is how long a health probe result stays fresh.
const healthCacheTTL = 30 * time.Second

// Built-in registration priorities; lower wins.
const (
	PriorityNative       = 10
	PriorityOpenAICompat = 20
)

// Registration is one registered backend adapter.
type Registration struct {
	Adapter      interfaces.Adapter
	Priority     int
	Enabled      bool
	RegisteredAt time.Time
}

// HealthStatus is the cached result of probing one backend.
type HealthStatus struct {
	IsAvailable  bool      `json:"isAvailable"`
	URL          string    `json:"url"`
	Version      string    `json:"version,omitempty"`
	Error        string    `json:"error,omitempty"`
	LastChecked  time.Time `json:"lastChecked"`
	ResponseTime int64     `json:"responseTime,omitempty"`
}

// DetectionResult is the outcome of probing every enabled backend.
type DetectionResult struct {
	Available   []string                 `json:"available"`
	Unavailable []string                 `json:"unavailable"`
	Details     map[string]*HealthStatus `json:"details"`
	Recommended string                   `json:"recommended,omitempty"`
}

// SwitchOptions controls backend switch validation and follow-up.
type SwitchOptions struct {
	// Force skips the availability check entirely.
	Force bool

	// ValidateAvailability requires the target to be currently available.
	ValidateAvailability bool

	// Restart schedules the sanctioned self-restart after the switch persists.
	Restart bool
}

// SwitchResult reports the outcome of a backend switch.
type SwitchResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Backend         string `json:"backend"`
	RequiresRestart bool   `json:"requiresRestart"`
}

// BackendRegistry maps backend identifiers to registrations and owns the
// current-backend override. The mutex guards the maps only; probes and
// other suspending work always happen outside it.
type BackendRegistry struct {
	mu               sync.RWMutex
	entries          map[string]*Registration
	override         string
	defaultFramework string
	store            *config.Store

	healthCache map[string]*HealthStatus
	detectCache *DetectionResult
	detectAt    time.Time
	healthTTL   time.Duration

	restartFn func()
}

// NewBackendRegistry creates a registry backed by the given settings store.
// The persisted clientType override, when present, is loaded immediately.
func NewBackendRegistry(store *config.Store, defaultFramework string) *BackendRegistry {
	r := &BackendRegistry{
		entries:          make(map[string]*Registration),
		defaultFramework: defaultFramework,
		store:            store,
		healthCache:      make(map[string]*HealthStatus),
		healthTTL:        healthCacheTTL,
	}
	if store != nil {
		if clientType := store.ClientType(); clientType != "" {
			r.override = constant.BackendForClientType(clientType)
			log.Infof("registry: restored backend override %q from settings", r.override)
		}
	}
	return r
}

// Register adds or replaces a backend registration.
func (r *BackendRegistry) Register(backend string, adapter interfaces.Adapter, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[backend] = &Registration{
		Adapter:      adapter,
		Priority:     priority,
		Enabled:      true,
		RegisteredAt: time.Now(),
	}
	log.Debugf("registry: registered backend %q at priority %d", backend, priority)
}

// Get returns the adapter registered for a backend.
func (r *BackendRegistry) Get(backend string) (interfaces.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[backend]
	if !ok || !entry.Enabled {
		return nil, false
	}
	return entry.Adapter, true
}

// Backends returns the registered backend identifiers sorted by priority.
func (r *BackendRegistry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return r.entries[names[i]].Priority < r.entries[names[j]].Priority
	})
	return names
}

// CurrentFramework resolves the current backend identifier: runtime override
// first, then the environment-derived default, then the native backend. It
// never returns an unregistered backend when the native adapter is present.
func (r *BackendRegistry) CurrentFramework() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.override != "" {
		if entry, ok := r.entries[r.override]; ok && entry.Enabled {
			return r.override
		}
	}
	if r.defaultFramework != "" {
		if entry, ok := r.entries[r.defaultFramework]; ok && entry.Enabled {
			return r.defaultFramework
		}
	}
	return constant.Ollama
}

// CurrentAdapter returns the adapter for the current backend. Construction
// registers the native adapter unconditionally, so this never returns nil in
// a wired process.
func (r *BackendRegistry) CurrentAdapter() interfaces.Adapter {
	framework := r.CurrentFramework()
	adapter, ok := r.Get(framework)
	if !ok {
		// Fall back to any registered adapter rather than returning nil.
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, entry := range r.entries {
			if entry.Enabled {
				return entry.Adapter
			}
		}
		return nil
	}
	return adapter
}

// HealthStatus returns the cached health of one backend, probing when the
// cache is stale or forceRefresh is set.
func (r *BackendRegistry) HealthStatus(ctx context.Context, backend string, forceRefresh bool) *HealthStatus {
	r.mu.RLock()
	cached, ok := r.healthCache[backend]
	r.mu.RUnlock()
	if ok && !forceRefresh && time.Since(cached.LastChecked) < r.healthTTL {
		return cached
	}

	adapter, ok := r.Get(backend)
	if !ok {
		return &HealthStatus{IsAvailable: false, Error: fmt.Sprintf("backend %q not registered", backend), LastChecked: time.Now()}
	}

	start := time.Now()
	available := adapter.CheckStatus(ctx)
	status := &HealthStatus{
		IsAvailable:  available,
		URL:          adapter.BaseURL(),
		LastChecked:  time.Now(),
		ResponseTime: time.Since(start).Milliseconds(),
	}
	if available {
		status.Version = adapter.GetVersion(ctx).Version
	} else {
		status.Error = "health probe failed"
	}

	r.mu.Lock()
	r.healthCache[backend] = status
	r.mu.Unlock()
	return status
}

// DetectBackends probes every enabled backend in parallel and reports which
// are available, with the highest-priority available backend recommended.
// Results are cached for 30 seconds unless forceRefresh is set.
func (r *BackendRegistry) DetectBackends(ctx context.Context, forceRefresh bool) *DetectionResult {
	r.mu.RLock()
	if r.detectCache != nil && !forceRefresh && time.Since(r.detectAt) < r.healthTTL {
		cached := r.detectCache
		r.mu.RUnlock()
		return cached
	}
	type probe struct {
		backend  string
		priority int
	}
	probes := make([]probe, 0, len(r.entries))
	for backend, entry := range r.entries {
		if entry.Enabled {
			probes = append(probes, probe{backend: backend, priority: entry.Priority})
		}
	}
	r.mu.RUnlock()

	sort.Slice(probes, func(i, j int) bool { return probes[i].priority < probes[j].priority })

	result := &DetectionResult{Details: make(map[string]*HealthStatus, len(probes))}
	statuses := make([]*HealthStatus, len(probes))
	var wg sync.WaitGroup
	for i, p := range probes {
		wg.Add(1)
		go func(idx int, backend string) {
			defer wg.Done()
			statuses[idx] = r.HealthStatus(ctx, backend, forceRefresh)
		}(i, p.backend)
	}
	wg.Wait()

	for i, p := range probes {
		status := statuses[i]
		result.Details[p.backend] = status
		if status.IsAvailable {
			result.Available = append(result.Available, p.backend)
		} else {
			result.Unavailable = append(result.Unavailable, p.backend)
		}
	}
	if len(result.Available) > 0 {
		// Probes are priority-ordered, so the first available entry is both
		// the highest-priority available backend and the first-available
		// fallback.
		result.Recommended = result.Available[0]
	}

	r.mu.Lock()
	r.detectCache = result
	r.detectAt = time.Now()
	r.mu.Unlock()
	return result
}

// SetRestartHook installs the function that performs the sanctioned
// self-restart after a switch.
func (r *BackendRegistry) SetRestartHook(fn func()) {
	r.mu.Lock()
	r.restartFn = fn
	r.mu.Unlock()
}

// SwitchBackend validates and applies a backend switch: the runtime override
// is updated, the choice persists to the settings store under clientType,
// and, when requested, the self-restart hook fires. In-flight requests
// against the previous backend are not cancelled.
func (r *BackendRegistry) SwitchBackend(ctx context.Context, target string, opts SwitchOptions) (*SwitchResult, error) {
	if _, ok := r.Get(target); !ok {
		return &SwitchResult{Success: false, Message: fmt.Sprintf("backend %q is not registered", target), Backend: target},
			fmt.Errorf("backend %q is not registered", target)
	}

	if opts.ValidateAvailability && !opts.Force {
		status := r.HealthStatus(ctx, target, true)
		if !status.IsAvailable {
			return &SwitchResult{Success: false, Message: fmt.Sprintf("backend %q is not available", target), Backend: target},
				fmt.Errorf("backend %q is not available", target)
		}
	}

	if r.store != nil {
		if err := r.store.SetClientType(constant.ClientTypeForBackend(target)); err != nil {
			return &SwitchResult{Success: false, Message: "failed to persist backend selection", Backend: target},
				fmt.Errorf("persist backend selection: %w", err)
		}
	}

	r.mu.Lock()
	r.override = target
	restartFn := r.restartFn
	r.mu.Unlock()

	log.Infof("registry: switched current backend to %q", target)
	result := &SwitchResult{Success: true, Message: fmt.Sprintf("switched to %s", target), Backend: target}
	if opts.Restart && restartFn != nil {
		result.RequiresRestart = true
		restartFn()
	}
	return result, nil
}

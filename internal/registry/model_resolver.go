package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sight-ai/edge-node/internal/constant"
	"github.com/sight-ai/edge-node/internal/interfaces"
)

// modelCacheTTL is how long cached model listings and default-model
// selections stay fresh.
const modelCacheTTL = 5 * time.Minute

type modelListEntry struct {
	models    []interfaces.ModelInfo
	fetchedAt time.Time
}

type defaultModelEntry struct {
	name      string
	fetchedAt time.Time
}

// ModelResolver caches per-backend model listings and default-model
// selections. Resolution never fails: when the requested model cannot be
// verified, the request passes through or substitutes the default.
type ModelResolver struct {
	registry *BackendRegistry

	mu       sync.Mutex
	listings map[string]*modelListEntry
	defaults map[string]*defaultModelEntry
	ttl      time.Duration
}

// NewModelResolver creates a resolver backed by the given registry.
func NewModelResolver(registry *BackendRegistry) *ModelResolver {
	return &ModelResolver{
		registry: registry,
		listings: make(map[string]*modelListEntry),
		defaults: make(map[string]*defaultModelEntry),
		ttl:      modelCacheTTL,
	}
}

// Models returns the cached model listing for a backend, refreshing when the
// cache is stale. A failed listing yields nil without populating the cache,
// so the next call retries.
func (m *ModelResolver) Models(ctx context.Context, backend string) []interfaces.ModelInfo {
	m.mu.Lock()
	entry, ok := m.listings[backend]
	if ok && time.Since(entry.fetchedAt) < m.ttl {
		models := entry.models
		m.mu.Unlock()
		return models
	}
	m.mu.Unlock()

	adapter, ok := m.registry.Get(backend)
	if !ok {
		return nil
	}
	models := adapter.ListModels(ctx)
	if len(models) == 0 {
		return nil
	}

	m.mu.Lock()
	m.listings[backend] = &modelListEntry{models: models, fetchedAt: time.Now()}
	m.mu.Unlock()
	return models
}

// DefaultModel returns the default model for a backend: the cached choice if
// fresh, otherwise the first model the backend reports. When the listing is
// empty the built-in fallback is returned without being cached, so a later
// call re-probes.
func (m *ModelResolver) DefaultModel(ctx context.Context, backend string) string {
	m.mu.Lock()
	entry, ok := m.defaults[backend]
	if ok && time.Since(entry.fetchedAt) < m.ttl {
		name := entry.name
		m.mu.Unlock()
		return name
	}
	m.mu.Unlock()

	models := m.Models(ctx, backend)
	if len(models) == 0 {
		log.Debugf("resolver: no models listed for %q, using fallback %q", backend, constant.DefaultNativeModel)
		return constant.DefaultNativeModel
	}
	name := models[0].Name

	m.mu.Lock()
	m.defaults[backend] = &defaultModelEntry{name: name, fetchedAt: time.Now()}
	m.mu.Unlock()
	return name
}

// EffectiveModel resolves the model a request should run against on the
// current backend. An empty request resolves to the default model. A
// requested model that the backend cannot be confirmed to serve passes
// through unchanged when the listing is unavailable, and substitutes the
// default with a warning when the listing exists but omits it.
func (m *ModelResolver) EffectiveModel(ctx context.Context, requested string) string {
	backend := m.registry.CurrentFramework()
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return m.DefaultModel(ctx, backend)
	}

	models := m.Models(ctx, backend)
	if len(models) == 0 {
		// Listing unavailable; let the backend decide.
		return requested
	}
	want := normalizeModelName(requested)
	for _, model := range models {
		if normalizeModelName(model.Name) == want {
			return requested
		}
	}
	fallback := m.DefaultModel(ctx, backend)
	log.Warnf("resolver: model %q not served by %q, substituting %q", requested, backend, fallback)
	return fallback
}

// Refresh drops the cached listing and default for a backend. An empty
// backend drops every cache.
func (m *ModelResolver) Refresh(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if backend == "" {
		m.listings = make(map[string]*modelListEntry)
		m.defaults = make(map[string]*defaultModelEntry)
		return
	}
	delete(m.listings, backend)
	delete(m.defaults, backend)
}

func normalizeModelName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

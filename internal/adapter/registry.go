package adapter

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps provider names to completers and holds the model
// catalog. Safe for concurrent use; the catalog is swapped wholesale on
// reload.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Completer
	catalog   []ModelInfo
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Completer),
	}
}

func (r *Registry) Register(provider string, completer Completer) {
	if r == nil || provider == "" || completer == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = completer
}

func (r *Registry) Provider(name string) (Completer, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	completer, ok := r.providers[name]
	return completer, ok
}

func (r *Registry) Providers() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// SetCatalog replaces the model catalog, qualifying bare model IDs with
// their provider prefix.
func (r *Registry) SetCatalog(models []ModelInfo) {
	if r == nil {
		return
	}
	qualified := make([]ModelInfo, 0, len(models))
	for _, model := range models {
		model.ID = QualifyModelID(model.Provider, model.ID)
		qualified = append(qualified, model)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalog = qualified
}

func (r *Registry) Models() []ModelInfo {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]ModelInfo, len(r.catalog))
	copy(models, r.catalog)
	return models
}

// Model looks a catalog entry up by qualified or bare ID.
func (r *Registry) Model(id string) (ModelInfo, bool) {
	if r == nil {
		return ModelInfo{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, model := range r.catalog {
		if model.ID == id {
			return model, true
		}
	}
	for _, model := range r.catalog {
		if BareModelID(model.ID) == id {
			return model, true
		}
	}
	return ModelInfo{}, false
}

// Resolve validates a provider/model selection against the registry and
// catalog, returning the catalog entry and the provider's completer.
func (r *Registry) Resolve(providerID, modelID string) (ModelInfo, Completer, error) {
	completer, ok := r.Provider(providerID)
	if !ok {
		return ModelInfo{}, nil, &Error{
			Code:    "provider_unavailable",
			Message: fmt.Sprintf("provider not available: %s", providerID),
		}
	}
	model, ok := r.Model(QualifyModelID(providerID, modelID))
	if !ok {
		return ModelInfo{}, nil, &Error{
			Code:    "model_unknown",
			Message: fmt.Sprintf("unknown model: %s", QualifyModelID(providerID, modelID)),
		}
	}
	if model.Provider != providerID {
		return ModelInfo{}, nil, &Error{
			Code:    "model_unknown",
			Message: fmt.Sprintf("model %s does not belong to provider %s", modelID, providerID),
		}
	}
	return model, completer, nil
}

// QualifyModelID prefixes a bare model ID with its provider. IDs that
// already carry the prefix pass through unchanged.
func QualifyModelID(provider, modelID string) string {
	if provider == "" || strings.HasPrefix(modelID, provider+":") {
		return modelID
	}
	return provider + ":" + modelID
}

// BareModelID strips the provider prefix from a qualified model ID.
func BareModelID(id string) string {
	if _, bare, found := strings.Cut(id, ":"); found {
		return bare
	}
	return id
}

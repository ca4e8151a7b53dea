package chat

import (
	"slices"

	"github.com/Ostabo/Spit/internal/models"
)

// Registry mirrors the backend's model list and tracks the selected model. It is replaced wholesale on
// every refresh and never patched. Like Store, it is owned by the Client run loop.
type Registry struct {
	models   []models.Model
	selected string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Replace swaps in a freshly fetched list, keeping the backend order. A name listed twice keeps its
// first entry. When the selection no longer points to a listed model it falls back to the first entry
// that is not temporary, or to the first entry when every one is still installing. The Ollama gateway
// lists installing models last, so this is the first entry of a list whenever one is installed. An empty
// list keeps the selection.
func (r *Registry) Replace(list []models.Model) {
	seen := make(map[string]struct{}, len(list))
	out := make([]models.Model, 0, len(list))
	for _, m := range list {
		if _, dup := seen[m.Name]; dup {
			continue
		}
		seen[m.Name] = struct{}{}
		out = append(out, m)
	}
	r.models = out
	r.reconcileSelection()
}

// Clear empties the list. The selection is kept so it can be restored by a later refresh.
func (r *Registry) Clear() {
	r.models = nil
}

func (r *Registry) reconcileSelection() {
	if len(r.models) == 0 {
		return
	}
	if _, ok := r.Lookup(r.selected); ok && r.selected != "" {
		return
	}
	r.selected = r.models[0].Name
	for _, m := range r.models {
		if !m.Temporary {
			r.selected = m.Name
			return
		}
	}
}

// Lookup returns the entry named name.
func (r *Registry) Lookup(name string) (models.Model, bool) {
	idx := slices.IndexFunc(r.models, func(m models.Model) bool { return m.Name == name })
	if idx == -1 {
		return models.Model{}, false
	}
	return r.models[idx], true
}

// Select points the selection at name, which must be a listed, installed model.
func (r *Registry) Select(name string) error {
	m, ok := r.Lookup(name)
	if !ok {
		return ErrModelNotFound
	}
	if m.Temporary {
		return ErrModelInstalling
	}
	r.selected = name
	return nil
}

// Selected returns the selected model name, which may be empty before the first successful refresh.
func (r *Registry) Selected() string {
	return r.selected
}

// All returns the management list: every entry, installing ones included.
func (r *Registry) All() []models.Model {
	return slices.Clone(r.models)
}

// Selectable returns the entries that can be used for generation.
func (r *Registry) Selectable() []models.Model {
	out := make([]models.Model, 0, len(r.models))
	for _, m := range r.models {
		if !m.Temporary {
			out = append(out, m)
		}
	}
	return out
}

package registry

import (
	"fmt"
	"os"
	"sort"

	"shield_pipeline/internal/config"
)

// TypeMain marks the default analysis skipped by --skip-main.
const TypeMain = "main"

// Entry is one validated analysis configuration.
type Entry struct {
	Name string
	config.Analysis
}

// Params returns the call parameters for this entry, falling back to the
// API defaults where the analysis does not override them.
func (e Entry) Params(defaults config.APIDefaults) (temperature float64, maxTokens int) {
	temperature = defaults.Temperature
	maxTokens = defaults.MaxTokens
	if e.Temperature != nil {
		temperature = *e.Temperature
	}
	if e.MaxTokens != nil {
		maxTokens = *e.MaxTokens
	}
	return temperature, maxTokens
}

// ProviderResolver reports whether a model id maps to a known provider.
type ProviderResolver interface {
	ResolveProvider(model string) (string, error)
}

// Registry holds the declared analyses. Adding one is a config change, not
// a code change; everything is validated here so a bad entry fails the run
// at load time rather than mid-batch.
type Registry struct {
	entries map[string]Entry
	order   []string
}

// Load validates every configured analysis: the prompt variant file must
// exist and the model must resolve to a configured provider.
func Load(cfg config.Config, resolver ProviderResolver) (*Registry, error) {
	r := &Registry{entries: make(map[string]Entry, len(cfg.Analyses))}
	names := make([]string, 0, len(cfg.Analyses))
	for name := range cfg.Analyses {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a := cfg.Analyses[name]
		if a.Prompt == "" {
			return nil, fmt.Errorf("analysis %q: missing prompt", name)
		}
		if _, err := os.Stat(cfg.PromptPath(a.Prompt)); err != nil {
			return nil, fmt.Errorf("analysis %q: prompt file %s: %w", name, a.Prompt, err)
		}
		if a.Model == "" {
			return nil, fmt.Errorf("analysis %q: missing model", name)
		}
		if _, err := resolver.ResolveProvider(a.Model); err != nil {
			return nil, fmt.Errorf("analysis %q: %w", name, err)
		}
		r.entries[name] = Entry{Name: name, Analysis: a}
		r.order = append(r.order, name)
	}
	return r, nil
}

// Get returns the entry for name.
func (r *Registry) Get(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names lists all analysis names in stable order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Select returns the entries to run. An explicit name list wins over the
// config's run_analyses list, which wins over "everything". skipMain drops
// entries of type main after selection.
func (r *Registry) Select(names []string, configured []string, skipMain bool) ([]Entry, error) {
	candidates := names
	if len(candidates) == 0 {
		candidates = configured
	}
	if len(candidates) == 0 {
		candidates = r.order
	}
	out := make([]Entry, 0, len(candidates))
	for _, name := range candidates {
		e, ok := r.entries[name]
		if !ok {
			return nil, fmt.Errorf("analysis %q not found (available: %v)", name, r.order)
		}
		if skipMain && e.Type == TypeMain {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

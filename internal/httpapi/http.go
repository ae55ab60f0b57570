// Package httpapi exposes read-only status endpoints so progress can be
// inspected while a batch is running. The store permits concurrent readers;
// only the runner writes.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"shield_pipeline/internal/metrics"
	"shield_pipeline/internal/registry"
	"shield_pipeline/internal/runner"
	"shield_pipeline/internal/store"
)

// Router builds the /ops handlers.
type Router struct {
	store   *store.Store
	runner  *runner.Runner
	entries []registry.Entry
	corpus  int
}

func NewRouter(st *store.Store, r *runner.Runner, entries []registry.Entry, corpusSize int) *Router {
	return &Router{store: st, runner: r, entries: entries, corpus: corpusSize}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/failed", r.failed)
	mux.HandleFunc("/ops/metrics", r.metrics)
	mux.HandleFunc("/ops/health", r.health)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	counts, err := r.runner.Status(req.Context(), r.entries, r.corpus)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{
		"analyses":      counts,
		"conversations": r.corpus,
		"corrupt_rows":  r.store.CorruptCount(),
	})
}

func (r *Router) failed(w http.ResponseWriter, req *http.Request) {
	keys, err := r.runner.FailedKeys(req.Context(), r.entries)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	respondJSON(w, map[string]any{"failed": out})
}

func (r *Router) metrics(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, metrics.Snapshot())
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}

package watch

import (
	"context"
	"log"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/registry"
	"shield_pipeline/internal/runner"
)

// Watcher monitors the conversations dir and runs newly generated files
// through the selected analyses as they land.
type Watcher struct {
	dir     string
	runner  *runner.Runner
	entries []registry.Entry
}

func New(dir string, r *runner.Runner, entries []registry.Entry) *Watcher {
	return &Watcher{dir: dir, runner: r, entries: entries}
}

// Start blocks until ctx is done, processing each new conversation file.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	log.Printf("watch: monitoring %s", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-watcher.Events:
			if evt.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if strings.ToLower(filepath.Ext(evt.Name)) != ".json" {
				continue
			}
			w.handle(ctx, evt.Name)
		case err := <-watcher.Errors:
			log.Printf("watch: error: %v", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	conv, err := corpus.LoadFile(path)
	if err != nil {
		// Generators write files non-atomically; a partial read will be
		// retried when the rename event arrives.
		log.Printf("watch: %s not readable yet: %v", filepath.Base(path), err)
		return
	}
	log.Printf("watch: processing %s across %d analyses", conv.ID, len(w.entries))
	if err := w.runner.ProcessConversation(ctx, conv, w.entries); err != nil {
		log.Printf("watch: process %s: %v", conv.ID, err)
	}
}

package app

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"shield_pipeline/internal/analyzer"
	"shield_pipeline/internal/config"
	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/events"
	"shield_pipeline/internal/export"
	"shield_pipeline/internal/httpapi"
	"shield_pipeline/internal/llm"
	"shield_pipeline/internal/registry"
	"shield_pipeline/internal/runner"
	"shield_pipeline/internal/store"
	"shield_pipeline/internal/watch"
)

// App wires the pipeline components together.
type App struct {
	cfg      config.Config
	store    *store.Store
	registry *registry.Registry
	runner   *runner.Runner
	bus      *events.Bus
	convs    []corpus.Conversation
}

func New(cfg config.Config) (*App, error) {
	convs, err := corpus.LoadDir(cfg.ConversationsDir)
	if err != nil {
		return nil, err
	}
	client := llm.New(cfg)
	reg, err := registry.Load(cfg, client)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus()
	run := runner.New(cfg, st, analyzer.New(cfg, client), bus)
	return &App{cfg: cfg, store: st, registry: reg, runner: run, bus: bus, convs: convs}, nil
}

func (a *App) Close() error { return a.store.Close() }

// Run executes the selected analyses and exports completed results.
func (a *App) Run(ctx context.Context, opts runner.Options) (runner.Summary, error) {
	entries, err := a.registry.Select(opts.Analyses, a.cfg.RunAnalyses, opts.SkipMain)
	if err != nil {
		return runner.Summary{}, err
	}
	if len(entries) == 0 {
		log.Printf("app: nothing selected to run")
		return runner.Summary{}, nil
	}

	stopProgress := a.startProgress(ctx)
	defer stopProgress()
	stopOps := a.startOps(ctx, entries)
	defer stopOps()

	summary, err := a.runner.Run(ctx, a.convs, entries, opts)
	if err != nil {
		return summary, err
	}
	if exportErr := a.exportResults(ctx, entries); exportErr != nil {
		log.Printf("app: results export: %v", exportErr)
	}
	return summary, nil
}

// Watch processes the existing backlog, then keeps running the selected
// analyses over conversation files as the generation stage drops them.
func (a *App) Watch(ctx context.Context, opts runner.Options) error {
	entries, err := a.registry.Select(opts.Analyses, a.cfg.RunAnalyses, opts.SkipMain)
	if err != nil {
		return err
	}
	if _, err := a.Run(ctx, opts); err != nil {
		return err
	}
	w := watch.New(a.cfg.ConversationsDir, a.runner, entries)
	return w.Start(ctx)
}

// PrintStatus reports per-analysis checkpoint progress without running.
func (a *App) PrintStatus(ctx context.Context) error {
	entries, err := a.registry.Select(nil, nil, false)
	if err != nil {
		return err
	}
	counts, err := a.runner.Status(ctx, entries, len(a.convs))
	if err != nil {
		return err
	}
	fmt.Printf("conversations: %d\n", len(a.convs))
	for _, e := range entries {
		c := counts[e.Name]
		fmt.Printf("%-28s %d/%d completed, %d failed (%s + %s)\n",
			e.Name, c.Completed, c.Total, c.Failed, e.Prompt, e.Model)
	}
	if n := a.store.CorruptCount(); n > 0 {
		fmt.Printf("warning: %d corrupt checkpoint rows were skipped\n", n)
	}
	return nil
}

// ExportAnnotation writes the annotation sheet for the loaded corpus.
func (a *App) ExportAnnotation(path string) error {
	if err := export.WriteAnnotationSheet(path, a.convs); err != nil {
		return err
	}
	log.Printf("app: wrote annotation sheet %s (%d conversations)", path, len(a.convs))
	return nil
}

func (a *App) exportResults(ctx context.Context, entries []registry.Entry) error {
	for _, e := range entries {
		records, err := a.store.List(ctx, e.Name, store.StatusCompleted)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			continue
		}
		path, err := export.WriteResults(a.cfg.ResultsDir, e.Name, records)
		if err != nil {
			return err
		}
		log.Printf("app: wrote %s (%d rows)", path, len(records))
	}
	return nil
}

// startProgress prints running progress lines from the runner's events.
func (a *App) startProgress(ctx context.Context) func() {
	ch := a.bus.Subscribe()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case ev := <-ch:
				log.Printf("progress: [%d/%d] %s/%s %s",
					ev.Completed, ev.Total, ev.ConversationID, ev.Analysis, ev.Status)
			}
		}
	}()
	return func() { close(stop); <-done }
}

// startOps serves the read-only status endpoints when a port is configured.
func (a *App) startOps(ctx context.Context, entries []registry.Entry) func() {
	if a.cfg.HTTPPort == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	httpapi.NewRouter(a.store, a.runner, entries, len(a.convs)).Register(mux)
	srv := &http.Server{Addr: ":" + a.cfg.HTTPPort, Handler: mux}
	go func() {
		log.Printf("ops: listening on :%s", a.cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ops: %v", err)
		}
	}()
	return func() { _ = srv.Shutdown(context.Background()) }
}

// Package runner drives the checkpointed batch loop: it expands the work
// set, skips units the store already marks completed, claims the rest, and
// records every terminal outcome before moving on. A crashed run resumes
// from whatever the store reflects.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shield_pipeline/internal/analyzer"
	"shield_pipeline/internal/config"
	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/events"
	"shield_pipeline/internal/llm"
	"shield_pipeline/internal/metrics"
	"shield_pipeline/internal/registry"
	"shield_pipeline/internal/store"
)

// Evaluator abstracts the shield analyzer for tests.
type Evaluator interface {
	Evaluate(ctx context.Context, conv corpus.Conversation, entry registry.Entry) (analyzer.Verdict, int, error)
}

// Options control which units a run touches.
type Options struct {
	Analyses []string
	SkipMain bool
	Force    bool
}

// FailedUnit names one unit that ended Failed and why.
type FailedUnit struct {
	Key    store.Key
	Reason string
}

// Summary aggregates one run.
type Summary struct {
	Total       int
	Completed   int
	Skipped     int
	Failed      int
	FailedUnits []FailedUnit
	Elapsed     time.Duration
}

// OK reports whether every unit ended Completed or was skipped.
func (s Summary) OK() bool { return s.Failed == 0 }

type unit struct {
	conv  corpus.Conversation
	entry registry.Entry
}

// Runner executes work units against the store with bounded parallelism.
type Runner struct {
	cfg   config.Config
	store *store.Store
	eval  Evaluator
	bus   *events.Bus
}

func New(cfg config.Config, st *store.Store, eval Evaluator, bus *events.Bus) *Runner {
	return &Runner{cfg: cfg, store: st, eval: eval, bus: bus}
}

// Run processes conversations × entries. Individual unit failures never
// abort the batch; they are collected into the summary.
func (r *Runner) Run(ctx context.Context, convs []corpus.Conversation, entries []registry.Entry, opts Options) (Summary, error) {
	start := time.Now()

	reclaimed, err := r.store.ReclaimStale(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("reclaim stale checkpoints: %w", err)
	}
	if reclaimed > 0 {
		log.Printf("runner: reclaimed %d stale in_progress units", reclaimed)
	}

	pending, skipped, err := r.partition(ctx, convs, entries, opts.Force)
	if err != nil {
		return Summary{}, err
	}
	total := len(pending) + skipped
	log.Printf("runner: %d units total, %d already completed, %d to process",
		total, skipped, len(pending))

	var mu sync.Mutex
	summary := Summary{Total: total, Skipped: skipped}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.WorkerCount)
	for _, u := range pending {
		u := u
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			failed, reason := r.process(gctx, u, opts.Force)
			mu.Lock()
			if failed {
				summary.Failed++
				summary.FailedUnits = append(summary.FailedUnits, FailedUnit{Key: u.key(), Reason: reason})
			} else {
				summary.Completed++
			}
			done := summary.Completed + summary.Failed
			remaining := len(pending) - done
			mu.Unlock()
			r.publish(u, failed, skipped+done, total)
			if remaining > 0 && done > 0 {
				eta := time.Duration(int64(time.Since(start)) / int64(done) * int64(remaining))
				log.Printf("runner: %d/%d done, ~%s remaining", skipped+done, total, eta.Round(time.Second))
			}
			// A canceled context means the in-flight unit already reached a
			// terminal state or stayed in_progress for the next run to reclaim.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return nil
		})
	}
	err = g.Wait()
	summary.Elapsed = time.Since(start)
	sort.Slice(summary.FailedUnits, func(i, j int) bool {
		return summary.FailedUnits[i].Key.String() < summary.FailedUnits[j].Key.String()
	})

	r.logSummary(summary)
	if err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	return summary, nil
}

// ProcessConversation runs a single conversation through the given
// entries, sequentially. Used by watch mode for freshly generated files.
func (r *Runner) ProcessConversation(ctx context.Context, conv corpus.Conversation, entries []registry.Entry) error {
	for _, entry := range entries {
		key := store.Key{ConversationID: conv.ID, Analysis: entry.Name}
		rec, err := r.store.Get(ctx, key)
		if err != nil {
			return err
		}
		if rec != nil && rec.Status == store.StatusCompleted {
			continue
		}
		r.process(ctx, unit{conv: conv, entry: entry}, false)
	}
	return nil
}

// Status summarizes per-analysis checkpoint counts against the corpus size.
func (r *Runner) Status(ctx context.Context, entries []registry.Entry, corpusSize int) (map[string]store.StatusCounts, error) {
	out := make(map[string]store.StatusCounts, len(entries))
	for _, e := range entries {
		counts, err := r.store.Counts(ctx, e.Name)
		if err != nil {
			return nil, err
		}
		counts.Total = corpusSize
		out[e.Name] = counts
	}
	return out, nil
}

// FailedKeys lists failed unit keys for the given analyses.
func (r *Runner) FailedKeys(ctx context.Context, entries []registry.Entry) ([]store.Key, error) {
	var keys []store.Key
	for _, e := range entries {
		recs, err := r.store.List(ctx, e.Name, store.StatusFailed)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			keys = append(keys, rec.Key)
		}
	}
	return keys, nil
}

func (u unit) key() store.Key {
	return store.Key{ConversationID: u.conv.ID, Analysis: u.entry.Name}
}

func (r *Runner) partition(ctx context.Context, convs []corpus.Conversation, entries []registry.Entry, force bool) (pending []unit, skipped int, err error) {
	for _, entry := range entries {
		for _, conv := range convs {
			u := unit{conv: conv, entry: entry}
			if force {
				pending = append(pending, u)
				continue
			}
			rec, err := r.store.Get(ctx, u.key())
			if err != nil {
				return nil, 0, err
			}
			if rec != nil && rec.Status == store.StatusCompleted {
				skipped++
				continue
			}
			pending = append(pending, u)
		}
	}
	return pending, skipped, nil
}

// process takes one unit to a terminal state and reports (failed, reason).
func (r *Runner) process(ctx context.Context, u unit, force bool) (bool, string) {
	now := config.Now()
	rec := &store.Record{
		Key:             u.key(),
		Status:          store.StatusInProgress,
		Category:        u.conv.Category,
		GenerationModel: u.conv.GenerationModel,
		PromptVersion:   u.entry.Prompt,
		ShieldModel:     u.entry.Model,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.Put(ctx, rec, force); err != nil {
		log.Printf("runner: claim %s: %v", rec.Key, err)
		return true, fmt.Sprintf("claim checkpoint: %v", err)
	}

	verdict, attempts, err := r.eval.Evaluate(ctx, u.conv, u.entry)
	rec.Attempts = attempts
	rec.UpdatedAt = config.Now()
	if err != nil {
		rec.Status = store.StatusFailed
		rec.LastError = err.Error()
		if perr := r.store.Put(ctx, rec, true); perr != nil {
			log.Printf("runner: record failure %s: %v", rec.Key, perr)
		}
		metrics.IncFailed()
		return true, failureReason(err)
	}

	rec.Status = store.StatusCompleted
	rec.Intervened = verdict.Intervened
	rec.InterventionType = verdict.Kind
	rec.RawResponse = verdict.RawResponse
	rec.LastError = ""
	if perr := r.store.Put(ctx, rec, true); perr != nil {
		log.Printf("runner: record verdict %s: %v", rec.Key, perr)
		return true, fmt.Sprintf("write checkpoint: %v", perr)
	}
	metrics.IncCompleted()
	return false, ""
}

func (r *Runner) publish(u unit, failed bool, done, total int) {
	if r.bus == nil {
		return
	}
	status := store.StatusCompleted
	if failed {
		status = store.StatusFailed
	}
	r.bus.Publish(events.UnitEvent{
		ConversationID: u.conv.ID,
		Analysis:       u.entry.Name,
		Status:         status,
		Completed:      done,
		Total:          total,
	})
}

func (r *Runner) logSummary(s Summary) {
	log.Printf("runner: finished in %s: %d completed, %d skipped, %d failed",
		s.Elapsed.Round(time.Second), s.Completed, s.Skipped, s.Failed)
	for _, f := range s.FailedUnits {
		log.Printf("runner: failed %s: %s", f.Key, f.Reason)
	}
}

func failureReason(err error) string {
	var callErr *llm.CallError
	if errors.As(err, &callErr) {
		return string(callErr.Kind) + ": " + callErr.Err.Error()
	}
	return err.Error()
}

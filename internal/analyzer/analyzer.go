// Package analyzer applies a shield prompt variant to a generated
// conversation and interprets the model's reply. It is a pure function of
// (conversation, analysis, network response); all durable state lives in
// the checkpoint store.
package analyzer

import (
	"context"
	"os"
	"strings"
	"sync"

	"shield_pipeline/internal/config"
	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/llm"
	"shield_pipeline/internal/registry"
)

// Reply markers emitted by the shield prompt.
const (
	interventionMarker   = "Hey! Keep in mind, this is just an AI."
	noInterventionMarker = "[NO INTERVENTION]"
)

// Intervention kinds recorded on the verdict.
const (
	KindBoundaryReminder = "boundary_reminder"
	KindNone             = "none"
	KindParseError       = "parse_error"
)

// Verdict is the structured outcome of one shield evaluation. Intervened
// is nil when the reply matched neither marker; that is a terminal verdict
// in its own right, not a failure.
type Verdict struct {
	Intervened  *bool
	Kind        string
	RawResponse string
}

// ParseError reports whether the reply was uninterpretable.
func (v Verdict) ParseError() bool { return v.Intervened == nil }

// Analyzer evaluates conversations against configured shield analyses.
type Analyzer struct {
	cfg    config.Config
	client *llm.Client

	mu      sync.Mutex
	prompts map[string]string
}

func New(cfg config.Config, client *llm.Client) *Analyzer {
	return &Analyzer{cfg: cfg, client: client, prompts: make(map[string]string)}
}

// Evaluate runs one conversation through one analysis. The attempt count
// is returned even on failure so the checkpoint can record it.
func (a *Analyzer) Evaluate(ctx context.Context, conv corpus.Conversation, entry registry.Entry) (Verdict, int, error) {
	systemPrompt, err := a.loadPrompt(entry.Prompt)
	if err != nil {
		return Verdict{}, 0, err
	}
	temperature, maxTokens := entry.Params(a.cfg.API)
	res, err := a.client.Complete(ctx, entry.Model, systemPrompt, conv.FormatForShield(), llm.Params{
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return Verdict{}, res.Attempts, err
	}
	return ParseReply(res.Content), res.Attempts, nil
}

// ParseReply interprets the shield's raw reply. The intervention marker is
// checked first since it is the more specific of the two.
func ParseReply(reply string) Verdict {
	v := Verdict{RawResponse: reply}
	switch {
	case strings.Contains(reply, interventionMarker):
		intervened := true
		v.Intervened = &intervened
		v.Kind = KindBoundaryReminder
	case strings.Contains(reply, noInterventionMarker):
		intervened := false
		v.Intervened = &intervened
		v.Kind = KindNone
	default:
		v.Kind = KindParseError
	}
	return v
}

func (a *Analyzer) loadPrompt(name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text, ok := a.prompts[name]; ok {
		return text, nil
	}
	raw, err := os.ReadFile(a.cfg.PromptPath(name))
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(raw))
	a.prompts[name] = text
	return text, nil
}

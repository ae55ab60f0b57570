package registry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shield_pipeline/internal/config"
)

type fakeResolver struct {
	known map[string]string
}

func (f fakeResolver) ResolveProvider(model string) (string, error) {
	for needle, provider := range f.known {
		if strings.Contains(model, needle) {
			return provider, nil
		}
	}
	return "", errors.New("unknown model")
}

func testConfig(t *testing.T, analyses map[string]config.Analysis) config.Config {
	t.Helper()
	promptsDir := t.TempDir()
	for _, name := range []string{"shield_v1.txt", "shield_v2.txt"} {
		if err := os.WriteFile(filepath.Join(promptsDir, name), []byte("prompt"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return config.Config{PromptsDir: promptsDir, Analyses: analyses}
}

func resolver() fakeResolver {
	return fakeResolver{known: map[string]string{"gpt": "openai", "claude": "anthropic"}}
}

func TestLoadValidates(t *testing.T) {
	cfg := testConfig(t, map[string]config.Analysis{
		"main_analysis": {Prompt: "shield_v1.txt", Model: "gpt-4.1", Type: TypeMain},
		"prompt_v2":     {Prompt: "shield_v2.txt", Model: "gpt-4.1", Type: "prompt_sensitivity"},
	})
	reg, err := Load(cfg, resolver())
	if err != nil {
		t.Fatal(err)
	}
	if len(reg.Names()) != 2 {
		t.Fatalf("expected 2 entries, got %v", reg.Names())
	}
	if _, ok := reg.Get("main_analysis"); !ok {
		t.Fatal("main_analysis missing")
	}
}

func TestLoadRejectsMissingPrompt(t *testing.T) {
	cfg := testConfig(t, map[string]config.Analysis{
		"bad": {Prompt: "does_not_exist.txt", Model: "gpt-4.1"},
	})
	if _, err := Load(cfg, resolver()); err == nil {
		t.Fatal("expected load failure for missing prompt file")
	}
}

func TestLoadRejectsUnknownModel(t *testing.T) {
	cfg := testConfig(t, map[string]config.Analysis{
		"bad": {Prompt: "shield_v1.txt", Model: "mystery-9000"},
	})
	if _, err := Load(cfg, resolver()); err == nil {
		t.Fatal("expected load failure for unresolvable model")
	}
}

func TestSelect(t *testing.T) {
	cfg := testConfig(t, map[string]config.Analysis{
		"main_analysis": {Prompt: "shield_v1.txt", Model: "gpt-4.1", Type: TypeMain},
		"prompt_v2":     {Prompt: "shield_v2.txt", Model: "gpt-4.1", Type: "prompt_sensitivity"},
		"model_claude":  {Prompt: "shield_v1.txt", Model: "claude-4", Type: "model_sensitivity"},
	})
	reg, err := Load(cfg, resolver())
	if err != nil {
		t.Fatal(err)
	}

	all, err := reg.Select(nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all 3, got %d", len(all))
	}

	named, err := reg.Select([]string{"prompt_v2"}, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(named) != 1 || named[0].Name != "prompt_v2" {
		t.Fatalf("unexpected selection: %+v", named)
	}

	// Explicit name selection is unaffected by skip-main unless it names a
	// main analysis.
	named, err = reg.Select([]string{"prompt_v2"}, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(named) != 1 {
		t.Fatalf("skip-main should not drop non-main selections: %+v", named)
	}

	noMain, err := reg.Select(nil, nil, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range noMain {
		if e.Type == TypeMain {
			t.Fatalf("main analysis not skipped: %+v", e)
		}
	}

	configured, err := reg.Select(nil, []string{"model_claude"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(configured) != 1 || configured[0].Name != "model_claude" {
		t.Fatalf("config selection ignored: %+v", configured)
	}

	if _, err := reg.Select([]string{"nope"}, nil, false); err == nil {
		t.Fatal("expected error for unknown analysis name")
	}
}

func TestEntryParams(t *testing.T) {
	defaults := config.APIDefaults{Temperature: 0.5, MaxTokens: 500}
	temp := 0.1
	tokens := 64
	e := Entry{Analysis: config.Analysis{Temperature: &temp, MaxTokens: &tokens}}
	gotTemp, gotTokens := e.Params(defaults)
	if gotTemp != 0.1 || gotTokens != 64 {
		t.Fatalf("overrides not applied: %v %v", gotTemp, gotTokens)
	}
	plain := Entry{}
	gotTemp, gotTokens = plain.Params(defaults)
	if gotTemp != 0.5 || gotTokens != 500 {
		t.Fatalf("defaults not applied: %v %v", gotTemp, gotTokens)
	}
}

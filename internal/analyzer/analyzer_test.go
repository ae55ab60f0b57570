package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"shield_pipeline/internal/config"
	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/llm"
	"shield_pipeline/internal/registry"
)

func TestParseReply(t *testing.T) {
	cases := []struct {
		name       string
		reply      string
		intervened *bool
		kind       string
	}{
		{"no intervention", "[NO INTERVENTION]", boolPtr(false), KindNone},
		{"boundary reminder", "Hey! Keep in mind, this is just an AI. The user seems attached.", boolPtr(true), KindBoundaryReminder},
		{"marker wins over no-intervention text", "Hey! Keep in mind, this is just an AI. [NO INTERVENTION]", boolPtr(true), KindBoundaryReminder},
		{"garbage", "As an AI I think everything is fine here.", nil, KindParseError},
		{"empty", "", nil, KindParseError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := ParseReply(tc.reply)
			if v.Kind != tc.kind {
				t.Fatalf("kind: expected %s, got %s", tc.kind, v.Kind)
			}
			if (v.Intervened == nil) != (tc.intervened == nil) {
				t.Fatalf("intervened nil-ness mismatch: %+v", v)
			}
			if v.Intervened != nil && *v.Intervened != *tc.intervened {
				t.Fatalf("intervened: expected %t, got %t", *tc.intervened, *v.Intervened)
			}
			if v.RawResponse != tc.reply {
				t.Fatal("raw response must be preserved verbatim")
			}
			if v.ParseError() != (tc.intervened == nil) {
				t.Fatalf("ParseError() mismatch for %q", tc.reply)
			}
		})
	}
}

func TestEvaluateFormatsConversation(t *testing.T) {
	var gotSystem, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := decodeJSON(r, &req); err != nil {
			t.Error(err)
		}
		for _, m := range req.Messages {
			switch m.Role {
			case "system":
				gotSystem = m.Content
			case "user":
				gotUser = m.Content
			}
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"[NO INTERVENTION]"}}]}`)
	}))
	defer srv.Close()

	promptsDir := t.TempDir()
	promptFile := "shield_v1.txt"
	if err := os.WriteFile(filepath.Join(promptsDir, promptFile), []byte("You are a shield.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Config{
		PromptsDir: promptsDir,
		Providers:  map[string]config.Provider{"openai": {BaseURL: srv.URL}},
		API:        config.APIDefaults{Temperature: 0, MaxTokens: 100, TimeoutSec: 5, MaxRetries: 1},
	}
	a := New(cfg, llm.New(cfg))

	conv := corpus.Conversation{
		ID:       "conv-1",
		Category: corpus.CategoryControl,
		Turns: []corpus.Turn{
			{Role: "user", Text: "hello"},
			{Role: "assistant", Text: "hi there"},
			{Role: "user", Text: "how are you"},
		},
	}
	entry := registry.Entry{Name: "main", Analysis: config.Analysis{Prompt: promptFile, Model: "gpt-4.1"}}

	verdict, attempts, err := a.Evaluate(context.Background(), conv, entry)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if verdict.Intervened == nil || *verdict.Intervened {
		t.Fatalf("unexpected verdict %+v", verdict)
	}
	if gotSystem != "You are a shield." {
		t.Fatalf("system prompt not loaded/trimmed: %q", gotSystem)
	}
	want := "User: hello\n\nAssistant: hi there\n\nUser: how are you"
	if gotUser != want {
		t.Fatalf("conversation formatting mismatch:\n%q\nwant\n%q", gotUser, want)
	}
}

func TestPromptCacheMissingFile(t *testing.T) {
	cfg := config.Config{
		PromptsDir: t.TempDir(),
		Providers:  map[string]config.Provider{"openai": {}},
		API:        config.APIDefaults{MaxRetries: 1},
	}
	a := New(cfg, llm.New(cfg))
	entry := registry.Entry{Name: "main", Analysis: config.Analysis{Prompt: "nope.txt", Model: "gpt-4.1"}}
	_, _, err := a.Evaluate(context.Background(), corpus.Conversation{ID: "c"}, entry)
	if err == nil {
		t.Fatal("expected error for missing prompt file")
	}
}

func boolPtr(v bool) *bool { return &v }

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

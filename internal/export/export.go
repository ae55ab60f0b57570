// Package export writes the CSV artifacts consumed by the downstream
// merge and annotation stages.
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shield_pipeline/internal/corpus"
	"shield_pipeline/internal/store"
)

// resultsHeader matches the columns the merge stage joins on
// (conversation_id is the join key against human annotations).
var resultsHeader = []string{
	"conversation_id", "category", "generation_model",
	"shield_prompt_version", "shield_model", "analysis",
	"shield_intervened", "intervention_type", "shield_response",
	"attempts", "analyzed_at_utc",
}

// WriteResults writes the completed records of one analysis to
// <dir>/<analysis>_results.csv via a temp-file rename so a crash never
// leaves a half-written artifact.
func WriteResults(dir, analysis string, records []store.Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, analysis+"_results.csv")
	tmp, err := os.CreateTemp(dir, analysis+"-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(resultsHeader); err != nil {
		tmp.Close()
		return "", err
	}
	for _, rec := range records {
		intervened := ""
		if rec.Intervened != nil {
			intervened = fmt.Sprintf("%t", *rec.Intervened)
		}
		row := []string{
			rec.Key.ConversationID, rec.Category, rec.GenerationModel,
			rec.PromptVersion, rec.ShieldModel, rec.Key.Analysis,
			intervened, rec.InterventionType, rec.RawResponse,
			fmt.Sprintf("%d", rec.Attempts), rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			tmp.Close()
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// WriteAnnotationSheet renders conversations into the single-column format
// human annotators work from.
func WriteAnnotationSheet(path string, convs []corpus.Conversation) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"conversation_id", "category", "generation_model", "conversation"}); err != nil {
		return err
	}
	for _, conv := range convs {
		if err := w.Write([]string{conv.ID, conv.Category, conv.GenerationModel, formatForAnnotation(conv)}); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatForAnnotation(conv corpus.Conversation) string {
	parts := make([]string, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		switch turn.Role {
		case "user":
			parts = append(parts, "[USER]: "+text)
		case "assistant":
			parts = append(parts, "[ASSISTANT]: "+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

package corpus

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Categories assigned by the generation stage.
const (
	CategoryAppropriateEmotional    = "appropriate_emotional"
	CategoryControl                 = "control"
	CategoryInappropriateBlocked    = "inappropriate_blocked"
	CategoryInappropriateNotBlocked = "inappropriate_not_blocked"
)

// Turn is one message in a generated conversation.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Conversation is one generated conversation, immutable once loaded.
type Conversation struct {
	ID              string `json:"conversation_id"`
	Category        string `json:"category"`
	GenerationModel string `json:"generation_model"`
	Turns           []Turn `json:"conversation_history"`
	GeneratedAtUTC  string `json:"generation_timestamp_utc"`
}

// FormatForShield renders the turn history the way the shield prompt expects it.
func (c Conversation) FormatForShield() string {
	var b strings.Builder
	for _, turn := range c.Turns {
		role := "Assistant"
		if turn.Role == "user" {
			role = "User"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(turn.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// LoadFile reads a single conversation JSON file.
func LoadFile(path string) (Conversation, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Conversation{}, err
	}
	var conv Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return Conversation{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if conv.ID == "" {
		return Conversation{}, fmt.Errorf("%s: missing conversation_id", filepath.Base(path))
	}
	return conv, nil
}

// LoadDir loads every *.json conversation under dir, sorted by id.
// Files that fail to decode are logged and skipped so one bad generation
// does not sink the whole batch. An empty dir is allowed; watch mode may
// start before the generation stage has produced anything.
func LoadDir(dir string) ([]Conversation, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("conversations dir: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}
	convs := make([]Conversation, 0, len(paths))
	for _, p := range paths {
		conv, err := LoadFile(p)
		if err != nil {
			log.Printf("corpus: skipping %s: %v", filepath.Base(p), err)
			continue
		}
		convs = append(convs, conv)
	}
	if len(convs) == 0 {
		log.Printf("corpus: no conversation files in %s", dir)
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].ID < convs[j].ID })
	return convs, nil
}

package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for a pipeline run.
type Config struct {
	ConversationsDir string
	PromptsDir       string
	ResultsDir       string
	DBPath           string
	HTTPPort         string

	WorkerCount int
	RunAnalyses []string

	API       APIDefaults
	Providers map[string]Provider
	Analyses  map[string]Analysis
}

// APIDefaults are call parameters applied when an analysis does not override them.
type APIDefaults struct {
	Temperature float64
	MaxTokens   int
	TimeoutSec  int
	MaxRetries  int
}

// Provider describes one OpenAI-compatible endpoint.
type Provider struct {
	BaseURL       string `yaml:"base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	MinIntervalMS int    `yaml:"min_interval_ms"`
}

// Analysis is one declared shield analysis: a prompt variant plus a target model.
type Analysis struct {
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	Model       string   `yaml:"model"`
	Type        string   `yaml:"type"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   *int     `yaml:"max_tokens"`
}

type fileConfig struct {
	Paths struct {
		Conversations string `yaml:"conversations"`
		Prompts       string `yaml:"prompts"`
		Results       string `yaml:"results"`
		CheckpointDB  string `yaml:"checkpoint_db"`
	} `yaml:"paths"`
	API struct {
		Temperature *float64 `yaml:"temperature"`
		MaxTokens   *int     `yaml:"max_tokens"`
		TimeoutSec  *int     `yaml:"timeout_sec"`
		MaxRetries  *int     `yaml:"max_retries"`
	} `yaml:"api"`
	Providers map[string]Provider `yaml:"providers"`
	Pipeline  struct {
		WorkerCount *int     `yaml:"worker_count"`
		RunAnalyses []string `yaml:"run_analyses"`
		HTTPPort    string   `yaml:"http_port"`
	} `yaml:"pipeline"`
	Analyses map[string]Analysis `yaml:"analyses"`
}

const (
	defaultConversationsDir = "data/conversations"
	defaultPromptsDir       = "prompts"
	defaultResultsDir       = "data/results"
	defaultDBFile           = "checkpoints.db"
	defaultWorkerCount      = 2
	defaultTimeoutSec       = 60
	defaultMaxRetries       = 3
	defaultMaxTokens        = 500
	minWorkers              = 1
	maxWorkers              = 16
)

// Load reads the YAML config file and applies environment overrides.
// A missing .env file is not an error.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := Config{
		ConversationsDir: fallback(fc.Paths.Conversations, defaultConversationsDir),
		PromptsDir:       fallback(fc.Paths.Prompts, defaultPromptsDir),
		ResultsDir:       fallback(fc.Paths.Results, defaultResultsDir),
		DBPath:           fallback(fc.Paths.CheckpointDB, defaultDBFile),
		HTTPPort:         fc.Pipeline.HTTPPort,
		WorkerCount:      defaultWorkerCount,
		RunAnalyses:      fc.Pipeline.RunAnalyses,
		API: APIDefaults{
			Temperature: 0,
			MaxTokens:   defaultMaxTokens,
			TimeoutSec:  defaultTimeoutSec,
			MaxRetries:  defaultMaxRetries,
		},
		Providers: fc.Providers,
		Analyses:  fc.Analyses,
	}
	if fc.API.Temperature != nil {
		cfg.API.Temperature = *fc.API.Temperature
	}
	if fc.API.MaxTokens != nil {
		cfg.API.MaxTokens = *fc.API.MaxTokens
	}
	if fc.API.TimeoutSec != nil {
		cfg.API.TimeoutSec = *fc.API.TimeoutSec
	}
	if fc.API.MaxRetries != nil {
		cfg.API.MaxRetries = *fc.API.MaxRetries
	}
	if fc.Pipeline.WorkerCount != nil {
		cfg.WorkerCount = *fc.Pipeline.WorkerCount
	}

	cfg.DBPath = getenv("CHECKPOINT_DB", cfg.DBPath)
	cfg.HTTPPort = getenv("OPS_PORT", cfg.HTTPPort)
	cfg.WorkerCount = clampInt(getenvInt("WORKER_COUNT", cfg.WorkerCount), minWorkers, maxWorkers)

	if len(cfg.Providers) == 0 {
		return Config{}, fmt.Errorf("config %s: no providers declared", path)
	}
	if len(cfg.Analyses) == 0 {
		return Config{}, fmt.Errorf("config %s: no analyses declared", path)
	}
	if cfg.API.MaxRetries < 1 {
		cfg.API.MaxRetries = 1
	}

	log.Printf("config: conversations=%s prompts=%s db=%s workers=%d analyses=%d",
		cfg.ConversationsDir, cfg.PromptsDir, cfg.DBPath, cfg.WorkerCount, len(cfg.Analyses))
	return cfg, nil
}

// PromptPath resolves a prompt variant filename against the prompts dir.
func (c Config) PromptPath(name string) string {
	return filepath.Join(c.PromptsDir, name)
}

// Timeout returns the per-call deadline.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.API.TimeoutSec) * time.Second
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Package config loads and validates SignalZero configuration from YAML,
// with environment-variable overrides for deployment settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all SignalZero configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Model transport configuration
	Model ModelConfig `yaml:"model"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Symbol catalog storage
	Store StoreConfig `yaml:"store"`

	// Context assembly budgets
	Context ContextConfig `yaml:"context"`

	// Prompt phase catalog
	Prompts PromptsConfig `yaml:"prompts"`

	// Seed catalog (default agents/symbols)
	Seeds SeedsConfig `yaml:"seeds"`

	// External symbol store sync
	Sync SyncConfig `yaml:"sync"`

	// HTTP surface
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig configures the LLM transport.
type ModelConfig struct {
	Provider    string  `yaml:"provider"` // local, openai
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"` // local provider generate endpoint
	ModelName   string  `yaml:"model_name"`
	BaseURL     string  `yaml:"base_url"` // openai-compatible base URL
	Timeout     string  `yaml:"timeout"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// EmbeddingConfig configures the embedding engine.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, hash
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
	TaskType       string `yaml:"task_type"`
}

// StoreConfig configures the SQLite symbol catalog.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// ContextConfig configures the context assembler's token budgets.
type ContextConfig struct {
	// Maximum tokens for the assembled prompt (default: 8192)
	MaxTokens int `yaml:"max_tokens"`

	// Tokens reserved for the shared preamble and phase template
	SystemReserved int `yaml:"system_reserved"`

	// Budget split across segments, must sum to <= 100
	AgentPercent   int `yaml:"agent_percent"`
	SymbolPercent  int `yaml:"symbol_percent"`
	HistoryPercent int `yaml:"history_percent"`

	// How many persisted turns to load into the history window
	RecentTurnWindow int `yaml:"recent_turn_window"`

	// How many nearest symbols to retrieve for the initial context set
	SearchK int `yaml:"search_k"`
}

// PromptsConfig locates the phase and shared prompt catalogs.
type PromptsConfig struct {
	PhaseDir  string `yaml:"phase_dir"`
	SharedDir string `yaml:"shared_dir"`
}

// SeedsConfig configures the seed catalog loaded at startup and the
// default agents/symbols always included in context assembly.
type SeedsConfig struct {
	SymbolCatalogPath string   `yaml:"symbol_catalog_path"`
	KitCatalogPath    string   `yaml:"kit_catalog_path"`
	AgentCatalogPath  string   `yaml:"agent_catalog_path"`
	DefaultAgentIDs   []string `yaml:"default_agent_ids"`
	DefaultSymbolIDs  []string `yaml:"default_symbol_ids"`
}

// SyncConfig configures the external managed symbol store client.
type SyncConfig struct {
	BaseURL   string `yaml:"base_url"`
	Timeout   string `yaml:"timeout"`
	PageLimit int    `yaml:"page_limit"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "SignalZero",
		Version: "0.4.0",

		Model: ModelConfig{
			Provider:    "local",
			APIURL:      "http://localhost:11434/api/generate",
			ModelName:   "deepseek-r1:8b",
			BaseURL:     "",
			Timeout:     "300s",
			MaxTokens:   1024,
			Temperature: 0.0,
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			TaskType:       "SEMANTIC_SIMILARITY",
		},

		Store: StoreConfig{
			DatabasePath: "data/signalzero.db",
		},

		Context: ContextConfig{
			MaxTokens:        8192,
			SystemReserved:   1000,
			AgentPercent:     15,
			SymbolPercent:    45,
			HistoryPercent:   40,
			RecentTurnWindow: 20,
			SearchK:          5,
		},

		Prompts: PromptsConfig{
			PhaseDir:  "data/prompts/user",
			SharedDir: "data/prompts/shared",
		},

		Seeds: SeedsConfig{
			SymbolCatalogPath: "data/symbols.json",
			KitCatalogPath:    "data/kits.json",
			AgentCatalogPath:  "data/agents.json",
		},

		Sync: SyncConfig{
			BaseURL:   "",
			Timeout:   "10s",
			PageLimit: 20,
		},

		Server: ServerConfig{
			Addr: ":8090",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if provider := os.Getenv("MODEL_PROVIDER"); provider != "" {
		c.Model.Provider = provider
	}
	if url := os.Getenv("MODEL_API_URL"); url != "" {
		c.Model.APIURL = url
	}
	if name := os.Getenv("MODEL_NAME"); name != "" {
		c.Model.ModelName = name
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Model.APIKey = key
		if c.Model.Provider == "" {
			c.Model.Provider = "openai"
		}
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.Model.BaseURL = url
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if url := os.Getenv("SYMBOL_STORE_URL"); url != "" {
		c.Sync.BaseURL = url
	}
	if path := os.Getenv("SIGZERO_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("SIGZERO_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
}

// GetModelTimeout returns the model call timeout as a duration.
func (c *Config) GetModelTimeout() time.Duration {
	d, err := time.ParseDuration(c.Model.Timeout)
	if err != nil {
		return 300 * time.Second
	}
	return d
}

// GetSyncTimeout returns the sync client timeout as a duration.
func (c *Config) GetSyncTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sync.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidModelProviders lists all supported model transport providers.
var ValidModelProviders = []string{"local", "openai"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidModelProviders {
		if c.Model.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid model provider: %s (valid: %v)", c.Model.Provider, ValidModelProviders)
	}

	if c.Model.Provider == "openai" && c.Model.APIKey == "" {
		return fmt.Errorf("model API key not configured (set OPENAI_API_KEY)")
	}

	if sum := c.Context.AgentPercent + c.Context.SymbolPercent + c.Context.HistoryPercent; sum > 100 {
		return fmt.Errorf("context budget split exceeds 100%%: %d", sum)
	}

	return nil
}

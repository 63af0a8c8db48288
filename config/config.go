package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/aschepis/backscratcher/recall/integrate"
	"github.com/aschepis/backscratcher/recall/runtime"
	"github.com/aschepis/backscratcher/recall/search"
)

// OllamaConfig represents configuration for the Ollama embedding provider.
type OllamaConfig struct {
	Host       string `yaml:"host,omitempty"`        // Ollama host (default: "http://localhost:11434")
	EmbedModel string `yaml:"embed_model,omitempty"` // Embedding model name
}

// OpenAIConfig represents configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key,omitempty"`         // OpenAI API key
	BaseURL        string `yaml:"base_url,omitempty"`        // Custom base URL (default: official API)
	ChatModel      string `yaml:"chat_model,omitempty"`      // Chat model for extraction/refinement/rerank
	EmbeddingModel string `yaml:"embedding_model,omitempty"` // Embedding model name
}

// ServerConfig is the daemon configuration.
type ServerConfig struct {
	Database       string `yaml:"database,omitempty"`        // SQLite database path
	VectorPath     string `yaml:"vector_path,omitempty"`     // Directory for the persistent vector store
	MigrationsPath string `yaml:"migrations_path,omitempty"` // Directory with migration SQL files
	LogFile        string `yaml:"log_file,omitempty"`        // Empty logs to stdout

	// Which provider embeds: "openai" or "ollama".
	EmbeddingProvider string `yaml:"embedding_provider,omitempty"`
	EmbeddingCache    int64  `yaml:"embedding_cache,omitempty"` // Max cached embeddings

	Ollama OllamaConfig `yaml:"ollama,omitempty"`
	OpenAI OpenAIConfig `yaml:"openai,omitempty"`

	Pipeline  runtime.Config      `yaml:"pipeline,omitempty"`
	Integrate integrate.Config    `yaml:"integrate,omitempty"`
	Search    search.Config       `yaml:"search,omitempty"`
	Recall    search.RecallConfig `yaml:"recall,omitempty"`
}

// GetServerConfigPath returns the default config file path.
// Can be overridden via RECALL_CONFIG_PATH environment variable.
func GetServerConfigPath() string {
	if envPath := os.Getenv("RECALL_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.recalld/config.yaml"
	}
	return filepath.Join(homeDir, ".recalld", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// LoadServerConfig loads configuration: defaults first, then the config
// file (if present) merged on top, then environment overrides for secrets.
func LoadServerConfig(path string) (*ServerConfig, error) {
	defaults := ServerConfig{
		Database:          "recall.db",
		VectorPath:        "recall.vectors",
		MigrationsPath:    "./migrations",
		EmbeddingProvider: "openai",
		EmbeddingCache:    4096,
		Ollama: OllamaConfig{
			Host:       "http://localhost:11434",
			EmbedModel: "mxbai-embed-large",
		},
		OpenAI: OpenAIConfig{
			BaseURL:        "https://api.openai.com/v1",
			ChatModel:      "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Pipeline:  runtime.DefaultConfig(),
		Integrate: integrate.DefaultConfig(),
		Search:    search.DefaultConfig(),
		Recall:    search.DefaultRecallConfig(),
	}

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		configYAML, err := os.ReadFile(expandedPath) //#nosec 304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileConfig ServerConfig
		if err := yaml.Unmarshal(configYAML, &fileConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := mergo.Merge(&defaults, fileConfig, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		defaults.OpenAI.APIKey = envKey
	}
	if envHost := os.Getenv("OLLAMA_HOST"); envHost != "" {
		defaults.Ollama.Host = envHost
	}

	return &defaults, nil
}

// SaveServerConfig saves the configuration to the specified path.
func SaveServerConfig(cfg *ServerConfig, path string) error {
	expandedPath := expandPath(path)

	dir := filepath.Dir(expandedPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

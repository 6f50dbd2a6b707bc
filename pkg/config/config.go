// Package config loads the parley configuration file: the provider roster,
// the tool connections, and the client defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/parley-chat/parley/pkg/ai"
	"github.com/parley-chat/parley/pkg/toolconn"
)

// File is the YAML structure of the config file.
type File struct {
	// DefaultProvider is the provider ID used when a request names none.
	DefaultProvider string `yaml:"default_provider"`

	// SystemPrompt is prepended to every conversation.
	SystemPrompt string `yaml:"system_prompt"`

	// Providers is the roster of configured LLM endpoints.
	Providers []ProviderEntry `yaml:"providers"`

	// Tools lists external tool providers to connect at startup.
	Tools []ToolEntry `yaml:"tools"`

	// History configures turn persistence.
	History HistoryEntry `yaml:"history"`
}

// ProviderEntry is one configured LLM endpoint.
type ProviderEntry struct {
	// ID names this entry; requests and secrets are keyed by it.
	ID string `yaml:"id"`

	// Family selects the wire protocol: "openai" (and compatibles) or
	// "bedrock".
	Family string `yaml:"family"`

	// Endpoint overrides the protocol's default base URL (OpenRouter,
	// DeepSeek, local Ollama, and the like).
	Endpoint string `yaml:"endpoint"`

	// APIKeyEnv names the environment variable holding the API key.
	// Bedrock entries leave it empty and use the AWS credential chain.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the model ID sent to the provider.
	Model string `yaml:"model"`

	// Temperature controls randomness (nil = provider default).
	Temperature *float64 `yaml:"temperature"`

	// MaxTokens caps the response length (0 = provider default).
	MaxTokens int `yaml:"max_tokens"`

	// Streaming requests incremental delivery. Defaults to true.
	Streaming *bool `yaml:"streaming"`

	// Images marks the entry as accepting image attachments.
	Images bool `yaml:"images"`

	// Region and Profile configure Bedrock entries. Both default to the
	// AWS environment (AWS_DEFAULT_REGION, ~/.aws/config).
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// ToolEntry is one configured tool provider.
type ToolEntry struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport"` // "stdio" | "sse"
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
	URL       string            `yaml:"url"`
}

// HistoryEntry configures turn persistence.
type HistoryEntry struct {
	// Dir is where conversation files are written.
	// Defaults to ~/.parley/history.
	Dir string `yaml:"dir"`
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR} references
// in string values before parsing.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg File
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *File) error {
	seen := make(map[string]bool)
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.Family = strings.ToLower(strings.TrimSpace(p.Family))
		if p.ID == "" {
			return fmt.Errorf("config: providers[%d]: id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Family == "" {
			return fmt.Errorf("config: provider %q: family is required", p.ID)
		}
		if p.Model == "" {
			return fmt.Errorf("config: provider %q: model is required", p.ID)
		}
	}

	if cfg.DefaultProvider != "" && !seen[cfg.DefaultProvider] {
		return fmt.Errorf("config: default_provider %q is not in providers", cfg.DefaultProvider)
	}
	if cfg.DefaultProvider == "" && len(cfg.Providers) > 0 {
		cfg.DefaultProvider = cfg.Providers[0].ID
	}

	toolSeen := make(map[string]bool)
	for i := range cfg.Tools {
		te := &cfg.Tools[i]
		te.Transport = strings.ToLower(strings.TrimSpace(te.Transport))
		if te.ID == "" {
			return fmt.Errorf("config: tools[%d]: id is required", i)
		}
		if toolSeen[te.ID] {
			return fmt.Errorf("config: duplicate tool id %q", te.ID)
		}
		toolSeen[te.ID] = true
		switch te.Transport {
		case "stdio":
			if te.Command == "" {
				return fmt.Errorf("config: tool %q: command is required for stdio", te.ID)
			}
		case "sse":
			if te.URL == "" {
				return fmt.Errorf("config: tool %q: url is required for sse", te.ID)
			}
		default:
			return fmt.Errorf("config: tool %q: unknown transport %q", te.ID, te.Transport)
		}
	}
	return nil
}

// Provider returns the entry with the given ID, or nil.
func (f *File) Provider(id string) *ProviderEntry {
	for i := range f.Providers {
		if f.Providers[i].ID == id {
			return &f.Providers[i]
		}
	}
	return nil
}

// ProviderConfigs converts the roster into engine configs.
func (f *File) ProviderConfigs() []ai.ProviderConfig {
	out := make([]ai.ProviderConfig, 0, len(f.Providers))
	for i := range f.Providers {
		out = append(out, f.Providers[i].ToProviderConfig())
	}
	return out
}

// ToProviderConfig converts one entry into an engine config.
func (e *ProviderEntry) ToProviderConfig() ai.ProviderConfig {
	streaming := true
	if e.Streaming != nil {
		streaming = *e.Streaming
	}
	return ai.ProviderConfig{
		ID:                e.ID,
		Family:            e.Family,
		Endpoint:          e.Endpoint,
		SecretRef:         e.APIKeyEnv,
		Model:             e.Model,
		Temperature:       e.Temperature,
		SupportsStreaming: streaming,
		SupportsImages:    e.Images,
		MaxTokens:         e.MaxTokens,
	}
}

// ToolConfigs converts the tool entries into connection configs.
func (f *File) ToolConfigs() []toolconn.Config {
	out := make([]toolconn.Config, 0, len(f.Tools))
	for _, te := range f.Tools {
		out = append(out, toolconn.Config{
			ID:        te.ID,
			Transport: toolconn.TransportKind(te.Transport),
			Command:   te.Command,
			Args:      te.Args,
			Env:       te.Env,
			URL:       te.URL,
		})
	}
	return out
}

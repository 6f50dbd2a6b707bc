package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
default_provider: deepseek
system_prompt: "Be brief."
providers:
  - id: deepseek
    family: openai
    endpoint: https://api.deepseek.com
    api_key_env: DEEPSEEK_API_KEY
    model: deepseek-reasoner
    temperature: 0.3
  - id: bedrock-sonnet
    family: bedrock
    model: anthropic.claude-3-5-sonnet-20241022-v2:0
    streaming: false
tools:
  - id: files
    transport: stdio
    command: ./tools/files
    args: ["--root", "/tmp"]
  - id: search
    transport: sse
    url: http://localhost:9000/stream
history:
  dir: /tmp/parley-history
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultProvider != "deepseek" {
		t.Errorf("default = %q", cfg.DefaultProvider)
	}
	if len(cfg.Providers) != 2 || len(cfg.Tools) != 2 {
		t.Fatalf("providers=%d tools=%d", len(cfg.Providers), len(cfg.Tools))
	}

	pc := cfg.Provider("deepseek").ToProviderConfig()
	if pc.SecretRef != "DEEPSEEK_API_KEY" || pc.Endpoint != "https://api.deepseek.com" {
		t.Errorf("provider config = %+v", pc)
	}
	if !pc.SupportsStreaming {
		t.Error("streaming should default to true")
	}
	if pc.Temperature == nil || *pc.Temperature != 0.3 {
		t.Errorf("temperature = %v", pc.Temperature)
	}

	bc := cfg.Provider("bedrock-sonnet").ToProviderConfig()
	if bc.SupportsStreaming {
		t.Error("streaming: false not honored")
	}

	tcs := cfg.ToolConfigs()
	if tcs[0].Command != "./tools/files" || len(tcs[0].Args) != 2 {
		t.Errorf("tool config = %+v", tcs[0])
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("PARLEY_TEST_ENDPOINT", "https://example.test/v1")
	path := writeConfig(t, `
providers:
  - id: p
    family: openai
    endpoint: ${PARLEY_TEST_ENDPOINT}
    model: m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Providers[0].Endpoint; got != "https://example.test/v1" {
		t.Errorf("endpoint = %q", got)
	}
	// First provider becomes the default when none is named.
	if cfg.DefaultProvider != "p" {
		t.Errorf("default = %q", cfg.DefaultProvider)
	}
}

func TestLoad_Rejections(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing model", "providers:\n  - id: p\n    family: openai\n"},
		{"missing family", "providers:\n  - id: p\n    model: m\n"},
		{"duplicate provider id", "providers:\n  - id: p\n    family: openai\n    model: m\n  - id: p\n    family: openai\n    model: m2\n"},
		{"unknown default", "default_provider: nope\nproviders:\n  - id: p\n    family: openai\n    model: m\n"},
		{"stdio without command", "tools:\n  - id: t\n    transport: stdio\n"},
		{"sse without url", "tools:\n  - id: t\n    transport: sse\n"},
		{"unknown transport", "tools:\n  - id: t\n    transport: carrier-pigeon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.body)); err == nil {
				t.Error("Load succeeded, want error")
			}
		})
	}
}

func TestEnvSecrets(t *testing.T) {
	f := &File{Providers: []ProviderEntry{
		{ID: "a", Family: "openai", Model: "m", APIKeyEnv: "PARLEY_TEST_KEY"},
		{ID: "aws", Family: "bedrock", Model: "m"},
	}}
	s := NewEnvSecrets(f)

	t.Setenv("PARLEY_TEST_KEY", "sk-123")
	key, err := s.GetSecret("a")
	if err != nil || key != "sk-123" {
		t.Errorf("GetSecret(a) = %q, %v", key, err)
	}

	// No env ref means credential-chain auth: empty key, no error.
	key, err = s.GetSecret("aws")
	if err != nil || key != "" {
		t.Errorf("GetSecret(aws) = %q, %v", key, err)
	}

	if _, err := s.GetSecret("nope"); err == nil {
		t.Error("unknown provider resolved")
	}

	t.Setenv("PARLEY_TEST_KEY", "")
	if _, err := s.GetSecret("a"); err == nil {
		t.Error("unset env var resolved")
	}
}

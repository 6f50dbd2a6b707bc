// Package models provides a catalog of well-known model metadata used to
// fill capability defaults in provider configs.
//
// The catalog is an explicit value constructed once and passed to whatever
// needs it — there is no package-level registry — so tests can substitute
// their own.
package models

import "strings"

// Info holds static metadata for a known model.
type Info struct {
	// ID is the canonical model identifier string.
	ID string

	// Family is the adapter family the model belongs to ("openai", "bedrock").
	Family string

	// DisplayName is a short human-readable name.
	DisplayName string

	// ContextWindow is the maximum number of input tokens (prompt + history).
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model generates in one response.
	MaxOutputTokens int

	// SupportsStreaming is true when the model's endpoint streams SSE deltas.
	SupportsStreaming bool

	// SupportsImages is true when the model accepts image inputs.
	SupportsImages bool

	// SupportsReasoning is true when responses may carry a separate
	// reasoning field alongside content.
	SupportsReasoning bool
}

// Catalog indexes model metadata by canonical ID.
type Catalog struct {
	byID map[string]*Info
}

// NewCatalog returns a catalog pre-populated with the built-in model table.
func NewCatalog() *Catalog {
	c := &Catalog{byID: make(map[string]*Info, len(builtin))}
	for i := range builtin {
		c.byID[builtin[i].ID] = &builtin[i]
	}
	return c
}

// Lookup returns the Info for id (exact match first, then prefix match in
// either direction, which handles versioned IDs like "gpt-4o-2024-08-06").
// Returns nil if the model is unknown.
func (c *Catalog) Lookup(id string) *Info {
	if m, ok := c.byID[id]; ok {
		return m
	}
	id = strings.ToLower(id)
	for k, m := range c.byID {
		kl := strings.ToLower(k)
		if strings.HasPrefix(id, kl) || strings.HasPrefix(kl, id) {
			return m
		}
	}
	return nil
}

// MaxOutputFor returns the max output tokens for id, or 0 if unknown.
func (c *Catalog) MaxOutputFor(id string) int {
	if m := c.Lookup(id); m != nil {
		return m.MaxOutputTokens
	}
	return 0
}

// All returns every catalog entry, unsorted.
func (c *Catalog) All() []*Info {
	out := make([]*Info, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	return out
}

var builtin = []Info{
	// ── OpenAI-compatible ──────────────────────────────────────────────────
	{
		ID: "gpt-4o", Family: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsStreaming: true, SupportsImages: true,
	},
	{
		ID: "gpt-4o-mini", Family: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutputTokens: 16384,
		SupportsStreaming: true, SupportsImages: true,
	},
	{
		ID: "o3", Family: "openai", DisplayName: "o3",
		ContextWindow: 200000, MaxOutputTokens: 100000,
		SupportsStreaming: true, SupportsImages: true, SupportsReasoning: true,
	},
	{
		ID: "deepseek-reasoner", Family: "openai", DisplayName: "DeepSeek R1",
		ContextWindow: 65536, MaxOutputTokens: 8192,
		SupportsStreaming: true, SupportsReasoning: true,
	},
	{
		ID: "deepseek-chat", Family: "openai", DisplayName: "DeepSeek V3",
		ContextWindow: 65536, MaxOutputTokens: 8192,
		SupportsStreaming: true,
	},
	{
		ID: "sonar-pro", Family: "openai", DisplayName: "Perplexity Sonar Pro",
		ContextWindow: 200000, MaxOutputTokens: 8192,
		SupportsStreaming: true,
	},
	{
		ID: "llama-3.3-70b-versatile", Family: "openai", DisplayName: "Llama 3.3 70B",
		ContextWindow: 128000, MaxOutputTokens: 32768,
		SupportsStreaming: true,
	},

	// ── Bedrock ────────────────────────────────────────────────────────────
	{
		ID: "us.anthropic.claude-sonnet-4-5-20250929-v1:0", Family: "bedrock",
		DisplayName:   "Claude Sonnet 4.5 (Bedrock)",
		ContextWindow: 200000, MaxOutputTokens: 64000,
		SupportsStreaming: true, SupportsImages: true, SupportsReasoning: true,
	},
	{
		ID: "us.amazon.nova-pro-v1:0", Family: "bedrock",
		DisplayName:   "Amazon Nova Pro",
		ContextWindow: 300000, MaxOutputTokens: 5120,
		SupportsStreaming: true, SupportsImages: true,
	},
}

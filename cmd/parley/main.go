// Binary parley streams chat completions from configured providers, with
// optional multi-provider fan-out and external tool connections.
//
// Usage:
//
//	parley [flags]
//
// Flags:
//
//	-config         path to YAML config file (default: parley.yaml)
//	-prompt         one-shot prompt (required unless listing)
//	-providers      comma-separated provider IDs to fan out to (default: the
//	                config's default provider)
//	-conversation   conversation ID to continue (prefix match)
//	-conversations  list recent conversations and exit
//	-test-tool      probe a configured tool connection and exit
//	-restart-tools  restart every tool connection before prompting
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/parley-chat/parley/pkg/ai"
	"github.com/parley-chat/parley/pkg/ai/models"
	"github.com/parley-chat/parley/pkg/ai/providers/bedrock"
	"github.com/parley-chat/parley/pkg/ai/providers/openai"
	"github.com/parley-chat/parley/pkg/config"
	"github.com/parley-chat/parley/pkg/history"
	"github.com/parley-chat/parley/pkg/stream"
	"github.com/parley-chat/parley/pkg/toolconn"
)

func main() {
	configPath := flag.String("config", "parley.yaml", "path to config file")
	prompt := flag.String("prompt", "", "one-shot prompt")
	providersFlag := flag.String("providers", "", "comma-separated provider IDs to fan out to")
	conversationFlag := flag.String("conversation", "", "conversation ID to continue (prefix match)")
	listConversations := flag.Bool("conversations", false, "list recent conversations and exit")
	testTool := flag.String("test-tool", "", "probe a configured tool connection and exit")
	restartTools := flag.Bool("restart-tools", false, "restart every tool connection before prompting")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}

	histDir := cfg.History.Dir
	if histDir == "" {
		histDir = history.DefaultDir()
	}

	if *listConversations {
		infos, err := history.List(histDir)
		if err != nil {
			fatalf("conversations: %v", err)
		}
		if len(infos) == 0 {
			fmt.Println("[no conversations]")
			return
		}
		for _, info := range infos {
			fmt.Printf("%s  %-30s  turns=%-3d  %s\n",
				info.ID[:8],
				firstNonEmpty(info.Title, info.FirstLine),
				info.TurnCount,
				info.Created.Format("2006-01-02 15:04"),
			)
		}
		return
	}

	manager := toolconn.NewManager(logger)
	defer manager.DisconnectAll()
	for _, tc := range cfg.ToolConfigs() {
		manager.Register(tc)
	}

	if *testTool != "" {
		entry := findToolConfig(cfg, *testTool)
		if entry == nil {
			fatalf("test-tool: no tool %q in config", *testTool)
		}
		n, err := manager.Test(context.Background(), *entry)
		if err != nil {
			fatalf("test-tool %s: %v", *testTool, err)
		}
		fmt.Printf("[parley] tool %s ok: %d tool(s) discovered\n", *testTool, n)
		return
	}

	if *prompt == "" {
		fatalf("usage: parley -prompt \"...\" (see -h)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tool connections come up before the prompt so the first turn can use
	// them. A failed connection is reported but never blocks chatting.
	if *restartTools {
		for _, o := range manager.RestartAll(ctx) {
			if o.Err != nil {
				fmt.Fprintf(os.Stderr, "[warn] tool %s: %v\n", o.ID, o.Err)
			}
		}
	} else {
		for _, id := range manager.IDs() {
			if err := manager.Connect(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "[warn] tool %s: %v\n", id, err)
			}
		}
	}
	for _, id := range manager.IDs() {
		if st, ok := manager.Status(id); ok && st.State == toolconn.StateConnected {
			fmt.Printf("[parley] tool %s connected (%d tools)\n", id, st.ToolCount)
		}
	}

	store := history.NewStore(histDir)
	defer store.Close()

	// Resolve target providers and fill capability defaults from the model
	// catalog where the config leaves them unset.
	targets, err := resolveProviders(cfg, *providersFlag)
	if err != nil {
		fatalf("%v", err)
	}
	catalog := models.NewCatalog()
	for i := range targets {
		applyCatalogDefaults(&targets[i], catalog)
	}

	// Resolve or create the conversation, then record the user's turn.
	conversationID, prior, err := resolveConversation(store, histDir, *conversationFlag)
	if err != nil {
		fatalf("conversation: %v", err)
	}
	userTurn := ai.NewTurn(conversationID, ai.RoleUser, *prompt)
	userTurn.Status = ai.TurnComplete
	if err := store.SaveTurn(userTurn); err != nil {
		fmt.Fprintf(os.Stderr, "[warn] history: %v\n", err)
	}

	llmCtx := ai.Context{
		SystemPrompt: cfg.SystemPrompt,
		Turns:        prior,
		Prompt:       *prompt,
	}

	secrets := config.NewEnvSecrets(cfg)

	if len(targets) == 1 {
		runSingle(ctx, cfg, targets[0], llmCtx, conversationID, secrets, store, logger)
		return
	}
	runFanOut(ctx, cfg, targets, llmCtx, conversationID, secrets, store, logger)
}

// runSingle streams one provider's reply to stdout as it arrives.
func runSingle(
	ctx context.Context,
	cfg *config.File,
	entry config.ProviderEntry,
	llmCtx ai.Context,
	conversationID string,
	secrets ai.Secrets,
	store stream.Store,
	logger *slog.Logger,
) {
	adapter, err := adapterFor(cfg)(entry.ToProviderConfig())
	if err != nil {
		fatalf("provider %s: %v", entry.ID, err)
	}

	var printed int
	coord := stream.New(stream.Options{
		Adapter: adapter,
		Config:  entry.ToProviderConfig(),
		Secrets: secrets,
		Store:   store,
		Notifier: stream.NotifierFunc(func(u stream.Update) {
			fmt.Print(u.TextSoFar[printed:])
			printed = len(u.TextSoFar)
			if u.Final {
				fmt.Println()
			}
		}),
		Logger: logger,
	})

	go func() {
		<-ctx.Done()
		coord.Cancel()
	}()

	turn, err := coord.Start(ctx, llmCtx, conversationID)
	if err != nil {
		fatalf("stream: %v", err)
	}
	if turn.Status == ai.TurnCancelled {
		fmt.Fprintln(os.Stderr, "\n[parley] cancelled — partial reply saved")
	}
}

// runFanOut queries every target at once and prints each reply when its
// agent settles.
func runFanOut(
	ctx context.Context,
	cfg *config.File,
	entries []config.ProviderEntry,
	llmCtx ai.Context,
	conversationID string,
	secrets ai.Secrets,
	store stream.Store,
	logger *slog.Logger,
) {
	configs := make([]ai.ProviderConfig, len(entries))
	for i, e := range entries {
		configs[i] = e.ToProviderConfig()
	}

	d := stream.NewDispatcher(stream.DispatcherOptions{
		AdapterFor: adapterFor(cfg),
		Secrets:    secrets,
		Store:      store,
		Logger:     logger,
	})

	go func() {
		<-ctx.Done()
		d.CancelAll()
	}()

	fmt.Printf("[parley] querying %d providers…\n", len(configs))
	res := d.Dispatch(ctx, llmCtx, conversationID, configs)

	for _, s := range res.Succeeded {
		fmt.Printf("\n=== %s (%s) ===\n%s\n", s.Config.ID, s.Config.Model, s.Turn.Content)
	}
	for _, f := range res.Failed {
		fmt.Fprintf(os.Stderr, "\n=== %s ===\nfailed: %v\n", f.Config.ID, f.Err)
	}
	if len(res.Succeeded) == 0 {
		os.Exit(1)
	}
}

// adapterFor maps a provider config to its protocol adapter by family.
func adapterFor(cfg *config.File) func(ai.ProviderConfig) (ai.Adapter, error) {
	return func(pc ai.ProviderConfig) (ai.Adapter, error) {
		switch pc.Family {
		case "openai":
			return openai.New(), nil
		case "bedrock":
			entry := cfg.Provider(pc.ID)
			if entry == nil {
				return nil, fmt.Errorf("provider %q not in config", pc.ID)
			}
			return bedrock.New(entry.Region, entry.Profile), nil
		default:
			return nil, fmt.Errorf("unknown provider family %q", pc.Family)
		}
	}
}

// applyCatalogDefaults fills unset capability fields from the model catalog.
// Explicit config always wins; unknown models are left alone.
func applyCatalogDefaults(entry *config.ProviderEntry, catalog *models.Catalog) {
	info := catalog.Lookup(entry.Model)
	if info == nil {
		return
	}
	if entry.MaxTokens == 0 {
		entry.MaxTokens = info.MaxOutputTokens
	}
	if entry.Streaming == nil {
		s := info.SupportsStreaming
		entry.Streaming = &s
	}
	if !entry.Images {
		entry.Images = info.SupportsImages
	}
}

func resolveProviders(cfg *config.File, flagValue string) ([]config.ProviderEntry, error) {
	if flagValue == "" {
		entry := cfg.Provider(cfg.DefaultProvider)
		if entry == nil {
			return nil, fmt.Errorf("no providers configured")
		}
		return []config.ProviderEntry{*entry}, nil
	}

	var out []config.ProviderEntry
	for _, id := range strings.Split(flagValue, ",") {
		id = strings.TrimSpace(id)
		entry := cfg.Provider(id)
		if entry == nil {
			return nil, fmt.Errorf("provider %q not in config", id)
		}
		out = append(out, *entry)
	}
	return out, nil
}

// resolveConversation either reopens an existing conversation (returning its
// prior turns for context) or mints a new one.
func resolveConversation(store *history.Store, dir, prefix string) (string, []ai.Turn, error) {
	if prefix == "" {
		conv, err := history.Create(dir, "")
		if err != nil {
			return "", nil, err
		}
		id := conv.ID()
		conv.Close()
		fmt.Printf("[parley] conversation %s\n", id[:8])
		return id, nil, nil
	}

	conv, err := history.Load(dir, prefix)
	if err != nil {
		return "", nil, err
	}
	id := conv.ID()
	turns, err := conv.Turns()
	conv.Close()
	if err != nil {
		return "", nil, err
	}
	fmt.Printf("[parley] resumed conversation %s (%d turns)\n", id[:8], len(turns))
	return id, turns, nil
}

func findToolConfig(cfg *config.File, id string) *toolconn.Config {
	for _, tc := range cfg.ToolConfigs() {
		if tc.ID == id {
			return &tc
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return "(untitled)"
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "parley: "+format+"\n", args...)
	os.Exit(1)
}

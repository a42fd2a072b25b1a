package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"engram/internal/agent"
	"engram/internal/compact"
	"engram/internal/config"
	"engram/internal/llm"
	mockclient "engram/internal/llm/mockclient"
	"engram/internal/logging"
	"engram/internal/memory"
	"engram/internal/openrouter"
	"engram/internal/state"
	"engram/internal/telemetry"
	"engram/internal/tokens"
	"engram/internal/tooling"
)

// Version is stamped by the release build through -ldflags.
var Version = "dev"

func main() {
	var (
		workspacePath = flag.String("workspace", "", "Override the workspace root directory")
		resumeKey     = flag.String("resume", "", "Resume an existing session key")
		listSessions  = flag.Bool("list-sessions", false, "List stored sessions and exit")
		promptFlag    = flag.String("p", "", "Run a single prompt non-interactively and exit")
		profileFlag   = flag.String("profile", "", "Device profile for this run (mobile, laptop, desktop, server)")
		versionFlag   = flag.Bool("version", false, "Print version and exit")
	)
	flag.StringVar(promptFlag, "prompt", "", "Run a single prompt non-interactively and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("Engram version %s\n", Version)
		return
	}

	if err := config.EnsureDefaultConfig(); err != nil {
		log.Fatalf("cannot write default config: %v", err)
	}
	cfg, err := config.LoadUserConfig()
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	if workspace := strings.TrimSpace(*workspacePath); workspace != "" {
		cfg.WorkspaceRoot = workspace
	}

	logger := logging.Setup(logging.Options{
		Path:       cfg.LogPath,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	structured := logging.NewStructuredLogger(logger, "engram", false)

	absRoot, err := filepath.Abs(cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalf("cannot resolve workspace root: %v", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		log.Fatalf("cannot create workspace root: %v", err)
	}

	states, err := state.NewManager(cfg.SystemPrompt, cfg.ConversationDir, logger)
	if err != nil {
		log.Fatalf("cannot open conversation store: %v", err)
	}

	if *listSessions {
		printSessionList(states.Summaries())
		return
	}

	mem := memory.Open(cfg.MemoryPath, structured.WithComponent("memory"))
	if kind := deviceProfileOverride(*profileFlag, cfg.DeviceProfile); kind != "" {
		if _, ok := memory.ProfilePreset(kind); !ok {
			log.Fatalf("Unknown device profile %q (choose one of: %s)", kind, strings.Join(memory.ProfileKinds(), ", "))
		}
		mem.SetDeviceProfile(kind)
	}

	tel, err := telemetry.Open(cfg.TelemetryPath)
	if err != nil {
		logging.ErrorLog("telemetry disabled: %v", err)
		tel = nil
	} else {
		defer tel.Close()
	}

	engine := compact.NewEngine(tokens.NewCharEstimator(), cfg.KeepRecentMessages, structured.WithComponent("compact"))

	registry := tooling.NewRegistry(tooling.DefaultTools(tooling.Options{
		WorkspaceRoot: absRoot,
		ShellTimeout:  cfg.ShellTimeout(),
		FetchTimeout:  cfg.RequestTimeout(),
	})...)

	client, err := buildClient(cfg, logger)
	if err != nil {
		log.Fatalf("cannot build provider client: %v", err)
	}

	agentInstance := agent.New(client, cfg, config.Path(), states, mem, engine, tel, registry, logger, agent.Options{
		ResumeKey: strings.TrimSpace(*resumeKey),
		Version:   Version,
	})

	if *promptFlag != "" {
		if err := agentInstance.RunOneShot(context.Background(), *promptFlag); err != nil {
			log.Fatalf("prompt failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := agentInstance.Run(ctx); err != nil {
		log.Fatalf("session failed: %v", err)
	}
}

// buildClient selects the provider. ENGRAM_MOCK_LLM=1 forces the offline mock
// regardless of configuration.
func buildClient(cfg config.Config, logger *log.Logger) (llm.Client, error) {
	if os.Getenv("ENGRAM_MOCK_LLM") == "1" {
		logger.Println("ENGRAM_MOCK_LLM=1 detected; using mock LLM client")
		return mockclient.New(), nil
	}
	switch strings.ToLower(cfg.Provider) {
	case "mock":
		return mockclient.New(), nil
	case "openrouter":
		apiKey := cfg.APIKey()
		if apiKey == "" {
			return nil, fmt.Errorf("no API key found: set %s or switch provider to mock", cfg.APIKeyEnv)
		}
		logger.Printf("OpenRouter provider ready (model %s)", cfg.Model)
		return openrouter.NewClient(cfg.BaseURL, apiKey, cfg.RequestTimeout(), logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q (supported: openrouter, mock)", cfg.Provider)
	}
}

// deviceProfileOverride resolves the profile for this run: the flag wins,
// then the config file; empty means keep whatever the store already has.
func deviceProfileOverride(flagValue, configValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return strings.ToLower(v)
	}
	return strings.TrimSpace(strings.ToLower(configValue))
}

func printSessionList(sums []state.Summary) {
	if len(sums) == 0 {
		fmt.Println("No stored sessions yet.")
		return
	}
	fmt.Printf("Stored sessions (%d):\n", len(sums))
	for i, s := range sums {
		fmt.Printf("  %d) %s  (%d messages, updated %s)\n", i+1, s.Key, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

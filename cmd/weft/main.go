// Command weft drives LLM coding agents over branching session trees.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/config"
	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/models/gemini"
	"github.com/weft-dev/weft/pkg/models/openai"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/sandbox"
	"github.com/weft-dev/weft/pkg/sandbox/docker"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/store/jsonl"
	"github.com/weft-dev/weft/pkg/store/sqlite"
	"github.com/weft-dev/weft/pkg/tokens"
	"github.com/weft-dev/weft/pkg/tools"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "weft",
		Short: "Agent runtime over branching session trees",
		Long: `Weft runs LLM coding agents against a persistent session tree.
Turns stream model output and tool calls, long histories are compacted
in place, and any entry can be forked into a new branch and replayed.

Run weft with no arguments to open the interactive chat.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runChat,
	}
	root.PersistentFlags().String("config", "", "path to weft.yaml")
	root.AddCommand(
		newChatCmd(),
		newRunCmd(),
		newServeCmd(),
		newSessionsCmd(),
		newBranchesCmd(),
		newInitCmd(),
	)
	return root
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default weft.yaml in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat("weft.yaml"); err == nil {
				return fmt.Errorf("weft.yaml already exists, not overwriting")
			}
			if err := config.Save(config.Default(), "weft.yaml"); err != nil {
				return err
			}
			fmt.Println("Created weft.yaml.")
			fmt.Println("Set GEMINI_API_KEY (or OPENAI_API_KEY) and run: weft")
			return nil
		},
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}

// setupFileLogging sends slog to a file under the store root so log
// lines never tear up interactive terminal output.
func setupFileLogging(root string) (*os.File, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating store root: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(root, "weft.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel()})))
	return f, nil
}

// logLevel reads LOG_LEVEL. TRACE turns on wire dumps in the provider
// clients.
func logLevel() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "TRACE":
		return models.LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return sqlite.New(filepath.Join(cfg.Store.Root, "weft.db"))
	case "", "jsonl":
		return jsonl.NewStore(cfg.Store.Root), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildProvider(ctx context.Context, cfg config.Config) (models.Provider, error) {
	key := cfg.APIKey()
	switch cfg.Provider {
	case "openai":
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return openai.New(key, cfg.BaseURL), nil
	case "", "gemini":
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is not set")
		}
		return gemini.New(ctx, key)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// buildEnvironment picks the shell backend: a docker sandbox when an
// image is configured, the host otherwise.
func buildEnvironment(cfg config.Config, workdir string) (sandbox.Environment, error) {
	if cfg.Sandbox.Image == "" {
		return sandbox.NewHost(workdir), nil
	}
	return docker.New(cfg.Sandbox.Image, workdir, cfg.Sandbox.Ports...)
}

// buildRegistry assembles the full tool set for one session. The
// runner narrows it to the session profile's tool list.
func buildRegistry(env sandbox.Environment, sessionID, workdir string) *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range tools.NewFileTools(workdir) {
		reg.Register(t)
	}
	reg.Register(sandbox.NewShellTool(env, sessionID))
	return reg
}

// sessionModel resolves the model for a session: the profile's model
// when it names one, the configured default otherwise.
func sessionModel(cfg config.Config, sess store.Session) string {
	if m := sess.Header().Profile.Model; m != "" {
		return m
	}
	return cfg.Model
}

// newLoop wires a runner and its compactor the same way for every
// command: one estimator shared by both, budget derived from the model.
func newLoop(cfg config.Config, provider models.Provider, sess store.Session, reg *tools.Registry, sink runner.Sink) (*runner.Runner, *compact.Compactor) {
	model := sessionModel(cfg, sess)
	estimator := tokens.NewCharEstimator()
	budget := tokens.BudgetForModel(model, cfg.Run.MaxOutputTokens)
	compactor := compact.New(compact.Config{
		Provider:  provider,
		Model:     model,
		Budget:    budget,
		Estimator: estimator,
		Threshold: cfg.Compact.Threshold,
		KeepTurns: cfg.Compact.KeepTurns,
	})
	loop := runner.New(runner.Config{
		Session:          sess,
		Provider:         provider,
		Model:            model,
		Tools:            reg,
		Compactor:        compactor,
		Estimator:        estimator,
		Sink:             sink,
		MaxParallelTools: cfg.Run.MaxParallelTools,
		MaxAttempts:      cfg.Run.MaxAttempts,
		MaxIterations:    cfg.Run.MaxIterations,
		MaxOutputTokens:  cfg.Run.MaxOutputTokens,
	})
	return loop, compactor
}

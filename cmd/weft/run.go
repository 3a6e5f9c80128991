package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/runner"
	"github.com/weft-dev/weft/pkg/store"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <message>",
		Short: "Run one agent exchange without the TUI",
		Long: `Run sends a single message, streams the turns to stdout, and
exits when the agent stops. Pass --session to continue an existing
session; otherwise a new one is created and its id printed.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().String("session", "", "session id to continue")
	cmd.Flags().String("branch", "", "branch to run on (default: active)")
	cmd.Flags().String("profile", "", "profile id for a new session")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logFile, err := setupFileLogging(cfg.Store.Root)
	if err != nil {
		return err
	}
	defer logFile.Close()

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	provider, err := buildProvider(ctx, cfg)
	if err != nil {
		return err
	}
	workdir, err := os.Getwd()
	if err != nil {
		return err
	}
	env, err := buildEnvironment(cfg, workdir)
	if err != nil {
		return err
	}
	defer env.Close()

	sessionID, _ := cmd.Flags().GetString("session")
	var sess store.Session
	if sessionID != "" {
		sess, err = st.LoadSession(sessionID)
	} else {
		profileID, _ := cmd.Flags().GetString("profile")
		sess, err = st.NewSession(profileID, "")
		if err == nil {
			fmt.Fprintln(os.Stderr, "session:", sess.ID())
		}
	}
	if err != nil {
		return err
	}
	defer sess.Close()

	loop, _ := newLoop(cfg, provider, sess, buildRegistry(env, sess.ID(), workdir), printEvent)

	branch, _ := cmd.Flags().GetString("branch")
	res, err := loop.Run(ctx, branch, []models.Message{{
		Role:    store.RoleUser,
		Content: []store.Content{store.Text(args[0])},
	}})
	if err != nil {
		return err
	}
	if res.StopReason != models.StopReasonStop {
		fmt.Fprintln(os.Stderr, "stopped:", res.StopReason)
	}
	return nil
}

// printEvent writes the run to stdout as it happens. Thinking deltas
// stay in the log only.
func printEvent(e runner.Event) {
	switch e.Type {
	case runner.EventModelDelta:
		if !e.Thinking {
			fmt.Print(e.Delta)
		}
	case runner.EventToolStart:
		fmt.Printf("\n[tool %s]\n", e.Call.Name)
	case runner.EventToolEnd:
		if e.IsError {
			fmt.Printf("[tool %s failed]\n", e.Call.Name)
		}
	case runner.EventCompaction:
		fmt.Println("\n[history compacted]")
	case runner.EventTurnEnd:
		fmt.Println()
	}
}

package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/weft-dev/weft/pkg/compact"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tokens"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd(), newSessionsForkCmd())
	return cmd
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			infos, err := st.ListSessions()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tPROFILE\tSTATUS\tMODIFIED")
			for _, info := range infos {
				name := info.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					info.ID, name, info.ProfileName, info.Status,
					info.Modified.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <session>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			sess, err := st.LoadSession(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			branch, _ := cmd.Flags().GetString("branch")
			entries, err := sess.Materialize(branch)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Print(formatEntry(e))
			}

			nodes, err := sess.Tree()
			if err != nil {
				return err
			}
			total := usageTotals(nodes)
			if total.InputTokens+total.OutputTokens > 0 {
				fmt.Printf("--- usage: %d in, %d out", total.InputTokens, total.OutputTokens)
				if total.Cost > 0 {
					fmt.Printf(", $%.4f", total.Cost)
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().String("branch", "", "branch to show (default: active)")
	return cmd
}

// usageTotals sums persisted per-entry usage across the whole tree, so
// the figure covers every branch, including compacted-away entries.
func usageTotals(nodes []store.Node) store.Usage {
	var total store.Usage
	var walk func([]store.Node)
	walk = func(ns []store.Node) {
		for _, n := range ns {
			if m := n.Entry.Message; m != nil && m.Usage != nil {
				total.InputTokens += m.Usage.InputTokens
				total.OutputTokens += m.Usage.OutputTokens
				total.CacheTokens += m.Usage.CacheTokens
				total.Cost += m.Usage.Cost
			}
			walk(n.Children)
		}
	}
	walk(nodes)
	return total
}

func newSessionsForkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fork <session>",
		Short: "Copy a whole session into a new one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			sess, err := st.ForkSession(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			fmt.Println(sess.ID())
			return nil
		},
	}
}

// resolveEntry turns ref into an entry id. A ref that is not an id is
// looked up as a label bookmark.
func resolveEntry(sess store.Session, ref string) (string, error) {
	if _, ok := sess.Get(ref); ok {
		return ref, nil
	}
	nodes, err := sess.Tree()
	if err != nil {
		return "", err
	}
	var walk func([]store.Node) string
	walk = func(ns []store.Node) string {
		for _, n := range ns {
			if n.Label == ref {
				return n.Entry.ID
			}
			if id := walk(n.Children); id != "" {
				return id
			}
		}
		return ""
	}
	if id := walk(nodes); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("no entry or label %q", ref)
}

// formatEntry renders one materialized entry for plain-text output.
func formatEntry(e store.Entry) string {
	switch e.Type {
	case store.TypeMessage:
		var b strings.Builder
		fmt.Fprintf(&b, "--- %s\n", e.Message.Role)
		for _, c := range e.Message.Content {
			switch {
			case c.Text != nil:
				b.WriteString(c.Text.Content)
				b.WriteString("\n")
			case c.ToolUse != nil:
				fmt.Fprintf(&b, "[tool %s]\n", c.ToolUse.Name)
			case c.ToolResult != nil:
				status := "ok"
				if c.ToolResult.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "[result %s]\n", status)
			}
		}
		return b.String()
	case store.TypeCompaction:
		return fmt.Sprintf("--- compaction (%d entries summarized)\n%s\n",
			e.Compaction.Replaced, e.Compaction.Summary)
	default:
		return ""
	}
}

func newBranchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branches",
		Short: "Inspect and fork session branches",
	}
	cmd.AddCommand(newBranchesListCmd(), newBranchesForkCmd(), newBranchesSwitchCmd())
	return cmd
}

func newBranchesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session>",
		Short: "List a session's branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			sess, err := st.LoadSession(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			active := sess.Active()
			for _, b := range sess.Branches() {
				marker := " "
				if b.Name == active {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, b.Name)
			}
			return nil
		},
	}
}

func newBranchesForkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork <session> <name>",
		Short: "Fork a new branch and switch to it",
		Long: `Fork creates a branch at an entry and makes it active. When --at
rewinds past the source leaf, --summarize asks the model for a short
summary of the abandoned tail and records it on the new branch.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			sess, err := st.LoadSession(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()

			source := sess.Active()
			sourceLeaf, err := sess.Leaf("")
			if err != nil {
				return err
			}
			at, _ := cmd.Flags().GetString("at")
			if at == "" {
				at = sourceLeaf
			} else if at, err = resolveEntry(sess, at); err != nil {
				return err
			}
			if err := sess.Fork(at, args[1]); err != nil {
				return err
			}
			if err := sess.Switch(args[1]); err != nil {
				return err
			}

			withSummary, _ := cmd.Flags().GetBool("summarize")
			if withSummary && at != sourceLeaf {
				provider, err := buildProvider(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				comp := compact.New(compact.Config{
					Provider:  provider,
					Model:     sessionModel(cfg, sess),
					Estimator: tokens.NewCharEstimator(),
				})
				summary, err := comp.SummarizeBranch(cmd.Context(), sess, source, at)
				if err != nil {
					return err
				}
				if summary != "" {
					if _, err := sess.AppendBranchSummary(summary, sourceLeaf); err != nil {
						return err
					}
				}
			}

			fmt.Printf("forked %s at %s\n", args[1], at)
			return nil
		},
	}
	cmd.Flags().String("at", "", "entry id or label to fork from (default: active leaf)")
	cmd.Flags().Bool("summarize", false, "summarize the abandoned tail onto the new branch")
	return cmd
}

func newBranchesSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <session> <name>",
		Short: "Make a branch the active one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			sess, err := st.LoadSession(args[0])
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Switch(args[1])
		},
	}
}

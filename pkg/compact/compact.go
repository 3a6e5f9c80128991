// Package compact reclaims context budget by replacing the oldest
// complete turns of a branch with a model-written summary entry.
package compact

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/weft-dev/weft/pkg/models"
	"github.com/weft-dev/weft/pkg/store"
	"github.com/weft-dev/weft/pkg/tokens"
)

const (
	// DefaultThreshold is the fraction of the transcript budget at which
	// compaction triggers. 0.8 means compact when usage reaches 80%.
	DefaultThreshold = 0.8

	// DefaultKeepTurns is how many of the most recent complete turns
	// survive a compaction as literal entries.
	DefaultKeepTurns = 2

	// minEntries skips compaction of very short histories.
	minEntries = 10

	// maxSummaryTokens caps the summarization response.
	maxSummaryTokens = 2048
)

// Config wires a Compactor. Provider and Model are required; zero values
// elsewhere pick defaults.
type Config struct {
	Provider models.Provider

	// Model used for the summarization call.
	Model string

	// Budget bounds the context estimate. A zero Budget is derived from
	// Model.
	Budget tokens.Budget

	// Estimator tracks the session's chars-per-token ratio. Shared with
	// the loop driving the session so observed usage feeds back in.
	Estimator *tokens.CharEstimator

	// Threshold overrides DefaultThreshold when > 0.
	Threshold float64

	// KeepTurns overrides DefaultKeepTurns when > 0.
	KeepTurns int

	Logger *slog.Logger
}

// Compactor watches a branch's materialized context size and, when it
// outgrows the budget, folds the oldest turns into a compaction entry.
type Compactor struct {
	provider  models.Provider
	model     string
	budget    tokens.Budget
	estimator *tokens.CharEstimator
	threshold float64
	keepTurns int
	log       *slog.Logger
}

// New builds a Compactor from cfg, filling in defaults.
func New(cfg Config) *Compactor {
	c := &Compactor{
		provider:  cfg.Provider,
		model:     cfg.Model,
		budget:    cfg.Budget,
		estimator: cfg.Estimator,
		threshold: cfg.Threshold,
		keepTurns: cfg.KeepTurns,
		log:       cfg.Logger,
	}
	if c.budget.ContextWindow == 0 {
		c.budget = tokens.BudgetForModel(cfg.Model, 0)
	}
	if c.estimator == nil {
		c.estimator = tokens.NewCharEstimator()
	}
	if c.threshold <= 0 {
		c.threshold = DefaultThreshold
	}
	if c.keepTurns <= 0 {
		c.keepTurns = DefaultKeepTurns
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// ShouldCompact reports whether the branch's estimated context size
// exceeds the configured fraction of the transcript budget. The estimate
// is heuristic, so the threshold errs toward compacting early rather
// than overrunning the real window.
func (c *Compactor) ShouldCompact(sess store.Session, branch string) bool {
	entries, err := sess.Materialize(branch)
	if err != nil || len(entries) == 0 {
		return false
	}
	estimate := c.estimator.Estimate(entries)
	return float64(estimate) > c.threshold*float64(c.budget.TranscriptBudget())
}

// Compact replaces the oldest complete turns of the branch with a summary
// entry and returns its id. The most recent KeepTurns complete turns stay
// literal, the cut never lands between a tool call and its result, and
// entries already covered by an earlier compaction are not re-summarized.
// Returns "" with a nil error when nothing is eligible, so an immediate
// re-run after a compaction is a no-op.
//
// The branch must be the session's active branch ("" selects it), since
// the compaction entry is appended through the active-branch writer.
func (c *Compactor) Compact(ctx context.Context, sess store.Session, branch string) (string, error) {
	if branch != "" && branch != sess.Active() {
		return "", fmt.Errorf("compact targets the active branch %q, not %q", sess.Active(), branch)
	}

	entries, err := sess.Materialize(branch)
	if err != nil {
		return "", err
	}
	if len(entries) < minEntries {
		return "", nil
	}

	cut := cutIndex(entries, c.keepTurns)
	if cut < 0 {
		return "", nil
	}

	replaced := entries[:cut+1]
	count := len(replaced)
	if replaced[0].Type == store.TypeCompaction && replaced[0].Compaction != nil {
		// The earlier summary folds in; count the literals it stood for.
		count = replaced[0].Compaction.Replaced + len(replaced) - 1
	}
	before := c.estimator.Estimate(replaced)

	c.log.Info("Compaction triggered",
		"session", sess.ID(),
		"branch", sess.Active(),
		"entries", count,
		"tokensBefore", before,
	)

	summary, sumErr := c.summarize(ctx, summaryPrompt, replaced)
	if sumErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		c.log.Warn("Summarization failed, truncating instead",
			"session", sess.ID(),
			"error", sumErr,
		)
		summary = truncationSummary(replaced, count)
	}

	centry := &store.CompactionEntry{
		Summary:      summary,
		Replaced:     count,
		TokensBefore: before,
	}
	centry.TokensAfter = c.estimator.Estimate([]store.Entry{{
		Type:       store.TypeCompaction,
		Compaction: centry,
	}})

	id, err := sess.AppendCompaction(centry, entries[cut].ID)
	if err != nil {
		return "", err
	}

	c.log.Info("Compacted context",
		"session", sess.ID(),
		"entry", id,
		"tokensAfter", centry.TokensAfter,
		"degraded", sumErr != nil,
	)
	return id, nil
}

// SummarizeBranch summarizes the part of branch after entry afterID, for
// carrying into a branch forked at that entry. Returns "" with a nil
// error when nothing comes after it.
func (c *Compactor) SummarizeBranch(ctx context.Context, sess store.Session, branch, afterID string) (string, error) {
	entries, err := sess.Materialize(branch)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, e := range entries {
		if e.ID == afterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("entry not on branch %q: %s", branch, afterID)
	}
	tail := entries[idx+1:]
	if len(tail) == 0 {
		return "", nil
	}
	return c.summarize(ctx, branchSummaryPrompt, tail)
}

const summarizerSystem = "You are a conversation summarizer."

const summaryPrompt = "You are summarizing a conversation history for context compaction. " +
	"Create a dense, comprehensive summary of the following conversation that preserves:\n" +
	"- Key decisions and outcomes\n" +
	"- Important code/files that were created or modified\n" +
	"- Current state of any ongoing tasks\n" +
	"- Any instructions or preferences the user expressed\n\n" +
	"Be thorough but concise. This summary will replace the original messages.\n\n" +
	"CONVERSATION TO SUMMARIZE:\n\n"

const branchSummaryPrompt = "You are summarizing an abandoned conversation path so its context " +
	"can carry into a new branch. Briefly capture what was attempted, what " +
	"was learned, and anything that might matter on the new path.\n\n" +
	"ABANDONED PATH:\n\n"

func (c *Compactor) summarize(ctx context.Context, prompt string, entries []store.Entry) (string, error) {
	resp, err := models.Complete(ctx, c.provider, models.Request{
		Model:  c.model,
		System: summarizerSystem,
		Messages: []models.Message{{
			Role:    store.RoleUser,
			Content: []store.Content{store.Text(prompt + renderTranscript(entries))},
		}},
		MaxOutputTokens: maxSummaryTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization call: %w", err)
	}

	var summary string
	for _, block := range resp.Content {
		if block.Type == store.ContentTypeText && block.Text != nil {
			summary = strings.TrimSpace(block.Text.Content)
			break
		}
	}
	if summary == "" {
		return "", fmt.Errorf("model returned an empty summary")
	}
	return summary, nil
}

// truncationSummary stands in when the summarization call fails. It names
// the dropped range so the model knows context went missing.
func truncationSummary(entries []store.Entry, count int) string {
	first := entries[0].Timestamp
	last := entries[len(entries)-1].Timestamp
	return fmt.Sprintf(
		"Earlier context was removed without summarization: %d entries between %s and %s no longer fit the model's context window. Ask the user to restate anything essential from that range.",
		count,
		first.Format(time.RFC3339),
		last.Format(time.RFC3339),
	)
}

// cutIndex picks the index of the last entry a compaction will replace:
// the end of the newest complete turn that still leaves keepTurns complete
// turns literal. Returns -1 when the view holds no eligible boundary.
func cutIndex(entries []store.Entry, keepTurns int) int {
	ends := turnEnds(entries)
	if len(ends) <= keepTurns {
		return -1
	}
	return ends[len(ends)-keepTurns-1]
}

// turnEnds returns the indices that complete an assistant turn: an
// assistant message with no tool calls, or the tool message answering the
// last outstanding call of the batch. A batch still waiting on results
// has no end and cannot be cut.
func turnEnds(entries []store.Entry) []int {
	var ends []int
	pending := make(map[string]bool)
	inTurn := false
	for i, e := range entries {
		if e.Type != store.TypeMessage || e.Message == nil {
			continue
		}
		switch e.Message.Role {
		case store.RoleAssistant:
			pending = make(map[string]bool)
			for _, block := range e.Message.Content {
				if block.Type == store.ContentTypeToolUse && block.ToolUse != nil {
					pending[block.ToolUse.ID] = true
				}
			}
			if len(pending) == 0 {
				ends = append(ends, i)
				inTurn = false
			} else {
				inTurn = true
			}
		case store.RoleTool:
			for _, block := range e.Message.Content {
				if block.Type == store.ContentTypeToolResult && block.ToolResult != nil {
					delete(pending, block.ToolResult.ToolUseID)
				}
			}
			if inTurn && len(pending) == 0 {
				ends = append(ends, i)
				inTurn = false
			}
		}
	}
	return ends
}

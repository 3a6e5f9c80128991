package tokens

import (
	"encoding/json"

	"github.com/weft-dev/weft/pkg/store"
)

// defaultCharsPerToken is the initial ratio before calibration. 4.0 is
// conservative for English text mixed with code; BPE tokenizers typically
// land between 3.5 and 4.5 characters per token. Overestimating token
// counts triggers compaction slightly early rather than risking a context
// overflow from the provider.
const defaultCharsPerToken = 4.0

// defaultSmoothing is the EMA weight given to each new observation.
const defaultSmoothing = 0.3

// CharEstimator estimates token counts from character counts using a
// ratio that calibrates itself from actual provider usage. The first real
// observation replaces the default outright; later ones blend in via
// exponential moving average, smoothing over turns with different content
// profiles (prose-heavy vs JSON-heavy tool output).
//
// Not safe for concurrent use. The runner drives one estimator per
// session from a single goroutine.
type CharEstimator struct {
	charsPerToken float64
	smoothing     float64
	observations  int
}

func NewCharEstimator() *CharEstimator {
	return &CharEstimator{
		charsPerToken: defaultCharsPerToken,
		smoothing:     defaultSmoothing,
	}
}

// Estimate returns the estimated token count for the given entries.
// Always rounds up; overestimating is the safe direction.
func (estimator *CharEstimator) Estimate(entries []store.Entry) int {
	chars := CharCount(entries)
	return int(float64(chars)/estimator.charsPerToken) + 1
}

// Ratio returns the current characters-per-token calibration.
func (estimator *CharEstimator) Ratio() float64 {
	return estimator.charsPerToken
}

// RecordUsage feeds back the provider-reported input token count for the
// exact entries that were sent. The reported count includes system prompt
// and tool definition overhead; the ratio absorbs it, which keeps early
// estimates conservative and converges as conversation content dominates.
func (estimator *CharEstimator) RecordUsage(entries []store.Entry, actualInputTokens int) {
	if actualInputTokens <= 0 {
		return
	}
	chars := CharCount(entries)
	if chars == 0 {
		return
	}

	observed := float64(chars) / float64(actualInputTokens)

	estimator.observations++
	if estimator.observations == 1 {
		estimator.charsPerToken = observed
		return
	}

	estimator.charsPerToken = estimator.smoothing*observed +
		(1.0-estimator.smoothing)*estimator.charsPerToken
}

// CharCount returns the total character count of a materialized context.
func CharCount(entries []store.Entry) int {
	total := 0
	for i := range entries {
		total += EntryChars(entries[i])
	}
	return total
}

// EntryChars counts the characters one entry contributes to a request,
// plus a fixed overhead for role markers and JSON framing.
func EntryChars(e store.Entry) int {
	count := 20
	switch {
	case e.Message != nil:
		for _, block := range e.Message.Content {
			switch {
			case block.Text != nil:
				count += len(block.Text.Content)
			case block.Thinking != nil:
				count += len(block.Thinking.Content)
			case block.ToolUse != nil:
				count += len(block.ToolUse.Name)
				if input, err := json.Marshal(block.ToolUse.Input); err == nil {
					count += len(input)
				}
			case block.ToolResult != nil:
				count += len(block.ToolResult.Content)
				count += len(block.ToolResult.ToolUseID)
			case block.Image != nil && block.Image.Source != nil:
				count += len(block.Image.Source.Data)
			}
		}
	case e.Compaction != nil:
		count += len(e.Compaction.Summary)
	case e.BranchSummary != nil:
		count += len(e.BranchSummary.Summary)
	case e.Custom != nil:
		if data, err := json.Marshal(e.Custom.Data); err == nil {
			count += len(data)
		}
	}
	return count
}

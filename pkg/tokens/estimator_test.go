package tokens

import (
	"math"
	"strings"
	"testing"

	"github.com/weft-dev/weft/pkg/store"
)

// textEntry returns a message entry whose text block has exactly n
// characters, so the entry contributes n+20 to CharCount.
func textEntry(n int) store.Entry {
	return store.Entry{
		Type: store.TypeMessage,
		Message: &store.MessageEntry{
			Role:    store.RoleUser,
			Content: []store.Content{store.Text(strings.Repeat("a", n))},
		},
	}
}

func TestCharEstimator_DefaultRatio(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()

	// 380 chars + 20 overhead = 400 chars; 400 / 4.0 = 100; +1 = 101.
	got := estimator.Estimate([]store.Entry{textEntry(380)})
	if got != 101 {
		t.Errorf("Estimate() = %d, want 101", got)
	}
}

func TestCharEstimator_FirstObservationReplacesDefault(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()

	// 480 chars + 20 overhead = 500 chars at 100 tokens: ratio becomes
	// 5.0 outright, no blending with the 4.0 default.
	entries := []store.Entry{textEntry(480)}
	estimator.RecordUsage(entries, 100)

	if got := estimator.Ratio(); got != 5.0 {
		t.Errorf("Ratio() = %v, want 5.0", got)
	}

	// 500 / 5.0 = 100; +1 = 101.
	if got := estimator.Estimate(entries); got != 101 {
		t.Errorf("Estimate() = %d, want 101", got)
	}
}

func TestCharEstimator_EMABlending(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()

	// First observation: 400 chars / 100 tokens = 4.0.
	estimator.RecordUsage([]store.Entry{textEntry(380)}, 100)

	// Second observation: 600 chars / 100 tokens = 6.0.
	// Blended: 0.3*6.0 + 0.7*4.0 = 4.6.
	estimator.RecordUsage([]store.Entry{textEntry(580)}, 100)

	if got := estimator.Ratio(); math.Abs(got-4.6) > 1e-9 {
		t.Errorf("Ratio() = %v, want 4.6", got)
	}
}

func TestCharEstimator_EMAConvergence(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()
	estimator.RecordUsage([]store.Entry{textEntry(380)}, 100) // ratio 4.0

	// Repeated 6.0 observations pull the ratio toward 6.0 without ever
	// overshooting it.
	for i := 0; i < 30; i++ {
		estimator.RecordUsage([]store.Entry{textEntry(580)}, 100)
		if estimator.Ratio() > 6.0 {
			t.Fatalf("Ratio() = %v overshot the observed 6.0", estimator.Ratio())
		}
	}
	if got := estimator.Ratio(); math.Abs(got-6.0) > 0.01 {
		t.Errorf("Ratio() = %v, want convergence to 6.0", got)
	}
}

func TestCharEstimator_IgnoresBadObservations(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()
	entries := []store.Entry{textEntry(380)}

	estimator.RecordUsage(entries, 0)
	estimator.RecordUsage(entries, -50)
	estimator.RecordUsage(nil, 100) // zero characters

	if got := estimator.Ratio(); got != defaultCharsPerToken {
		t.Errorf("Ratio() = %v, want untouched default %v", got, defaultCharsPerToken)
	}
	if estimator.observations != 0 {
		t.Errorf("observations = %d, want 0", estimator.observations)
	}
}

func TestCharEstimator_AlwaysRoundsUp(t *testing.T) {
	t.Parallel()

	estimator := NewCharEstimator()

	// 0 chars + 20 overhead = 20; 20 / 4.0 = 5 exactly; still +1 = 6.
	if got := estimator.Estimate([]store.Entry{textEntry(0)}); got != 6 {
		t.Errorf("Estimate() = %d, want 6", got)
	}

	// Empty context estimates above zero. The overhead never vanishes.
	if got := estimator.Estimate(nil); got != 1 {
		t.Errorf("Estimate(nil) = %d, want 1", got)
	}
}

func TestEntryChars(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		entry store.Entry
		want  int
	}{
		{
			name:  "text",
			entry: textEntry(5),
			want:  25, // 5 + 20
		},
		{
			name: "thinking",
			entry: store.Entry{
				Type: store.TypeMessage,
				Message: &store.MessageEntry{
					Role: store.RoleAssistant,
					Content: []store.Content{{
						Type:     store.ContentTypeThinking,
						Thinking: &store.ThinkingContent{Content: "hmm"},
					}},
				},
			},
			want: 23, // 3 + 20
		},
		{
			name: "tool use counts name and marshaled input",
			entry: store.Entry{
				Type: store.TypeMessage,
				Message: &store.MessageEntry{
					Role: store.RoleAssistant,
					Content: []store.Content{{
						Type: store.ContentTypeToolUse,
						ToolUse: &store.ToolUseContent{
							ID:    "call_1",
							Name:  "read_file",
							Input: map[string]any{"path": "a.go"},
						},
					}},
				},
			},
			// 9 (name) + 15 ({"path":"a.go"}) + 20 = 44
			want: 44,
		},
		{
			name: "tool result counts content and id",
			entry: store.Entry{
				Type: store.TypeMessage,
				Message: &store.MessageEntry{
					Role: store.RoleUser,
					Content: []store.Content{{
						Type: store.ContentTypeToolResult,
						ToolResult: &store.ToolResultContent{
							ToolUseID: "call_1",
							Content:   "ok",
						},
					}},
				},
			},
			want: 28, // 2 + 6 + 20
		},
		{
			name: "image counts encoded data",
			entry: store.Entry{
				Type: store.TypeMessage,
				Message: &store.MessageEntry{
					Role: store.RoleUser,
					Content: []store.Content{{
						Type:  store.ContentTypeImage,
						Image: &store.ImageContent{Source: &store.ImageSource{Data: "abcd"}},
					}},
				},
			},
			want: 24, // 4 + 20
		},
		{
			name: "compaction counts summary",
			entry: store.Entry{
				Type:       store.TypeCompaction,
				Compaction: &store.CompactionEntry{Summary: "summary"},
			},
			want: 27, // 7 + 20
		},
		{
			name: "branch summary counts summary",
			entry: store.Entry{
				Type:          store.TypeBranchSummary,
				BranchSummary: &store.BranchSummaryEntry{Summary: "merged"},
			},
			want: 26, // 6 + 20
		},
		{
			name:  "metadata entry is overhead only",
			entry: store.Entry{Type: store.TypeModelChange, ModelChange: &store.ModelChangeEntry{ModelID: "m"}},
			want:  20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := EntryChars(tt.entry); got != tt.want {
				t.Errorf("EntryChars() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCharCount_Sums(t *testing.T) {
	t.Parallel()

	entries := []store.Entry{textEntry(10), textEntry(30)}
	if got := CharCount(entries); got != 80 { // (10+20) + (30+20)
		t.Errorf("CharCount() = %d, want 80", got)
	}
}

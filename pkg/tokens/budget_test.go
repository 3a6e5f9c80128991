package tokens

import "testing"

func TestTranscriptBudget(t *testing.T) {
	t.Parallel()

	b := Budget{ContextWindow: 128_000, MaxOutputTokens: 8_192, OverheadTokens: 4_096}
	if got := b.TranscriptBudget(); got != 115_712 {
		t.Errorf("TranscriptBudget() = %d, want 115712", got)
	}

	// Reservations larger than the window clamp to zero.
	b = Budget{ContextWindow: 4_096, MaxOutputTokens: 8_192, OverheadTokens: 4_096}
	if got := b.TranscriptBudget(); got != 0 {
		t.Errorf("TranscriptBudget() = %d, want 0", got)
	}
}

func TestBudgetForModel(t *testing.T) {
	t.Parallel()

	b := BudgetForModel("models/gemini-2.5-flash", 8_192)
	if b.ContextWindow != 1_048_576 {
		t.Errorf("ContextWindow = %d, want 1048576", b.ContextWindow)
	}
	if b.MaxOutputTokens != 8_192 {
		t.Errorf("MaxOutputTokens = %d, want 8192", b.MaxOutputTokens)
	}
	if b.OverheadTokens != defaultOverheadTokens {
		t.Errorf("OverheadTokens = %d, want %d", b.OverheadTokens, defaultOverheadTokens)
	}
}

func TestContextWindowForModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  int
	}{
		{"models/gemini-2.5-flash", 1_048_576},
		{"gemini-2.5-pro", 1_048_576},
		{"gemini-1.5-pro-latest", 2_097_152}, // longest prefix wins over gemini-1.5
		{"gemini-1.5-flash", 1_048_576},
		{"gpt-4o-mini", 128_000},
		{"gpt-4.1", 1_047_576},
		{"o3-mini", 200_000},
		{"claude-sonnet-4-5", 200_000},
		{"claude-3-5-haiku-latest", 200_000},
		{"totally-unknown-model", 128_000},
		{"", 128_000},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			t.Parallel()
			if got := ContextWindowForModel(tt.model); got != tt.want {
				t.Errorf("ContextWindowForModel(%q) = %d, want %d", tt.model, got, tt.want)
			}
		})
	}
}

package tokens

import "strings"

// defaultOverheadTokens reserves room for the system prompt and tool
// definitions, which count against the context window but are not part of
// the session transcript.
const defaultOverheadTokens = 4096

// Budget describes the token envelope for requests to a model.
type Budget struct {
	// ContextWindow is the total input capacity of the model.
	ContextWindow int

	// MaxOutputTokens is reserved for the model's response.
	MaxOutputTokens int

	// OverheadTokens is reserved for the system prompt and tool schemas.
	OverheadTokens int
}

// BudgetForModel returns a budget sized for the named model.
func BudgetForModel(model string, maxOutputTokens int) Budget {
	return Budget{
		ContextWindow:   ContextWindowForModel(model),
		MaxOutputTokens: maxOutputTokens,
		OverheadTokens:  defaultOverheadTokens,
	}
}

// TranscriptBudget returns the token count available to session entries
// after reserving output and overhead room.
func (b Budget) TranscriptBudget() int {
	budget := b.ContextWindow - b.MaxOutputTokens - b.OverheadTokens
	if budget < 0 {
		return 0
	}
	return budget
}

// defaultContextWindow is used for models missing from the registry.
// 128k is the smallest window among current mainstream models, so an
// unknown model compacts early rather than overflowing.
const defaultContextWindow = 128_000

// contextWindows maps model name prefixes to input context sizes. Longest
// prefix wins. Names are matched after stripping any "models/" path
// prefix, so "models/gemini-2.5-flash" and "gemini-2.5-flash" resolve the
// same.
var contextWindows = []struct {
	prefix string
	window int
}{
	{"gemini-2.5", 1_048_576},
	{"gemini-2.0", 1_048_576},
	{"gemini-1.5-pro", 2_097_152},
	{"gemini-1.5", 1_048_576},
	{"gpt-5", 400_000},
	{"gpt-4.1", 1_047_576},
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"o3", 200_000},
	{"o4-mini", 200_000},
	{"claude-opus-4", 200_000},
	{"claude-sonnet-4", 200_000},
	{"claude-3", 200_000},
}

// ContextWindowForModel returns the input context window for the named
// model, falling back to a conservative default for unknown names.
func ContextWindowForModel(model string) int {
	model = strings.TrimPrefix(model, "models/")

	best := 0
	window := defaultContextWindow
	for _, entry := range contextWindows {
		if strings.HasPrefix(model, entry.prefix) && len(entry.prefix) > best {
			best = len(entry.prefix)
			window = entry.window
		}
	}
	return window
}

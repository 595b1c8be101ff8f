// Package contextmgr implements the Context Manager (C6): it sizes the
// accumulated tool-output history to fit a model's context window minus
// headroom for the current prompt and expected completion, keeping the
// newest outputs intact and summarizing or dropping older ones.
package contextmgr

import (
	"fmt"
	"strings"
)

// charsPerToken is a conservative estimate used to convert a token budget
// into a character budget without depending on a model-specific tokenizer,
// matching the "best-effort" framing of spec.md §4.6.
const charsPerToken = 4

// UtilizationThreshold is the fraction of the budget above which a
// "utilization warning" event fires (spec.md §4.6).
const UtilizationThreshold = 0.80

// Manager truncates/summarizes tool-output history to fit a context window.
type Manager struct {
	// ReservedTokens is the headroom reserved for the prompt template and
	// expected completion; subtracted from the window before budgeting.
	ReservedTokens int
}

// New constructs a Manager reserving reservedTokens of headroom.
func New(reservedTokens int) *Manager {
	return &Manager{ReservedTokens: reservedTokens}
}

// Result is the output of Compose: the composed context string plus whether
// the utilization warning threshold was crossed.
type Result struct {
	Text               string
	UtilizationWarning bool
	Dropped            int
	Summarized         int
}

// Compose concatenates outputs (oldest first) into a single string sized to
// fit contextWindow tokens minus Manager.ReservedTokens. Newest entries are
// kept verbatim; once the budget is exhausted, older entries are either
// replaced with a one-line summary placeholder or dropped entirely,
// whichever is needed to fit.
func (m *Manager) Compose(outputs []string, contextWindow int) Result {
	budgetTokens := contextWindow - m.ReservedTokens
	if budgetTokens < 0 {
		budgetTokens = 0
	}
	budgetChars := budgetTokens * charsPerToken

	if budgetChars <= 0 || len(outputs) == 0 {
		return Result{Text: "", UtilizationWarning: false}
	}

	kept := make([]string, len(outputs))
	copy(kept, outputs)

	used := totalLen(kept)
	dropped := 0
	summarized := 0

	// Walk from oldest to newest, summarizing/dropping until the budget fits.
	for i := 0; i < len(kept) && used > budgetChars; i++ {
		if kept[i] == "" {
			continue
		}
		placeholder := summaryPlaceholder(kept[i])
		if len(placeholder) < len(kept[i]) {
			used -= len(kept[i]) - len(placeholder)
			kept[i] = placeholder
			summarized++
		}
		if used > budgetChars {
			used -= len(kept[i])
			kept[i] = ""
			dropped++
		}
	}

	nonEmpty := make([]string, 0, len(kept))
	for _, k := range kept {
		if k != "" {
			nonEmpty = append(nonEmpty, k)
		}
	}
	text := strings.Join(nonEmpty, "\n\n")

	// If we still exceed budget (e.g. a single huge newest entry), hard-trim
	// the head of the composed text, preferring to keep the tail (most recent
	// content appears later in the join since outputs are oldest-first).
	if len(text) > budgetChars {
		text = text[len(text)-budgetChars:]
	}

	warning := budgetChars > 0 && float64(len(text))/float64(budgetChars) >= UtilizationThreshold
	return Result{Text: text, UtilizationWarning: warning, Dropped: dropped, Summarized: summarized}
}

func totalLen(outputs []string) int {
	n := 0
	for _, o := range outputs {
		n += len(o)
	}
	return n
}

func summaryPlaceholder(output string) string {
	firstLine := output
	if idx := strings.IndexByte(output, '\n'); idx != -1 {
		firstLine = output[:idx]
	}
	if len(firstLine) > 80 {
		firstLine = firstLine[:80]
	}
	return fmt.Sprintf("[summarized: %s...]", firstLine)
}

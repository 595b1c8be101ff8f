// Package emptiness implements the Emptiness Detector (C5): a pure, total
// classifier deciding whether a tool result carries any usable data.
package emptiness

import "strings"

// emptyPhrases are matched case-insensitively anywhere in a string result.
//
// Note (spec.md Open Question, carried over unchanged): matching "not
// found" as a substring of arbitrary text can misclassify clinical content
// that happens to contain that phrase (e.g. a narrative note reading
// "history of a NOT FOUND diagnosis code in the legacy system"). This is
// the source behavior and is preserved intentionally rather than narrowed.
var emptyPhrases = []string{
	"no data",
	"no results",
	"not found",
	"empty",
	"no patients",
	"0 results",
	"could not find",
	"unable to find",
}

// collectionKeys are the mapping keys IsEmpty inspects to decide whether a
// structured result carries zero items.
var collectionKeys = []string{"patients", "results", "conditions"}

// IsEmpty classifies v as empty ("no usable data") or usable. It is pure and
// total: every JSON-serializable value (spec.md §3 ToolResult invariant)
// falls into exactly one of the rules below, in order.
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return stringIsEmpty(val)
	case map[string]any:
		return mappingIsEmpty(val)
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

func stringIsEmpty(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range emptyPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func mappingIsEmpty(m map[string]any) bool {
	for _, key := range collectionKeys {
		if v, ok := m[key]; ok {
			if isEmptyCollection(v) {
				return true
			}
		}
	}
	if n, ok := numeric(m["total_patients"]); ok && n == 0 {
		return true
	}
	if n, ok := numeric(m["count"]); ok && n == 0 {
		return true
	}
	return false
}

func isEmptyCollection(v any) bool {
	switch c := v.(type) {
	case []any:
		return len(c) == 0
	case map[string]any:
		return len(c) == 0
	case nil:
		return true
	default:
		return false
	}
}

// numeric extracts a float64 from the JSON-decoded numeric shapes Go's
// encoding/json produces (float64) as well as plain ints used by in-process
// callers that never round-tripped through JSON.
func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

package race

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Value discovery over decoded JSON. Targets disagree wildly about where they
// put tokens, balances, and transaction ids, so the extractors walk the whole
// document instead of assuming a shape. At every mapping the whole candidate
// key list is tried before descending, so a shallow match under a
// later-listed key beats a deeper match under an earlier one. Map children
// are visited in sorted key order so results are stable run to run
// (encoding/json does not preserve document order). Only the first element of
// an array is descended into: list items are assumed homogeneous and a full
// scan of a large collection buys nothing.

// FindNumber returns the first numeric value found under any of the candidate
// keys, shallowest match first.
func FindNumber(doc any, keys []string) (float64, bool) {
	if v, ok := findByKeys(doc, keys, isNumeric, map[uintptr]bool{}); ok {
		n, _ := coerceNumber(v)
		return n, true
	}
	return 0, false
}

// FindString returns the first non-empty string-representable value found
// under any of the candidate keys, shallowest match first.
func FindString(doc any, keys []string) (string, bool) {
	if v, ok := findByKeys(doc, keys, isStringy, map[uintptr]bool{}); ok {
		s, _ := coerceString(v)
		return s, true
	}
	return "", false
}

// findByKeys walks the document looking for any candidate key bound to a
// value accepted by match, checking every candidate at the current node
// before recursing. seen holds map/slice header pointers already visited;
// documents from encoding/json are acyclic, but hand-built ones passed in
// tests or by callers may not be, and an unguarded walk would never return.
func findByKeys(v any, keys []string, match func(any) bool, seen map[uintptr]bool) (any, bool) {
	switch node := v.(type) {
	case map[string]any:
		ptr := reflect.ValueOf(node).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true

		for _, key := range keys {
			if val, ok := node[key]; ok && match(val) {
				return val, true
			}
		}

		children := make([]string, 0, len(node))
		for k := range node {
			children = append(children, k)
		}
		sort.Strings(children)
		for _, k := range children {
			if got, ok := findByKeys(node[k], keys, match, seen); ok {
				return got, true
			}
		}

	case []any:
		if len(node) == 0 {
			return nil, false
		}
		ptr := reflect.ValueOf(node).Pointer()
		if seen[ptr] {
			return nil, false
		}
		seen[ptr] = true
		return findByKeys(node[0], keys, match, seen)
	}

	return nil, false
}

func isNumeric(v any) bool {
	_, ok := coerceNumber(v)
	return ok
}

func isStringy(v any) bool {
	_, ok := coerceString(v)
	return ok
}

func coerceNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func coerceString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, s != ""
	case json.Number:
		return s.String(), true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int:
		return strconv.Itoa(s), true
	case int64:
		return strconv.FormatInt(s, 10), true
	}
	return "", false
}

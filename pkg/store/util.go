package store

import (
	"slices"
)

// DedupeStrings drops empty and repeated values, keeping first-seen order.
func DedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// UnionStrings appends the values of add missing from base and reports how
// many were added.
func UnionStrings(base, add []string) ([]string, int) {
	out := slices.Clone(base)
	added := 0
	for _, v := range add {
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
		added++
	}
	return out, added
}

package reputation

import "sort"

// sortedKeysU64 returns the keys of a multiplicity map in ascending
// lexicographic order. The engine is consensus-sensitive (spec §1(a)); every
// place it would otherwise iterate a Go map (whose order is randomised) is
// routed through this so two engines fed the same inputs produce
// byte-identical delta batches, never just equal final state.
func sortedKeysU64(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysSet(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

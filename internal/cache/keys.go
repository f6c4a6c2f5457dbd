package cache

import "encoding/json"

// QueryKey derives the canonical cache key for a query parameter set. The key
// is the scope name joined with the JSON encoding of the parameters, whose
// object keys are sorted lexicographically, so permutations of the same
// filters always land on the same entry. Empty values are dropped before
// encoding so an unset filter and an absent one are equivalent.
func QueryKey(scope string, params map[string]string) string {
	cleaned := make(map[string]string, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		cleaned[k] = v
	}
	// json.Marshal writes map keys in sorted order, which is exactly the
	// canonical form the key relies on.
	encoded, err := json.Marshal(cleaned)
	if err != nil {
		return scope + ":{}"
	}
	return scope + ":" + string(encoded)
}

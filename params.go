package searchcache

import (
	"github.com/searchcache/searchcache/internal/keys"
	"github.com/searchcache/searchcache/pkg/types"
)

// Params is the full parameter set of one query. Two lookups hit the same
// entry only when every field matches.
type Params map[string]string

// Normalize returns a copy with every named optional field present,
// absent ones filled with the empty string. A query that omits a field
// and a query that sets it to its default value therefore derive the same
// key only when the default is the empty string.
func (p Params) Normalize(fields ...string) Params {
	out := make(Params, len(p)+len(fields))
	for name, value := range p {
		out[name] = value
	}
	for _, name := range fields {
		if _, ok := out[name]; !ok {
			out[name] = ""
		}
	}
	return out
}

// Key derives the cache key for this parameter set.
func (p Params) Key() types.Key {
	return keys.Derive(p)
}

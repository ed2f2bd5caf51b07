// Package keys derives fixed-width cache keys from query parameters.
//
// Derivation is a pure function: the parameter map is serialized into a
// canonical byte form (names sorted lexicographically, fixed delimiters)
// and hashed with SHA-256, so logically identical queries map to identical
// keys across calls and across process restarts.
package keys

import (
	"crypto/sha256"
	"sort"

	"github.com/searchcache/searchcache/pkg/types"
)

// Delimiters for the canonical form. Unit and record separators cannot
// appear in well-formed query parameters, so a name/value boundary can
// never be forged by parameter content.
const (
	fieldSep = 0x1f
	pairSep  = 0x1e
)

// Derive maps a parameter set to a cache key. Map iteration order does not
// affect the result. Callers must normalize absent optional parameters to
// explicit empty strings before calling (see the Params builder in the root
// package) so that presence and absence of a default cannot collide.
func Derive(params map[string]string) types.Key {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{fieldSep})
		h.Write([]byte(params[name]))
		h.Write([]byte{pairSep})
	}

	var key types.Key
	h.Sum(key[:0])
	return key
}

// Package hashkey provides the stable 64-bit hash used to route feature
// keys to slots and to bound pages. Grounded on jpl-au-folio/hash.go, which
// picks xxh3 as the default algorithm for exactly this reason ("fastest,"
// used as the document-id hash there).
package hashkey

import "github.com/zeebo/xxh3"

// Hash returns the stable 64-bit hash of key. Must be stable across process
// restarts and platforms: it is the routing key for slot assignment and the
// bound that defines a page's [min_pk, max_pk) range, both of which are
// durable state.
func Hash(key string) uint64 {
	return xxh3.HashString(key)
}

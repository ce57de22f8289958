package xlat

import (
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
)

// fragCacheSize bounds the number of in-flight fragmented datagrams
// tracked per translator.
const fragCacheSize = 1024

// fragKey identifies a fragmented datagram by its original (pre-
// translation) addresses and identification value.
type fragKey struct {
	src   netip.Addr
	dst   netip.Addr
	ident uint32
}

// fragCache remembers the upper-layer protocol of recently seen first
// fragments. Trailing fragments are only translated when their first
// fragment passed through here; anything else is dropped rather than
// guessed at.
type fragCache struct {
	cache *lru.Cache[fragKey, uint8]
}

func newFragCache() *fragCache {
	// Error is only possible for a non-positive size.
	cache, _ := lru.New[fragKey, uint8](fragCacheSize)
	return &fragCache{cache: cache}
}

func (f *fragCache) remember(key fragKey, proto uint8) {
	f.cache.Add(key, proto)
}

func (f *fragCache) lookup(key fragKey) (uint8, bool) {
	return f.cache.Get(key)
}

package mutable

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/tunnelmesh/sharegrid/internal/hashutil"
)

// DefaultVerifyCacheSize is the number of signatures remembered by default.
const DefaultVerifyCacheSize = 1024

// VerifyCache remembers (prefix, signature, pubkey) triples that already
// verified, so repeated servermap updates skip the signature check.
// It is safe for concurrent use.
type VerifyCache struct {
	cache *lru.Cache
}

// NewVerifyCache creates a cache holding up to size entries.
func NewVerifyCache(size int) (*VerifyCache, error) {
	if size <= 0 {
		size = DefaultVerifyCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &VerifyCache{cache: c}, nil
}

func verifyKey(prefix, signature, pubkey []byte) [hashutil.HashLen]byte {
	buf := make([]byte, 0, len(prefix)+len(signature)+len(pubkey)+24)
	buf = append(buf, hashutil.Netstring(prefix)...)
	buf = append(buf, hashutil.Netstring(signature)...)
	buf = append(buf, hashutil.Netstring(pubkey)...)
	return hashutil.TaggedHash("sharegrid_verify_cache_v1", buf)
}

// Seen reports whether the triple verified before.
func (v *VerifyCache) Seen(prefix, signature, pubkey []byte) bool {
	if v == nil {
		return false
	}
	return v.cache.Contains(verifyKey(prefix, signature, pubkey))
}

// Add records a verified triple.
func (v *VerifyCache) Add(prefix, signature, pubkey []byte) {
	if v == nil {
		return
	}
	v.cache.Add(verifyKey(prefix, signature, pubkey), struct{}{})
}

// Len returns the number of cached entries.
func (v *VerifyCache) Len() int {
	if v == nil {
		return 0
	}
	return v.cache.Len()
}

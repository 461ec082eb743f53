package bkd

import (
	"encoding/binary"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
)

// LeafCache holds decoded leaf blocks with a byte-cost budget, so hot query
// regions skip repeated disk reads and payload decoding. One cache may be
// shared by all field readers of a data file; entries are keyed by reader
// identity and leaf file pointer.
type LeafCache struct {
	c *ristretto.Cache[string, *leafBlock]
}

// NewLeafCache creates a cache bounded to roughly maxBytes of decoded leaf
// data.
func NewLeafCache(maxBytes int64) (*LeafCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("bkd: leaf cache size must be positive, got %d", maxBytes)
	}
	counters := maxBytes / 256
	if counters < 1<<10 {
		counters = 1 << 10
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, *leafBlock]{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("bkd: creating leaf cache: %w", err)
	}
	return &LeafCache{c: c}, nil
}

func cacheKey(readerID uint64, fp int64) string {
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], readerID)
	binary.LittleEndian.PutUint64(key[8:], uint64(fp))
	return string(key[:])
}

func (lc *LeafCache) get(readerID uint64, fp int64) (*leafBlock, bool) {
	return lc.c.Get(cacheKey(readerID, fp))
}

func (lc *LeafCache) set(readerID uint64, fp int64, blk *leafBlock) {
	lc.c.Set(cacheKey(readerID, fp), blk, blk.sizeBytes())
}

// Close releases the cache's internal resources.
func (lc *LeafCache) Close() {
	if lc != nil && lc.c != nil {
		lc.c.Close()
	}
}

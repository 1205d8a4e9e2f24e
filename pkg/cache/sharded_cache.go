package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache holds the last-known price per symbol. Stream actors, the
// fallback poller and the dry-run gateway all read and write it concurrently,
// so it is sharded to keep lock contention per symbol group.
type PriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]PriceEntry
}

// PriceEntry is a cached price and the time it was observed.
type PriceEntry struct {
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]PriceEntry),
		}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores the price observed at ts. Older observations never replace newer ones.
func (c *PriceCache) Set(symbol string, price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	shard := c.getShard(symbol)
	shard.mu.Lock()
	if prev, ok := shard.items[symbol]; !ok || !ts.Before(prev.UpdatedAt) {
		shard.items[symbol] = PriceEntry{Price: price, UpdatedAt: ts}
	}
	shard.mu.Unlock()
}

// Get retrieves the last price for a symbol.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	e, ok := c.Entry(symbol)
	return e.Price, ok
}

// Entry retrieves the last price with its observation time.
func (c *PriceCache) Entry(symbol string) (PriceEntry, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	return entry, ok
}

// Delete removes a symbol from the cache.
func (c *PriceCache) Delete(symbol string) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	delete(shard.items, symbol)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Stale lists symbols whose last observation is older than maxAge at now.
func (c *PriceCache) Stale(now time.Time, maxAge time.Duration) []string {
	cutoff := now.Add(-maxAge)
	var out []string
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			if entry.UpdatedAt.Before(cutoff) {
				out = append(out, sym)
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// Snapshot returns a copy of all cached entries.
func (c *PriceCache) Snapshot() map[string]PriceEntry {
	result := make(map[string]PriceEntry)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, entry := range shard.items {
			result[sym] = entry
		}
		shard.mu.RUnlock()
	}
	return result
}

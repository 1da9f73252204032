package core

import (
	"github.com/GomesGoncalo/vigilant-parakeet/state"
	"github.com/jellydator/ttlcache/v3"
)

// ClientCache maps client MACs observed inside decapsulated frames to the
// node currently serving them. Entries age out if not refreshed by
// upstream traffic, so a client roaming to another OBU stops resolving to
// the stale one eventually even without new traffic.
type ClientCache struct {
	cache *ttlcache.Cache[state.MacAddress, state.MacAddress]
}

func NewClientCache() *ClientCache {
	c := ttlcache.New(
		ttlcache.WithTTL[state.MacAddress, state.MacAddress](state.ClientCacheTTL),
	)
	go c.Start()
	return &ClientCache{cache: c}
}

// Store records that client traffic is currently served by node. A
// re-store of the same association just refreshes its TTL.
func (c *ClientCache) Store(client, node state.MacAddress) {
	c.cache.Set(client, node, ttlcache.DefaultTTL)
}

func (c *ClientCache) Get(client state.MacAddress) *state.MacAddress {
	item := c.cache.Get(client)
	if item == nil {
		return nil
	}
	v := item.Value()
	return &v
}

func (c *ClientCache) Close() {
	c.cache.Stop()
}

package history

import (
	"sync"
	"time"

	"github.com/jholhewres/leadline/pkg/leadline/storage"
)

// DefaultCacheTTL keeps lead lookups warm across a burst of messages
// without letting dashboard edits go unseen for long.
const DefaultCacheTTL = 5 * time.Minute

type cacheKey struct {
	tenantID string
	address  string
}

type cacheEntry struct {
	lead    *storage.Lead
	expires time.Time
}

// Cache is a TTL cache for leads keyed by (tenant, address). It cuts a
// database round trip per message on active conversations.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[cacheKey]cacheEntry
	now     func() time.Time
}

// NewCache creates a lead cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[cacheKey]cacheEntry),
		now:     time.Now,
	}
}

// Get returns the cached lead, or nil and false on a miss. Expired
// entries count as misses and are evicted on the spot.
func (c *Cache) Get(tenantID, address string) (*storage.Lead, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{tenantID, address}
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.lead, true
}

// Put stores the lead under its own (tenant, address) key.
func (c *Cache) Put(lead *storage.Lead) {
	if lead == nil {
		return
	}
	c.PutKeyed(lead.TenantID, lead.Address, lead)
}

// PutKeyed stores the lead under an explicit key. Used when a rotating
// anonymized address maps onto a lead stored under another one.
func (c *Cache) PutKeyed(tenantID, address string, lead *storage.Lead) {
	if lead == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{tenantID, address}] = cacheEntry{
		lead:    lead,
		expires: c.now().Add(c.ttl),
	}
}

// Drop evicts one entry so the next lookup hits the database.
func (c *Cache) Drop(tenantID, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey{tenantID, address})
}

// DropTenant evicts every entry of a tenant, used on logout so a
// re-paired account starts from fresh state.
func (c *Cache) DropTenant(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.tenantID == tenantID {
			delete(c.entries, key)
		}
	}
}

// Len returns the number of cached entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

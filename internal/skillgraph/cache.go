package skillgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/policy"
	"skillforge/internal/store"
)

// Backend is the storage behind the result cache. The SQLite backend
// is the default; Redis is available for shared deployments. Expiry is
// checked by the cache, not trusted to the backend, so both behave
// identically.
type Backend interface {
	Get(ctx context.Context, key string) (*store.CacheEntry, error)
	Put(ctx context.Context, entry store.CacheEntry) error
	Touch(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	DeleteCapability(ctx context.Context, capability string) (int64, error)
}

// Cache memoizes capability outputs keyed by capability, version, and
// canonical arguments. A version bump orphans every prior entry.
type Cache struct {
	backend  Backend
	policies *policy.Manager
	clock    func() time.Time
}

// NewCache builds a cache over the given backend. TTL comes from the
// policy snapshot at store time.
func NewCache(backend Backend, policies *policy.Manager) *Cache {
	return &Cache{backend: backend, policies: policies, clock: time.Now}
}

// Key derives the cache key: SHA-256 over the capability name, its
// version, and the canonical JSON encoding of the arguments.
// encoding/json writes map keys in sorted order, which makes the
// encoding canonical without extra work.
func Key(capability string, version int, args map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("arguments are not encodable: %w", err)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s@v%d:", capability, version)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Lookup returns a cached output for the invocation, if one is still
// valid. Expired entries and entries from a stale capability version
// are evicted on sight.
func (c *Cache) Lookup(ctx context.Context, cap *store.Capability, args map[string]interface{}) (string, bool, error) {
	key, err := Key(cap.Name, cap.Version, args)
	if err != nil {
		return "", false, err
	}
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		return "", false, nil
	}

	log := logging.Get(logging.CategoryGraph)
	if entry.CapabilityVersion != cap.Version {
		log.Debug("evicting %s: cached v%d, current v%d", key[:12], entry.CapabilityVersion, cap.Version)
		return "", false, c.backend.Delete(ctx, key)
	}
	if entry.ExpiresAt != nil && c.clock().After(*entry.ExpiresAt) {
		log.Debug("evicting %s: expired", key[:12])
		return "", false, c.backend.Delete(ctx, key)
	}

	if err := c.backend.Touch(ctx, key); err != nil {
		return "", false, err
	}
	log.Debug("cache hit for %s", cap.Name)
	return entry.Output, true, nil
}

// Store caches an invocation's output under the policy TTL.
func (c *Cache) Store(ctx context.Context, cap *store.Capability, args map[string]interface{}, output string) error {
	key, err := Key(cap.Name, cap.Version, args)
	if err != nil {
		return err
	}
	ttl := c.policies.Handle().CacheTTL
	expires := c.clock().Add(ttl)
	return c.backend.Put(ctx, store.CacheEntry{
		Key:               key,
		Capability:        cap.Name,
		CapabilityVersion: cap.Version,
		Output:            output,
		ExpiresAt:         &expires,
	})
}

// Invalidate drops every cached output of a capability, all versions.
// Called whenever an implementation is replaced.
func (c *Cache) Invalidate(ctx context.Context, capability string) (int64, error) {
	n, err := c.backend.DeleteCapability(ctx, capability)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Get(logging.CategoryGraph).Info("invalidated %d cache entries for %s", n, capability)
	}
	return n, nil
}

// sqliteBackend stores entries in the main database.
type sqliteBackend struct {
	store *store.Store
}

// NewSQLiteBackend wraps the store as a cache backend.
func NewSQLiteBackend(st *store.Store) Backend {
	return &sqliteBackend{store: st}
}

func (b *sqliteBackend) Get(_ context.Context, key string) (*store.CacheEntry, error) {
	return b.store.GetCacheEntry(key)
}

func (b *sqliteBackend) Put(_ context.Context, entry store.CacheEntry) error {
	return b.store.PutCacheEntry(entry)
}

func (b *sqliteBackend) Touch(_ context.Context, key string) error {
	return b.store.TouchCacheEntry(key)
}

func (b *sqliteBackend) Delete(_ context.Context, key string) error {
	return b.store.DeleteCacheEntry(key)
}

func (b *sqliteBackend) DeleteCapability(_ context.Context, capability string) (int64, error) {
	return b.store.DeleteCapabilityCache(capability)
}

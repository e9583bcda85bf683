// Package simcache stores generated manifests keyed by request embedding and
// answers lookups by cosine similarity.
package simcache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/simgen/pkg/interfaces"
	"github.com/m-mizutani/simgen/pkg/model"
	"github.com/m-mizutani/simgen/pkg/utils/logging"
)

// Config provides cache configuration
type Config struct {
	Threshold float64       // Minimum similarity (exclusive) for a hit
	TTL       time.Duration // Lifetime of non-featured entries
	Capacity  int           // Maximum number of entries including featured ones
}

// DefaultConfig returns threshold 0.85, 7 days TTL and 10000 entries
func DefaultConfig() Config {
	return Config{
		Threshold: 0.85,
		TTL:       model.CacheTTL,
		Capacity:  10000,
	}
}

// Stats is a point-in-time snapshot of cache counters
type Stats struct {
	Entries     int
	Featured    int
	Hits        int64
	Misses      int64
	Evictions   int64
	Expirations int64
	Drops       int64
}

type node struct {
	id    string
	entry *model.CacheEntry
}

// Cache is a similarity cache. All operations, including lookups, take the single
// write lock because a hit updates recency.
type Cache struct {
	cfg  Config
	now  func() time.Time
	sink interfaces.EventSink

	mu       sync.Mutex
	order    *list.List // front = most recently used
	byID     map[string]*list.Element
	byKey    map[string]*list.Element
	nextID   uint64
	featured int
	stats    Stats
}

// Option is a functional option for Cache
type Option func(*Cache)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithEventSink sets the sink receiving cache events
func WithEventSink(sink interfaces.EventSink) Option {
	return func(c *Cache) {
		c.sink = sink
	}
}

// New creates an empty cache
func New(cfg Config, opts ...Option) *Cache {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}

	c := &Cache{
		cfg:   cfg,
		now:   time.Now,
		order: list.New(),
		byID:  make(map[string]*list.Element),
		byKey: make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Similarity is the measure used for lookups
func (c *Cache) Similarity(a, b model.Embedding) (float64, error) {
	return model.CosineSimilarity(a, b)
}

// Get returns the most similar live entry whose similarity exceeds the threshold.
// Among equally similar entries the most recently accessed one wins.
func (c *Cache) Get(ctx context.Context, query model.Embedding) (*model.CacheEntry, bool, error) {
	if len(query) == 0 {
		return nil, false, goerr.Wrap(model.ErrEmptyEmbedding, "cache lookup without embedding")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	best, bestSim := c.findLocked(ctx, query, now)
	if best == nil {
		c.stats.Misses++
		c.emit(ctx, model.EventCacheMiss, now)
		return nil, false, nil
	}

	c.touchLocked(best, now)
	c.stats.Hits++
	n := best.Value.(*node)
	c.emit(ctx, model.EventCacheHit, now, "similarity", bestSim, "featured", n.entry.Featured)
	return snapshot(n.entry), true, nil
}

// GetByKey returns the live entry stored under an exact key, used for image content hashes
func (c *Cache) GetByKey(ctx context.Context, key string) (*model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	elem, ok := c.byKey[key]
	if ok && elem.Value.(*node).entry.Expired(now) {
		c.expireLocked(ctx, elem, now)
		ok = false
	}
	if !ok {
		c.stats.Misses++
		c.emit(ctx, model.EventCacheMiss, now, "key", key)
		return nil, false
	}

	c.touchLocked(elem, now)
	c.stats.Hits++
	c.emit(ctx, model.EventCacheHit, now, "key", key)
	return snapshot(elem.Value.(*node).entry), true
}

type putOptions struct {
	key string
}

// PutOption customizes Put
type PutOption func(*putOptions)

// WithKey stores the entry under an exact key in addition to its embedding
func WithKey(key string) PutOption {
	return func(o *putOptions) {
		o.key = key
	}
}

// Put stores a manifest for the embedding. If an equivalent live entry already exists
// its manifest is replaced in place, so equivalent queries keep resolving to a single
// manifest. At capacity the least recently used non-featured entry is evicted; when
// only featured entries remain the put is dropped.
func (c *Cache) Put(ctx context.Context, emb model.Embedding, text string, manifest *model.Manifest, opts ...PutOption) error {
	if len(emb) == 0 {
		return goerr.Wrap(model.ErrEmptyEmbedding, "cache put without embedding")
	}
	if manifest == nil {
		return goerr.New("cache put without manifest")
	}

	var po putOptions
	for _, opt := range opts {
		opt(&po)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()

	var existing *list.Element
	if po.key != "" {
		if elem, ok := c.byKey[po.key]; ok {
			existing = elem
		}
	} else {
		existing, _ = c.findLocked(ctx, emb, now)
	}

	if existing != nil {
		n := existing.Value.(*node)
		if n.entry.Featured {
			logging.From(ctx).Debug("equivalent featured entry kept", "id", n.id)
			c.touchLocked(existing, now)
			return nil
		}
		n.entry.Manifest = manifest
		n.entry.Text = text
		n.entry.ExpiresAt = now.Add(c.cfg.TTL)
		c.touchLocked(existing, now)
		return nil
	}

	if c.order.Len() >= c.cfg.Capacity && !c.evictLocked(ctx, now) {
		c.stats.Drops++
		c.emit(ctx, model.EventCacheDrop, now, "entries", c.order.Len())
		return nil
	}

	c.insertLocked(&model.CacheEntry{
		Key:        po.key,
		Embedding:  emb.Clone(),
		Text:       text,
		Manifest:   manifest,
		CreatedAt:  now,
		LastAccess: now,
		ExpiresAt:  now.Add(c.cfg.TTL),
	})
	return nil
}

// Seed inserts featured simulations as permanent entries keyed by their tag embedding.
// Featured entries are neither expired nor evicted. Seeding an ID again replaces its
// entry. Seeding respects Capacity: non-featured entries are evicted to make room and a
// featured simulation that still does not fit is dropped.
func (c *Cache) Seed(ctx context.Context, featured []*model.FeaturedSimulation) error {
	for _, f := range featured {
		if len(f.TagEmbedding) == 0 || f.Manifest == nil {
			return goerr.New("featured simulation is not embedded", goerr.Value("id", f.ID))
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	seeded := 0
	for _, f := range featured {
		key := "featured:" + f.ID
		if elem, ok := c.byKey[key]; ok {
			c.removeLocked(elem)
		}

		if c.order.Len() >= c.cfg.Capacity && !c.evictLocked(ctx, now) {
			c.stats.Drops++
			c.emit(ctx, model.EventCacheDrop, now, "featured", f.ID, "entries", c.order.Len())
			continue
		}

		c.insertLocked(&model.CacheEntry{
			Key:        key,
			Embedding:  f.TagEmbedding.Clone(),
			Text:       f.Title,
			Manifest:   f.Manifest,
			CreatedAt:  now,
			LastAccess: now,
			Featured:   true,
		})
		c.featured++
		seeded++
	}

	logging.From(ctx).Info("featured simulations seeded", "count", seeded, "requested", len(featured))
	return nil
}

// Purge removes every expired entry and returns how many were removed
func (c *Cache) Purge(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*node).entry.Expired(now) {
			c.expireLocked(ctx, elem, now)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the number of stored entries, expired ones included until purged
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.order.Len()
	s.Featured = c.featured
	return s
}

// findLocked scans every entry reachable by embedding. Keyed (image) entries are only
// reachable through GetByKey. Expired entries met on the way are removed.
func (c *Cache) findLocked(ctx context.Context, query model.Embedding, now time.Time) (*list.Element, float64) {
	var (
		best    *list.Element
		bestSim float64
	)

	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		n := elem.Value.(*node)

		if n.entry.Expired(now) {
			c.expireLocked(ctx, elem, now)
			elem = next
			continue
		}
		if n.entry.Key != "" && !n.entry.Featured {
			elem = next
			continue
		}

		sim, err := model.CosineSimilarity(query, n.entry.Embedding)
		if err != nil {
			logging.From(ctx).Warn("skip incomparable cache entry", "id", n.id, "error", err)
			elem = next
			continue
		}

		// Strictly greater keeps the earlier (more recent) entry on ties
		if sim > c.cfg.Threshold && (best == nil || sim > bestSim) {
			best, bestSim = elem, sim
		}
		elem = next
	}

	return best, bestSim
}

func (c *Cache) touchLocked(elem *list.Element, now time.Time) {
	n := elem.Value.(*node)
	n.entry.AccessCount++
	n.entry.LastAccess = now
	c.order.MoveToFront(elem)
}

func (c *Cache) insertLocked(entry *model.CacheEntry) {
	c.nextID++
	n := &node{id: strconv.FormatUint(c.nextID, 10), entry: entry}
	elem := c.order.PushFront(n)
	c.byID[n.id] = elem
	if entry.Key != "" {
		c.byKey[entry.Key] = elem
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	n := elem.Value.(*node)
	c.order.Remove(elem)
	delete(c.byID, n.id)
	if n.entry.Key != "" {
		delete(c.byKey, n.entry.Key)
	}
	if n.entry.Featured {
		c.featured--
	}
}

func (c *Cache) expireLocked(ctx context.Context, elem *list.Element, now time.Time) {
	n := elem.Value.(*node)
	c.removeLocked(elem)
	c.stats.Expirations++
	c.emit(ctx, model.EventCacheExpire, now, "id", n.id)
}

// evictLocked removes the least recently used non-featured entry
func (c *Cache) evictLocked(ctx context.Context, now time.Time) bool {
	for elem := c.order.Back(); elem != nil; elem = elem.Prev() {
		n := elem.Value.(*node)
		if n.entry.Featured {
			continue
		}
		c.removeLocked(elem)
		c.stats.Evictions++
		c.emit(ctx, model.EventCacheEvict, now, "id", n.id, "access_count", n.entry.AccessCount)
		return true
	}
	return false
}

func (c *Cache) emit(ctx context.Context, typ model.EventType, now time.Time, kv ...any) {
	if c.sink != nil {
		c.sink.Emit(ctx, model.NewEvent(typ, now, kv...))
	}
}

func snapshot(e *model.CacheEntry) *model.CacheEntry {
	out := *e
	out.Embedding = e.Embedding.Clone()
	return &out
}

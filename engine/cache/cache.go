// Package cache implements the semantic answer cache: a previously produced
// response is reused when a new query embeds close enough to the query that
// produced it.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/WessleyAI/policyqa/engine/domain"
)

// tieEpsilon is the distance window inside which two entries count as
// equally close; the most recently created one wins.
const tieEpsilon = 1e-9

const (
	// persistQueue bounds the writes waiting for the persister. Writes past
	// it are dropped; the in-memory cache stays authoritative.
	persistQueue = 256
	// persistTimeout caps a single persister call.
	persistTimeout = 2 * time.Second
)

// Entry is one cached answer.
type Entry struct {
	ID        string               `json:"id"`
	QueryText string               `json:"query_text"`
	Embedding []float32            `json:"embedding"`
	Payload   domain.QueryResponse `json:"payload"`
	CreatedAt time.Time            `json:"created_at"`
	HitCount  int64                `json:"hit_count"`
}

// Options configures a SemanticCache.
type Options struct {
	// Threshold is the cosine distance a lookup must stay strictly below.
	Threshold float64
	// MaxEntries bounds the cache; the least recently used entry is evicted.
	// Zero means unbounded.
	MaxEntries int
	// TTL expires entries by age. Zero disables expiry.
	TTL time.Duration
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:  0.2,
		MaxEntries: 10000,
		TTL:        24 * time.Hour,
	}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size      int    `json:"size"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// SemanticCache is safe for concurrent use. Lookups share a read lock for
// the scan; hits, stores and evictions take the write lock.
type SemanticCache struct {
	mu      sync.RWMutex
	index   map[string]*list.Element // Entry.ID -> element holding *Entry
	lru     *list.List               // front is most recently used
	opts    Options
	persist Persister
	logger  *slog.Logger
	now     func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	// Persister writes run in order on a single background writer.
	wmu     sync.RWMutex
	writes  chan persistOp
	stopped chan struct{}
	closed  bool
	dropped atomic.Uint64
}

type persistOp struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context) error
}

// Option customizes a SemanticCache.
type Option func(*SemanticCache)

// WithPersister writes entries through to p.
func WithPersister(p Persister) Option {
	return func(c *SemanticCache) { c.persist = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *SemanticCache) { c.now = now }
}

// New creates an empty SemanticCache.
func New(opts Options, logger *slog.Logger, options ...Option) *SemanticCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &SemanticCache{
		index:  make(map[string]*list.Element),
		lru:    list.New(),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range options {
		o(c)
	}
	if c.persist != nil {
		c.writes = make(chan persistOp, persistQueue)
		c.stopped = make(chan struct{})
		go c.writeLoop()
	}
	return c
}

func (c *SemanticCache) writeLoop() {
	defer close(c.stopped)
	for op := range c.writes {
		ctx, cancel := context.WithTimeout(op.ctx, persistTimeout)
		if err := op.run(ctx); err != nil {
			c.logger.Warn("cache: "+op.name, "kind", domain.KindCache, "err", err)
		}
		cancel()
	}
}

// enqueue hands op to the background writer without blocking. The request
// context is detached so the write outlives the request that caused it.
func (c *SemanticCache) enqueue(ctx context.Context, name string, run func(ctx context.Context) error) {
	c.wmu.RLock()
	defer c.wmu.RUnlock()
	if c.writes == nil || c.closed {
		return
	}
	select {
	case c.writes <- persistOp{ctx: context.WithoutCancel(ctx), name: name, run: run}:
	default:
		c.dropped.Add(1)
		c.logger.Warn("cache: persist queue full, dropping write", "kind", domain.KindCache, "op", name)
	}
}

// flush blocks until every write queued before the call has run.
func (c *SemanticCache) flush(ctx context.Context) error {
	c.wmu.RLock()
	if c.writes == nil || c.closed {
		c.wmu.RUnlock()
		return nil
	}
	done := make(chan struct{})
	op := persistOp{ctx: context.Background(), name: "flush", run: func(context.Context) error {
		close(done)
		return nil
	}}
	select {
	case c.writes <- op:
	case <-ctx.Done():
		c.wmu.RUnlock()
		return ctx.Err()
	}
	c.wmu.RUnlock()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Threshold returns the configured distance threshold.
func (c *SemanticCache) Threshold() float64 { return c.opts.Threshold }

// Lookup returns a copy of the entry closest to embedding when its cosine
// distance is strictly below the threshold. It never fails: any internal
// fault is logged and reported as a miss.
func (c *SemanticCache) Lookup(ctx context.Context, embedding []float32) (hit *Entry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache: lookup panicked", "kind", domain.KindCache, "panic", fmt.Sprint(r))
			hit, ok = nil, false
			c.misses.Add(1)
		}
	}()

	best, dist, expired := c.scan(embedding)
	if len(expired) > 0 {
		c.remove(ctx, expired)
	}
	if best == "" {
		c.misses.Add(1)
		return nil, false
	}

	c.mu.Lock()
	el, exists := c.index[best]
	if !exists {
		// Evicted between scan and promotion.
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	e := el.Value.(*Entry)
	e.HitCount++
	c.lru.MoveToFront(el)
	out := *e
	c.mu.Unlock()

	c.hits.Add(1)
	c.logger.Debug("cache: hit", "entry", out.ID, "distance", dist, "hit_count", out.HitCount)
	if c.persist != nil {
		saved := out
		c.enqueue(ctx, "persist hit count", func(ctx context.Context) error {
			if err := c.persist.Save(ctx, saved); err != nil {
				return fmt.Errorf("entry %s: %w", saved.ID, err)
			}
			return nil
		})
	}
	return &out, true
}

// scan finds the closest live entry under the read lock and collects the
// IDs of entries that have outlived the TTL.
func (c *SemanticCache) scan(embedding []float32) (best string, bestDist float64, expired []string) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	bestDist = math.Inf(1)
	var bestCreated time.Time
	mismatched := 0
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if c.expired(e, now) {
			expired = append(expired, e.ID)
			continue
		}
		if len(e.Embedding) != len(embedding) {
			mismatched++
			continue
		}
		d, ok := CosineDistance(embedding, e.Embedding)
		if !ok || d >= c.opts.Threshold {
			continue
		}
		switch {
		case d < bestDist-tieEpsilon:
		case math.Abs(d-bestDist) <= tieEpsilon && e.CreatedAt.After(bestCreated):
		default:
			continue
		}
		best, bestDist, bestCreated = e.ID, d, e.CreatedAt
	}
	if mismatched > 0 {
		c.logger.Warn("cache: skipped entries with mismatched dimensions",
			"kind", domain.KindCache, "count", mismatched, "dims", len(embedding))
	}
	return best, bestDist, expired
}

func (c *SemanticCache) expired(e *Entry, now time.Time) bool {
	return c.opts.TTL > 0 && now.Sub(e.CreatedAt) > c.opts.TTL
}

// Store appends a new entry. Near-duplicates of existing entries are kept.
func (c *SemanticCache) Store(ctx context.Context, queryText string, embedding []float32, payload domain.QueryResponse) Entry {
	e := &Entry{
		ID:        uuid.NewString(),
		QueryText: queryText,
		Embedding: append([]float32(nil), embedding...),
		Payload:   payload,
		CreatedAt: c.now(),
	}

	c.mu.Lock()
	c.index[e.ID] = c.lru.PushFront(e)
	var evicted []string
	for c.opts.MaxEntries > 0 && c.lru.Len() > c.opts.MaxEntries {
		back := c.lru.Back()
		old := back.Value.(*Entry)
		c.lru.Remove(back)
		delete(c.index, old.ID)
		evicted = append(evicted, old.ID)
	}
	out := *e
	c.mu.Unlock()

	c.evictions.Add(uint64(len(evicted)))
	if c.persist != nil {
		saved := out
		c.enqueue(ctx, "persist entry", func(ctx context.Context) error {
			if err := c.persist.Save(ctx, saved); err != nil {
				return fmt.Errorf("entry %s: %w", saved.ID, err)
			}
			return nil
		})
		if len(evicted) > 0 {
			c.enqueue(ctx, "persist eviction", func(ctx context.Context) error {
				return c.persist.Delete(ctx, evicted...)
			})
		}
	}
	return out
}

func (c *SemanticCache) remove(ctx context.Context, ids []string) {
	c.mu.Lock()
	var removed []string
	for _, id := range ids {
		if el, ok := c.index[id]; ok {
			c.lru.Remove(el)
			delete(c.index, id)
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	c.evictions.Add(uint64(len(removed)))
	if c.persist != nil && len(removed) > 0 {
		c.enqueue(ctx, "persist expiry", func(ctx context.Context) error {
			return c.persist.Delete(ctx, removed...)
		})
	}
}

// Warm loads persisted entries, skipping expired ones. It is meant to run
// once at startup, before the cache serves traffic.
func (c *SemanticCache) Warm(ctx context.Context) (int, error) {
	if c.persist == nil {
		return 0, nil
	}
	entries, err := c.persist.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache: warm: %w", err)
	}

	// Oldest first so the newest entries end up at the front.
	sortByCreated(entries)
	now := c.now()
	var stale []string
	loaded := 0

	c.mu.Lock()
	for i := range entries {
		e := entries[i]
		if c.expired(&e, now) {
			stale = append(stale, e.ID)
			continue
		}
		if _, dup := c.index[e.ID]; dup {
			continue
		}
		c.index[e.ID] = c.lru.PushFront(&e)
		loaded++
	}
	for c.opts.MaxEntries > 0 && c.lru.Len() > c.opts.MaxEntries {
		back := c.lru.Back()
		old := back.Value.(*Entry)
		c.lru.Remove(back)
		delete(c.index, old.ID)
		stale = append(stale, old.ID)
		loaded--
	}
	c.mu.Unlock()

	if len(stale) > 0 {
		if err := c.persist.Delete(ctx, stale...); err != nil {
			c.logger.Warn("cache: drop stale persisted entries", "kind", domain.KindCache, "count", len(stale), "err", err)
		}
	}
	c.logger.Info("cache: warmed", "entries", loaded, "dropped", len(stale))
	return loaded, nil
}

// Purge removes every entry, including persisted ones.
func (c *SemanticCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	n := c.lru.Len()
	c.index = make(map[string]*list.Element)
	c.lru.Init()
	c.mu.Unlock()

	c.logger.Info("cache: purged", "entries", n)
	if c.persist != nil {
		// Queued writes would otherwise land after the clear.
		if err := c.flush(ctx); err != nil {
			return fmt.Errorf("cache: purge: %w", err)
		}
		if err := c.persist.Clear(ctx); err != nil {
			return fmt.Errorf("cache: purge: %w", err)
		}
	}
	return nil
}

// Len returns the number of entries, expired or not.
func (c *SemanticCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

// Stats returns the current counters.
func (c *SemanticCache) Stats() Stats {
	return Stats{
		Size:      c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Close drains queued writes and releases the persister, if it holds
// resources. Writes issued after Close are discarded.
func (c *SemanticCache) Close() error {
	c.wmu.Lock()
	if c.writes != nil && !c.closed {
		c.closed = true
		close(c.writes)
	}
	c.wmu.Unlock()
	if c.stopped != nil {
		<-c.stopped
	}
	if d := c.dropped.Load(); d > 0 {
		c.logger.Warn("cache: dropped persister writes", "kind", domain.KindCache, "count", d)
	}
	if cl, ok := c.persist.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return nil
}

// CosineDistance returns 1 - cos(a, b). ok is false when the vectors differ
// in length or either has zero norm.
func CosineDistance(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), true
}

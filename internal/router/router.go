// Package router implements the pooling router from SPEC_FULL.md §4.7: it
// wraps the full store.Backend capability set, resolving every data-plane
// call to the backend shard a (project, queue) pair is catalogued under,
// while pools/catalogue admin calls bypass routing entirely and go straight
// to the control backend.
//
// Grounded on internal/pool/pool.go's singleflight.Group-guarded
// getOrCreatePool (cache-miss dedup) and its healthCheckLoop (collect
// targets under a read lock, ping outside the lock, update status) —
// adapted here from warm-pool acquisition to catalogue-shard resolution.
package router

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/cache"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/idutil"
	"github.com/oriys/marconibroker/internal/metrics"
	"github.com/oriys/marconibroker/internal/store"
)

// cachedPlacement is the JSON payload stored in the catalogue cache: either
// a resolved pool id, or a negative ("not placed") entry.
type cachedPlacement struct {
	PoolID string `json:"pool_id"`
	Found  bool   `json:"found"`
}

// Config bundles the router's tunables, sourced from config.RouterConfig.
type Config struct {
	CatalogueCacheTTL time.Duration
	NegativeCacheTTL  time.Duration
}

// Router resolves each (project, queue) to its backend shard via the
// catalogue, caching the lookup with a bounded TTL, and implements the full
// store.Backend interface so it can be handed to the broker service layer
// in place of a single Backend.
type Router struct {
	control store.Backend

	poolsMu sync.RWMutex
	pools   map[string]store.Backend

	healthMu sync.RWMutex
	healthy  map[string]bool

	clock clock.Clock

	rngMu sync.Mutex
	rng   *rand.Rand

	cacheTTL         time.Duration
	negativeCacheTTL time.Duration
	placementCache   cache.Cache
	invalidator      *cache.CacheInvalidator

	group singleflight.Group
}

// New builds a Router backed by a local, single-instance catalogue cache.
// control provides the Pools/Catalogue bookkeeping and is typically also one
// of the entries in pools (the shard a freshly registered pool's control
// data lives on). pools maps each registered pool id to the Backend instance
// serving it; an entry in the catalogue whose pool id is absent from pools
// surfaces brokererr.ErrPoolDoesNotExist.
func New(control store.Backend, pools map[string]store.Backend, cfg Config, clk clock.Clock) *Router {
	return NewWithCache(control, pools, cfg, clk, cache.NewInMemoryCache())
}

// NewWithCache builds a Router whose catalogue placement cache is c, e.g. a
// cache.TieredCache layering a local InMemoryCache over a shared RedisCache
// so multiple broker instances agree on queue placement without each
// re-reading the catalogue on every cache miss. Pair with SetInvalidator so
// a placement change on one instance evicts the others' L1 entries instead
// of waiting out cfg.CatalogueCacheTTL.
func NewWithCache(control store.Backend, pools map[string]store.Backend, cfg Config, clk clock.Clock, c cache.Cache) *Router {
	backends := make(map[string]store.Backend, len(pools))
	healthy := make(map[string]bool, len(pools))
	for id, b := range pools {
		backends[id] = b
		healthy[id] = true
	}
	return &Router{
		control:          control,
		pools:            backends,
		healthy:          healthy,
		clock:            clk,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		cacheTTL:         cfg.CatalogueCacheTTL,
		negativeCacheTTL: cfg.NegativeCacheTTL,
		placementCache:   c,
	}
}

// SetInvalidator wires a cache.CacheInvalidator that broadcasts placement
// changes to other broker instances sharing the same catalogue cache. Safe
// to leave unset for a single-instance deployment.
func (r *Router) SetInvalidator(inv *cache.CacheInvalidator) {
	r.invalidator = inv
}

// RegisterBackend adds (or replaces) the live Backend instance serving
// poolID and marks it healthy. cmd/broker passes its pools to New instead
// of calling this, and the router's RegisterPool only records the pool
// entry in the control backend; neither registers a live Backend here.
func (r *Router) RegisterBackend(poolID string, b store.Backend) {
	r.poolsMu.Lock()
	r.pools[poolID] = b
	r.poolsMu.Unlock()
	r.healthMu.Lock()
	r.healthy[poolID] = true
	r.healthMu.Unlock()
}

// Resolve returns the Backend the given (project, queue) is catalogued
// under, placing it on a fresh pool via weighted-random choice if this is
// the first operation to touch that queue. Exported so the broker service
// layer can resolve once per request and reuse the handle across a
// multi-step controller operation instead of re-resolving per store call.
func (r *Router) Resolve(ctx context.Context, project, queue string) (store.Backend, error) {
	key := idutil.ScopeKey(project, queue)

	if raw, err := r.placementCache.Get(ctx, key); err == nil {
		var entry cachedPlacement
		if jerr := json.Unmarshal(raw, &entry); jerr == nil {
			metrics.Global().RecordCatalogueCacheHit()
			if !entry.Found {
				return nil, brokererr.PoolDoesNotExistf("no pool placement for queue %q", queue)
			}
			return r.backendFor(entry.PoolID)
		}
	}

	metrics.Global().RecordCatalogueCacheMiss()
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolveUncached(ctx, project, queue)
	})
	if err != nil {
		return nil, err
	}
	return r.backendFor(v.(string))
}

func (r *Router) backendFor(poolID string) (store.Backend, error) {
	r.poolsMu.RLock()
	defer r.poolsMu.RUnlock()
	b, ok := r.pools[poolID]
	if !ok {
		return nil, brokererr.PoolDoesNotExistf("pool %q is not registered with this router", poolID)
	}
	return b, nil
}

func (r *Router) setCache(project, queue, poolID string, found bool, ttl time.Duration) {
	payload, err := json.Marshal(cachedPlacement{PoolID: poolID, Found: found})
	if err != nil {
		return
	}
	ctx := context.Background()
	key := idutil.ScopeKey(project, queue)
	_ = r.placementCache.Set(ctx, key, payload, ttl)
}

// invalidate drops any cached resolution for (project, queue), forcing the
// next Resolve to re-read the catalogue, and — when an invalidator is
// configured — broadcasts the eviction so other broker instances sharing
// this catalogue drop their own L1 copy instead of serving a stale
// placement until it expires.
func (r *Router) invalidate(project, queue string) {
	key := idutil.ScopeKey(project, queue)
	_ = r.placementCache.Delete(context.Background(), key)
	if r.invalidator != nil {
		_ = r.invalidator.PublishInvalidation(context.Background(), key)
	}
}

func (r *Router) resolveUncached(ctx context.Context, project, queue string) (string, error) {
	poolID, found, err := r.control.GetCatalogueEntry(ctx, project, queue)
	if err != nil {
		return "", err
	}
	if found {
		r.setCache(project, queue, poolID, true, r.cacheTTL)
		return poolID, nil
	}

	poolID, err = r.placeQueue(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			r.setCache(project, queue, "", false, r.negativeCacheTTL)
		}
		return "", err
	}
	r.setCache(project, queue, poolID, true, r.cacheTTL)
	return poolID, nil
}

// placeQueue implements the §4.6 placement policy: weighted-random choice
// over registered pools, excluding pools the health-check loop has marked
// unhealthy (§2.3's supplemented health-check feature — only NEW
// placements are steered away from an unhealthy pool; existing catalogue
// entries are never moved). The assignment is persisted before it is
// returned, so a concurrent resolver racing for the same queue either wins
// the insert or discovers the winner's entry on conflict.
func (r *Router) placeQueue(ctx context.Context, project, queue string) (string, error) {
	all, err := r.control.ListPools(ctx)
	if err != nil {
		return "", err
	}
	candidates := r.filterHealthy(all)
	if len(candidates) == 0 {
		candidates = all
	}
	if len(candidates) == 0 {
		return "", brokererr.PoolDoesNotExistf("no pools registered, cannot place queue %q", queue)
	}

	chosen := weightedChoice(candidates, r.pickRand())
	if err := r.control.InsertCatalogueEntry(ctx, project, queue, chosen.ID); err != nil {
		// Another request may have won the race to place this queue first;
		// that is not a failure for this caller, it just means the
		// assignment already settled. Anything else is a genuine error.
		poolID, found, gerr := r.control.GetCatalogueEntry(ctx, project, queue)
		if gerr == nil && found {
			return poolID, nil
		}
		return "", err
	}
	// Both store backends skip an existing entry without an error, so read
	// back whichever assignment was stored first.
	if poolID, found, gerr := r.control.GetCatalogueEntry(ctx, project, queue); gerr == nil && found {
		return poolID, nil
	}
	return chosen.ID, nil
}

func (r *Router) filterHealthy(pools []domain.PoolEntry) []domain.PoolEntry {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make([]domain.PoolEntry, 0, len(pools))
	for _, p := range pools {
		if healthy, known := r.healthy[p.ID]; !known || healthy {
			out = append(out, p)
		}
	}
	return out
}

func (r *Router) pickRand() float64 {
	r.rngMu.Lock()
	defer r.rngMu.Unlock()
	return r.rng.Float64()
}

// weightedChoice picks one pool proportional to its weight. If every
// candidate has weight 0, all are equally eligible (uniform choice), per
// §4.6: "pool with weight 0 is eligible only if all are 0".
func weightedChoice(pools []domain.PoolEntry, draw float64) domain.PoolEntry {
	total := 0
	for _, p := range pools {
		total += p.Weight
	}
	if total == 0 {
		idx := int(draw * float64(len(pools)))
		if idx >= len(pools) {
			idx = len(pools) - 1
		}
		return pools[idx]
	}
	target := draw * float64(total)
	acc := 0.0
	for _, p := range pools {
		acc += float64(p.Weight)
		if target < acc {
			return p
		}
	}
	return pools[len(pools)-1]
}

// StartHealthChecks runs a periodic ping of every registered pool backend
// until ctx is cancelled, updating both the router's internal placement
// eligibility and the pool_healthy Prometheus gauge.
func (r *Router) StartHealthChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkHealth(ctx)
		}
	}
}

func (r *Router) checkHealth(ctx context.Context) {
	r.poolsMu.RLock()
	snapshot := make(map[string]store.Backend, len(r.pools))
	for id, b := range r.pools {
		snapshot[id] = b
	}
	r.poolsMu.RUnlock()

	for id, b := range snapshot {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		healthy := b.Ping(pingCtx) == nil
		cancel()

		r.healthMu.Lock()
		r.healthy[id] = healthy
		r.healthMu.Unlock()
		metrics.Global().SetPoolHealthy(id, healthy)
	}
}

// HealthSnapshot returns the most recently observed health status of every
// registered pool. cmd/broker logs it periodically; the /health endpoint
// does not read it (it uses Ping, which checks the control backend only).
func (r *Router) HealthSnapshot() map[string]bool {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	out := make(map[string]bool, len(r.healthy))
	for k, v := range r.healthy {
		out[k] = v
	}
	return out
}

// --- store.Backend: QueueStore (routed) ---

func (r *Router) CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error {
	b, err := r.Resolve(ctx, project, name)
	if err != nil {
		return err
	}
	return b.CreateQueue(ctx, project, name, metadata, defaultTTL)
}

func (r *Router) DeleteQueue(ctx context.Context, project, name string) error {
	b, err := r.Resolve(ctx, project, name)
	if err != nil {
		return err
	}
	if err := b.DeleteQueue(ctx, project, name); err != nil {
		return err
	}
	if err := r.control.DeleteCatalogueEntry(ctx, project, name); err != nil {
		return err
	}
	r.invalidate(project, name)
	return nil
}

func (r *Router) GetQueue(ctx context.Context, project, name string) (*domain.Queue, error) {
	b, err := r.Resolve(ctx, project, name)
	if err != nil {
		return nil, err
	}
	return b.GetQueue(ctx, project, name)
}

func (r *Router) QueueExists(ctx context.Context, project, name string) (bool, error) {
	b, err := r.Resolve(ctx, project, name)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return false, nil
		}
		return false, err
	}
	return b.QueueExists(ctx, project, name)
}

// --- store.Backend: MessageStore (routed) ---

func (r *Router) InsertMessages(ctx context.Context, project, queue string, startMarker int64, msgs []*domain.Message, now time.Time) error {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		return err
	}
	return b.InsertMessages(ctx, project, queue, startMarker, msgs, now)
}

func (r *Router) ListMessages(ctx context.Context, project, queue string, opts store.MessageListOptions, now time.Time) ([]*domain.Message, int64, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, opts.Marker, nil
		}
		return nil, 0, err
	}
	return b.ListMessages(ctx, project, queue, opts, now)
}

func (r *Router) GetMessage(ctx context.Context, project, queue, id string, now time.Time) (*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, brokererr.MessageDoesNotExistf("message %q does not exist in queue %q", id, queue)
		}
		return nil, err
	}
	return b.GetMessage(ctx, project, queue, id, now)
}

func (r *Router) BulkGetMessages(ctx context.Context, project, queue string, ids []string, now time.Time) ([]*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return b.BulkGetMessages(ctx, project, queue, ids, now)
}

func (r *Router) DeleteMessage(ctx context.Context, project, queue, id, claimID string, now time.Time) error {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil
		}
		return err
	}
	return b.DeleteMessage(ctx, project, queue, id, claimID, now)
}

func (r *Router) BulkDeleteMessages(ctx context.Context, project, queue string, ids []string) error {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil
		}
		return err
	}
	return b.BulkDeleteMessages(ctx, project, queue, ids)
}

func (r *Router) PopMessages(ctx context.Context, project, queue string, limit int, now time.Time) ([]*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return b.PopMessages(ctx, project, queue, limit, now)
}

func (r *Router) FirstMessage(ctx context.Context, project, queue string, sort int, now time.Time) (*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, brokererr.QueueIsEmptyf("queue %q has no visible messages", queue)
		}
		return nil, err
	}
	return b.FirstMessage(ctx, project, queue, sort, now)
}

func (r *Router) Stats(ctx context.Context, project, queue string, now time.Time) (*domain.QueueStats, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		return nil, err
	}
	return b.Stats(ctx, project, queue, now)
}

// --- store.Backend: ClaimStore (routed) ---

func (r *Router) CreateClaim(ctx context.Context, project, queue string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		return nil, nil, err
	}
	return b.CreateClaim(ctx, project, queue, ttl, grace, limit, now)
}

func (r *Router) GetClaim(ctx context.Context, project, queue, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil, nil, brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
		}
		return nil, nil, err
	}
	return b.GetClaim(ctx, project, queue, claimID, now)
}

func (r *Router) UpdateClaim(ctx context.Context, project, queue, claimID string, ttl int, now time.Time) error {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
		}
		return err
	}
	return b.UpdateClaim(ctx, project, queue, claimID, ttl, now)
}

func (r *Router) DeleteClaim(ctx context.Context, project, queue, claimID string, now time.Time) error {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		if brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
			return nil
		}
		return err
	}
	return b.DeleteClaim(ctx, project, queue, claimID, now)
}

// --- store.Backend: CounterStore (routed) ---

func (r *Router) Get(ctx context.Context, project, queue string) (int64, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		return 0, err
	}
	return b.Get(ctx, project, queue)
}

func (r *Router) Inc(ctx context.Context, project, queue string, amount int64, window time.Duration, now time.Time) (int64, bool, error) {
	b, err := r.Resolve(ctx, project, queue)
	if err != nil {
		return 0, false, err
	}
	return b.Inc(ctx, project, queue, amount, window, now)
}

// --- store.Backend: CatalogueStore (control-plane, bypasses routing) ---

func (r *Router) InsertCatalogueEntry(ctx context.Context, project, queue, poolID string) error {
	if err := r.control.InsertCatalogueEntry(ctx, project, queue, poolID); err != nil {
		return err
	}
	r.invalidate(project, queue)
	return nil
}

func (r *Router) GetCatalogueEntry(ctx context.Context, project, queue string) (string, bool, error) {
	return r.control.GetCatalogueEntry(ctx, project, queue)
}

func (r *Router) DeleteCatalogueEntry(ctx context.Context, project, queue string) error {
	if err := r.control.DeleteCatalogueEntry(ctx, project, queue); err != nil {
		return err
	}
	r.invalidate(project, queue)
	return nil
}

func (r *Router) DropAllCatalogueEntries(ctx context.Context, poolID string) error {
	return r.control.DropAllCatalogueEntries(ctx, poolID)
}

// --- store.Backend: PoolStore (control-plane, bypasses routing) ---

func (r *Router) RegisterPool(ctx context.Context, entry domain.PoolEntry) error {
	return r.control.RegisterPool(ctx, entry)
}

func (r *Router) RemovePool(ctx context.Context, poolID string) error {
	if err := r.control.RemovePool(ctx, poolID); err != nil {
		return err
	}
	r.poolsMu.Lock()
	delete(r.pools, poolID)
	r.poolsMu.Unlock()
	r.healthMu.Lock()
	delete(r.healthy, poolID)
	r.healthMu.Unlock()
	return nil
}

func (r *Router) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	return r.control.GetPool(ctx, poolID)
}

func (r *Router) ListPools(ctx context.Context) ([]domain.PoolEntry, error) {
	return r.control.ListPools(ctx)
}

// --- store.Backend: misc ---

func (r *Router) Kind() string { return "router" }

// Ping checks the control backend's reachability. Per-pool health is
// tracked independently by the health-check loop; see HealthSnapshot.
func (r *Router) Ping(ctx context.Context) error {
	return r.control.Ping(ctx)
}

// Close releases every distinct backend registered with the router.
func (r *Router) Close() {
	r.poolsMu.RLock()
	seen := make(map[store.Backend]bool, len(r.pools))
	backends := make([]store.Backend, 0, len(r.pools))
	for _, b := range r.pools {
		if !seen[b] {
			seen[b] = true
			backends = append(backends, b)
		}
	}
	r.poolsMu.RUnlock()
	for _, b := range backends {
		b.Close()
	}
	if r.invalidator != nil {
		_ = r.invalidator.Close()
	}
	_ = r.placementCache.Close()
}

var _ store.Backend = (*Router)(nil)

package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/store"
)

// fakeBackend is a minimal in-memory store.Backend used only to exercise
// the router's resolution, caching, and placement logic in isolation from
// any real storage driver.
type fakeBackend struct {
	id         string
	pools      []domain.PoolEntry
	catalogue  map[string]string
	pingErr    error
	pingCalls  int
	queueCalls int
}

func newFakeBackend(id string) *fakeBackend {
	return &fakeBackend{id: id, catalogue: make(map[string]string)}
}

func (f *fakeBackend) CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error {
	f.queueCalls++
	return nil
}
func (f *fakeBackend) DeleteQueue(ctx context.Context, project, name string) error { return nil }
func (f *fakeBackend) GetQueue(ctx context.Context, project, name string) (*domain.Queue, error) {
	return &domain.Queue{Project: project, Name: name}, nil
}
func (f *fakeBackend) QueueExists(ctx context.Context, project, name string) (bool, error) {
	return true, nil
}
func (f *fakeBackend) InsertMessages(ctx context.Context, project, queue string, startMarker int64, msgs []*domain.Message, now time.Time) error {
	return nil
}
func (f *fakeBackend) ListMessages(ctx context.Context, project, queue string, opts store.MessageListOptions, now time.Time) ([]*domain.Message, int64, error) {
	return nil, 0, nil
}
func (f *fakeBackend) GetMessage(ctx context.Context, project, queue, id string, now time.Time) (*domain.Message, error) {
	return nil, brokererr.MessageDoesNotExistf("no such message")
}
func (f *fakeBackend) BulkGetMessages(ctx context.Context, project, queue string, ids []string, now time.Time) ([]*domain.Message, error) {
	return nil, nil
}
func (f *fakeBackend) DeleteMessage(ctx context.Context, project, queue, id, claimID string, now time.Time) error {
	return nil
}
func (f *fakeBackend) BulkDeleteMessages(ctx context.Context, project, queue string, ids []string) error {
	return nil
}
func (f *fakeBackend) PopMessages(ctx context.Context, project, queue string, limit int, now time.Time) ([]*domain.Message, error) {
	return nil, nil
}
func (f *fakeBackend) FirstMessage(ctx context.Context, project, queue string, sort int, now time.Time) (*domain.Message, error) {
	return nil, brokererr.QueueIsEmptyf("empty")
}
func (f *fakeBackend) Stats(ctx context.Context, project, queue string, now time.Time) (*domain.QueueStats, error) {
	return &domain.QueueStats{}, nil
}
func (f *fakeBackend) CreateClaim(ctx context.Context, project, queue string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error) {
	return nil, nil, nil
}
func (f *fakeBackend) GetClaim(ctx context.Context, project, queue, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error) {
	return nil, nil, brokererr.ClaimDoesNotExistf("no such claim")
}
func (f *fakeBackend) UpdateClaim(ctx context.Context, project, queue, claimID string, ttl int, now time.Time) error {
	return nil
}
func (f *fakeBackend) DeleteClaim(ctx context.Context, project, queue, claimID string, now time.Time) error {
	return nil
}
func (f *fakeBackend) Get(ctx context.Context, project, queue string) (int64, error) { return 1, nil }
func (f *fakeBackend) Inc(ctx context.Context, project, queue string, amount int64, window time.Duration, now time.Time) (int64, bool, error) {
	return 1 + amount, true, nil
}
func (f *fakeBackend) InsertCatalogueEntry(ctx context.Context, project, queue, poolID string) error {
	key := project + "/" + queue
	if _, exists := f.catalogue[key]; exists {
		return brokererr.InvalidArgumentf("catalogue entry already exists")
	}
	f.catalogue[key] = poolID
	return nil
}
func (f *fakeBackend) GetCatalogueEntry(ctx context.Context, project, queue string) (string, bool, error) {
	poolID, ok := f.catalogue[project+"/"+queue]
	return poolID, ok, nil
}
func (f *fakeBackend) DeleteCatalogueEntry(ctx context.Context, project, queue string) error {
	delete(f.catalogue, project+"/"+queue)
	return nil
}
func (f *fakeBackend) DropAllCatalogueEntries(ctx context.Context, poolID string) error { return nil }
func (f *fakeBackend) RegisterPool(ctx context.Context, entry domain.PoolEntry) error {
	f.pools = append(f.pools, entry)
	return nil
}
func (f *fakeBackend) RemovePool(ctx context.Context, poolID string) error { return nil }
func (f *fakeBackend) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	for _, p := range f.pools {
		if p.ID == poolID {
			return &p, nil
		}
	}
	return nil, brokererr.PoolDoesNotExistf("no such pool")
}
func (f *fakeBackend) ListPools(ctx context.Context) ([]domain.PoolEntry, error) { return f.pools, nil }
func (f *fakeBackend) Kind() string                                             { return "fake" }
func (f *fakeBackend) Ping(ctx context.Context) error {
	f.pingCalls++
	return f.pingErr
}
func (f *fakeBackend) Close() {}

func testConfig() Config {
	return Config{CatalogueCacheTTL: time.Minute, NegativeCacheTTL: time.Second}
}

func TestResolvePlacesQueueOnFirstCall(t *testing.T) {
	control := newFakeBackend("control")
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "a", Weight: 1})
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "b", Weight: 1})
	pools := map[string]store.Backend{"a": newFakeBackend("a"), "b": newFakeBackend("b")}

	r := New(control, pools, testConfig(), clock.New())
	b, err := r.Resolve(context.Background(), "p1", "q1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if b == nil {
		t.Fatal("expected a resolved backend")
	}

	poolID, found, err := control.GetCatalogueEntry(context.Background(), "p1", "q1")
	if err != nil || !found {
		t.Fatalf("expected a persisted catalogue entry, found=%v err=%v", found, err)
	}
	if poolID != "a" && poolID != "b" {
		t.Fatalf("unexpected pool id %q", poolID)
	}
}

func TestResolveIsStableAcrossCalls(t *testing.T) {
	control := newFakeBackend("control")
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "a", Weight: 1})
	pools := map[string]store.Backend{"a": newFakeBackend("a")}

	r := New(control, pools, testConfig(), clock.New())
	ctx := context.Background()
	first, err := r.Resolve(ctx, "p1", "q1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := r.Resolve(ctx, "p1", "q1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second {
		t.Fatal("expected the same backend on repeated resolution of the same queue")
	}
}

func TestResolveUnplaceableQueueReturnsPoolDoesNotExist(t *testing.T) {
	control := newFakeBackend("control")
	pools := map[string]store.Backend{}

	r := New(control, pools, testConfig(), clock.New())
	_, err := r.Resolve(context.Background(), "p1", "q1")
	if !brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
		t.Fatalf("expected ErrPoolDoesNotExist, got %v", err)
	}
}

func TestUnhealthyPoolExcludedFromNewPlacement(t *testing.T) {
	control := newFakeBackend("control")
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "bad", Weight: 1})
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "good", Weight: 1})
	badBackend := newFakeBackend("bad")
	badBackend.pingErr = context.DeadlineExceeded
	pools := map[string]store.Backend{"bad": badBackend, "good": newFakeBackend("good")}

	r := New(control, pools, testConfig(), clock.New())
	r.checkHealth(context.Background())

	for i := 0; i < 10; i++ {
		queue := "q" + string(rune('a'+i))
		if _, err := r.Resolve(context.Background(), "p1", queue); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		poolID, _, _ := control.GetCatalogueEntry(context.Background(), "p1", queue)
		if poolID == "bad" {
			t.Fatalf("expected unhealthy pool to be excluded from new placement, got %q", poolID)
		}
	}
}

func TestCatalogueAndPoolCallsBypassRouting(t *testing.T) {
	control := newFakeBackend("control")
	r := New(control, map[string]store.Backend{}, testConfig(), clock.New())

	if err := r.RegisterPool(context.Background(), domain.PoolEntry{ID: "a", Weight: 1}); err != nil {
		t.Fatalf("register pool: %v", err)
	}
	pools, err := r.ListPools(context.Background())
	if err != nil || len(pools) != 1 {
		t.Fatalf("expected one registered pool, got %d (err=%v)", len(pools), err)
	}

	if err := r.InsertCatalogueEntry(context.Background(), "p1", "q1", "a"); err != nil {
		t.Fatalf("insert catalogue entry: %v", err)
	}
	poolID, found, err := r.GetCatalogueEntry(context.Background(), "p1", "q1")
	if err != nil || !found || poolID != "a" {
		t.Fatalf("expected catalogue entry a, got %q found=%v err=%v", poolID, found, err)
	}
}

func TestWeightedChoiceAllZeroWeightsUniform(t *testing.T) {
	pools := []domain.PoolEntry{{ID: "a", Weight: 0}, {ID: "b", Weight: 0}, {ID: "c", Weight: 0}}
	seen := map[string]bool{}
	for _, draw := range []float64{0, 0.34, 0.67, 0.99} {
		seen[weightedChoice(pools, draw).ID] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected the draw to range over multiple pools, got %v", seen)
	}
}

func TestWeightedChoiceRespectsWeight(t *testing.T) {
	pools := []domain.PoolEntry{{ID: "heavy", Weight: 99}, {ID: "light", Weight: 1}}
	if got := weightedChoice(pools, 0.5).ID; got != "heavy" {
		t.Fatalf("expected a mid-range draw to land on the heavily-weighted pool, got %q", got)
	}
}

func TestRemovePoolDropsFromRouterState(t *testing.T) {
	control := newFakeBackend("control")
	control.RegisterPool(context.Background(), domain.PoolEntry{ID: "a", Weight: 1})
	pools := map[string]store.Backend{"a": newFakeBackend("a")}
	r := New(control, pools, testConfig(), clock.New())

	if err := r.RemovePool(context.Background(), "a"); err != nil {
		t.Fatalf("remove pool: %v", err)
	}
	if _, err := r.backendFor("a"); !brokererr.Is(err, brokererr.ErrPoolDoesNotExist) {
		t.Fatalf("expected pool a to be gone from the router, got %v", err)
	}
}

// Package store defines the storage capability set described in
// SPEC_FULL.md §9 DESIGN NOTES: a capability per resource (Queue, Message,
// Claim, Catalogue, Pool, Counter) rather than one monolithic interface.
// This mirrors the teacher's own Store, which composed MetadataStore,
// WorkflowStore, and ScheduleStore behind optional-interface assertions in
// its constructor — here the composition is static (every Backend
// implements every capability) because, unlike the teacher's store whose
// concrete adapters only partially overlapped, both the relational and
// docstore backends below implement the full set.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/marconibroker/internal/domain"
)

// QueueStore manages queue identity and metadata.
type QueueStore interface {
	CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error
	DeleteQueue(ctx context.Context, project, name string) error
	GetQueue(ctx context.Context, project, name string) (*domain.Queue, error)
	QueueExists(ctx context.Context, project, name string) (bool, error)
}

// MessageListOptions bundles the list/GET filters from SPEC_FULL.md §4.4.
type MessageListOptions struct {
	Marker         int64
	Limit          int
	ClientID       string
	Echo           bool
	IncludeClaimed bool
}

// MessageStore manages message bodies and their visibility/claim state.
type MessageStore interface {
	// InsertMessages performs atomic unit 2: a batch insert keyed by
	// (project, queue, marker) that fails as a whole on a unique-index
	// collision so the caller can retry with backoff.
	InsertMessages(ctx context.Context, project, queue string, startMarker int64, msgs []*domain.Message, now time.Time) error
	ListMessages(ctx context.Context, project, queue string, opts MessageListOptions, now time.Time) (page []*domain.Message, nextMarker int64, err error)
	GetMessage(ctx context.Context, project, queue, id string, now time.Time) (*domain.Message, error)
	BulkGetMessages(ctx context.Context, project, queue string, ids []string, now time.Time) ([]*domain.Message, error)
	DeleteMessage(ctx context.Context, project, queue, id, claimID string, now time.Time) error
	BulkDeleteMessages(ctx context.Context, project, queue string, ids []string) error
	PopMessages(ctx context.Context, project, queue string, limit int, now time.Time) ([]*domain.Message, error)
	FirstMessage(ctx context.Context, project, queue string, sort int, now time.Time) (*domain.Message, error)
	Stats(ctx context.Context, project, queue string, now time.Time) (*domain.QueueStats, error)
}

// ClaimStore manages claim lifecycle, atomic unit 3 and 4 in SPEC_FULL.md §5.
type ClaimStore interface {
	// CreateClaim selects up to limit visible, unclaimed messages ordered
	// by marker, stamps them all atomically, and returns the claim plus
	// the claimed batch (empty, not an error, if none were available).
	CreateClaim(ctx context.Context, project, queue string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error)
	GetClaim(ctx context.Context, project, queue, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error)
	UpdateClaim(ctx context.Context, project, queue, claimID string, ttl int, now time.Time) error
	DeleteClaim(ctx context.Context, project, queue, claimID string, now time.Time) error
}

// CounterStore implements the marker-reservation counter from SPEC_FULL.md §4.3.
type CounterStore interface {
	Get(ctx context.Context, project, queue string) (int64, error)
	// Inc performs a windowed conditional increment. ok is false without
	// mutation when window > 0 and the elapsed time since the last
	// modification is below window.
	Inc(ctx context.Context, project, queue string, amount int64, window time.Duration, now time.Time) (value int64, ok bool, err error)
}

// CatalogueStore manages the (project, queue) -> pool-id assignment.
type CatalogueStore interface {
	InsertCatalogueEntry(ctx context.Context, project, queue, poolID string) error
	GetCatalogueEntry(ctx context.Context, project, queue string) (string, bool, error)
	DeleteCatalogueEntry(ctx context.Context, project, queue string) error
	DropAllCatalogueEntries(ctx context.Context, poolID string) error
}

// PoolStore manages the registered backend pools.
type PoolStore interface {
	RegisterPool(ctx context.Context, entry domain.PoolEntry) error
	RemovePool(ctx context.Context, poolID string) error
	GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error)
	ListPools(ctx context.Context) ([]domain.PoolEntry, error)
}

// Backend is the full capability set one storage implementation provides.
// The pooling router (internal/router) holds one Backend per pool and
// resolves which one a given (project, queue) routes to via CatalogueStore
// and PoolStore, which every Backend also satisfies for its own pool's
// control-plane bookkeeping.
type Backend interface {
	QueueStore
	MessageStore
	ClaimStore
	CounterStore
	CatalogueStore
	PoolStore

	// Kind names the backend implementation ("postgres", "redis").
	Kind() string
	// Ping checks connectivity for /health.
	Ping(ctx context.Context) error
	// Close releases the backend's connection pool. Called once during
	// cmd/broker daemon's shutdown sequence, never from a request path.
	Close()
}

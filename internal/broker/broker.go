// Package broker implements the Queue, Message, and Claim controllers from
// SPEC_FULL.md §4.3-§4.6: the business logic that sits between the HTTP
// transport and a store.Backend (ordinarily internal/router.Router),
// handling implicit queue creation, per-field validation, marker
// reservation, and the two distinct retry points named in §4.4/§5 — the
// message-conflict backoff for post, and the bounded backend-reconnect
// retry that applies uniformly to every backend call.
package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/config"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/idutil"
	"github.com/oriys/marconibroker/internal/logging"
	"github.com/oriys/marconibroker/internal/metrics"
	"github.com/oriys/marconibroker/internal/queue"
	"github.com/oriys/marconibroker/internal/store"
	"github.com/oriys/marconibroker/internal/validation"
)

// MessageInput is one element of a post batch, decoded from the request
// body before it reaches the broker.
type MessageInput struct {
	Body json.RawMessage
	TTL  int
}

// Broker wraps a store.Backend (typically internal/router.Router) with the
// request-level semantics named in SPEC_FULL.md: validation, implicit
// queue creation, marker reservation with conflict-retry, and the
// notifier hook that wakes long-poll waiters after a post or claim
// release.
type Broker struct {
	backend  store.Backend
	clock    clock.Clock
	limits   validation.Limits
	backoff  config.BackoffConfig
	router   config.RouterConfig
	notifier queue.Notifier
}

// New builds a Broker. notifier may be queue.NewNoopNotifier() if push
// notification is not configured; a long-poll CreateClaim that finds no
// messages then waits out its whole wait and returns empty, without
// re-checking the queue in between.
func New(backend store.Backend, clk clock.Clock, limits validation.Limits, backoff config.BackoffConfig, router config.RouterConfig, notifier queue.Notifier) *Broker {
	return &Broker{backend: backend, clock: clk, limits: limits, backoff: backoff, router: router, notifier: notifier}
}

// withReconnectRetry retries fn on brokererr.ErrConnectionError up to
// router.MaxReconnectAttempts times using the §4.4 backoff formula, per
// §5: "Connection resets from the backend are retried a bounded number of
// times; exhaustion surfaces as ConnectionError." Any other error (or a
// nil) returns immediately.
func (b *Broker) withReconnectRetry(ctx context.Context, fn func() error) error {
	maxAttempts := b.router.MaxReconnectAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !brokererr.Is(lastErr, brokererr.ErrConnectionError) {
			return lastErr
		}
		if attempt == maxAttempts-1 {
			break
		}
		delay, err := idutil.Backoff(attempt, maxAttempts, b.backoff.BaseInterval, b.backoff.Jitter, nil)
		if err != nil {
			return err
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// --- Queue controller ---

// PutQueue creates queue (project, name) if it does not already exist.
// created reports whether this call is the one that created it, so the
// transport layer can answer 201 vs 204.
func (b *Broker) PutQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) (created bool, err error) {
	if err := b.limits.ProjectID(project); err != nil {
		return false, err
	}
	if err := b.limits.QueueName(name); err != nil {
		return false, err
	}
	var existed bool
	err = b.withReconnectRetry(ctx, func() error {
		var e error
		existed, e = b.backend.QueueExists(ctx, project, name)
		return e
	})
	if err != nil {
		return false, err
	}
	err = b.withReconnectRetry(ctx, func() error {
		return b.backend.CreateQueue(ctx, project, name, metadata, defaultTTL)
	})
	if err != nil {
		return false, err
	}
	return !existed, nil
}

// DeleteQueue purges queue (project, name) and everything it owns.
// Idempotent: deleting a queue that does not exist still succeeds.
func (b *Broker) DeleteQueue(ctx context.Context, project, name string) error {
	start := time.Now()
	if err := b.limits.QueueName(name); err != nil {
		return err
	}
	err := b.withReconnectRetry(ctx, func() error {
		return b.backend.DeleteQueue(ctx, project, name)
	})
	audit("queue_delete", project, name, "", start, 0, 0, err)
	return err
}

// QueueStats answers GET /queues/{name}/stats. A queue with no messages
// (including one that was never created) reports all-zero counts rather
// than an error, mirroring list's "unknown queue is an empty page" rule.
func (b *Broker) QueueStats(ctx context.Context, project, name string) (*domain.QueueStats, error) {
	if err := b.limits.QueueName(name); err != nil {
		return nil, err
	}
	var stats *domain.QueueStats
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		stats, e = b.backend.Stats(ctx, project, name, b.clock.Now())
		return e
	})
	return stats, err
}

// --- Message controller ---

// PostMessages implements §4.4's post: implicit queue creation, marker
// range reservation, and bounded conflict-retry on a colliding batch
// insert. Returns the assigned message ids in input order.
func (b *Broker) PostMessages(ctx context.Context, project, queue, clientID string, items []MessageInput) ([]string, error) {
	start := time.Now()
	if err := b.limits.QueueName(queue); err != nil {
		return nil, err
	}
	if err := b.limits.ClientID(clientID); err != nil {
		return nil, err
	}
	if err := b.limits.PostBatchLength(len(items)); err != nil {
		return nil, err
	}
	for _, it := range items {
		if err := b.limits.MessageTTL(it.TTL); err != nil {
			return nil, err
		}
		if err := b.limits.PostBodySize(len(it.Body)); err != nil {
			return nil, err
		}
	}
	if len(items) == 0 {
		return nil, nil
	}

	if err := b.ensureQueue(ctx, project, queue); err != nil {
		return nil, err
	}

	ids := make([]string, len(items))
	msgs := make([]*domain.Message, len(items))
	for i, it := range items {
		id := idutil.NewMessageID()
		ids[i] = id
		msgs[i] = &domain.Message{ID: id, Project: project, Queue: queue, Body: it.Body, TTL: it.TTL, ClientID: clientID}
	}

	maxAttempts := b.backoff.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := b.clock.Now()
		newValue, _, err := b.backend.Inc(ctx, project, queue, int64(len(items)), 0, now)
		if err != nil {
			return nil, err
		}
		startMarker := newValue - int64(len(items)) + 1

		err = b.backend.InsertMessages(ctx, project, queue, startMarker, msgs, now)
		if err == nil {
			_ = b.notifier.Notify(ctx, queueKey(project, queue))
			rec := metrics.Global()
			rec.RecordMessagesPosted(project, queue, len(items))
			audit("post", project, queue, "", start, attempt, len(items), nil)
			return ids, nil
		}
		if !brokererr.Is(err, brokererr.ErrMessageConflict) {
			audit("post", project, queue, "", start, attempt, len(items), err)
			return nil, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		delay, berr := idutil.Backoff(attempt, maxAttempts, b.backoff.BaseInterval, b.backoff.Jitter, nil)
		if berr != nil {
			audit("post", project, queue, "", start, attempt, len(items), berr)
			return nil, berr
		}
		if serr := sleep(ctx, delay); serr != nil {
			audit("post", project, queue, "", start, attempt, len(items), serr)
			return nil, serr
		}
	}
	metrics.Global().RecordBackendError("post", "message_conflict")
	finalErr := brokererr.MessageConflictf("post to queue %q failed after %d attempts: %v", queue, maxAttempts, lastErr)
	audit("post", project, queue, "", start, maxAttempts, len(items), finalErr)
	return nil, finalErr
}

func (b *Broker) ensureQueue(ctx context.Context, project, name string) error {
	exists, err := b.backend.QueueExists(ctx, project, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.backend.CreateQueue(ctx, project, name, nil, 0)
}

// ListMessages implements §4.4's list: marker-ordered, optionally
// excluding claimed or the requesting client's own messages.
func (b *Broker) ListMessages(ctx context.Context, project, q, clientID string, marker int64, limit int, echo, includeClaimed bool) ([]*domain.Message, int64, error) {
	if err := b.limits.ClientID(clientID); err != nil {
		return nil, 0, err
	}
	if err := b.limits.ListLimit(limit); err != nil {
		return nil, 0, err
	}
	opts := store.MessageListOptions{Marker: marker, Limit: limit, ClientID: clientID, Echo: echo, IncludeClaimed: includeClaimed}
	var page []*domain.Message
	var next int64
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		page, next, e = b.backend.ListMessages(ctx, project, q, opts, b.clock.Now())
		return e
	})
	return page, next, err
}

// GetMessage returns a single message by id.
func (b *Broker) GetMessage(ctx context.Context, project, q, id string) (*domain.Message, error) {
	var m *domain.Message
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		m, e = b.backend.GetMessage(ctx, project, q, id, b.clock.Now())
		return e
	})
	return m, err
}

// BulkGetMessages returns every message in ids that still exists; unknown
// ids are silently omitted, never an error.
func (b *Broker) BulkGetMessages(ctx context.Context, project, q string, ids []string) ([]*domain.Message, error) {
	if err := b.limits.BulkIDs(len(ids)); err != nil {
		return nil, err
	}
	var out []*domain.Message
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		out, e = b.backend.BulkGetMessages(ctx, project, q, ids, b.clock.Now())
		return e
	})
	return out, err
}

// DeleteMessage deletes a single message, optionally conditioned on a live
// claim owning it. Idempotent: a missing id is a no-op success, and so is
// an invalid/mismatched claimID (it leaves the message retrievable
// instead of deleting it).
func (b *Broker) DeleteMessage(ctx context.Context, project, q, id, claimID string) error {
	err := b.withReconnectRetry(ctx, func() error {
		return b.backend.DeleteMessage(ctx, project, q, id, claimID, b.clock.Now())
	})
	if err == nil {
		metrics.Global().RecordMessagesDeleted(project, q, 1)
	}
	return err
}

// BulkDeleteMessages deletes every message in ids, best-effort; unknown
// ids are silently ignored.
func (b *Broker) BulkDeleteMessages(ctx context.Context, project, q string, ids []string) error {
	if err := b.limits.BulkIDs(len(ids)); err != nil {
		return err
	}
	err := b.withReconnectRetry(ctx, func() error {
		return b.backend.BulkDeleteMessages(ctx, project, q, ids)
	})
	if err == nil {
		metrics.Global().RecordMessagesDeleted(project, q, len(ids))
	}
	return err
}

// PopMessages destructively removes and returns up to limit oldest
// visible messages as one atomic batch.
func (b *Broker) PopMessages(ctx context.Context, project, q string, limit int) ([]*domain.Message, error) {
	if err := b.limits.ListLimit(limit); err != nil {
		return nil, err
	}
	var out []*domain.Message
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		out, e = b.backend.PopMessages(ctx, project, q, limit, b.clock.Now())
		return e
	})
	if err == nil {
		metrics.Global().RecordMessagesDeleted(project, q, len(out))
	}
	return out, err
}

// FirstMessage returns the oldest (sort=+1) or newest (sort=-1) visible
// message. Any other sort value is a programmer error, per §9's resolved
// Open Question, never a 4xx.
func (b *Broker) FirstMessage(ctx context.Context, project, q string, sort int) (*domain.Message, error) {
	if sort != 1 && sort != -1 {
		return nil, brokererr.InvariantViolationf("first: sort must be +1 or -1, got %d", sort)
	}
	var m *domain.Message
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		m, e = b.backend.FirstMessage(ctx, project, q, sort, b.clock.Now())
		return e
	})
	return m, err
}

// --- Claim controller ---

// CreateClaim atomically selects up to limit unclaimed, unexpired
// messages and stamps them with a new claim. If the queue has nothing to
// claim and waitSeconds > 0, the call long-polls: it subscribes to the
// queue's notification key and blocks until a post/claim-release wakes it,
// the wait elapses, or ctx is cancelled, retrying the selection on each
// wake-up. waitSeconds is clamped to router.MaxClaimWait.
func (b *Broker) CreateClaim(ctx context.Context, project, q string, ttl, grace, limit, waitSeconds int) (*domain.Claim, []*domain.Message, error) {
	start := time.Now()
	if err := b.limits.ClaimTTL(ttl); err != nil {
		return nil, nil, err
	}
	if err := b.limits.ClaimGrace(grace); err != nil {
		return nil, nil, err
	}
	if err := b.limits.ListLimit(limit); err != nil {
		return nil, nil, err
	}

	wait := time.Duration(waitSeconds) * time.Second
	if max := b.router.MaxClaimWait; wait > max {
		wait = max
	}
	var deadline time.Time
	if wait > 0 {
		deadline = b.clock.Now().Add(wait)
	}

	var claim *domain.Claim
	var msgs []*domain.Message
	var err error
	retries := 0
pollLoop:
	for {
		err = b.withReconnectRetry(ctx, func() error {
			var e error
			claim, msgs, e = b.backend.CreateClaim(ctx, project, q, ttl, grace, limit, b.clock.Now())
			return e
		})
		if err != nil || len(msgs) > 0 || wait <= 0 {
			break
		}
		remaining := deadline.Sub(b.clock.Now())
		if remaining <= 0 {
			break
		}
		signal := b.notifier.Subscribe(ctx, queueKey(project, q))
		timer := time.NewTimer(remaining)
		select {
		case <-signal:
			timer.Stop()
		case <-timer.C:
			timer.Stop()
			break pollLoop
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
			break pollLoop
		}
		retries++
	}

	claimID := ""
	if claim != nil {
		claimID = claim.ID
	}
	audit("claim_create", project, q, claimID, start, retries, len(msgs), err)
	if err == nil && claim != nil {
		metrics.Global().RecordClaimCreated(project, q)
	}
	return claim, msgs, err
}

// GetClaim returns a live claim and the messages it currently references.
// An expired claim is indistinguishable from a missing one.
func (b *Broker) GetClaim(ctx context.Context, project, q, claimID string) (*domain.Claim, []*domain.Message, error) {
	var claim *domain.Claim
	var msgs []*domain.Message
	err := b.withReconnectRetry(ctx, func() error {
		var e error
		claim, msgs, e = b.backend.GetClaim(ctx, project, q, claimID, b.clock.Now())
		return e
	})
	return claim, msgs, err
}

// UpdateClaim extends a live claim's ttl. Message ttls are not re-extended.
func (b *Broker) UpdateClaim(ctx context.Context, project, q, claimID string, ttl int) error {
	start := time.Now()
	if err := b.limits.ClaimTTL(ttl); err != nil {
		return err
	}
	err := b.withReconnectRetry(ctx, func() error {
		return b.backend.UpdateClaim(ctx, project, q, claimID, ttl, b.clock.Now())
	})
	audit("claim_update", project, q, claimID, start, 0, 0, err)
	return err
}

// DeleteClaim releases a claim, returning every message it referenced to
// UNCLAIMED. Idempotent.
func (b *Broker) DeleteClaim(ctx context.Context, project, q, claimID string) error {
	start := time.Now()
	err := b.withReconnectRetry(ctx, func() error {
		return b.backend.DeleteClaim(ctx, project, q, claimID, b.clock.Now())
	})
	audit("claim_delete", project, q, claimID, start, 0, 0, err)
	if err == nil {
		metrics.Global().RecordClaimResolved(project, q, false)
		_ = b.notifier.Notify(ctx, queueKey(project, q))
	}
	return err
}

// --- Pools & Catalogue admin, pass through unchanged ---

func (b *Broker) RegisterPool(ctx context.Context, entry domain.PoolEntry) error {
	return b.backend.RegisterPool(ctx, entry)
}

func (b *Broker) RemovePool(ctx context.Context, poolID string) error {
	return b.backend.RemovePool(ctx, poolID)
}

func (b *Broker) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	return b.backend.GetPool(ctx, poolID)
}

func (b *Broker) ListPools(ctx context.Context) ([]domain.PoolEntry, error) {
	return b.backend.ListPools(ctx)
}

// Health pings the underlying backend for the /health endpoint.
func (b *Broker) Health(ctx context.Context) error {
	return b.backend.Ping(ctx)
}

func queueKey(project, q string) queue.Key { return queue.NewKey(project, q) }

// audit emits one audit log line for a mutating operation, per SPEC_FULL.md
// §2.3's structured request audit log, grounded on internal/dbaccess/gateway.go's
// RecordAccess pattern: one line per call site, duration measured from entry,
// outcome and retry count folded in rather than logged separately.
func audit(operation, project, q, claimID string, start time.Time, retries, messageCount int, err error) {
	entry := &logging.AuditLog{
		Project:      project,
		Queue:        q,
		Operation:    operation,
		ClaimID:      claimID,
		DurationMs:   time.Since(start).Milliseconds(),
		Success:      err == nil,
		MessageCount: messageCount,
		Retries:      retries,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	logging.Default().Log(entry)
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/idutil"
)

// incCounterScript is the windowed conditional-increment from SPEC_FULL.md
// §4.3, adapted from internal/ratelimit/ratelimit.go's token-bucket script:
// same single-round-trip read-branch-write shape, but branching on a
// last-modified window instead of a refill rate, and always succeeding
// when window == 0.
//
// KEYS[1] = counter value key, KEYS[2] = last-modified key
// ARGV[1] = amount, ARGV[2] = window seconds, ARGV[3] = now unix
// Returns {ok (0/1), newValue}
var incCounterScript = redis.NewScript(`
local value = tonumber(redis.call('GET', KEYS[1]))
if value == nil then
	return {0, 0}
end
local lastModified = tonumber(redis.call('GET', KEYS[2])) or 0
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
if window > 0 and (now - lastModified) < window then
	return {0, value}
end
local newValue = value + tonumber(ARGV[1])
redis.call('SET', KEYS[1], newValue)
redis.call('SET', KEYS[2], now)
return {1, newValue}
`)

// insertMessageScript stamps a single message at a marker only if that
// marker isn't already taken, replacing a non-atomic ZRANGEBYSCORE-then-
// TxPipeline check-then-act with a single script execution — Redis's
// single-threaded script execution makes the check and the write
// indivisible, closing the race a separate read-then-write pair leaves
// open between two concurrent posts targeting the same marker.
//
// KEYS[1] = marker zset key ("msgs:{project}:{queue}")
// KEYS[2] = message hash key ("msg:{project}:{queue}:{id}")
// ARGV[1] = marker, ARGV[2] = body, ARGV[3] = ttl, ARGV[4] = created_at unix,
// ARGV[5] = client_id, ARGV[6] = message id
// Returns 1 on success, 0 if the marker was already taken
var insertMessageScript = redis.NewScript(`
local existing = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1])
if #existing > 0 then
	return 0
end
redis.call('HSET', KEYS[2], 'body', ARGV[2], 'ttl', ARGV[3], 'created_at', ARGV[4], 'client_id', ARGV[5], 'marker', ARGV[1])
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[6])
return 1
`)

// claimSelectScript atomically scans a queue's marker-ordered message set
// for up to ARGV[1] visible, unclaimed members and stamps them with a
// claim id and expiry, mirroring CreateClaim's Postgres FOR UPDATE SKIP
// LOCKED semantics without a SQL transaction: Redis's single-threaded
// script execution gives the same all-or-nothing visibility.
//
// KEYS[1] = marker zset key ("msgs:{project}:{queue}")
// ARGV[1] = limit, ARGV[2] = now unix, ARGV[3] = claim id,
// ARGV[4] = claim_expires_at unix, ARGV[5] = grace seconds,
// ARGV[6] = message hash key prefix ("msg:{project}:{queue}:")
// Returns array of claimed message ids
var claimSelectScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local claimed = {}
local ids = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, id in ipairs(ids) do
	if #claimed >= limit then break end
	local key = ARGV[6] .. id
	local createdAt = tonumber(redis.call('HGET', key, 'created_at'))
	local ttl = tonumber(redis.call('HGET', key, 'ttl'))
	local claimExpiresAt = redis.call('HGET', key, 'claim_expires_at')
	local visible = (createdAt + ttl) > now and (claimExpiresAt == false or tonumber(claimExpiresAt) <= now)
	if visible then
		redis.call('HSET', key, 'claim_id', ARGV[3], 'claim_expires_at', ARGV[4])
		redis.call('HINCRBY', key, 'ttl', tonumber(ARGV[5]))
		table.insert(claimed, id)
	end
end
return claimed
`)

// RedisBackend is the docstore store.Backend implementation, grounded on
// internal/cache/redis.go's client-wrapping shape (standardized here on
// go-redis/v8 to match the rest of the broker's Redis use, rather than
// that file's v9 import) and on internal/ratelimit/ratelimit.go's
// Lua-script atomicity idiom.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (s *RedisBackend) Kind() string { return "redis" }

func (s *RedisBackend) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisBackend) Close() {
	s.client.Close()
}

func queueMetaKey(project, name string) string    { return "q:" + project + ":" + name }
func counterValueKey(project, queue string) string { return "c:" + project + ":" + queue }
func counterModKey(project, queue string) string   { return "cm:" + project + ":" + queue }
func markerSetKey(project, queue string) string     { return "msgs:" + project + ":" + queue }
func messagePrefix(project, queue string) string    { return "msg:" + project + ":" + queue + ":" }
func messageKey(project, queue, id string) string   { return messagePrefix(project, queue) + id }
func claimKey(project, queue, id string) string     { return "claim:" + project + ":" + queue + ":" + id }
func poolKey(poolID string) string                  { return "pool:" + poolID }
func catalogueKey(project, queue string) string     { return "cat:" + project + ":" + queue }

// --- QueueStore ---

func (s *RedisBackend) CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error {
	now := time.Now().UTC()
	err := s.client.HSet(ctx, queueMetaKey(project, name),
		"metadata", string(metadata),
		"default_ttl", defaultTTL,
		"created_at", now.Unix(),
	).Err()
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.SetNX(ctx, counterValueKey(project, name), 1, 0)
	pipe.SetNX(ctx, counterModKey(project, name), now.Unix(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create queue: seed counter: %w", err)
	}
	return nil
}

func (s *RedisBackend) DeleteQueue(ctx context.Context, project, name string) error {
	ids, err := s.client.ZRange(ctx, markerSetKey(project, name), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("delete queue: list messages: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, messageKey(project, name, id))
	}
	pipe.Del(ctx, markerSetKey(project, name))
	pipe.Del(ctx, counterValueKey(project, name))
	pipe.Del(ctx, counterModKey(project, name))
	pipe.Del(ctx, queueMetaKey(project, name))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return nil
}

func (s *RedisBackend) GetQueue(ctx context.Context, project, name string) (*domain.Queue, error) {
	vals, err := s.client.HGetAll(ctx, queueMetaKey(project, name)).Result()
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	if len(vals) == 0 {
		return nil, brokererr.QueueDoesNotExistf("queue %q does not exist for project %q", name, project)
	}
	defaultTTL, _ := strconv.Atoi(vals["default_ttl"])
	createdUnix, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	return &domain.Queue{
		Project:    project,
		Name:       name,
		Metadata:   json.RawMessage(vals["metadata"]),
		DefaultTTL: defaultTTL,
		CreatedAt:  time.Unix(createdUnix, 0).UTC(),
	}, nil
}

func (s *RedisBackend) QueueExists(ctx context.Context, project, name string) (bool, error) {
	n, err := s.client.Exists(ctx, queueMetaKey(project, name)).Result()
	if err != nil {
		return false, fmt.Errorf("queue exists: %w", err)
	}
	return n > 0, nil
}

// --- MessageStore ---

func (s *RedisBackend) InsertMessages(ctx context.Context, project, queue string, startMarker int64, msgs []*domain.Message, now time.Time) error {
	setKey := markerSetKey(project, queue)
	for i, m := range msgs {
		marker := startMarker + int64(i)
		m.Marker = marker
		m.CreatedAt = now

		ok, err := insertMessageScript.Run(ctx, s.client,
			[]string{setKey, messageKey(project, queue, m.ID)},
			marker, string(m.Body), m.TTL, now.Unix(), m.ClientID, m.ID,
		).Int()
		if err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		// A colliding marker means a concurrent writer already reserved
		// this exact position; surface MessageConflict so the caller retries.
		if ok == 0 {
			return brokererr.MessageConflictf("marker %d already taken for queue %q", marker, queue)
		}
	}
	return nil
}

func (s *RedisBackend) loadMessage(ctx context.Context, project, queue, id string) (*domain.Message, error) {
	vals, err := s.client.HGetAll(ctx, messageKey(project, queue, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, redis.Nil
	}
	ttl, _ := strconv.Atoi(vals["ttl"])
	marker, _ := strconv.ParseInt(vals["marker"], 10, 64)
	createdUnix, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	m := &domain.Message{
		ID:        id,
		Project:   project,
		Queue:     queue,
		Body:      json.RawMessage(vals["body"]),
		TTL:       ttl,
		CreatedAt: time.Unix(createdUnix, 0).UTC(),
		Marker:    marker,
		ClientID:  vals["client_id"],
		ClaimID:   vals["claim_id"],
	}
	if expUnix, ok := vals["claim_expires_at"]; ok && expUnix != "" {
		t, _ := strconv.ParseInt(expUnix, 10, 64)
		expiry := time.Unix(t, 0).UTC()
		m.ClaimExpiresAt = &expiry
	}
	return m, nil
}

func (s *RedisBackend) ListMessages(ctx context.Context, project, queue string, opts MessageListOptions, now time.Time) ([]*domain.Message, int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, markerSetKey(project, queue), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", opts.Marker), Max: "+inf",
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	var page []*domain.Message
	var lastMarker int64
	for _, id := range ids {
		if len(page) >= opts.Limit {
			break
		}
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("list messages: %w", err)
		}
		if !m.Visible(now) && !opts.IncludeClaimed {
			continue
		}
		if !opts.Echo && opts.ClientID != "" && m.ClientID == opts.ClientID {
			continue
		}
		page = append(page, m)
		lastMarker = m.Marker
	}
	return page, lastMarker, nil
}

func (s *RedisBackend) GetMessage(ctx context.Context, project, queue, id string, now time.Time) (*domain.Message, error) {
	m, err := s.loadMessage(ctx, project, queue, id)
	if err == redis.Nil {
		return nil, brokererr.MessageDoesNotExistf("message %q does not exist in queue %q", id, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *RedisBackend) BulkGetMessages(ctx context.Context, project, queue string, ids []string, now time.Time) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0, len(ids))
	for _, id := range ids {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("bulk get messages: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisBackend) DeleteMessage(ctx context.Context, project, queue, id, claimID string, now time.Time) error {
	if claimID != "" {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if m.ClaimID != claimID || m.ClaimExpiresAt == nil || !m.ClaimExpiresAt.After(now) {
			return nil
		}
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, messageKey(project, queue, id))
	pipe.ZRem(ctx, markerSetKey(project, queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *RedisBackend) BulkDeleteMessages(ctx context.Context, project, queue string, ids []string) error {
	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, messageKey(project, queue, id))
		pipe.ZRem(ctx, markerSetKey(project, queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bulk delete messages: %w", err)
	}
	return nil
}

func (s *RedisBackend) PopMessages(ctx context.Context, project, queue string, limit int, now time.Time) ([]*domain.Message, error) {
	ids, err := s.client.ZRange(ctx, markerSetKey(project, queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pop messages: %w", err)
	}
	var out []*domain.Message
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("pop messages: %w", err)
		}
		if !m.Visible(now) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, messageKey(project, queue, id))
		pipe.ZRem(ctx, markerSetKey(project, queue), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("pop messages: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisBackend) FirstMessage(ctx context.Context, project, queue string, sort int, now time.Time) (*domain.Message, error) {
	var ids []string
	var err error
	switch sort {
	case 1:
		ids, err = s.client.ZRange(ctx, markerSetKey(project, queue), 0, -1).Result()
	case -1:
		ids, err = s.client.ZRevRange(ctx, markerSetKey(project, queue), 0, -1).Result()
	default:
		return nil, brokererr.InvariantViolationf("first: sort must be +1 or -1, got %d", sort)
	}
	if err != nil {
		return nil, fmt.Errorf("first message: %w", err)
	}
	for _, id := range ids {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("first message: %w", err)
		}
		if m.Visible(now) {
			return m, nil
		}
	}
	return nil, brokererr.QueueIsEmptyf("queue %q has no visible messages", queue)
}

func (s *RedisBackend) Stats(ctx context.Context, project, queue string, now time.Time) (*domain.QueueStats, error) {
	ids, err := s.client.ZRange(ctx, markerSetKey(project, queue), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	stats := &domain.QueueStats{}
	for _, id := range ids {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("queue stats: %w", err)
		}
		if !m.Visible(now) && m.ClaimID == "" {
			continue
		}
		stats.Total++
		if m.ClaimID != "" && m.Visible(now) == false && m.ClaimExpiresAt != nil && m.ClaimExpiresAt.After(now) {
			stats.Claimed++
		} else {
			stats.Free++
		}
	}
	if oldest, err := s.FirstMessage(ctx, project, queue, 1, now); err == nil {
		stats.Oldest = &domain.MessageRef{ID: oldest.ID, Href: idutil.MessageHref("/v1.1", queue, oldest.ID), Age: oldest.Age(now)}
	}
	if newest, err := s.FirstMessage(ctx, project, queue, -1, now); err == nil {
		stats.Newest = &domain.MessageRef{ID: newest.ID, Href: idutil.MessageHref("/v1.1", queue, newest.ID), Age: newest.Age(now)}
	}
	return stats, nil
}

// --- ClaimStore ---

func (s *RedisBackend) CreateClaim(ctx context.Context, project, queue string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error) {
	claimID := idutil.NewClaimID()
	expiresAt := now.Add(time.Duration(ttl) * time.Second)

	res, err := claimSelectScript.Run(ctx, s.client,
		[]string{markerSetKey(project, queue)},
		limit, now.Unix(), claimID, expiresAt.Unix(), grace, messagePrefix(project, queue),
	).StringSlice()
	if err != nil {
		return nil, nil, fmt.Errorf("create claim: %w", err)
	}
	if len(res) == 0 {
		return nil, nil, nil
	}

	msgs := make([]*domain.Message, 0, len(res))
	for _, id := range res {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err != nil {
			return nil, nil, fmt.Errorf("create claim: reload message: %w", err)
		}
		msgs = append(msgs, m)
	}

	claim := &domain.Claim{ID: claimID, Project: project, Queue: queue, TTL: ttl, Grace: grace, CreatedAt: now, MessageIDs: res}
	err = s.client.HSet(ctx, claimKey(project, queue, claimID),
		"ttl", ttl, "grace", grace, "created_at", now.Unix(), "message_ids", strings.Join(res, ","),
	).Err()
	if err != nil {
		return nil, nil, fmt.Errorf("create claim: persist: %w", err)
	}
	s.client.Publish(ctx, "broker_claims", project+"/"+queue)
	return claim, msgs, nil
}

func (s *RedisBackend) loadClaim(ctx context.Context, project, queue, claimID string) (*domain.Claim, error) {
	vals, err := s.client.HGetAll(ctx, claimKey(project, queue, claimID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, redis.Nil
	}
	ttl, _ := strconv.Atoi(vals["ttl"])
	grace, _ := strconv.Atoi(vals["grace"])
	createdUnix, _ := strconv.ParseInt(vals["created_at"], 10, 64)
	var ids []string
	if vals["message_ids"] != "" {
		ids = strings.Split(vals["message_ids"], ",")
	}
	return &domain.Claim{
		ID: claimID, Project: project, Queue: queue, TTL: ttl, Grace: grace,
		CreatedAt: time.Unix(createdUnix, 0).UTC(), MessageIDs: ids,
	}, nil
}

func (s *RedisBackend) GetClaim(ctx context.Context, project, queue, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error) {
	claim, err := s.loadClaim(ctx, project, queue, claimID)
	if err == redis.Nil {
		return nil, nil, brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get claim: %w", err)
	}
	if !claim.Live(now) {
		return nil, nil, brokererr.ClaimDoesNotExistf("claim %q has expired", claimID)
	}
	msgs := make([]*domain.Message, 0, len(claim.MessageIDs))
	for _, id := range claim.MessageIDs {
		m, err := s.loadMessage(ctx, project, queue, id)
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("get claim: %w", err)
		}
		msgs = append(msgs, m)
	}
	return claim, msgs, nil
}

func (s *RedisBackend) UpdateClaim(ctx context.Context, project, queue, claimID string, ttl int, now time.Time) error {
	claim, err := s.loadClaim(ctx, project, queue, claimID)
	if err == redis.Nil {
		return brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
	}
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if !claim.Live(now) {
		return brokererr.ClaimDoesNotExistf("claim %q has expired", claimID)
	}
	newExpiry := now.Add(time.Duration(ttl) * time.Second)
	if err := s.client.HSet(ctx, claimKey(project, queue, claimID), "ttl", ttl, "created_at", now.Unix()).Err(); err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	for _, id := range claim.MessageIDs {
		if err := s.client.HSet(ctx, messageKey(project, queue, id), "claim_expires_at", newExpiry.Unix()).Err(); err != nil {
			return fmt.Errorf("update claim: message: %w", err)
		}
	}
	return nil
}

func (s *RedisBackend) DeleteClaim(ctx context.Context, project, queue, claimID string, now time.Time) error {
	claim, err := s.loadClaim(ctx, project, queue, claimID)
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range claim.MessageIDs {
		pipe.HDel(ctx, messageKey(project, queue, id), "claim_id", "claim_expires_at")
	}
	pipe.Del(ctx, claimKey(project, queue, claimID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return nil
}

// --- CounterStore ---

func (s *RedisBackend) Get(ctx context.Context, project, queue string) (int64, error) {
	v, err := s.client.Get(ctx, counterValueKey(project, queue)).Int64()
	if err == redis.Nil {
		return 0, brokererr.QueueDoesNotExistf("no counter for queue %q", queue)
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return v, nil
}

func (s *RedisBackend) Inc(ctx context.Context, project, queue string, amount int64, window time.Duration, now time.Time) (int64, bool, error) {
	res, err := incCounterScript.Run(ctx, s.client,
		[]string{counterValueKey(project, queue), counterModKey(project, queue)},
		amount, int64(window.Seconds()), now.Unix(),
	).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("inc counter: %w", err)
	}
	ok := res[0].(int64) == 1
	value := res[1].(int64)
	if !ok && value == 0 {
		return 0, false, brokererr.QueueDoesNotExistf("no counter for queue %q", queue)
	}
	return value, ok, nil
}

// --- CatalogueStore ---

func (s *RedisBackend) InsertCatalogueEntry(ctx context.Context, project, queue, poolID string) error {
	ok, err := s.client.SetNX(ctx, catalogueKey(project, queue), poolID, 0).Result()
	if err != nil {
		return fmt.Errorf("insert catalogue entry: %w", err)
	}
	_ = ok
	return nil
}

func (s *RedisBackend) GetCatalogueEntry(ctx context.Context, project, queue string) (string, bool, error) {
	poolID, err := s.client.Get(ctx, catalogueKey(project, queue)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get catalogue entry: %w", err)
	}
	return poolID, true, nil
}

func (s *RedisBackend) DeleteCatalogueEntry(ctx context.Context, project, queue string) error {
	if err := s.client.Del(ctx, catalogueKey(project, queue)).Err(); err != nil {
		return fmt.Errorf("delete catalogue entry: %w", err)
	}
	return nil
}

func (s *RedisBackend) DropAllCatalogueEntries(ctx context.Context, poolID string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, "cat:*", 100).Result()
		if err != nil {
			return fmt.Errorf("drop catalogue entries: %w", err)
		}
		for _, k := range keys {
			v, err := s.client.Get(ctx, k).Result()
			if err == nil && v == poolID {
				s.client.Del(ctx, k)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// --- PoolStore ---

func (s *RedisBackend) RegisterPool(ctx context.Context, entry domain.PoolEntry) error {
	err := s.client.HSet(ctx, poolKey(entry.ID), "uri", entry.URI, "weight", entry.Weight, "group", entry.Group).Err()
	if err != nil {
		return fmt.Errorf("register pool: %w", err)
	}
	return s.client.SAdd(ctx, "pools", entry.ID).Err()
}

func (s *RedisBackend) RemovePool(ctx context.Context, poolID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, poolKey(poolID))
	pipe.SRem(ctx, "pools", poolID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("remove pool: %w", err)
	}
	return nil
}

func (s *RedisBackend) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	vals, err := s.client.HGetAll(ctx, poolKey(poolID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	if len(vals) == 0 {
		return nil, brokererr.PoolDoesNotExistf("pool %q does not exist", poolID)
	}
	weight, _ := strconv.Atoi(vals["weight"])
	return &domain.PoolEntry{ID: poolID, URI: vals["uri"], Weight: weight, Group: vals["group"]}, nil
}

func (s *RedisBackend) ListPools(ctx context.Context) ([]domain.PoolEntry, error) {
	ids, err := s.client.SMembers(ctx, "pools").Result()
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	out := make([]domain.PoolEntry, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPool(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

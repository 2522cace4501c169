package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/idutil"
)

// uniqueViolation is the Postgres SQLSTATE for a unique index collision,
// the signal that a concurrent post raced for the same marker range (§4.4).
const uniqueViolation = "23505"

// schema is applied once at startup by EnsureSchema. Grounded on the
// teacher's bootstrap-on-connect convention (the deleted postgres.go ran a
// similar idempotent CREATE TABLE IF NOT EXISTS block before serving).
const schema = `
CREATE TABLE IF NOT EXISTS queues (
	project     text NOT NULL,
	name        text NOT NULL,
	metadata    jsonb,
	default_ttl integer NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL,
	PRIMARY KEY (project, name)
);

CREATE TABLE IF NOT EXISTS counters (
	project       text NOT NULL,
	queue         text NOT NULL,
	value         bigint NOT NULL DEFAULT 1,
	last_modified timestamptz NOT NULL,
	PRIMARY KEY (project, queue)
);

CREATE TABLE IF NOT EXISTS messages (
	id               text PRIMARY KEY,
	project          text NOT NULL,
	queue            text NOT NULL,
	body             jsonb NOT NULL,
	ttl              integer NOT NULL,
	created_at       timestamptz NOT NULL,
	marker           bigint NOT NULL,
	client_id        text NOT NULL,
	claim_id         text,
	claim_expires_at timestamptz,
	UNIQUE (project, queue, marker)
);
CREATE INDEX IF NOT EXISTS messages_queue_marker_idx ON messages (project, queue, marker);
CREATE INDEX IF NOT EXISTS messages_claim_idx ON messages (claim_id) WHERE claim_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS claims (
	id         text PRIMARY KEY,
	project    text NOT NULL,
	queue      text NOT NULL,
	ttl        integer NOT NULL,
	grace      integer NOT NULL,
	created_at timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS pools (
	id        text PRIMARY KEY,
	uri       text NOT NULL,
	weight    integer NOT NULL DEFAULT 1,
	group_tag text
);

CREATE TABLE IF NOT EXISTS catalogue (
	project text NOT NULL,
	queue   text NOT NULL,
	pool_id text NOT NULL,
	PRIMARY KEY (project, queue)
);
`

// PostgresBackend is the relational store.Backend implementation,
// grounded on the zedaapi message_queue repository's FOR UPDATE SKIP
// LOCKED claim-allocation pattern and LISTEN/NOTIFY push, and on the
// teacher's pg_advisory_xact_lock use in tx_locks.go for cascade deletes.
type PostgresBackend struct {
	pool *pgxpool.Pool
	rng  *rand.Rand
}

// NewPostgresBackend wraps an already-connected pool. The caller owns
// connection establishment (cmd/broker daemon's startup sequence); this
// constructor performs no I/O itself beyond what EnsureSchema does.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// EnsureSchema creates the broker's tables if they do not already exist.
func (s *PostgresBackend) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Kind() string { return "postgres" }

func (s *PostgresBackend) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresBackend) Close() {
	s.pool.Close()
}

// --- QueueStore ---

func (s *PostgresBackend) CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (project, name, metadata, default_ttl, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (project, name) DO UPDATE SET metadata = EXCLUDED.metadata`,
		project, name, metadata, defaultTTL)
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO counters (project, queue, value, last_modified)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (project, queue) DO NOTHING`, project, name)
	if err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	return nil
}

func (s *PostgresBackend) DeleteQueue(ctx context.Context, project, name string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete queue: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.acquireDeleteOperationLock(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE project = $1 AND queue = $2`, project, name); err != nil {
		return fmt.Errorf("delete queue: purge messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM claims WHERE project = $1 AND queue = $2`, project, name); err != nil {
		return fmt.Errorf("delete queue: purge claims: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM counters WHERE project = $1 AND queue = $2`, project, name); err != nil {
		return fmt.Errorf("delete queue: purge counter: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queues WHERE project = $1 AND name = $2`, project, name); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresBackend) GetQueue(ctx context.Context, project, name string) (*domain.Queue, error) {
	var q domain.Queue
	err := s.pool.QueryRow(ctx, `SELECT project, name, metadata, default_ttl, created_at FROM queues WHERE project = $1 AND name = $2`,
		project, name).Scan(&q.Project, &q.Name, &q.Metadata, &q.DefaultTTL, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, brokererr.QueueDoesNotExistf("queue %q does not exist for project %q", name, project)
	}
	if err != nil {
		return nil, fmt.Errorf("get queue: %w", err)
	}
	return &q, nil
}

func (s *PostgresBackend) QueueExists(ctx context.Context, project, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM queues WHERE project = $1 AND name = $2)`, project, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("queue exists: %w", err)
	}
	return exists, nil
}

// --- MessageStore ---

func (s *PostgresBackend) InsertMessages(ctx context.Context, project, queue string, startMarker int64, msgs []*domain.Message, now time.Time) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("insert messages: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i, m := range msgs {
		m.Marker = startMarker + int64(i)
		m.CreatedAt = now
		batch.Queue(`INSERT INTO messages (id, project, queue, body, ttl, created_at, marker, client_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, project, queue, m.Body, m.TTL, m.CreatedAt, m.Marker, m.ClientID)
	}
	br := tx.SendBatch(ctx, batch)
	for range msgs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return brokererr.MessageConflictf("marker range starting at %d already taken for queue %q", startMarker, queue)
			}
			return fmt.Errorf("insert messages: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("insert messages: close batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresBackend) ListMessages(ctx context.Context, project, queue string, opts MessageListOptions, now time.Time) ([]*domain.Message, int64, error) {
	query := `SELECT id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at
		FROM messages
		WHERE project = $1 AND queue = $2 AND marker > $3
			AND (created_at + (ttl || ' seconds')::interval) > $4`
	args := []any{project, queue, opts.Marker, now}
	if !opts.IncludeClaimed {
		query += ` AND (claim_id IS NULL OR claim_expires_at <= $4)`
	}
	if !opts.Echo && opts.ClientID != "" {
		query += fmt.Sprintf(` AND client_id <> $%d`, len(args)+1)
		args = append(args, opts.ClientID)
	}
	query += ` ORDER BY marker ASC LIMIT $` + fmt.Sprint(len(args)+1)
	args = append(args, opts.Limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var page []*domain.Message
	var lastMarker int64
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt); err != nil {
			return nil, 0, fmt.Errorf("list messages: scan: %w", err)
		}
		page = append(page, m)
		lastMarker = m.Marker
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	return page, lastMarker, nil
}

func (s *PostgresBackend) GetMessage(ctx context.Context, project, queue, id string, now time.Time) (*domain.Message, error) {
	m := &domain.Message{}
	err := s.pool.QueryRow(ctx, `SELECT id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at
		FROM messages WHERE project = $1 AND queue = $2 AND id = $3`, project, queue, id).
		Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, brokererr.MessageDoesNotExistf("message %q does not exist in queue %q", id, queue)
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *PostgresBackend) BulkGetMessages(ctx context.Context, project, queue string, ids []string, now time.Time) ([]*domain.Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at
		FROM messages WHERE project = $1 AND queue = $2 AND id = ANY($3)`, project, queue, ids)
	if err != nil {
		return nil, fmt.Errorf("bulk get messages: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Message, 0, len(ids))
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt); err != nil {
			return nil, fmt.Errorf("bulk get messages: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresBackend) DeleteMessage(ctx context.Context, project, queue, id, claimID string, now time.Time) error {
	if claimID == "" {
		_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE project = $1 AND queue = $2 AND id = $3`, project, queue, id)
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	}
	// Conditional delete: only if claimID currently owns the message and
	// the claim is live. An invalid/mismatched claim is a silent no-op
	// success, per SPEC_FULL.md §4.4.
	_, err := s.pool.Exec(ctx, `
		DELETE FROM messages
		WHERE project = $1 AND queue = $2 AND id = $3
			AND claim_id = $4 AND claim_expires_at > $5`,
		project, queue, id, claimID, now)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *PostgresBackend) BulkDeleteMessages(ctx context.Context, project, queue string, ids []string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE project = $1 AND queue = $2 AND id = ANY($3)`, project, queue, ids)
	if err != nil {
		return fmt.Errorf("bulk delete messages: %w", err)
	}
	return nil
}

func (s *PostgresBackend) PopMessages(ctx context.Context, project, queue string, limit int, now time.Time) ([]*domain.Message, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM messages
		WHERE id IN (
			SELECT id FROM messages
			WHERE project = $1 AND queue = $2
				AND (created_at + (ttl || ' seconds')::interval) > $3
				AND (claim_id IS NULL OR claim_expires_at <= $3)
			ORDER BY marker ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at`,
		project, queue, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pop messages: %w", err)
	}
	defer rows.Close()

	var out []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt); err != nil {
			return nil, fmt.Errorf("pop messages: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresBackend) FirstMessage(ctx context.Context, project, queue string, sort int, now time.Time) (*domain.Message, error) {
	order := "ASC"
	switch sort {
	case 1:
		order = "ASC"
	case -1:
		order = "DESC"
	default:
		return nil, brokererr.InvariantViolationf("first: sort must be +1 or -1, got %d", sort)
	}
	m := &domain.Message{}
	query := fmt.Sprintf(`SELECT id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at
		FROM messages
		WHERE project = $1 AND queue = $2
			AND (created_at + (ttl || ' seconds')::interval) > $3
			AND (claim_id IS NULL OR claim_expires_at <= $3)
		ORDER BY marker %s LIMIT 1`, order)
	err := s.pool.QueryRow(ctx, query, project, queue, now).
		Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, brokererr.QueueIsEmptyf("queue %q has no visible messages", queue)
	}
	if err != nil {
		return nil, fmt.Errorf("first message: %w", err)
	}
	return m, nil
}

func (s *PostgresBackend) Stats(ctx context.Context, project, queue string, now time.Time) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE claim_id IS NULL OR claim_expires_at <= $3) AS free,
			COUNT(*) FILTER (WHERE claim_id IS NOT NULL AND claim_expires_at > $3) AS claimed,
			COUNT(*) AS total
		FROM messages
		WHERE project = $1 AND queue = $2
			AND (created_at + (ttl || ' seconds')::interval) > $3`,
		project, queue, now).Scan(&stats.Free, &stats.Claimed, &stats.Total)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
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

func (s *PostgresBackend) CreateClaim(ctx context.Context, project, queue string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("create claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	claimID := idutil.NewClaimID()
	expiresAt := now.Add(time.Duration(ttl) * time.Second)

	rows, err := tx.Query(ctx, `
		UPDATE messages SET claim_id = $1, claim_expires_at = $2, ttl = ttl + $3
		WHERE id IN (
			SELECT id FROM messages
			WHERE project = $4 AND queue = $5
				AND (created_at + (ttl || ' seconds')::interval) > $6
				AND (claim_id IS NULL OR claim_expires_at <= $6)
			ORDER BY marker ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at`,
		claimID, expiresAt, grace, project, queue, now, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("create claim: stamp messages: %w", err)
	}

	var msgs []*domain.Message
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("create claim: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("create claim: %w", err)
	}
	rows.Close()

	if len(msgs) == 0 {
		return nil, nil, nil
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	claim := &domain.Claim{ID: claimID, Project: project, Queue: queue, TTL: ttl, Grace: grace, CreatedAt: now, MessageIDs: ids}
	if _, err := tx.Exec(ctx, `INSERT INTO claims (id, project, queue, ttl, grace, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		claimID, project, queue, ttl, grace, now); err != nil {
		return nil, nil, fmt.Errorf("create claim: insert: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, "broker_claims", project+"/"+queue); err != nil {
		return nil, nil, fmt.Errorf("create claim: notify: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("create claim: commit: %w", err)
	}
	return claim, msgs, nil
}

func (s *PostgresBackend) GetClaim(ctx context.Context, project, queue, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error) {
	claim := &domain.Claim{}
	err := s.pool.QueryRow(ctx, `SELECT id, project, queue, ttl, grace, created_at FROM claims WHERE project = $1 AND queue = $2 AND id = $3`,
		project, queue, claimID).Scan(&claim.ID, &claim.Project, &claim.Queue, &claim.TTL, &claim.Grace, &claim.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get claim: %w", err)
	}
	if !claim.Live(now) {
		return nil, nil, brokererr.ClaimDoesNotExistf("claim %q has expired", claimID)
	}

	rows, err := s.pool.Query(ctx, `SELECT id, project, queue, body, ttl, created_at, marker, client_id, claim_id, claim_expires_at
		FROM messages WHERE project = $1 AND queue = $2 AND claim_id = $3`, project, queue, claimID)
	if err != nil {
		return nil, nil, fmt.Errorf("get claim: messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	var ids []string
	for rows.Next() {
		m := &domain.Message{}
		if err := rows.Scan(&m.ID, &m.Project, &m.Queue, &m.Body, &m.TTL, &m.CreatedAt, &m.Marker, &m.ClientID, &m.ClaimID, &m.ClaimExpiresAt); err != nil {
			return nil, nil, fmt.Errorf("get claim: scan: %w", err)
		}
		msgs = append(msgs, m)
		ids = append(ids, m.ID)
	}
	claim.MessageIDs = ids
	return claim, msgs, rows.Err()
}

func (s *PostgresBackend) UpdateClaim(ctx context.Context, project, queue, claimID string, ttl int, now time.Time) error {
	var createdAt time.Time
	var oldTTL int
	err := s.pool.QueryRow(ctx, `SELECT created_at, ttl FROM claims WHERE project = $1 AND queue = $2 AND id = $3`,
		project, queue, claimID).Scan(&createdAt, &oldTTL)
	if errors.Is(err, pgx.ErrNoRows) {
		return brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
	}
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if !(&domain.Claim{CreatedAt: createdAt, TTL: oldTTL}).Live(now) {
		return brokererr.ClaimDoesNotExistf("claim %q has expired", claimID)
	}
	newExpiry := now.Add(time.Duration(ttl) * time.Second)
	if _, err := s.pool.Exec(ctx, `UPDATE claims SET ttl = $1, created_at = $5 WHERE project = $2 AND queue = $3 AND id = $4`, ttl, project, queue, claimID, now); err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `UPDATE messages SET claim_expires_at = $1 WHERE project = $2 AND queue = $3 AND claim_id = $4`,
		newExpiry, project, queue, claimID); err != nil {
		return fmt.Errorf("update claim: messages: %w", err)
	}
	return nil
}

func (s *PostgresBackend) DeleteClaim(ctx context.Context, project, queue, claimID string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("delete claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE messages SET claim_id = NULL, claim_expires_at = NULL
		WHERE project = $1 AND queue = $2 AND claim_id = $3`, project, queue, claimID); err != nil {
		return fmt.Errorf("delete claim: release messages: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM claims WHERE project = $1 AND queue = $2 AND id = $3`, project, queue, claimID); err != nil {
		return fmt.Errorf("delete claim: %w", err)
	}
	return tx.Commit(ctx)
}

// --- CounterStore ---

func (s *PostgresBackend) Get(ctx context.Context, project, queue string) (int64, error) {
	var value int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM counters WHERE project = $1 AND queue = $2`, project, queue).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, brokererr.QueueDoesNotExistf("no counter for queue %q", queue)
	}
	if err != nil {
		return 0, fmt.Errorf("get counter: %w", err)
	}
	return value, nil
}

func (s *PostgresBackend) Inc(ctx context.Context, project, queue string, amount int64, window time.Duration, now time.Time) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("inc counter: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var value int64
	var lastModified time.Time
	err = tx.QueryRow(ctx, `SELECT value, last_modified FROM counters WHERE project = $1 AND queue = $2 FOR UPDATE`,
		project, queue).Scan(&value, &lastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, brokererr.QueueDoesNotExistf("no counter for queue %q", queue)
	}
	if err != nil {
		return 0, false, fmt.Errorf("inc counter: %w", err)
	}

	if window > 0 && now.Sub(lastModified) < window {
		return 0, false, nil
	}

	newValue := value + amount
	if _, err := tx.Exec(ctx, `UPDATE counters SET value = $1, last_modified = $2 WHERE project = $3 AND queue = $4`,
		newValue, now, project, queue); err != nil {
		return 0, false, fmt.Errorf("inc counter: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("inc counter: commit: %w", err)
	}
	return newValue, true, nil
}

// --- CatalogueStore ---

func (s *PostgresBackend) InsertCatalogueEntry(ctx context.Context, project, queue, poolID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO catalogue (project, queue, pool_id) VALUES ($1, $2, $3)
		ON CONFLICT (project, queue) DO NOTHING`, project, queue, poolID)
	if err != nil {
		return fmt.Errorf("insert catalogue entry: %w", err)
	}
	return nil
}

func (s *PostgresBackend) GetCatalogueEntry(ctx context.Context, project, queue string) (string, bool, error) {
	var poolID string
	err := s.pool.QueryRow(ctx, `SELECT pool_id FROM catalogue WHERE project = $1 AND queue = $2`, project, queue).Scan(&poolID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get catalogue entry: %w", err)
	}
	return poolID, true, nil
}

func (s *PostgresBackend) DeleteCatalogueEntry(ctx context.Context, project, queue string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM catalogue WHERE project = $1 AND queue = $2`, project, queue)
	if err != nil {
		return fmt.Errorf("delete catalogue entry: %w", err)
	}
	return nil
}

func (s *PostgresBackend) DropAllCatalogueEntries(ctx context.Context, poolID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM catalogue WHERE pool_id = $1`, poolID)
	if err != nil {
		return fmt.Errorf("drop catalogue entries: %w", err)
	}
	return nil
}

// --- PoolStore ---

func (s *PostgresBackend) RegisterPool(ctx context.Context, entry domain.PoolEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pools (id, uri, weight, group_tag) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET uri = EXCLUDED.uri, weight = EXCLUDED.weight, group_tag = EXCLUDED.group_tag`,
		entry.ID, entry.URI, entry.Weight, entry.Group)
	if err != nil {
		return fmt.Errorf("register pool: %w", err)
	}
	return nil
}

func (s *PostgresBackend) RemovePool(ctx context.Context, poolID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM pools WHERE id = $1`, poolID)
	if err != nil {
		return fmt.Errorf("remove pool: %w", err)
	}
	return nil
}

func (s *PostgresBackend) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	p := &domain.PoolEntry{}
	err := s.pool.QueryRow(ctx, `SELECT id, uri, weight, group_tag FROM pools WHERE id = $1`, poolID).
		Scan(&p.ID, &p.URI, &p.Weight, &p.Group)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, brokererr.PoolDoesNotExistf("pool %q does not exist", poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *PostgresBackend) ListPools(ctx context.Context) ([]domain.PoolEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, uri, weight, group_tag FROM pools ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var out []domain.PoolEntry
	for rows.Next() {
		var p domain.PoolEntry
		if err := rows.Scan(&p.ID, &p.URI, &p.Weight, &p.Group); err != nil {
			return nil, fmt.Errorf("list pools: scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

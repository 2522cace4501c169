package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oriys/marconibroker/internal/broker"
	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/codec"
	"github.com/oriys/marconibroker/internal/config"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/queue"
	"github.com/oriys/marconibroker/internal/store"
	"github.com/oriys/marconibroker/internal/validation"
)

// memBackend is a small in-memory store.Backend, the same inline-test-
// double convention used in internal/broker/broker_test.go, scoped down
// to what exercises the HTTP-level response shapes and status codes.
type memBackend struct {
	mu       sync.Mutex
	queues   map[string]bool
	counters map[string]int64
	messages map[string]map[string]*domain.Message
	claims   map[string]map[string]*domain.Claim
}

func newMemBackend() *memBackend {
	return &memBackend{
		queues:   make(map[string]bool),
		counters: make(map[string]int64),
		messages: make(map[string]map[string]*domain.Message),
		claims:   make(map[string]map[string]*domain.Claim),
	}
}

func scope(project, q string) string { return project + "/" + q }

func (m *memBackend) CreateQueue(ctx context.Context, project, name string, metadata json.RawMessage, defaultTTL int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope(project, name)
	if !m.queues[key] {
		m.queues[key] = true
		m.counters[key] = 1
		m.messages[key] = make(map[string]*domain.Message)
		m.claims[key] = make(map[string]*domain.Claim)
	}
	return nil
}
func (m *memBackend) DeleteQueue(ctx context.Context, project, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope(project, name)
	delete(m.queues, key)
	delete(m.counters, key)
	delete(m.messages, key)
	delete(m.claims, key)
	return nil
}
func (m *memBackend) GetQueue(ctx context.Context, project, name string) (*domain.Queue, error) {
	return &domain.Queue{Project: project, Name: name}, nil
}
func (m *memBackend) QueueExists(ctx context.Context, project, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[scope(project, name)], nil
}
func (m *memBackend) InsertMessages(ctx context.Context, project, q string, startMarker int64, msgs []*domain.Message, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.messages[scope(project, q)]
	for i, msg := range msgs {
		msg.Marker = startMarker + int64(i)
		msg.CreatedAt = now
		bucket[msg.ID] = msg
	}
	return nil
}
func (m *memBackend) ListMessages(ctx context.Context, project, q string, opts store.MessageListOptions, now time.Time) ([]*domain.Message, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*domain.Message
	for _, msg := range m.messages[scope(project, q)] {
		if !msg.Visible(now) || msg.Marker <= opts.Marker {
			continue
		}
		if !opts.IncludeClaimed && msg.ClaimID != "" {
			continue
		}
		if !opts.Echo && opts.ClientID != "" && msg.ClientID == opts.ClientID {
			continue
		}
		all = append(all, msg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Marker < all[j].Marker })
	if len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	var next int64
	if len(all) > 0 {
		next = all[len(all)-1].Marker
	}
	return all, next, nil
}
func (m *memBackend) GetMessage(ctx context.Context, project, q, id string, now time.Time) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[scope(project, q)][id]
	if !ok {
		return nil, brokererr.MessageDoesNotExistf("message %q does not exist", id)
	}
	return msg, nil
}
func (m *memBackend) BulkGetMessages(ctx context.Context, project, q string, ids []string, now time.Time) ([]*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Message
	for _, id := range ids {
		if msg, ok := m.messages[scope(project, q)][id]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}
func (m *memBackend) DeleteMessage(ctx context.Context, project, q, id, claimID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages[scope(project, q)], id)
	return nil
}
func (m *memBackend) BulkDeleteMessages(ctx context.Context, project, q string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.messages[scope(project, q)], id)
	}
	return nil
}
func (m *memBackend) PopMessages(ctx context.Context, project, q string, limit int, now time.Time) ([]*domain.Message, error) {
	return nil, nil
}
func (m *memBackend) FirstMessage(ctx context.Context, project, q string, dir int, now time.Time) (*domain.Message, error) {
	return nil, brokererr.QueueIsEmptyf("empty")
}
func (m *memBackend) Stats(ctx context.Context, project, q string, now time.Time) (*domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.QueueStats{}
	for _, msg := range m.messages[scope(project, q)] {
		if !msg.Visible(now) {
			continue
		}
		stats.Total++
		if msg.ClaimID != "" {
			stats.Claimed++
		} else {
			stats.Free++
		}
	}
	return stats, nil
}
func (m *memBackend) CreateClaim(ctx context.Context, project, q string, ttl, grace, limit int, now time.Time) (*domain.Claim, []*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*domain.Message
	for _, msg := range m.messages[scope(project, q)] {
		if msg.Visible(now) && msg.ClaimID == "" {
			candidates = append(candidates, msg)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Marker < candidates[j].Marker })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}
	claimID := "claim-" + candidates[0].ID
	expiresAt := now.Add(time.Duration(ttl) * time.Second)
	ids := make([]string, 0, len(candidates))
	for _, msg := range candidates {
		msg.ClaimID = claimID
		msg.ClaimExpiresAt = &expiresAt
		msg.TTL += grace
		ids = append(ids, msg.ID)
	}
	claim := &domain.Claim{ID: claimID, Project: project, Queue: q, TTL: ttl, Grace: grace, CreatedAt: now, MessageIDs: ids}
	m.claims[scope(project, q)][claimID] = claim
	return claim, candidates, nil
}
func (m *memBackend) GetClaim(ctx context.Context, project, q, claimID string, now time.Time) (*domain.Claim, []*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claim, ok := m.claims[scope(project, q)][claimID]
	if !ok || !claim.Live(now) {
		return nil, nil, brokererr.ClaimDoesNotExistf("claim %q does not exist", claimID)
	}
	var msgs []*domain.Message
	for _, msg := range m.messages[scope(project, q)] {
		if msg.ClaimID == claimID {
			msgs = append(msgs, msg)
		}
	}
	return claim, msgs, nil
}
func (m *memBackend) UpdateClaim(ctx context.Context, project, q, claimID string, ttl int, now time.Time) error {
	return brokererr.ClaimDoesNotExistf("not implemented in this fixture")
}
func (m *memBackend) DeleteClaim(ctx context.Context, project, q, claimID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[scope(project, q)] {
		if msg.ClaimID == claimID {
			msg.ClaimID = ""
			msg.ClaimExpiresAt = nil
		}
	}
	delete(m.claims[scope(project, q)], claimID)
	return nil
}
func (m *memBackend) Get(ctx context.Context, project, q string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[scope(project, q)], nil
}
func (m *memBackend) Inc(ctx context.Context, project, q string, amount int64, window time.Duration, now time.Time) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.counters[scope(project, q)] + amount
	m.counters[scope(project, q)] = v
	return v, true, nil
}
func (m *memBackend) InsertCatalogueEntry(ctx context.Context, project, q, poolID string) error { return nil }
func (m *memBackend) GetCatalogueEntry(ctx context.Context, project, q string) (string, bool, error) {
	return "", false, nil
}
func (m *memBackend) DeleteCatalogueEntry(ctx context.Context, project, q string) error { return nil }
func (m *memBackend) DropAllCatalogueEntries(ctx context.Context, poolID string) error  { return nil }
func (m *memBackend) RegisterPool(ctx context.Context, entry domain.PoolEntry) error    { return nil }
func (m *memBackend) RemovePool(ctx context.Context, poolID string) error               { return nil }
func (m *memBackend) GetPool(ctx context.Context, poolID string) (*domain.PoolEntry, error) {
	return nil, brokererr.PoolDoesNotExistf("pool %q does not exist", poolID)
}
func (m *memBackend) ListPools(ctx context.Context) ([]domain.PoolEntry, error) { return nil, nil }
func (m *memBackend) Kind() string                                             { return "memory" }
func (m *memBackend) Ping(ctx context.Context) error                           { return nil }
func (m *memBackend) Close()                                                   {}

var _ store.Backend = (*memBackend)(nil)

const testProject = "7735"
const testClientID = "3381af92-2b9e-4c8d-9ad1-da5e1a1a12ad"

func testHandler() (*Handler, *clock.Fake) {
	fc := clock.NewFake(time.Unix(1700000000, 0).UTC())
	br := broker.New(newMemBackend(), fc, validation.DefaultLimits(),
		config.BackoffConfig{MaxAttempts: 3, BaseInterval: time.Millisecond, Jitter: 0.1},
		config.RouterConfig{MaxReconnectAttempts: 1}, queue.NewNoopNotifier())
	h := &Handler{Broker: br, Codecs: codec.NewRegistry(), Limits: validation.DefaultLimits(), Clock: fc, Prefix: ""}
	return h, fc
}

func newServer(h *Handler) *httptest.Server {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func doRequest(t *testing.T, method, url, project, clientID string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if project != "" {
		req.Header.Set("X-Project-ID", project)
	}
	if clientID != "" {
		req.Header.Set("Client-ID", clientID)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestPutQueueThenPostThenGet_S1(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	resp := doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("put queue: expected 201, got %d", resp.StatusCode)
	}

	postBody := []byte(`[{"body":{"key":"value"},"ttl":200}]`)
	resp = doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID, postBody)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("post messages: expected 201, got %d", resp.StatusCode)
	}
	var posted postMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&posted); err != nil {
		t.Fatalf("decode post response: %v", err)
	}
	if len(posted.Resources) != 1 {
		t.Fatalf("expected one resource, got %d", len(posted.Resources))
	}
	loc := resp.Header.Get("Location")
	if loc == "" || loc[:len("/queues/fizbit/messages?ids=")] != "/queues/fizbit/messages?ids=" {
		t.Fatalf("unexpected Location header %q", loc)
	}

	href := posted.Resources[0]
	resp = doRequest(t, http.MethodGet, srv.URL+href, testProject, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get message same project: expected 200, got %d", resp.StatusCode)
	}
	var got messageItem
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if string(got.Body) != `{"key":"value"}` {
		t.Fatalf("unexpected body %s", got.Body)
	}
	if got.Age < 0 {
		t.Fatalf("expected non-negative age, got %f", got.Age)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+href, "777777", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-project get: expected 404, got %d", resp.StatusCode)
	}
}

func TestMissingQueueListIsEmptyPageNotFound_S4(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/queues/nonexistent/messages", testProject, testClientID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list on unknown queue: expected 200, got %d", resp.StatusCode)
	}
	var page listMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(page.Messages) != 0 {
		t.Fatalf("expected an empty page, got %d messages", len(page.Messages))
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/queues/nonexistent/messages/a", testProject, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get on unknown queue/message: expected 404, got %d", resp.StatusCode)
	}
}

func TestHrefShapeHasNoDoubledMessagesSegment_S6(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID,
		[]byte(`[{"body":{"a":1},"ttl":200}]`))

	resp := doRequest(t, http.MethodGet, srv.URL+"/queues/fizbit/messages?echo=true", testProject, testClientID, nil)
	var page listMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(page.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(page.Messages))
	}
	href := page.Messages[0].Href
	want := "/queues/fizbit/messages/" + page.Messages[0].ID
	if href != want {
		t.Fatalf("expected href %q, got %q", want, href)
	}
}

func TestBulkDeleteThenDeleteAgainBothSucceed_S2(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	body := []byte(`[{"body":{"n":1},"ttl":200},{"body":{"n":2},"ttl":200},{"body":{"n":3},"ttl":200},{"body":{"n":4},"ttl":200},{"body":{"n":5},"ttl":200}]`)
	resp := doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID, body)
	var posted postMessagesResponse
	json.NewDecoder(resp.Body).Decode(&posted)
	if len(posted.Resources) != 5 {
		t.Fatalf("expected 5 posted resources, got %d", len(posted.Resources))
	}

	ids := make([]string, len(posted.Resources))
	for i, href := range posted.Resources {
		parts := bytes.Split([]byte(href), []byte("/"))
		ids[i] = string(parts[len(parts)-1])
	}
	idsParam := ""
	for i, id := range ids {
		if i > 0 {
			idsParam += ","
		}
		idsParam += id
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/queues/fizbit/messages?ids="+idsParam, testProject, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("bulk delete: expected 204, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/queues/fizbit/messages/"+ids[0], testProject, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted message: expected 404, got %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodDelete, srv.URL+"/queues/fizbit/messages?ids="+idsParam, testProject, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second bulk delete: expected 204, got %d", resp.StatusCode)
	}
}

func TestBulkDeleteWithoutIdsIsBadRequest(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	resp := doRequest(t, http.MethodDelete, srv.URL+"/queues/fizbit/messages", testProject, "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestClaimLifecycle_S3(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	body := []byte(`[{"body":{"n":1},"ttl":200},{"body":{"n":2},"ttl":200},{"body":{"n":3},"ttl":200},{"body":{"n":4},"ttl":200},{"body":{"n":5},"ttl":200}]`)
	doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID, body)

	resp := doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/claims", testProject, "", []byte(`{"ttl":100,"grace":100}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create claim: expected 201, got %d", resp.StatusCode)
	}
	var claim claimResponse
	json.NewDecoder(resp.Body).Decode(&claim)
	if len(claim.Messages) != 5 {
		t.Fatalf("expected 5 claimed messages, got %d", len(claim.Messages))
	}

	resp = doRequest(t, http.MethodDelete, srv.URL+"/queues/fizbit/claims/"+claim.ID, testProject, "", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete claim: expected 204, got %d", resp.StatusCode)
	}

	resp = doRequest(t, http.MethodGet, srv.URL+"/queues/fizbit/messages?echo=true", testProject, testClientID, nil)
	var page listMessagesResponse
	json.NewDecoder(resp.Body).Decode(&page)
	if len(page.Messages) != 5 {
		t.Fatalf("expected all 5 messages visible again, got %d", len(page.Messages))
	}
}

func TestTTLBoundsRejected_S5(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", testProject, "", nil)
	for _, ttl := range []int{-1, 59, 1209601} {
		body := []byte(`[{"body":{"a":1},"ttl":` + itoa(ttl) + `}]`)
		resp := doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("ttl %d: expected 400, got %d", ttl, resp.StatusCode)
		}
	}
	body := []byte(`[{"body":{"a":1},"ttl":60}]`)
	resp := doRequest(t, http.MethodPost, srv.URL+"/queues/fizbit/messages", testProject, testClientID, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ttl 60: expected 201, got %d", resp.StatusCode)
	}
}

func itoa(n int) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestMissingProjectHeaderIsBadRequest(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	resp := doRequest(t, http.MethodPut, srv.URL+"/queues/fizbit", "", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHealthReportsOK(t *testing.T) {
	h, _ := testHandler()
	srv := newServer(h)
	defer srv.Close()

	resp := doRequest(t, http.MethodGet, srv.URL+"/health", "", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

// Package http implements the broker's HTTP surface from SPEC_FULL.md §6:
// one handler per route, translating query/header/body shapes into calls
// on internal/broker.Broker and broker error kinds into HTTP status codes
// per §7. Grounded on internal/api/dataplane/handlers.go's RegisterRoutes
// and per-handler conventions (Go 1.22 ServeMux method+path patterns,
// http.Error for failures, json.NewEncoder(w).Encode for success bodies,
// nil slices rendered as [] rather than null).
package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/marconibroker/internal/broker"
	"github.com/oriys/marconibroker/internal/brokererr"
	"github.com/oriys/marconibroker/internal/clock"
	"github.com/oriys/marconibroker/internal/codec"
	"github.com/oriys/marconibroker/internal/domain"
	"github.com/oriys/marconibroker/internal/idutil"
	"github.com/oriys/marconibroker/internal/logging"
	"github.com/oriys/marconibroker/internal/metrics"
	"github.com/oriys/marconibroker/internal/validation"
)

const defaultListLimit = 10

// Handler serves the broker's HTTP API. Prefix is the version path
// segment ("/v1.1" in production); tests can use "" to shorten URLs.
type Handler struct {
	Broker *broker.Broker
	Codecs *codec.Registry
	Limits validation.Limits
	Clock  clock.Clock
	Prefix string
}

// NewHandler builds a Handler with the production "/v1.1" prefix.
func NewHandler(b *broker.Broker, codecs *codec.Registry, limits validation.Limits, clk clock.Clock) *Handler {
	return &Handler{Broker: b, Codecs: codecs, Limits: limits, Clock: clk, Prefix: "/v1.1"}
}

// RegisterRoutes registers every route in SPEC_FULL.md §6 on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	p := h.Prefix

	mux.HandleFunc("PUT "+p+"/queues/{name}", h.PutQueue)
	mux.HandleFunc("DELETE "+p+"/queues/{name}", h.DeleteQueue)
	mux.HandleFunc("GET "+p+"/queues/{name}/stats", h.QueueStats)

	mux.HandleFunc("POST "+p+"/queues/{name}/messages", h.PostMessages)
	mux.HandleFunc("GET "+p+"/queues/{name}/messages", h.GetMessages)
	mux.HandleFunc("DELETE "+p+"/queues/{name}/messages", h.BulkDeleteMessages)
	mux.HandleFunc("GET "+p+"/queues/{name}/messages/{id}", h.GetMessage)
	mux.HandleFunc("DELETE "+p+"/queues/{name}/messages/{id}", h.DeleteMessage)

	mux.HandleFunc("POST "+p+"/queues/{name}/claims", h.CreateClaim)
	mux.HandleFunc("GET "+p+"/queues/{name}/claims/{id}", h.GetClaim)
	mux.HandleFunc("PATCH "+p+"/queues/{name}/claims/{id}", h.UpdateClaim)
	mux.HandleFunc("DELETE "+p+"/queues/{name}/claims/{id}", h.DeleteClaim)

	mux.HandleFunc("PUT "+p+"/pools/{id}", h.PutPool)
	mux.HandleFunc("GET "+p+"/pools/{id}", h.GetPool)
	mux.HandleFunc("DELETE "+p+"/pools/{id}", h.RemovePool)
	mux.HandleFunc("GET "+p+"/pools", h.ListPools)

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Global().Handler())
}

// --- header / query helpers ---

func projectIDFromHeader(r *http.Request) string { return r.Header.Get("X-Project-ID") }

func clientIDFromHeader(r *http.Request) string { return r.Header.Get("Client-ID") }

func (h *Handler) requireProject(w http.ResponseWriter, r *http.Request) (string, bool) {
	project := projectIDFromHeader(r)
	if err := h.Limits.ProjectID(project); err != nil {
		writeBrokerError(w, err)
		return "", false
	}
	return project, true
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func queryInt64(r *http.Request, key string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

func queryIDs(r *http.Request) []string {
	raw := r.URL.Query().Get("ids")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// --- response shaping ---

type messageItem struct {
	ID      string          `json:"id"`
	Href    string          `json:"href"`
	TTL     int             `json:"ttl"`
	Age     float64         `json:"age"`
	Body    json.RawMessage `json:"body"`
	ClaimID string          `json:"claim_id,omitempty"`
}

func (h *Handler) toMessageItem(queue string, m *domain.Message, now time.Time) messageItem {
	return messageItem{
		ID:      m.ID,
		Href:    idutil.MessageHref(h.Prefix, queue, m.ID),
		TTL:     m.TTL,
		Age:     m.Age(now),
		Body:    m.Body,
		ClaimID: m.ClaimID,
	}
}

func (h *Handler) toMessageItems(queue string, msgs []*domain.Message, now time.Time) []messageItem {
	out := make([]messageItem, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, h.toMessageItem(queue, m, now))
	}
	return out
}

func (h *Handler) encode(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeBrokerError maps a brokererr-classified error to an HTTP status,
// per §7. An invariant-violation error is a programmer bug, never a 4xx;
// it is logged and surfaced as 500, matching the teacher's own unhandled-
// panic-becomes-500 behavior.
func writeBrokerError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	if brokererr.IsInvariantViolation(err) {
		logging.Op().Error("invariant violation reached the HTTP boundary", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	switch {
	case brokererr.Is(err, brokererr.ErrQueueDoesNotExist),
		brokererr.Is(err, brokererr.ErrQueueIsEmpty),
		brokererr.Is(err, brokererr.ErrMessageDoesNotExist),
		brokererr.Is(err, brokererr.ErrClaimDoesNotExist),
		brokererr.Is(err, brokererr.ErrPoolDoesNotExist):
		http.Error(w, err.Error(), http.StatusNotFound)
	case brokererr.Is(err, brokererr.ErrMessageConflict), brokererr.Is(err, brokererr.ErrConnectionError):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case brokererr.Is(err, brokererr.ErrInvalidArgument), brokererr.Is(err, brokererr.ErrPayloadTooLarge):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logging.Op().Error("unclassified broker error reached the HTTP boundary", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// --- queue routes ---

type putQueueRequest struct {
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	DefaultTTL int             `json:"default_ttl,omitempty"`
}

func (h *Handler) PutQueue(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	var body putQueueRequest
	if r.ContentLength != 0 {
		c := h.Codecs.Lookup(r.Header.Get("Content-Type"))
		if err := c.Decode(r.Body, h.Limits.MaxMessageSize, &body); err != nil {
			writeBrokerError(w, err)
			return
		}
	}

	created, err := h.Broker.PutQueue(r.Context(), project, name, body.Metadata, body.DefaultTTL)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	if err := h.Broker.DeleteQueue(r.Context(), project, name); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queueStatsResponse struct {
	Messages domain.QueueStats `json:"messages"`
}

func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	stats, err := h.Broker.QueueStats(r.Context(), project, name)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	h.encode(w, http.StatusOK, queueStatsResponse{Messages: *stats})
}

// --- message routes ---

type postMessageItem struct {
	Body json.RawMessage `json:"body"`
	TTL  int             `json:"ttl"`
}

type postMessagesResponse struct {
	Resources []string `json:"resources"`
}

func (h *Handler) PostMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	clientID := clientIDFromHeader(r)

	var items []postMessageItem
	c := h.Codecs.Lookup(r.Header.Get("Content-Type"))
	if err := c.Decode(r.Body, h.Limits.MaxMessageSize, &items); err != nil {
		writeBrokerError(w, err)
		return
	}

	inputs := make([]broker.MessageInput, len(items))
	for i, it := range items {
		inputs[i] = broker.MessageInput{Body: it.Body, TTL: it.TTL}
	}

	ids, err := h.Broker.PostMessages(r.Context(), project, name, clientID, inputs)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	resources := make([]string, len(ids))
	for i, id := range ids {
		resources[i] = idutil.MessageHref(h.Prefix, name, id)
	}
	w.Header().Set("Location", h.Prefix+"/queues/"+name+"/messages?"+idutil.LocationIDs(ids))
	h.encode(w, http.StatusCreated, postMessagesResponse{Resources: resources})
}

type listMessagesResponse struct {
	Messages   []messageItem `json:"messages"`
	NextMarker string        `json:"next_marker,omitempty"`
}

// GetMessages serves either a bulk-get (?ids=a,b,c) or a paginated list,
// per §6's two query forms sharing one route.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	now := h.Clock.Now()

	if ids := queryIDs(r); len(ids) > 0 {
		msgs, err := h.Broker.BulkGetMessages(r.Context(), project, name, ids)
		if err != nil {
			writeBrokerError(w, err)
			return
		}
		h.encode(w, http.StatusOK, listMessagesResponse{Messages: h.toMessageItems(name, msgs, now)})
		return
	}

	clientID := clientIDFromHeader(r)
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeBrokerError(w, brokererr.InvalidArgumentf("malformed limit %q", r.URL.Query().Get("limit")))
		return
	}
	marker, err := queryInt64(r, "marker", 0)
	if err != nil {
		writeBrokerError(w, brokererr.InvalidArgumentf("malformed marker %q", r.URL.Query().Get("marker")))
		return
	}
	echo := queryBool(r, "echo")
	includeClaimed := queryBool(r, "include_claimed")

	page, next, err := h.Broker.ListMessages(r.Context(), project, name, clientID, marker, limit, echo, includeClaimed)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	resp := listMessagesResponse{Messages: h.toMessageItems(name, page, now)}
	if next > 0 {
		resp.NextMarker = strconv.FormatInt(next, 10)
	}
	h.encode(w, http.StatusOK, resp)
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	id := r.PathValue("id")

	m, err := h.Broker.GetMessage(r.Context(), project, name, id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	h.encode(w, http.StatusOK, h.toMessageItem(name, m, h.Clock.Now()))
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	id := r.PathValue("id")
	claimID := r.URL.Query().Get("claim_id")

	if err := h.Broker.DeleteMessage(r.Context(), project, name, id, claimID); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BulkDeleteMessages(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	ids := queryIDs(r)
	if len(ids) == 0 {
		writeBrokerError(w, brokererr.InvalidArgumentf("DELETE on the messages collection requires ?ids="))
		return
	}
	if err := h.Broker.BulkDeleteMessages(r.Context(), project, name, ids); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- claim routes ---

type createClaimRequest struct {
	TTL   int `json:"ttl"`
	Grace int `json:"grace"`
	Limit int `json:"limit,omitempty"`
}

type claimResponse struct {
	ID       string        `json:"id"`
	TTL      int           `json:"ttl"`
	Grace    int           `json:"grace"`
	Age      float64       `json:"age"`
	Messages []messageItem `json:"messages"`
}

func (h *Handler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")

	var body createClaimRequest
	c := h.Codecs.Lookup(r.Header.Get("Content-Type"))
	if err := c.Decode(r.Body, h.Limits.MaxMessageSize, &body); err != nil {
		writeBrokerError(w, err)
		return
	}
	limit := body.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	wait, err := queryInt(r, "wait", 0)
	if err != nil {
		writeBrokerError(w, brokererr.InvalidArgumentf("malformed wait %q", r.URL.Query().Get("wait")))
		return
	}

	claim, msgs, err := h.Broker.CreateClaim(r.Context(), project, name, body.TTL, body.Grace, limit, wait)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if claim == nil || len(msgs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	now := h.Clock.Now()
	h.encode(w, http.StatusCreated, claimResponse{
		ID:       claim.ID,
		TTL:      claim.TTL,
		Grace:    claim.Grace,
		Age:      now.Sub(claim.CreatedAt).Seconds(),
		Messages: h.toMessageItems(name, msgs, now),
	})
}

func (h *Handler) GetClaim(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	claimID := r.PathValue("id")

	claim, msgs, err := h.Broker.GetClaim(r.Context(), project, name, claimID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	now := h.Clock.Now()
	h.encode(w, http.StatusOK, claimResponse{
		ID:       claim.ID,
		TTL:      claim.TTL,
		Grace:    claim.Grace,
		Age:      now.Sub(claim.CreatedAt).Seconds(),
		Messages: h.toMessageItems(name, msgs, now),
	})
}

type updateClaimRequest struct {
	TTL int `json:"ttl"`
}

func (h *Handler) UpdateClaim(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	claimID := r.PathValue("id")

	var body updateClaimRequest
	c := h.Codecs.Lookup(r.Header.Get("Content-Type"))
	if err := c.Decode(r.Body, h.Limits.MaxMessageSize, &body); err != nil {
		writeBrokerError(w, err)
		return
	}

	if err := h.Broker.UpdateClaim(r.Context(), project, name, claimID, body.TTL); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteClaim(w http.ResponseWriter, r *http.Request) {
	project, ok := h.requireProject(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	claimID := r.PathValue("id")

	if err := h.Broker.DeleteClaim(r.Context(), project, name, claimID); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- pool admin routes ---

type putPoolRequest struct {
	URI    string `json:"uri"`
	Weight int    `json:"weight"`
	Group  string `json:"group,omitempty"`
}

func (h *Handler) PutPool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var body putPoolRequest
	c := h.Codecs.Lookup(r.Header.Get("Content-Type"))
	if err := c.Decode(r.Body, h.Limits.MaxMessageSize, &body); err != nil {
		writeBrokerError(w, err)
		return
	}
	entry := domain.PoolEntry{ID: id, URI: body.URI, Weight: body.Weight, Group: body.Group}
	if err := h.Broker.RegisterPool(r.Context(), entry); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, err := h.Broker.GetPool(r.Context(), id)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	h.encode(w, http.StatusOK, entry)
}

func (h *Handler) RemovePool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.Broker.RemovePool(r.Context(), id); err != nil {
		writeBrokerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type listPoolsResponse struct {
	Pools []domain.PoolEntry `json:"pools"`
}

func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.Broker.ListPools(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if pools == nil {
		pools = []domain.PoolEntry{}
	}
	h.encode(w, http.StatusOK, listPoolsResponse{Pools: pools})
}

// --- health ---

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeoutContext(r, 2*time.Second)
	defer cancel()

	if err := h.Broker.Health(ctx); err != nil {
		h.encode(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	h.encode(w, http.StatusOK, map[string]string{"status": "ok"})
}

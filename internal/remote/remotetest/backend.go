// Package remotetest provides an in-process fake of the delivery backend for
// tests of the remote client, the sync engine and the location tracker.
package remotetest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/rxdelivery/driversync/internal/models"
)

// Call is one request received by the fake backend.
type Call struct {
	Method      string
	Path        string
	Body        []byte
	ContentType string
	Auth        string
}

// Backend is a fake backend served by httptest.
type Backend struct {
	Server *httptest.Server

	mu           sync.Mutex
	calls        []Call
	orders       map[int64]models.OrderSnapshot
	deleted      map[int64]bool
	failures     map[string][]int
	failedOrders map[int64]bool
}

// NewBackend starts a fake backend. Close it when done.
func NewBackend() *Backend {
	b := &Backend{
		orders:       make(map[int64]models.OrderSnapshot),
		deleted:      make(map[int64]bool),
		failures:     make(map[string][]int),
		failedOrders: make(map[int64]bool),
	}

	r := chi.NewRouter()
	r.Use(b.record)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/orders/{id}", b.getOrder)
	r.Patch("/orders/{id}/status", b.orderMutation)
	r.Post("/orders/{id}/proof-of-delivery", b.orderMutation)
	r.Post("/orders/batch-pickup", b.batch)
	r.Post("/orders/batch-delivery", b.batch)
	r.Post("/drivers/location", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	b.Server = httptest.NewServer(r)
	return b
}

// URL returns the base URL of the fake API.
func (b *Backend) URL() string {
	return b.Server.URL
}

// Close shuts the server down.
func (b *Backend) Close() {
	b.Server.Close()
}

// SetOrder makes GET /orders/{id} return o.
func (b *Backend) SetOrder(o models.OrderSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orders[o.ID] = o
	delete(b.deleted, o.ID)
}

// DeleteOrder makes every endpoint for the order return 404.
func (b *Backend) DeleteOrder(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, id)
	b.deleted[id] = true
}

// FailNext makes the next len(codes) requests to method+path answer with
// the given status codes, in order.
func (b *Backend) FailNext(method, path string, codes ...int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + path
	b.failures[key] = append(b.failures[key], codes...)
}

// FailBatchOrders makes batch endpoints report the given orders as not applied.
func (b *Backend) FailBatchOrders(ids ...int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		b.failedOrders[id] = true
	}
}

// ClearBatchFailures makes batch endpoints apply every order again.
func (b *Backend) ClearBatchFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failedOrders = make(map[int64]bool)
}

// Calls returns every request received so far.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsTo returns the requests received for method+path.
func (b *Backend) CallsTo(method, path string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Method == method && c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body.Close()

		b.mu.Lock()
		b.calls = append(b.calls, Call{
			Method:      r.Method,
			Path:        r.URL.Path,
			Body:        body,
			ContentType: r.Header.Get("Content-Type"),
			Auth:        r.Header.Get("Authorization"),
		})
		key := r.Method + " " + r.URL.Path
		var code int
		if queued := b.failures[key]; len(queued) > 0 {
			code = queued[0]
			b.failures[key] = queued[1:]
		}
		b.mu.Unlock()

		if code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	b.mu.Lock()
	o, ok := b.orders[id]
	b.mu.Unlock()

	if !ok {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, o)
}

func (b *Backend) orderMutation(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)

	b.mu.Lock()
	gone := b.deleted[id]
	b.mu.Unlock()

	if gone {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"id": id, "ok": true})
}

func (b *Backend) batch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	res := models.BatchResult{}
	for _, id := range req.OrderIDs {
		item := models.BatchOrderResult{OrderID: id, Success: !b.failedOrders[id] && !b.deleted[id]}
		if !item.Success {
			item.Error = "not applied"
		}
		res.Results = append(res.Results, item)
	}
	b.mu.Unlock()

	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

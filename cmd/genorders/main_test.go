package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/eventlog"
	"orderflow/internal/orderstore"
	"orderflow/internal/pipeline"
)

func TestGenerateOrders_AlwaysValid(t *testing.T) {
	now := time.Now()
	for _, req := range generateOrders(rand.New(rand.NewSource(1)), 200) {
		o := pipeline.Normalize(req, now)
		require.NotEmpty(t, o.Items)
		for _, it := range o.Items {
			assert.Contains(t, menu, it.Name)
			assert.Positive(t, it.Quantity)
		}
	}
}

func TestWriteOrders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orders.jsonl")
	reqs := generateOrders(rand.New(rand.NewSource(2)), 5)
	require.NoError(t, writeOrders(path, reqs))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	var first pipeline.Request
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, reqs[0], first)
}

func TestPostOrders_ThroughIngestor(t *testing.T) {
	store := orderstore.NewInMemoryStore()
	ing := pipeline.NewIngestor(store, eventlog.NewMemoryLog(1), eventlog.Fixed(0))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := ing.Submit(r.Context(), req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reqs := generateOrders(rand.New(rand.NewSource(3)), 40)
	n, err := postOrders(context.Background(), srv.Client(), srv.URL+"/", reqs, 4)
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	orders, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 40)
}

func TestPostOrders_ReportsRejection(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 3 {
			http.Error(w, `{"error":"Failed to save order to database"}`, http.StatusInternalServerError)
			return
		}
	}))
	defer srv.Close()

	_, err := postOrders(context.Background(), srv.Client(), srv.URL, generateOrders(rand.New(rand.NewSource(4)), 5), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

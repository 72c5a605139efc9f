// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/feedback"
	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/metric"
	"github.com/adxyz/optimizer/pkg/pattern"
	"github.com/adxyz/optimizer/pkg/queue"
	"github.com/adxyz/optimizer/pkg/storage"
)

type testServer struct {
	server   *Server
	patterns *pattern.Index
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	metrics, err := metric.NewMetrics()
	require.NoError(t, err)

	idx := pattern.NewIndex()
	alloc := allocator.NewWithSeed(allocator.DefaultParams(), idx, log.NoOp(), 1)
	q := queue.NewQueue(store, log.NoOp())
	unattributed := attribution.NewUnattributedLog(store)
	clicks := attribution.NewClickStore(24 * time.Hour)
	resolver := attribution.NewResolver(clicks, 0.5, unattributed, log.NoOp())
	ingestor := feedback.NewIngestor(alloc, map[string]float64{"lead": 0.1}, log.NoOp())
	hub := NewHub(log.NoOp())

	srv := NewServer(alloc, q, unattributed, metrics, hub, log.NoOp()).
		WithIngest(Ingest{
			Clicks:   clicks,
			Resolver: resolver,
			Ingestor: ingestor,
			Alloc:    alloc,
			Patterns: idx,
		})
	return &testServer{server: srv, patterns: idx}
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSetPatternScore(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	router := ts.server.Router()

	rec := postJSON(t, router, "/v1/patterns", `{"ad_id":"ad-1","score":0.7}`)
	require.Equal(http.StatusOK, rec.Code)
	require.Equal(0.7, ts.patterns.Boost("ad-1"))

	// Later observations overwrite.
	rec = postJSON(t, router, "/v1/patterns", `{"ad_id":"ad-1","score":0.2}`)
	require.Equal(http.StatusOK, rec.Code)
	require.Equal(0.2, ts.patterns.Boost("ad-1"))
}

func TestSetPatternScoreRejectsOutOfRange(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	router := ts.server.Router()

	rec := postJSON(t, router, "/v1/patterns", `{"ad_id":"ad-1","score":1.5}`)
	require.Equal(http.StatusBadRequest, rec.Code)
	require.Zero(ts.patterns.Boost("ad-1"))

	rec = postJSON(t, router, "/v1/patterns", `{"score":0.5}`)
	require.Equal(http.StatusBadRequest, rec.Code)
}

func TestRegisterAdAndGet(t *testing.T) {
	require := require.New(t)
	ts := newTestServer(t)
	router := ts.server.Router()

	rec := postJSON(t, router, "/v1/ads", `{"ad_id":"ad-1","tenant_id":"tenant-1","mode":"pipeline"}`)
	require.Equal(http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/ads/ad-1", nil)
	got := httptest.NewRecorder()
	router.ServeHTTP(got, req)
	require.Equal(http.StatusOK, got.Code)
	require.Contains(got.Body.String(), `"ad-1"`)
}

// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ecgbridge/internal/config"
	"github.com/Thermoquad/ecgbridge/internal/metrics"
	"github.com/Thermoquad/ecgbridge/pkg/session"
)

// fakeSource answers pulls from a fixed list of absolute samples.
type fakeSource struct {
	mu      sync.Mutex
	samples [][2]int64
	running bool
	calls   []int64
}

func (f *fakeSource) PullSince(ctx context.Context, since int64) (*session.Report, error) {
	f.mu.Lock()
	f.calls = append(f.calls, since)
	r := &session.Report{Ref: since, HeartRate: 72, SpO2: 98, BatteryVoltage: 3.7}
	for _, s := range f.samples {
		if s[0] > since {
			r.ECG = append(r.ECG, [2]int64{s[0] - since, s[1]})
		}
	}
	f.mu.Unlock()

	if len(r.ECG) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return r, nil
}

func (f *fakeSource) Snapshot() session.StatusSnapshot {
	return session.StatusSnapshot{Port: "Simulator", LastSample: 30, HeartRate: 72}
}

func (f *fakeSource) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSource) Calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type recorder struct {
	mu      sync.Mutex
	results []string
	limited int
}

func (r *recorder) Pull(result string) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func (r *recorder) RateLimited() {
	r.mu.Lock()
	r.limited++
	r.mu.Unlock()
}

func testHTTPConfig() config.HTTPConfig {
	return config.HTTPConfig{
		Addr:         ":0",
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PollTimeout:  50 * time.Millisecond,
	}
}

func newTestServer(t *testing.T, src Source, rec PullRecorder) *Server {
	t.Helper()
	reg := metrics.NewRegistry()
	srv := New(Options{
		HTTP:           testHTTPConfig(),
		MetricsPath:    "/metrics",
		MetricsHandler: metrics.Handler(reg),
		Recorder:       rec,
	})
	if src != nil {
		srv.SetSource(src)
	}
	return srv
}

func get(t *testing.T, srv *Server, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

// ============================================================
// Health Tests
// ============================================================

func TestHealthzReadyzMetrics(t *testing.T) {
	src := &fakeSource{running: true}
	srv := newTestServer(t, src, nil)

	assert.Equal(t, http.StatusOK, get(t, srv, "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(t, srv, "/metrics").Code)
}

func TestReadyzNotReady(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/readyz").Code)

	srv.SetSource(&fakeSource{running: false})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/readyz").Code)
}

// ============================================================
// Data API Tests
// ============================================================

func TestData_NoSession(t *testing.T) {
	rec := &recorder{}
	srv := newTestServer(t, nil, rec)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/data.json").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, srv, "/status.json").Code)
	assert.Equal(t, []string{"unavailable"}, rec.results)
}

func TestData_JSON(t *testing.T) {
	src := &fakeSource{samples: [][2]int64{{10, 100}, {20, 200}, {30, 300}}}
	rec := &recorder{}
	srv := newTestServer(t, src, rec)

	rr := get(t, srv, "/data.json?last_sample=15")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, 15.0, body["ref"])
	assert.Equal(t, 72.0, body["hr"])
	assert.Equal(t, 98.0, body["spO2"])
	assert.Equal(t, 3.7, body["battV"])
	assert.Equal(t, []any{[]any{5.0, 200.0}, []any{15.0, 300.0}}, body["ecg"])
	for _, key := range []string{"alarms", "greenp", "redp"} {
		assert.Contains(t, body, key)
	}

	assert.Contains(t, rr.Header().Get("Set-Cookie"), "last_sample=30")
	assert.Equal(t, []string{"ok"}, rec.results)
}

func TestData_CookieFallback(t *testing.T) {
	src := &fakeSource{samples: [][2]int64{{10, 1}, {20, 2}}}
	srv := newTestServer(t, src, nil)

	rr := get(t, srv, "/data.json", &http.Cookie{Name: "last_sample", Value: "10"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []int64{10}, src.Calls())
}

func TestData_PollTimeout(t *testing.T) {
	src := &fakeSource{samples: [][2]int64{{10, 1}}}
	rec := &recorder{}
	srv := newTestServer(t, src, rec)

	rr := get(t, srv, "/data.json?last_sample=10")
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, []string{"timeout"}, rec.results)
}

func TestData_BadParameter(t *testing.T) {
	srv := newTestServer(t, &fakeSource{}, nil)
	assert.Equal(t, http.StatusBadRequest, get(t, srv, "/data.json?last_sample=abc").Code)
}

func TestData_CBOR(t *testing.T) {
	src := &fakeSource{samples: [][2]int64{{10, 100}, {20, 200}}}
	srv := newTestServer(t, src, nil)

	rr := get(t, srv, "/data.cbor?last_sample=0")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/cbor", rr.Header().Get("Content-Type"))

	var report session.Report
	require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, [][2]int64{{10, 100}, {20, 200}}, report.ECG)
	assert.Equal(t, uint16(72), report.HeartRate)
}

func TestStatus(t *testing.T) {
	srv := newTestServer(t, &fakeSource{}, nil)
	rr := get(t, srv, "/status.json")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"port":"Simulator","lastSample":30,"samples":null,"battV":0,"spO2":0,"hr":72}`, rr.Body.String())
}

// ============================================================
// Middleware Tests
// ============================================================

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rr := get(t, srv, "/healthz")
	assert.Len(t, rr.Header().Get(requestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "abc")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, "abc", rr.Header().Get(requestIDHeader))
}

func TestRateLimit(t *testing.T) {
	cfg := testHTTPConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	rec := &recorder{}
	srv := New(Options{HTTP: cfg, Recorder: rec})

	codes := make([]int, 4)
	for i := range codes {
		codes[i] = get(t, srv, "/healthz").Code
	}
	assert.Equal(t, []int{200, 200, 429, 429}, codes)
	assert.Equal(t, 2, rec.limited)

	stats := srv.Limiter().Stats()
	assert.Equal(t, int64(2), stats.AllowedTotal)
	assert.Equal(t, int64(2), stats.RejectedTotal)
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow())
	}
}

func TestDashboard(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	rr := get(t, srv, "/")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<canvas")

	rr = get(t, srv, "/static/dashboard.js")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/data.json")
}

// ============================================================
// Stream Tests
// ============================================================

func TestStream(t *testing.T) {
	src := &fakeSource{samples: [][2]int64{{10, 100}, {20, 200}}}
	srv := newTestServer(t, src, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?last_sample=5"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var report session.Report
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&report))
	assert.Equal(t, int64(5), report.Ref)
	assert.Equal(t, [][2]int64{{5, 100}, {15, 200}}, report.ECG)

	// The next pull starts from the newest sample and times out quietly
	require.Eventually(t, func() bool {
		calls := src.Calls()
		return len(calls) >= 2 && calls[len(calls)-1] == 20
	}, 2*time.Second, 10*time.Millisecond)
}

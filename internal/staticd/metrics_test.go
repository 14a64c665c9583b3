package staticd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"staticd/internal/logger"
)

func TestPromMetricsExposition(t *testing.T) {
	dir := t.TempDir()
	cache := NewContentCache(4, 1024)
	require.True(t, putFile(t, cache, writeFile(t, dir, "a.txt", []byte("a"))))
	pool := NewWorkerPool(2, 2, &countingHandler{})

	m := newPromMetrics(cache, pool)
	m.ObserveRequest(RequestEvent{Method: "GET", Verb: MethodGet, Status: 200, Bytes: 10, Duration: time.Millisecond, CacheHit: true})
	m.ObserveRequest(RequestEvent{Method: "GET", Verb: MethodGet, Status: 404, Bytes: 13, Duration: time.Millisecond})
	m.ObserveRequest(RequestEvent{Method: "HEAD", Verb: MethodHead, Status: 200, Duration: time.Millisecond})
	m.ObserveRequest(RequestEvent{Status: 0})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := string(b)

	assert.Contains(t, out, `staticd_requests_total{method="GET",status="200"} 1`)
	assert.Contains(t, out, `staticd_requests_total{method="GET",status="404"} 1`)
	assert.Contains(t, out, `staticd_requests_total{method="HEAD",status="200"} 1`)
	assert.Contains(t, out, "staticd_response_body_bytes_total 23")
	assert.Contains(t, out, "staticd_cache_hits_total 1")
	assert.Contains(t, out, "staticd_cache_misses_total 1")
	assert.Contains(t, out, "staticd_cache_entries 1")
	assert.Contains(t, out, "staticd_pool_queue_depth 0")
}

func TestPromMetricsFoldsUnknownMethods(t *testing.T) {
	m := newPromMetrics(nil, nil)
	for i := 0; i < 50; i++ {
		req, err := ParseRequest([]byte(fmt.Sprintf("X%d / HTTP/1.1\r\n\r\n", i)))
		require.NoError(t, err)
		m.ObserveRequest(RequestEvent{
			Method:   req.Line.RawMethod,
			Verb:     req.Line.Method,
			Status:   http.StatusMethodNotAllowed,
			Duration: time.Millisecond,
		})
	}

	families, err := m.registry.Gather()
	require.NoError(t, err)
	series := map[string]int{}
	for _, mf := range families {
		series[mf.GetName()] = len(mf.GetMetric())
		if mf.GetName() == "staticd_requests_total" {
			require.Len(t, mf.GetMetric(), 1)
			labels := map[string]string{}
			for _, lp := range mf.GetMetric()[0].GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			assert.Equal(t, "OTHER", labels["method"])
			assert.Equal(t, "405", labels["status"])
			assert.Equal(t, float64(50), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.Equal(t, 1, series["staticd_requests_total"])
	assert.Equal(t, 1, series["staticd_request_duration_seconds"])
}

func TestRateLimitedLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })

	l := newRateLimitedLogger(time.Hour)
	l.Warnf("accept failed: %d", 1)
	l.Warnf("accept failed: %d", 2)
	l.Warnf("accept failed: %d", 3)

	out := buf.String()
	assert.Contains(t, out, "accept failed: 1")
	assert.NotContains(t, out, "accept failed: 2")
	assert.Equal(t, uint64(2), l.suppressed.Load())
}

package staticd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedModTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type testServer struct {
	srv  *Server
	addr string
	stop func()
}

func startServer(t *testing.T, root string, mutate func(c *Config)) *testServer {
	t.Helper()
	cfg := &Config{}
	cfg.Server.ContentRoot = root
	cfg.Server.ShowExtension = true
	cfg.Server.PoolSize = 4
	cfg.Server.ShutdownTimeout = "2s"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Compile())

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	ts := &testServer{srv: srv, addr: ln.Addr().String()}
	ts.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
		assert.NoError(t, srv.Close())
	}
	t.Cleanup(ts.stop)
	return ts
}

func (ts *testServer) roundTrip(t *testing.T, raw string) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = conn.Write([]byte(raw))
	require.NoError(t, err)
	out, err := io.ReadAll(conn)
	require.NoError(t, err)
	return out
}

func (ts *testServer) do(t *testing.T, method, target string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	raw := method + " " + target + " HTTP/1.1\r\nHost: test\r\n"
	for _, h := range headers {
		raw += h + "\r\n"
	}
	raw += "\r\n"
	return readResponse(t, ts.roundTrip(t, raw), method)
}

func serveSite(t *testing.T) (string, []byte) {
	t.Helper()
	root := newSite(t)
	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i % 251)
	}
	writeFile(t, root, "data.bin", data)
	for _, name := range []string{"index.html", "about.html", "data.bin"} {
		p := filepath.Join(root, name)
		require.NoError(t, os.Chtimes(p, fixedModTime, fixedModTime))
	}
	return root, data
}

func TestServerServesFile(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	resp, body := ts.do(t, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", string(body))
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))
	assert.Equal(t, "Tue, 02 Jan 2024 03:04:05 GMT", resp.Header.Get("Last-Modified"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "staticd", resp.Header.Get("Server"))
	assert.True(t, resp.Close)
}

func TestServerHeadMatchesGet(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	getResp, getBody := ts.do(t, http.MethodGet, "/about.html")
	raw := ts.roundTrip(t, "HEAD /about.html HTTP/1.1\r\nHost: test\r\n\r\n")
	headResp, _ := readResponse(t, raw, http.MethodHead)

	assert.Equal(t, getResp.StatusCode, headResp.StatusCode)
	assert.Equal(t, getResp.Header, headResp.Header)
	assert.NotEmpty(t, getBody)
	assert.True(t, bytes.HasSuffix(raw, []byte("\r\n\r\n")), "HEAD response carried a body")
}

func TestServerCachedBodyIsIdentical(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	_, first := ts.do(t, http.MethodGet, "/about.html")
	require.Eventually(t, func() bool {
		return ts.srv.Cache().Contains(filepath.Join(root, "about.html"))
	}, 2*time.Second, 5*time.Millisecond)
	_, second := ts.do(t, http.MethodGet, "/about.html")

	assert.Equal(t, first, second)
	require.Eventually(t, func() bool { return ts.srv.Stats().CacheHits == 1 }, 2*time.Second, 5*time.Millisecond)

	uncached := startServer(t, root, func(c *Config) { c.Cache.Disabled = true })
	assert.Nil(t, uncached.srv.Cache())
	_, third := uncached.do(t, http.MethodGet, "/about.html")
	assert.Equal(t, first, third)
}

func TestServerRange(t *testing.T) {
	root, data := serveSite(t)
	ts := startServer(t, root, nil)

	resp, body := ts.do(t, http.MethodGet, "/data.bin", "Range: bytes=0-99")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 0-99/500", resp.Header.Get("Content-Range"))
	assert.Empty(t, resp.Header.Get("Content-Length"))
	assert.Equal(t, data[:100], body)

	resp, body = ts.do(t, http.MethodGet, "/data.bin", "Range: bytes=450-")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "bytes 450-499/500", resp.Header.Get("Content-Range"))
	assert.Equal(t, data[450:], body)

	resp, body = ts.do(t, http.MethodGet, "/data.bin", "Range: bytes=400-9999")
	assert.Equal(t, "bytes 400-499/500", resp.Header.Get("Content-Range"))
	assert.Equal(t, data[400:], body)

	// a start past the end serves the whole file
	resp, body = ts.do(t, http.MethodGet, "/data.bin", "Range: bytes=600-700")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)

	// unsupported forms are ignored
	resp, body = ts.do(t, http.MethodGet, "/data.bin", "Range: bytes=-10")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, body)
}

func TestServerStreamsLargeFile(t *testing.T) {
	root, _ := serveSite(t)
	big := bytes.Repeat([]byte("staticd streaming body "), 10000)
	writeFile(t, root, "big.txt", big)
	ts := startServer(t, root, nil)

	resp, body := ts.do(t, http.MethodGet, "/big.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, big, body)
	assert.False(t, ts.srv.Cache().Contains(filepath.Join(root, "big.txt")))

	resp, body = ts.do(t, http.MethodGet, "/big.txt", "Range: bytes=70000-70099")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, big[70000:70100], body)
}

func TestServerIfModifiedSince(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	lm := fixedModTime.Format(http.TimeFormat)
	resp, body := ts.do(t, http.MethodGet, "/index.html", "If-Modified-Since: "+lm)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, lm, resp.Header.Get("Last-Modified"))

	older := fixedModTime.Add(-time.Hour).Format(http.TimeFormat)
	resp, body = ts.do(t, http.MethodGet, "/index.html", "If-Modified-Since: "+older)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", string(body))

	resp, _ = ts.do(t, http.MethodGet, "/index.html", "If-Modified-Since: not a date")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerStatusResponses(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	resp, _ := ts.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/index.html", resp.Header.Get("Location"))

	resp, _ = ts.do(t, http.MethodGet, "/docs")
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/docs/", resp.Header.Get("Location"))

	resp, body := ts.do(t, http.MethodGet, "/missing.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "404 Not Found", string(body))

	resp, body = ts.do(t, http.MethodGet, "/../etc/passwd")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "Forbidden", string(body))

	resp, _ = ts.do(t, http.MethodGet, "/%2e%2e/%2e%2e/etc/passwd")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/index.html")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "GET, HEAD", resp.Header.Get("Allow"))
	assert.Equal(t, "0", resp.Header.Get("Content-Length"))
}

func TestServerHideExtension(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, func(c *Config) { c.Server.ShowExtension = false })

	resp, body := ts.do(t, http.MethodGet, "/about")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>about</h1>", string(body))

	resp, _ = ts.do(t, http.MethodGet, "/docs.html")
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/docs/", resp.Header.Get("Location"))

	resp, body = ts.do(t, http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>home</h1>", string(body))
}

func TestServerGzip(t *testing.T) {
	root, _ := serveSite(t)
	page := []byte(strings.Repeat("<li>compressible</li>\n", 300))
	writeFile(t, root, "list.html", page)
	ts := startServer(t, root, func(c *Config) { c.Compression.Enabled = true })

	resp, body := ts.do(t, http.MethodGet, "/list.html", "Accept-Encoding: gzip")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", resp.Header.Get("Vary"))
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, page, plain)

	resp, body = ts.do(t, http.MethodGet, "/list.html")
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, page, body)

	// ranges are always served from the identity body
	resp, body = ts.do(t, http.MethodGet, "/list.html", "Accept-Encoding: gzip", "Range: bytes=0-9")
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Content-Encoding"))
	assert.Equal(t, page[:10], body)
}

// fetch is safe to call from any goroutine.
func (ts *testServer) fetch(target string) ([]byte, error) {
	conn, err := net.Dial("tcp", ts.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return nil, err
	}
	if _, err := conn.Write([]byte("GET " + target + " HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
		return nil, err
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodGet})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func TestServerConcurrentRequests(t *testing.T) {
	root := t.TempDir()
	const files = 40
	want := make(map[string][]byte, files)
	for i := 0; i < files; i++ {
		name := fmt.Sprintf("page%02d.html", i)
		body := bytes.Repeat([]byte(fmt.Sprintf("<p>page %d</p>\n", i)), 20+i)
		writeFile(t, root, name, body)
		want["/"+name] = body
	}
	ts := startServer(t, root, func(c *Config) { c.Server.PoolSize = 8 })

	const goroutines, perGoroutine = 16, 40
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for n := 0; n < perGoroutine; n++ {
				target := fmt.Sprintf("/page%02d.html", (g*3+n)%files)
				body, err := ts.fetch(target)
				if !assert.NoError(t, err) {
					return
				}
				assert.True(t, bytes.Equal(want[target], body), "body mismatch for %s", target)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, ts.srv.Cache().Len(), 32)
	require.Eventually(t, func() bool {
		return ts.srv.Stats().TotalRequests == goroutines*perGoroutine
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerDropsEmptyConnection(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)

	conn, err := net.Dial("tcp", ts.addr)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	resp, _ := ts.do(t, http.MethodGet, "/index.html")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServerRootRemovedClosesSilently(t *testing.T) {
	root, _ := serveSite(t)
	ts := startServer(t, root, nil)
	require.NoError(t, os.RemoveAll(root))

	out := ts.roundTrip(t, "GET /index.html HTTP/1.1\r\n\r\n")
	assert.Empty(t, out)
}

func TestServerPersistsLifetimeStats(t *testing.T) {
	root, _ := serveSite(t)
	stateDir := t.TempDir()
	withState := func(c *Config) { c.Storage.StateDir = stateDir }

	first := startServer(t, root, withState)
	first.do(t, http.MethodGet, "/index.html")
	first.do(t, http.MethodGet, "/missing.html")
	require.Eventually(t, func() bool { return first.srv.Stats().TotalRequests == 2 }, 2*time.Second, 5*time.Millisecond)
	first.stop()

	second := startServer(t, root, withState)
	assert.Zero(t, second.srv.Stats().TotalRequests)
	assert.Equal(t, uint64(2), second.srv.LifetimeStats().TotalRequests)
}

func TestServerAccessLog(t *testing.T) {
	root, _ := serveSite(t)
	logPath := filepath.Join(t.TempDir(), "access.log")
	ts := startServer(t, root, func(c *Config) {
		c.Logging.AccessLog = true
		c.Logging.AccessLogFile = logPath
	})

	ts.do(t, http.MethodGet, "/index.html", "User-Agent: probe/1.0")
	require.Eventually(t, func() bool {
		b, _ := os.ReadFile(logPath)
		return strings.Contains(string(b), "\"GET /index.html HTTP/1.1\" 200 13 \"-\" \"probe/1.0\"")
	}, 2*time.Second, 10*time.Millisecond)
}

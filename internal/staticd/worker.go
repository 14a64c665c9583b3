package staticd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"staticd/internal/logger"
)

// ConnHandler serves exactly one request on a connection and closes it.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn)
}

type worker struct {
	resolver *PathResolver
	cache    *ContentCache // nil when caching is disabled
	codec    Codec         // nil when compression is off

	maxMemBody      int64
	compressMinSize int64
	readTimeout     time.Duration
	writeTimeout    time.Duration

	observer RequestObserver
	errLog   *rateLimitedLogger
}

func newWorker(cfg *Config, resolver *PathResolver, cache *ContentCache, codec Codec, obs RequestObserver) *worker {
	return &worker{
		resolver:        resolver,
		cache:           cache,
		codec:           codec,
		maxMemBody:      cfg.cacheMaxFileSize,
		compressMinSize: cfg.compressMinSize,
		readTimeout:     cfg.readTimeout,
		writeTimeout:    cfg.writeTimeout,
		observer:        obs,
		errLog:          newRateLimitedLogger(10 * time.Second),
	}
}

func (w *worker) ServeConn(ctx context.Context, conn net.Conn) {
	started := time.Now()
	ev := RequestEvent{
		RequestID: uuid.NewString(),
		Remote:    conn.RemoteAddr().String(),
		Time:      started,
	}

	defer func() {
		if r := recover(); r != nil {
			w.errLog.Warnf("panic serving %s: %v", ev.Remote, r)
		}
		_ = conn.Close()
		ev.Duration = time.Since(started)
		if w.observer != nil {
			w.observer.ObserveRequest(ev)
		}
	}()

	if w.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	req, err := ReadRequest(conn)
	if err != nil {
		if !errors.Is(err, ErrEmptyRequest) {
			logger.Debug("[%s] read request from %s: %v", ev.RequestID, ev.Remote, err)
		}
		return
	}
	ev.Method = req.Line.RawMethod
	ev.Verb = req.Line.Method
	ev.Path = req.Line.RawPath
	ev.Protocol = req.Line.Protocol
	ev.UserAgent = req.UserAgent
	ev.Referer = req.Referer

	if w.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	rw := NewResponseWriter(conn, req.Line.Method == MethodHead)
	hit, err := w.respond(ctx, rw, req)
	ev.Status = rw.Status()
	ev.Bytes = rw.BodyBytes()
	ev.CacheHit = hit
	if err != nil {
		logger.Debug("[%s] %s %s: %v", ev.RequestID, ev.Method, ev.Path, err)
	}
}

// respond writes the full response for req. hit reports whether the body
// came from the content cache.
func (w *worker) respond(ctx context.Context, rw *ResponseWriter, req *Request) (hit bool, err error) {
	if req.Line.Method == MethodOther {
		return false, rw.SendStatusOnly(http.StatusMethodNotAllowed, http.Header{"Allow": {"GET, HEAD"}})
	}

	target, err := w.resolver.Resolve(req.Line.RawPath)
	if err != nil {
		w.errLog.Warnf("resolve %q: %v", req.Line.RawPath, err)
		return false, err
	}
	switch target.Kind {
	case TargetRedirect:
		return false, rw.SendStatusOnly(http.StatusMovedPermanently, http.Header{"Location": {target.Location}})
	case TargetForbidden:
		return false, rw.SendStatusOnly(http.StatusForbidden, nil)
	case TargetNotFound:
		return false, rw.SendStatusOnly(http.StatusNotFound, nil)
	}
	return w.serveTarget(ctx, rw, req, target)
}

func (w *worker) serveTarget(ctx context.Context, rw *ResponseWriter, req *Request, target ResolvedTarget) (bool, error) {
	f, err := os.Open(target.Path)
	if err != nil {
		// vanished between resolve and open
		return false, rw.SendStatusOnly(http.StatusNotFound, nil)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", target.Path, err)
	}
	size := st.Size()
	modTime := st.ModTime()

	h := http.Header{}
	h.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	h.Set("Accept-Ranges", "bytes")

	if !req.IfModifiedSince.IsZero() && !modTime.Truncate(time.Second).After(req.IfModifiedSince) {
		return false, rw.SendStatusOnly(http.StatusNotModified, h)
	}

	var (
		body []byte
		hit  bool
	)
	if size <= w.maxMemBody {
		body, hit, err = w.loadBody(f, target, size, modTime)
		if err != nil {
			return false, err
		}
	}

	if r := req.Range; r != nil && r.Start < size {
		end := r.End
		if end < 0 || end >= size {
			end = size - 1
		}
		length := end - r.Start + 1
		h.Set("Content-Range", contentRange(r.Start, end, size))
		if err := rw.SendHeaders(http.StatusPartialContent, target.MIME, length, h); err != nil {
			return hit, err
		}
		if body != nil {
			return hit, rw.StreamBody(bytes.NewReader(body[r.Start:end+1]), length)
		}
		return hit, rw.StreamBody(io.NewSectionReader(f, r.Start, length), length)
	}

	if body != nil {
		if w.codec != nil && compressible(target.MIME) {
			h.Set("Vary", "Accept-Encoding")
			if req.AcceptsGzip && int64(len(body)) >= w.compressMinSize {
				if z, err := w.codec.Compress(body); err == nil && len(z) < len(body) {
					h.Set("Content-Encoding", w.codec.Encoding())
					body = z
				}
			}
		}
		if err := rw.SendHeaders(http.StatusOK, target.MIME, int64(len(body)), h); err != nil {
			return hit, err
		}
		return hit, rw.StreamBody(bytes.NewReader(body), int64(len(body)))
	}

	if err := rw.SendHeaders(http.StatusOK, target.MIME, size, h); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, rw.StreamBody(f, size)
}

// loadBody returns the whole file, from the cache when a fresh entry
// matches the opened file.
func (w *worker) loadBody(f *os.File, target ResolvedTarget, size int64, modTime time.Time) ([]byte, bool, error) {
	if w.cache != nil {
		if ent, ok := w.cache.Get(target.Path); ok && int64(len(ent.Body)) == size && ent.ModTime.Equal(modTime) {
			return ent.Body, true, nil
		}
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, false, fmt.Errorf("read %s (%d bytes): %w", target.Path, size, err)
	}
	if w.cache != nil {
		w.cache.Put(target.Path, body, target.MIME, modTime)
	}
	return body, false, nil
}

package staticd

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
)

const (
	streamChunkSize = 16 << 10
	serverName      = "staticd"
)

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, streamChunkSize)
		return &buf
	},
}

// ResponseWriter writes one response straight onto a connection. The
// header block is written in a single call; bodies follow in chunks.
type ResponseWriter struct {
	w    io.Writer
	head bool

	status    int
	bodyBytes int64
}

// NewResponseWriter returns a writer for w. head suppresses every body.
func NewResponseWriter(w io.Writer, head bool) *ResponseWriter {
	return &ResponseWriter{w: w, head: head}
}

// Status is the code of the response written so far, 0 if none.
func (rw *ResponseWriter) Status() int { return rw.status }

// BodyBytes counts body bytes written to the connection.
func (rw *ResponseWriter) BodyBytes() int64 { return rw.bodyBytes }

// SendStatusOnly writes a response that carries no file content: 301, 304,
// 403, 404, 405. 403 and 404 get a short text body.
func (rw *ResponseWriter) SendStatusOnly(code int, extra http.Header) error {
	h := rw.baseHeader(extra)
	var body []byte
	switch code {
	case http.StatusNotModified:
	case http.StatusForbidden, http.StatusNotFound:
		body = []byte(statusBody(code))
		h.Set("Content-Type", "text/plain")
		h.Set("Content-Length", strconv.Itoa(len(body)))
	default:
		h.Set("Content-Length", "0")
	}
	if err := rw.writeHeader(code, h); err != nil {
		return err
	}
	if len(body) == 0 || rw.head {
		return nil
	}
	n, err := rw.w.Write(body)
	rw.bodyBytes += int64(n)
	if err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// SendHeaders writes the header block for a 200 or 206. A 206 must carry
// Content-Range in extra and gets no Content-Length.
func (rw *ResponseWriter) SendHeaders(code int, mime string, length int64, extra http.Header) error {
	h := rw.baseHeader(extra)
	h.Set("Content-Type", mime)
	if code != http.StatusPartialContent {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	}
	return rw.writeHeader(code, h)
}

// StreamBody copies exactly length bytes from src in fixed-size chunks.
// It is a no-op for HEAD. A short read or a failed write is returned and
// the caller must drop the connection.
func (rw *ResponseWriter) StreamBody(src io.Reader, length int64) error {
	if rw.head || length <= 0 {
		return nil
	}
	bufp := chunkPool.Get().(*[]byte)
	defer chunkPool.Put(bufp)
	buf := *bufp

	remaining := length
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		nr, rerr := io.ReadFull(src, buf[:n])
		if nr > 0 {
			nw, werr := rw.w.Write(buf[:nr])
			rw.bodyBytes += int64(nw)
			if werr != nil {
				return fmt.Errorf("write body: %w", werr)
			}
			remaining -= int64(nr)
		}
		if rerr != nil {
			return fmt.Errorf("read body (%d bytes left): %w", remaining, rerr)
		}
	}
	return nil
}

func (rw *ResponseWriter) baseHeader(extra http.Header) http.Header {
	h := make(http.Header, len(extra)+4)
	h.Set("Server", serverName)
	h.Set("Connection", "close")
	for k, vs := range extra {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	return h
}

func (rw *ResponseWriter) writeHeader(code int, h http.Header) error {
	if rw.status != 0 {
		return fmt.Errorf("response already started with %d", rw.status)
	}
	rw.status = code

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, http.StatusText(code))
	if err := h.Write(&b); err != nil {
		return err
	}
	b.WriteString("\r\n")
	if _, err := rw.w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

func statusBody(code int) string {
	switch code {
	case http.StatusNotFound:
		return "404 Not Found"
	case http.StatusForbidden:
		return "Forbidden"
	}
	return http.StatusText(code)
}

func contentRange(start, end, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", start, end, size)
}

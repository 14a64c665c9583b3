package staticd

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Codec compresses whole in-memory bodies.
type Codec interface {
	Compress(b []byte) ([]byte, error)
	Encoding() string
}

type gzipCodec struct {
	level int
	pool  sync.Pool
}

// NewGzipCodec returns a gzip Codec. level follows compress/flate; -1 picks
// the default.
func NewGzipCodec(level int) (Codec, error) {
	// surface a bad level at startup instead of per request
	if _, err := gzip.NewWriterLevel(nil, level); err != nil {
		return nil, err
	}
	c := &gzipCodec{level: level}
	c.pool.New = func() any {
		w, _ := gzip.NewWriterLevel(nil, level)
		return w
	}
	return c, nil
}

func (c *gzipCodec) Encoding() string { return "gzip" }

func (c *gzipCodec) Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(b)/2 + 64)
	zw := c.pool.Get().(*gzip.Writer)
	defer c.pool.Put(zw)
	zw.Reset(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

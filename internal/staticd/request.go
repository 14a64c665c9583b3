package staticd

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// MaxRequestSize bounds the single read a request gets. Anything past it is
// never looked at.
const MaxRequestSize = 4096

var (
	ErrEmptyRequest     = errors.New("empty request")
	ErrMalformedRequest = errors.New("malformed request line")
)

// ReadRequest performs one read of at most MaxRequestSize bytes from r and
// parses it. Request bodies are not consumed.
func ReadRequest(r io.Reader) (*Request, error) {
	buf := make([]byte, MaxRequestSize)
	n, err := r.Read(buf)
	if n <= 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, ErrEmptyRequest
		}
		return nil, err
	}
	return ParseRequest(buf[:n])
}

// ParseRequest parses a raw request buffer.
func ParseRequest(raw []byte) (*Request, error) {
	text := string(raw)
	first, rest, _ := strings.Cut(text, "\n")
	fields := strings.Fields(first)
	if len(fields) < 2 {
		return nil, ErrMalformedRequest
	}

	req := &Request{
		Line: RequestLine{
			Method:    parseMethod(fields[0]),
			RawMethod: fields[0],
			RawPath:   fields[1],
		},
	}
	if len(fields) > 2 {
		req.Line.Protocol = fields[2]
	}

	for _, line := range strings.Split(rest, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "if-modified-since":
			if t, err := http.ParseTime(value); err == nil {
				req.IfModifiedSince = t
			}
		case "range":
			req.Range = parseRange(value)
		case "accept-encoding":
			req.AcceptsGzip = acceptsGzip(value)
		case "host":
			req.Host = value
		case "user-agent":
			req.UserAgent = value
		case "referer":
			req.Referer = value
		}
	}
	return req, nil
}

func parseMethod(s string) Method {
	switch s {
	case http.MethodGet:
		return MethodGet
	case http.MethodHead:
		return MethodHead
	}
	return MethodOther
}

// parseRange accepts a single "bytes=start-end" or "bytes=start-" range.
// Anything else yields nil, which means "serve the whole file".
func parseRange(v string) *ByteRange {
	unit, rng, ok := strings.Cut(v, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return nil
	}
	rng = strings.TrimSpace(rng)
	if strings.Contains(rng, ",") {
		return nil
	}
	startStr, endStr, ok := strings.Cut(rng, "-")
	if !ok {
		return nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)
	if !isDigits(startStr) {
		return nil
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return nil
	}
	if endStr == "" {
		return &ByteRange{Start: start, End: -1}
	}
	if !isDigits(endStr) {
		return nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil
	}
	return &ByteRange{Start: start, End: end}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func acceptsGzip(v string) bool {
	for _, part := range strings.Split(v, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		q := strings.ReplaceAll(strings.TrimSpace(params), " ", "")
		if q == "q=0" || q == "q=0.0" || q == "q=0.00" || q == "q=0.000" {
			return false
		}
		return true
	}
	return false
}

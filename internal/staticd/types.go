package staticd

import "time"

type Method int

const (
	MethodOther Method = iota
	MethodGet
	MethodHead
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodHead:
		return "HEAD"
	default:
		return "OTHER"
	}
}

// RequestLine is the parsed first line of a request. Only ReadRequest
// builds one.
type RequestLine struct {
	Method    Method
	RawMethod string
	RawPath   string // as sent, before percent-decoding
	Protocol  string
}

// ByteRange is a single "bytes=start-end" range. End is -1 when the client
// left it open.
type ByteRange struct {
	Start int64
	End   int64
}

type Request struct {
	Line RequestLine

	// IfModifiedSince is zero when the header was absent or malformed.
	IfModifiedSince time.Time
	Range           *ByteRange
	AcceptsGzip     bool

	Host      string
	UserAgent string
	Referer   string
}

type TargetKind int

const (
	TargetNotFound TargetKind = iota
	TargetForbidden
	TargetRedirect
	TargetServe
)

func (k TargetKind) String() string {
	switch k {
	case TargetServe:
		return "serve"
	case TargetRedirect:
		return "redirect"
	case TargetForbidden:
		return "forbidden"
	default:
		return "not-found"
	}
}

// ResolvedTarget is the outcome of PathResolver.Resolve.
type ResolvedTarget struct {
	Kind TargetKind

	// Serve
	Path           string // canonical absolute filesystem path
	MIME           string
	DirectoryIndex bool

	// Redirect
	Location string
}

func notFound() ResolvedTarget  { return ResolvedTarget{Kind: TargetNotFound} }
func forbidden() ResolvedTarget { return ResolvedTarget{Kind: TargetForbidden} }

func redirectTo(location string) ResolvedTarget {
	return ResolvedTarget{Kind: TargetRedirect, Location: location}
}

func serveFile(path string, dirIndex bool) ResolvedTarget {
	return ResolvedTarget{Kind: TargetServe, Path: path, MIME: mimeTypeFor(path), DirectoryIndex: dirIndex}
}

// CacheEntry is a small file body held by ContentCache.
type CacheEntry struct {
	Path     string
	Body     []byte
	MIME     string
	ModTime  time.Time
	CachedAt time.Time
}

// RequestEvent describes one finished exchange. Observers receive it after
// the connection's response is written (or aborted).
type RequestEvent struct {
	RequestID string
	Remote    string
	Method    string // raw token as sent
	Verb      Method // GET, HEAD or OTHER; bounded label for metrics
	Path      string
	Protocol  string
	Status    int // 0 when the connection was closed without a response
	Bytes     int64
	Duration  time.Duration
	CacheHit  bool
	UserAgent string
	Referer   string
	Time      time.Time
}

type RequestObserver interface {
	ObserveRequest(ev RequestEvent)
}

type observers []RequestObserver

func (o observers) ObserveRequest(ev RequestEvent) {
	for _, obs := range o {
		obs.ObserveRequest(ev)
	}
}

package staticd

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"staticd/internal/logger"
)

// rateLimitedLogger emits at most one warning per interval and reports how
// many were swallowed in between.
type rateLimitedLogger struct {
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		args = append(args, n)
	}
	logger.Warn(format, args...)
}

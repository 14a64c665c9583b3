package staticd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"staticd/internal/logger"
)

const maxAcceptDelay = time.Second

// Server owns the listener loop, the worker pool and everything the workers
// share: resolver, cache, codec and the request observers.
type Server struct {
	cfg *Config

	resolver *PathResolver
	cache    *ContentCache
	codec    Codec
	pool     *WorkerPool

	stats     *statsCollector
	store     *stateStore
	baseline  StatsSnapshot
	prom      *promMetrics
	access    *accessLog
	observers observers

	warnLog *rateLimitedLogger

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewServer wires a compiled config into a ready Server. Nothing listens
// until Serve is called.
func NewServer(cfg *Config) (*Server, error) {
	resolver, err := NewPathResolver(cfg.Server.ContentRoot, cfg.Server.ShowExtension)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		resolver: resolver,
		stats:    newStatsCollector(),
		warnLog:  newRateLimitedLogger(time.Minute),
		stopCh:   make(chan struct{}),
	}
	s.observers = append(s.observers, s.stats)

	if !cfg.Cache.Disabled {
		s.cache = NewContentCache(cfg.Cache.MaxEntries, cfg.cacheMaxFileSize)
	}
	if cfg.Compression.Enabled {
		if s.codec, err = NewGzipCodec(cfg.Compression.Level); err != nil {
			return nil, fmt.Errorf("compression.level: %w", err)
		}
	}

	if cfg.Storage.StateDir != "" {
		if s.store, err = openStateStore(cfg.Storage.StateDir); err != nil {
			return nil, err
		}
		base, ok, err := s.store.LoadStats()
		if err != nil {
			logger.Warn("ignoring saved stats: %v", err)
		} else if ok {
			s.baseline = base
			logger.Info("restored lifetime stats: %s requests, %s served",
				humanize.Comma(int64(base.TotalRequests)), humanize.Bytes(base.TotalBytes))
		}
	}

	if cfg.Logging.AccessLog {
		if s.access, err = openAccessLog(cfg.Logging.AccessLogFile); err != nil {
			s.closeStore()
			return nil, err
		}
		s.observers = append(s.observers, s.access)
	}

	w := newWorker(cfg, resolver, s.cache, s.codec, &s.observers)
	s.pool = NewWorkerPool(cfg.Server.PoolSize, cfg.Server.QueueSize, w)

	if cfg.Metrics.Port > 0 {
		s.prom = newPromMetrics(s.cache, s.pool)
		s.observers = append(s.observers, s.prom)
	}

	if cfg.logStatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEvery)
		}()
	}
	return s, nil
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, then waits up to
// server.shutdownTimeout for queued and in-flight requests. It must be
// called at most once.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.prom != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.prom.serve(ctx, s.cfg.Metrics.Port)
		}()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.pool.Start()
	logger.Debug("accepting on %s with %d workers", ln.Addr(), s.pool.Size())

	err := s.acceptLoop(ctx, ln)

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer stop()
	if perr := s.pool.Shutdown(shutdownCtx); perr != nil {
		logger.Warn("worker pool shutdown: %v", perr)
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, maxAcceptDelay)
			}
			s.warnLog.Warnf("accept: %v; retrying in %v", err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		delay = 0

		if err := s.pool.Submit(ctx, conn); err != nil {
			_ = conn.Close()
			if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Stats returns counters since process start.
func (s *Server) Stats() StatsSnapshot { return s.stats.Snapshot() }

// LifetimeStats adds the current run on top of what the state store held
// at startup.
func (s *Server) LifetimeStats() StatsSnapshot {
	return mergeSnapshots(s.baseline, s.stats.Snapshot())
}

// Cache is nil when caching is disabled.
func (s *Server) Cache() *ContentCache { return s.cache }

func (s *Server) Resolver() *PathResolver { return s.resolver }

// Close stops background loops and flushes persistent state. It does not
// stop Serve; cancel its context for that.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		if s.store != nil {
			if err := s.store.SaveStats(s.LifetimeStats()); err != nil {
				errs = append(errs, fmt.Errorf("save stats: %w", err))
			}
		}
		if err := s.closeStore(); err != nil {
			errs = append(errs, err)
		}
		if s.access != nil {
			if err := s.access.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close access log: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func (s *Server) closeStore() error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

func (s *Server) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			var entries int
			var cached uint64
			if s.cache != nil {
				entries = s.cache.Len()
				cached = uint64(s.cache.TotalSize())
			}
			rss := "n/a"
			if n, ok := processRSSBytes(); ok {
				rss = humanize.IBytes(n)
			}
			logger.Info(
				"Served: %s requests, %s, Resp min/avg/max %s/%s/%s, Cache: %d entries %s (%d hits), Pool: %d busy %d queued, RSS: %s, Uptime: %s",
				humanize.Comma(int64(ss.TotalRequests)),
				humanize.IBytes(ss.TotalBytes),
				ss.MinLatency, ss.AvgLatency(), ss.MaxLatency,
				entries, humanize.IBytes(cached), ss.CacheHits,
				s.pool.Busy(), s.pool.QueueDepth(),
				rss,
				ss.Uptime.Truncate(time.Second),
			)
			if s.store != nil {
				if err := s.store.SaveStats(mergeSnapshots(s.baseline, ss)); err != nil {
					s.warnLog.Warnf("save stats: %v", err)
				}
			}
		}
	}
}

package staticd

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"staticd/internal/logger"
)

var ErrPoolClosed = errors.New("worker pool closed")

// Scheduler hands accepted connections to workers.
type Scheduler interface {
	Submit(ctx context.Context, conn net.Conn) error
	Shutdown(ctx context.Context) error
}

// WorkerPool runs a fixed number of workers fed from a bounded queue.
// Submit blocks while the queue is full, which keeps the accept loop from
// outrunning the workers.
type WorkerPool struct {
	size    int
	handler ConnHandler

	queue    chan net.Conn
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// ctx is handed to handlers; cancelled when a shutdown deadline passes.
	ctx    context.Context
	cancel context.CancelFunc

	busy       atomic.Int64
	saturation *rateLimitedLogger
}

func NewWorkerPool(size, queueSize int, h ConnHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		size:       size,
		handler:    h,
		queue:      make(chan net.Conn, queueSize),
		stopCh:     make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		saturation: newRateLimitedLogger(time.Minute),
	}
}

func (p *WorkerPool) Start() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
}

func (p *WorkerPool) run() {
	for {
		select {
		case <-p.stopCh:
			return
		case conn := <-p.queue:
			// stop wins over a queued connection picked in the same select
			select {
			case <-p.stopCh:
				_ = conn.Close()
				continue
			default:
			}
			p.busy.Add(1)
			p.handler.ServeConn(p.ctx, conn)
			p.busy.Add(-1)
		}
	}
}

// Submit enqueues conn. It blocks until a slot frees up, ctx is done or the
// pool stops; in the last two cases the caller still owns conn.
func (p *WorkerPool) Submit(ctx context.Context, conn net.Conn) error {
	select {
	case <-p.stopCh:
		return ErrPoolClosed
	default:
	}
	select {
	case p.queue <- conn:
		return nil
	default:
	}

	p.saturation.Warnf("worker pool saturated: %d busy, %d queued", p.Busy(), p.QueueDepth())
	select {
	case p.queue <- conn:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops dequeuing and waits for in-flight connections to finish.
// Queued connections that never started are closed unanswered. When ctx
// expires first, handlers see a cancelled context.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	p.cancel()
	if n := p.closeQueued(); n > 0 {
		logger.Warn("worker pool stopped with %d queued connections, closed unanswered", n)
	}
	return err
}

func (p *WorkerPool) closeQueued() int {
	n := 0
	for {
		select {
		case conn := <-p.queue:
			_ = conn.Close()
			n++
		default:
			return n
		}
	}
}

func (p *WorkerPool) QueueDepth() int { return len(p.queue) }
func (p *WorkerPool) Busy() int       { return int(p.busy.Load()) }
func (p *WorkerPool) Size() int       { return p.size }

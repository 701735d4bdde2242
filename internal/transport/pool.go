// Package transport owns the connection to the cache server: a bounded pool
// of workers drains a shared FIFO request queue, writes each request frame
// over its own TCP connection, and delivers the matching response back to
// the originating request object. It also manages attachment to the server's
// shared-memory segment for the local bypass.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/rowcache/internal/shm"
	"github.com/unkn0wn-root/rowcache/internal/wire"
)

var (
	ErrNotStarted = errors.New("transport: not started")
	ErrShutdown   = errors.New("transport: shut down")
)

// Request is the contract between the pool and a request object. Frame is
// called once, on the worker that picked the request up; Complete is called
// exactly once with either the response frame or a transport failure.
type Request interface {
	Frame() (wire.Frame, error)
	Complete(rsp wire.Frame, err error)
}

// Pool is a fixed-size worker pool over per-worker TCP connections.
// Dispatch order follows queue order; responses complete out of order across
// workers, which is safe because each request only completes on its own
// response.
type Pool struct {
	addr    string
	port    int
	workers int

	queue   chan Request
	seq     atomic.Uint64
	started atomic.Bool

	cancel context.CancelFunc
	eg     *errgroup.Group

	mu  sync.Mutex
	seg *shm.Segment
}

// New builds a pool dialing host:port with the given number of workers and
// queue depth. Nothing is dialed until Start.
func New(host string, port, workers, depth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = workers * 4
	}
	return &Pool{
		addr:    net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		port:    port,
		workers: workers,
		queue:   make(chan Request, depth),
	}
}

// Start dials one connection per worker and launches the workers. A dial
// failure tears down any connections already made and reports the error.
// Calling Start on a running pool is a no-op.
func (p *Pool) Start() error {
	if p.started.Load() {
		return nil
	}
	conns := make([]net.Conn, 0, p.workers)
	for i := 0; i < p.workers; i++ {
		c, err := net.Dial("tcp", p.addr)
		if err != nil {
			for _, pc := range conns {
				pc.Close()
			}
			return fmt.Errorf("transport: dial %s: %w", p.addr, err)
		}
		conns = append(conns, c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.eg, ctx = errgroup.WithContext(ctx)
	for _, c := range conns {
		conn := c
		p.eg.Go(func() error {
			p.worker(ctx, conn)
			return nil
		})
	}
	p.started.Store(true)
	return nil
}

// Push enqueues a request for dispatch. It blocks when the queue is full and
// fails fast when the pool was never started or is shutting down.
func (p *Pool) Push(rq Request) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	p.queue <- rq
	return nil
}

func (p *Pool) worker(ctx context.Context, conn net.Conn) {
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case rq := <-p.queue:
			if conn == nil {
				// previous request broke the connection; try again
				c, err := net.Dial("tcp", p.addr)
				if err != nil {
					rq.Complete(wire.Frame{}, fmt.Errorf("transport: redial %s: %w", p.addr, err))
					continue
				}
				conn = c
			}
			if !p.serve(conn, rq) {
				conn.Close()
				conn = nil
			}
		}
	}
}

// serve performs one request/response exchange. It reports false when the
// connection is no longer usable.
func (p *Pool) serve(conn net.Conn, rq Request) bool {
	f, err := rq.Frame()
	if err != nil {
		rq.Complete(wire.Frame{}, err)
		return true
	}
	f.Seq = p.seq.Add(1)
	if err := wire.WriteFrame(conn, f); err != nil {
		rq.Complete(wire.Frame{}, fmt.Errorf("transport: send %s: %w", f.Op, err))
		return false
	}
	rsp, err := wire.ReadFrame(conn)
	if err != nil {
		rq.Complete(wire.Frame{}, fmt.Errorf("transport: recv %s: %w", f.Op, err))
		return false
	}
	if rsp.Seq != f.Seq || rsp.Op != f.Op {
		rq.Complete(wire.Frame{}, fmt.Errorf("transport: response mismatch: sent %s seq %d, got %s seq %d",
			f.Op, f.Seq, rsp.Op, rsp.Seq))
		return false
	}
	rq.Complete(rsp, nil)
	return true
}

// Attach maps the shared-memory segment of a co-resident server listening on
// port. A missing segment is not an error: it reports (false, nil) and the
// client stays remote-only.
func (p *Pool) Attach(port int) (bool, error) {
	seg, err := shm.Attach(port)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	p.mu.Lock()
	old := p.seg
	p.seg = seg
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return true, nil
}

// SharedMemory returns the attached segment bytes, or nil when the local
// bypass is unavailable.
func (p *Pool) SharedMemory() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seg == nil {
		return nil
	}
	return p.seg.Bytes()
}

// Close stops the workers, fails any queued requests with ErrShutdown, and
// detaches from shared memory.
func (p *Pool) Close() error {
	if !p.started.Load() {
		return nil
	}
	p.started.Store(false)
	p.cancel()
	err := p.eg.Wait()
	for {
		select {
		case rq := <-p.queue:
			rq.Complete(wire.Frame{}, ErrShutdown)
		default:
			p.mu.Lock()
			seg := p.seg
			p.seg = nil
			p.mu.Unlock()
			if seg != nil {
				if cerr := seg.Close(); err == nil {
					err = cerr
				}
			}
			return err
		}
	}
}

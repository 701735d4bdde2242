package transport

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/unkn0wn-root/rowcache/internal/wire"
)

type testReq struct {
	f    wire.Frame
	done chan struct{}
	rsp  wire.Frame
	err  error
	once sync.Once
}

func newTestReq(op wire.Op, payload []byte) *testReq {
	return &testReq{f: wire.Frame{Op: op, Payload: payload}, done: make(chan struct{})}
}

func (r *testReq) Frame() (wire.Frame, error) { return r.f, nil }
func (r *testReq) Complete(rsp wire.Frame, err error) {
	r.once.Do(func() {
		r.rsp = rsp
		r.err = err
		close(r.done)
	})
}
func (r *testReq) wait() { <-r.done }

// echoServer answers every frame with an OK response echoing the payload.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					f, err := wire.ReadFrame(conn)
					if err != nil {
						return
					}
					f.Status = wire.StatusOK
					if err := wire.WriteFrame(conn, f); err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

func poolFor(t *testing.T, ln net.Listener, workers int) *Pool {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	p := New("127.0.0.1", addr.Port, workers, 0)
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPushBeforeStart(t *testing.T) {
	p := New("127.0.0.1", 1, 2, 0)
	if err := p.Push(newTestReq(wire.OpGetStat, nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}

func TestStartDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens here anymore

	p := New("127.0.0.1", port, 2, 0)
	if err := p.Start(); err == nil {
		p.Close()
		t.Fatalf("expected dial failure")
	}
}

func TestConcurrentRequestsComplete(t *testing.T) {
	p := poolFor(t, echoServer(t), 3)

	const n = 50
	reqs := make([]*testReq, n)
	for i := range reqs {
		reqs[i] = newTestReq(wire.OpCacheRow, []byte{byte(i)})
		if err := p.Push(reqs[i]); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	seen := make(map[uint64]bool, n)
	for i, rq := range reqs {
		rq.wait()
		if rq.err != nil {
			t.Fatalf("request %d failed: %v", i, rq.err)
		}
		if !bytes.Equal(rq.rsp.Payload, []byte{byte(i)}) {
			t.Fatalf("request %d got payload %v", i, rq.rsp.Payload)
		}
		if seen[rq.rsp.Seq] {
			t.Fatalf("duplicate sequence %d", rq.rsp.Seq)
		}
		seen[rq.rsp.Seq] = true
	}
}

func TestPushAfterClose(t *testing.T) {
	p := poolFor(t, echoServer(t), 1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Push(newTestReq(wire.OpGetStat, nil)); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted after Close, got %v", err)
	}
}

func TestServeMismatchedResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		f.Seq++ // answer with the wrong sequence
		wire.WriteFrame(conn, f)
	}()

	p := poolFor(t, ln, 1)
	rq := newTestReq(wire.OpGetStat, nil)
	if err := p.Push(rq); err != nil {
		t.Fatalf("Push: %v", err)
	}
	rq.wait()
	if rq.err == nil {
		t.Fatalf("expected mismatch error")
	}
}

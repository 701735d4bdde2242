// Package asynchook decouples hook callbacks from the caller's hot path:
// events are queued and replayed on a small worker pool, and dropped when
// the queue is full.
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/rowcache"
)

type Hooks struct {
	inner rowcache.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ rowcache.Hooks = (*Hooks)(nil)

func New(inner rowcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) ShmAttachFailed(err error) { h.try(func() { h.inner.ShmAttachFailed(err) }) }
func (h *Hooks) FreeBlockDropped(offset uint64, err error) {
	h.try(func() { h.inner.FreeBlockDropped(offset, err) })
}
func (h *Hooks) LocalCacheRejected(rowID int64) {
	h.try(func() { h.inner.LocalCacheRejected(rowID) })
}

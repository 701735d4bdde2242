package sloghooks

import (
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/rowcache"
)

type Options struct {
	// Sampling to avoid floods on the local-cache reject path; 0/1 = log all.
	LocalRejectEvery uint64
}

// Hooks logs rowcache hook events through slog. Attach failures and dropped
// free-block errors are rare and always logged; local-cache rejects can be
// sampled.
type Hooks struct {
	l    *slog.Logger
	opts Options

	rejectCtr atomic.Uint64
}

var _ rowcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) ShmAttachFailed(err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("rowcache.shm_attach_failed", "err", err)
}

func (h *Hooks) FreeBlockDropped(offset uint64, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("rowcache.free_block_dropped",
		"offset", offset,
		"err", err)
}

func (h *Hooks) LocalCacheRejected(rowID int64) {
	if h.l == nil || !sample(h.opts.LocalRejectEvery, &h.rejectCtr) {
		return
	}
	h.l.Debug("rowcache.local_cache_rejected", "row_id", rowID)
}

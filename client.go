package rowcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/rowcache/codec"
	"github.com/unkn0wn-root/rowcache/internal/transport"
	"github.com/unkn0wn-root/rowcache/internal/wire"
)

// comm is the transport seam: enqueue requests, expose the shared-memory
// fast path. Satisfied by *transport.Pool; tests swap in a fake.
type comm interface {
	Start() error
	Push(rq transport.Request) error
	SharedMemory() []byte
	Attach(port int) (bool, error)
	Close() error
}

// CacheClient is the façade over a remote row cache shared by pipelines of
// one session. Identity fields (tree crc, server connection id, creation
// cookie) are guarded by a readers-writer lock; the row I/O paths skip that
// lock and read the connection id with a single atomic load.
type CacheClient struct {
	mu  sync.RWMutex
	crc uint32 // fixed by the first successful CreateCache

	connID  atomic.Uint64
	cookieV atomic.Value // string; set only on the creating branch

	sessionID    uint32
	memSize      uint64
	spill        bool
	host         string
	port         int
	numWorkers   int
	prefetchSize int
	localBypass  atomic.Bool

	rowCodec codec.Codec[Row]
	log      Logger
	hooks    Hooks
	comm     comm
	local    *localCache
}

// CreateCache establishes or joins the cache identified by (session id,
// treeCRC). Outcomes:
//   - nil: this client created the cache and holds the creation cookie.
//   - ErrDuplicateKey: the cache already exists (another client created it,
//     or it is already built). Not a failure — the caller should skip its
//     build phase. The connection id is valid either way.
//   - ErrConsistencyViolation: this client is already bound to a different
//     tree crc.
func (cc *CacheClient) CreateCache(treeCRC uint32, generateID bool) error {
	cc.mu.Lock()
	if cc.connID.Load() != 0 {
		// Re-use by another tree in the same process. Allowed only for the
		// identical preprocessing subgraph.
		if cc.crc != treeCRC {
			cc.mu.Unlock()
			return errf(CodeConsistencyViolation,
				"attempt to re-use a cache for a different tree: have crc %d, got %d", cc.crc, treeCRC)
		}
		// GetStat grabs the read lock; release ours first.
		cc.mu.Unlock()
		var stat CacheServiceStat
		if err := cc.GetStat(&stat); err != nil {
			return err
		}
		if stat.State == StateFetchPhase {
			return errf(CodeDuplicateKey, "cache is already built; bypass the build phase")
		}
		return nil
	}
	defer cc.mu.Unlock()

	cc.crc = treeCRC
	flags := wire.CreateFlagNone
	if cc.spill {
		flags |= wire.CreateFlagSpillToDisk
	}
	if generateID {
		flags |= wire.CreateFlagGenerateID
	}

	if err := cc.comm.Start(); err != nil {
		return transportError(err)
	}
	rq, err := newCreateCacheRequest(cc.sessionID, treeCRC, cc.memSize, flags)
	if err != nil {
		return err
	}
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}

	rc := rq.Wait()
	if rc == nil || errors.Is(rc, ErrDuplicateKey) {
		conn, cookie, perr := rq.parseResult()
		if perr != nil {
			return perr
		}
		cc.connID.Store(conn)
		if rc == nil {
			// Only the first creator gets a cookie. This client object may
			// be shared among pipelines; never overwrite it on attach.
			cc.cookieV.Store(cookie)
		}
		if ok, aerr := cc.comm.Attach(cc.port); aerr != nil {
			// degrade to remote-only, never fail the creation
			cc.hooks.ShmAttachFailed(aerr)
			cc.log.Warn("shared memory attach failed; staying remote-only", Fields{"err": aerr})
		} else {
			cc.localBypass.Store(ok)
			if ok {
				cc.log.Debug("attached to shared memory segment", Fields{"port": cc.port})
			}
		}
	}
	// Duplicate key passes through unmodified: it tells the pipeline to
	// bypass its build phase.
	return rc
}

// PurgeCache empties the cache on the server and drops the local fetch
// cache. The cache identity survives.
func (cc *CacheClient) PurgeCache() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	rq := newPurgeCacheRequest(cc.connID.Load())
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return err
	}
	if cc.local != nil {
		cc.local.purge()
	}
	return nil
}

// DestroyCache removes the cache on the server. Idempotency of a repeated
// destroy is the server's concern.
func (cc *CacheClient) DestroyCache() error {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	rq := newDestroyCacheRequest(cc.connID.Load())
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return err
	}
	if cc.local != nil {
		cc.local.purge()
	}
	return nil
}

// GetStat fetches the server-side cache state into stat.
func (cc *CacheClient) GetStat(stat *CacheServiceStat) error {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	if stat == nil {
		return ErrNullArgument
	}
	rq := newGetStatRequest(cc.connID.Load())
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return err
	}
	return rq.stat(stat)
}

// CacheSchema registers the column-name to type-id mapping for this cache,
// letting sibling pipelines validate they agree on row shape.
func (cc *CacheClient) CacheSchema(columns map[string]int32) error {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	rq, err := newCacheSchemaRequest(cc.connID.Load(), columns)
	if err != nil {
		return err
	}
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}
	return rq.Wait()
}

// FetchSchema retrieves the mapping previously registered with CacheSchema.
func (cc *CacheClient) FetchSchema() (map[string]int32, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	rq := newFetchSchemaRequest(cc.connID.Load())
	if err := cc.comm.Push(rq); err != nil {
		return nil, transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return nil, err
	}
	return rq.columns()
}

// BuildPhaseDone tells the server no further rows will be written and it may
// transition to fetch phase. The client always passes whatever cookie it
// holds (possibly empty); rejecting a non-creator is the server's job.
func (cc *CacheClient) BuildPhaseDone() error {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	rq, err := newBuildPhaseDoneRequest(cc.connID.Load(), cc.cookie())
	if err != nil {
		return err
	}
	if err := cc.comm.Push(rq); err != nil {
		return transportError(err)
	}
	return rq.Wait()
}

// WriteRow caches a single row and returns the server-assigned row id.
// No client-state lock is taken: writes only need the already-established
// connection id and run at full concurrency.
func (cc *CacheClient) WriteRow(row Row) (int64, error) {
	conn := cc.connID.Load()
	if conn == 0 {
		return 0, errf(CodeUnexpected, "cache not created")
	}
	rq, err := newCacheRowRequest(conn, cc.cookie(), row, cc.rowCodec)
	if err != nil {
		return 0, err
	}
	if err := cc.comm.Push(rq); err != nil {
		return 0, transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return 0, err
	}
	return rq.rowID()
}

// WriteBuffer caches a batch of rows. All write requests are dispatched in
// row order before any is waited on, overlapping server latency across the
// batch. The batch is not atomic: the first failure is returned and earlier
// successful writes stay cached.
func (cc *CacheClient) WriteBuffer(rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	conn := cc.connID.Load()
	if conn == 0 {
		return errf(CodeUnexpected, "cache not created")
	}
	cookie := cc.cookie()
	pending := make([]*cacheRowRequest, 0, len(rows))
	for _, row := range rows {
		rq, err := newCacheRowRequest(conn, cookie, row, cc.rowCodec)
		if err != nil {
			return err
		}
		if err := cc.comm.Push(rq); err != nil {
			return transportError(err)
		}
		pending = append(pending, rq)
	}
	for _, rq := range pending {
		if err := rq.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// GetRows fetches rows by id, in request order. Rows served by the local
// fetch cache are not requested remotely. When the server answers through
// shared memory, the block is released with a fire-and-forget free request;
// its dispatch error is surfaced only if the fetch itself succeeded.
func (cc *CacheClient) GetRows(rowIDs []int64) ([]Row, error) {
	conn := cc.connID.Load()
	if conn == 0 {
		return nil, errf(CodeUnexpected, "cache not created")
	}
	out := make([]Row, len(rowIDs))
	missIdx := make([]int, 0, len(rowIDs))
	missIDs := make([]int64, 0, len(rowIDs))
	for i, id := range rowIDs {
		if cc.local != nil {
			if row, ok := cc.local.get(id); ok {
				out[i] = row
				continue
			}
		}
		missIdx = append(missIdx, i)
		missIDs = append(missIDs, id)
	}
	if len(missIDs) == 0 {
		return out, nil
	}

	rq, err := newBatchFetchRequest(conn, missIDs, cc.SupportsLocalBypass())
	if err != nil {
		return nil, err
	}
	if err := cc.comm.Push(rq); err != nil {
		return nil, transportError(err)
	}
	if err := rq.Wait(); err != nil {
		return nil, err
	}

	rows, memOffset, rerr := rq.restoreRows(cc.comm.SharedMemory(), cc.rowCodec)
	if memOffset != -1 {
		// Release the server-side block without waiting on the result.
		frq, ferr := newFreeBlockRequest(conn, uint64(memOffset))
		if ferr == nil {
			ferr = cc.comm.Push(frq)
		}
		if ferr != nil {
			if rerr == nil {
				rerr = transportError(ferr)
			} else {
				cc.hooks.FreeBlockDropped(uint64(memOffset), ferr)
			}
		}
	}
	if rerr != nil {
		return nil, rerr
	}

	for j, row := range rows {
		out[missIdx[j]] = row
		if cc.local != nil {
			cc.local.put(row)
		}
	}
	return out, nil
}

// Close releases the client-side handle: transport, shared-memory mapping
// and local cache. It does not destroy the server-side cache.
func (cc *CacheClient) Close() error {
	if cc.local != nil {
		cc.local.close()
	}
	return cc.comm.Close()
}

func (cc *CacheClient) cookie() string {
	s, _ := cc.cookieV.Load().(string)
	return s
}

// Introspection accessors.

func (cc *CacheClient) SessionID() uint32 { return cc.sessionID }

func (cc *CacheClient) CRC() uint32 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.crc
}

func (cc *CacheClient) ServerConnectionID() uint64 { return cc.connID.Load() }
func (cc *CacheClient) MemSize() uint64            { return cc.memSize }
func (cc *CacheClient) Spill() bool                { return cc.spill }
func (cc *CacheClient) Host() string               { return cc.host }
func (cc *CacheClient) Port() int                  { return cc.port }
func (cc *CacheClient) NumWorkers() int            { return cc.numWorkers }
func (cc *CacheClient) PrefetchSize() int          { return cc.prefetchSize }

// SupportsLocalBypass reports whether the shared-memory fast path to a
// co-resident server is available.
func (cc *CacheClient) SupportsLocalBypass() bool { return cc.localBypass.Load() }

// String renders a human-readable status dump of the client.
func (cc *CacheClient) String() string {
	return fmt.Sprintf(
		"  Session id: %d\n  Cache crc: %d\n  Server cache id: %d\n  Cache mem size: %d\n"+
			"  Spilling: %t\n  Hostname: %s\n  Port: %d\n  Number of rpc workers: %d\n"+
			"  Prefetch size: %d\n  Local client support: %t",
		cc.sessionID, cc.CRC(), cc.connID.Load(), cc.memSize,
		cc.spill, cc.host, cc.port, cc.numWorkers,
		cc.prefetchSize, cc.SupportsLocalBypass())
}

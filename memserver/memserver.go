// Package memserver is an in-process cache server speaking the rowcache
// wire protocol. It backs the module's tests and local development runs: a
// real storage engine (eviction, disk spill) lives elsewhere, so rows here
// are plain in-memory maps with budget accounting only.
package memserver

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/rowcache/internal/shm"
	"github.com/unkn0wn-root/rowcache/internal/wire"
)

type Options struct {
	Host string // "" => 127.0.0.1
	Port int    // 0 => ephemeral

	// SharedMemorySize enables the local-bypass segment of the given byte
	// size; 0 disables it and all fetches are answered inline.
	SharedMemorySize int64
}

type Server struct {
	ln  net.Listener
	seg *shm.Segment
	mem *arena

	mu       sync.RWMutex
	services map[uint64]*service

	wg     sync.WaitGroup
	closed atomic.Bool
	counts [64]atomic.Int64
}

// Start listens and serves until Close. The shared-memory segment, when
// enabled, is keyed by the actual listening port so clients can attach.
func Start(opts Options) (*Server, error) {
	host := opts.Host
	if host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", opts.Port)))
	if err != nil {
		return nil, err
	}
	s := &Server{ln: ln, services: make(map[uint64]*service)}
	if opts.SharedMemorySize > 0 {
		seg, err := shm.Create(s.Port(), opts.SharedMemorySize)
		if err != nil {
			ln.Close()
			return nil, err
		}
		s.seg = seg
		s.mem = newArena(seg.Bytes())
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Handled reports how many requests of the given verb the server served.
func (s *Server) Handled(op wire.Op) int64 {
	if int(op) >= len(s.counts) {
		return 0
	}
	return s.counts[op].Load()
}

func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.ln.Close()
	s.wg.Wait()
	if s.seg != nil {
		if cerr := s.seg.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		rsp := s.dispatch(f)
		rsp.Op = f.Op
		rsp.Seq = f.Seq
		rsp.Conn = f.Conn
		if err := wire.WriteFrame(conn, rsp); err != nil {
			return
		}
	}
}

func errFrame(status uint16, format string, args ...any) wire.Frame {
	return wire.Frame{Status: status, Payload: []byte(fmt.Sprintf(format, args...))}
}

func okFrame(v any) wire.Frame {
	if v == nil {
		return wire.Frame{}
	}
	b, err := wire.Marshal(v)
	if err != nil {
		return errFrame(wire.StatusUnexpected, "encode response: %v", err)
	}
	return wire.Frame{Payload: b}
}

func (s *Server) dispatch(f wire.Frame) wire.Frame {
	if int(f.Op) < len(s.counts) {
		s.counts[f.Op].Add(1)
	}
	if f.Op == wire.OpCreateCache {
		return s.handleCreate(f)
	}
	if f.Op == wire.OpFreeBlock {
		return s.handleFree(f)
	}

	s.mu.RLock()
	svc := s.services[f.Conn]
	s.mu.RUnlock()
	if svc == nil {
		return errFrame(wire.StatusUnexpected, "connection %d not found", f.Conn)
	}

	switch f.Op {
	case wire.OpCacheRow:
		return svc.cacheRow(f)
	case wire.OpBatchFetch:
		return svc.batchFetch(f, s.mem)
	case wire.OpGetStat:
		return svc.stat()
	case wire.OpCacheSchema:
		return svc.cacheSchema(f)
	case wire.OpFetchSchema:
		return svc.fetchSchema()
	case wire.OpBuildPhaseDone:
		return svc.buildPhaseDone(f)
	case wire.OpPurgeCache:
		return svc.purge()
	case wire.OpDestroyCache:
		s.mu.Lock()
		delete(s.services, f.Conn)
		s.mu.Unlock()
		return wire.Frame{}
	default:
		return errFrame(wire.StatusUnexpected, "unhandled op %s", f.Op)
	}
}

func (s *Server) handleCreate(f wire.Frame) wire.Frame {
	var req wire.CreateCacheReq
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode create request: %v", err)
	}
	key := wire.ConnID(req.SessionID, req.CRC)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[key]; ok {
		// Existing cache: attach the caller but keep the cookie private to
		// the creator. Duplicate key is a signal, not a failure.
		b, err := wire.Marshal(wire.CreateCacheRsp{Conn: key})
		if err != nil {
			return errFrame(wire.StatusUnexpected, "encode create response: %v", err)
		}
		return wire.Frame{Status: wire.StatusDuplicateKey, Payload: b}
	}

	cookie, err := newCookie()
	if err != nil {
		return errFrame(wire.StatusUnexpected, "generate cookie: %v", err)
	}
	s.services[key] = &service{
		cookie:     cookie,
		state:      wire.StateBuildPhase,
		memSize:    req.MemSize,
		spill:      req.Flags&wire.CreateFlagSpillToDisk != 0,
		generateID: req.Flags&wire.CreateFlagGenerateID != 0,
		rows:       make(map[int64][]byte),
		disk:       make(map[int64]struct{}),
	}
	return okFrame(wire.CreateCacheRsp{Conn: key, Cookie: cookie})
}

func (s *Server) handleFree(f wire.Frame) wire.Frame {
	var req wire.FreeBlockReq
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode free request: %v", err)
	}
	if s.mem == nil {
		return errFrame(wire.StatusUnexpected, "no shared memory segment")
	}
	s.mem.free(int(req.Offset))
	return wire.Frame{}
}

func newCookie() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// service is one cache: the rows of a single (session, crc) identity.
type service struct {
	mu         sync.RWMutex
	cookie     string
	state      uint8
	memSize    uint64
	spill      bool
	generateID bool

	rows    map[int64][]byte
	disk    map[int64]struct{}
	memUsed uint64
	nextRow int64
	schema  map[string]int32
}

func (v *service) cacheRow(f wire.Frame) wire.Frame {
	var req wire.CacheRowReq
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode row request: %v", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == wire.StateFetchPhase {
		return errFrame(wire.StatusUnexpected, "cache is in fetch phase; writes rejected")
	}

	spilled := false
	if v.memSize > 0 && v.memUsed+uint64(len(req.Data)) > v.memSize {
		if !v.spill {
			return errFrame(wire.StatusOutOfMemory, "cache memory budget exceeded")
		}
		spilled = true
	}

	var id int64
	if v.generateID {
		id = v.nextRow
		v.nextRow++
	} else {
		id = req.RowID
	}
	v.rows[id] = req.Data
	if spilled {
		v.disk[id] = struct{}{}
	} else {
		v.memUsed += uint64(len(req.Data))
	}
	return okFrame(wire.CacheRowRsp{RowID: id})
}

func (v *service) batchFetch(f wire.Frame, mem *arena) wire.Frame {
	var req wire.BatchFetchReq
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode fetch request: %v", err)
	}

	v.mu.RLock()
	payloads := make([][]byte, len(req.RowIDs))
	total := 0
	for i, id := range req.RowIDs {
		data, ok := v.rows[id]
		if !ok {
			v.mu.RUnlock()
			return errFrame(wire.StatusOutOfRange, "row id %d not found", id)
		}
		payloads[i] = data
		total += len(data)
	}
	v.mu.RUnlock()

	// Prefer the shared-memory path when the client is attached and a block
	// fits; otherwise fall back to inline rows.
	if f.Flags&wire.FlagLocalBypass != 0 && mem != nil && total > 0 {
		if off, ok := mem.alloc(total); ok {
			sizes := make([]uint32, len(payloads))
			cur := off
			for i, data := range payloads {
				copy(mem.buf[cur:], data)
				sizes[i] = uint32(len(data))
				cur += len(data)
			}
			rsp := okFrame(wire.BatchFetchRsp{Offset: uint64(off), Sizes: sizes})
			rsp.Flags |= wire.FlagSharedBlock
			return rsp
		}
	}
	return okFrame(wire.BatchFetchRsp{Rows: payloads})
}

func (v *service) stat() wire.Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	rsp := wire.StatRsp{State: v.state}
	first := true
	for id := range v.rows {
		if first || id < rsp.MinRowID {
			rsp.MinRowID = id
		}
		if first || id > rsp.MaxRowID {
			rsp.MaxRowID = id
		}
		first = false
	}
	rsp.NumDiskCached = int64(len(v.disk))
	rsp.NumMemCached = int64(len(v.rows)) - rsp.NumDiskCached
	return okFrame(rsp)
}

func (v *service) cacheSchema(f wire.Frame) wire.Frame {
	var req wire.SchemaMsg
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode schema request: %v", err)
	}
	v.mu.Lock()
	v.schema = req.Columns
	v.mu.Unlock()
	return wire.Frame{}
}

func (v *service) fetchSchema() wire.Frame {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return okFrame(wire.SchemaMsg{Columns: v.schema})
}

func (v *service) buildPhaseDone(f wire.Frame) wire.Frame {
	var req wire.BuildPhaseDoneReq
	if err := wire.Unmarshal(f.Payload, &req); err != nil {
		return errFrame(wire.StatusUnexpected, "decode build-phase-done request: %v", err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if req.Cookie == "" || req.Cookie != v.cookie {
		return errFrame(wire.StatusUnexpected, "build phase can only be ended by the cache creator")
	}
	v.state = wire.StateFetchPhase
	return wire.Frame{}
}

func (v *service) purge() wire.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows = make(map[int64][]byte)
	v.disk = make(map[int64]struct{})
	v.memUsed = 0
	v.state = wire.StateBuildPhase
	return wire.Frame{}
}

// arena is a rewind allocator over the shared segment: blocks are handed out
// sequentially and the cursor rewinds once every block has been freed. Good
// enough for a test server; a production server owns a real allocator.
type arena struct {
	mu   sync.Mutex
	buf  []byte
	cur  int
	live map[int]int
}

func newArena(buf []byte) *arena {
	return &arena{buf: buf, live: make(map[int]int)}
}

func (a *arena) alloc(n int) (int, bool) {
	if n <= 0 || n > len(a.buf) {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cur+n > len(a.buf) {
		if len(a.live) != 0 {
			return 0, false
		}
		a.cur = 0
	}
	off := a.cur
	a.cur += n
	a.live[off] = n
	return off, true
}

func (a *arena) free(off int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live, off)
	if len(a.live) == 0 {
		a.cur = 0
	}
}

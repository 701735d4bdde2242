package rowcache

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/rowcache/codec"
	"github.com/unkn0wn-root/rowcache/internal/transport"
	"github.com/unkn0wn-root/rowcache/internal/wire"
)

// fakeComm stands in for the transport pool: it records every dispatched
// frame and, when a responder is set, completes requests synchronously.
type fakeComm struct {
	mu      sync.Mutex
	respond func(wire.Frame) wire.Frame
	pushErr map[wire.Op]error

	pushed []transport.Request
	frames []wire.Frame

	shm       []byte
	attachOK  bool
	attachErr error
}

func (c *fakeComm) Start() error { return nil }

func (c *fakeComm) Push(rq transport.Request) error {
	f, err := rq.Frame()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if e := c.pushErr[f.Op]; e != nil {
		c.mu.Unlock()
		return e
	}
	c.pushed = append(c.pushed, rq)
	c.frames = append(c.frames, f)
	respond := c.respond
	c.mu.Unlock()
	if respond != nil {
		rsp := respond(f)
		rsp.Op = f.Op
		rq.Complete(rsp, nil)
	}
	return nil
}

func (c *fakeComm) SharedMemory() []byte          { return c.shm }
func (c *fakeComm) Attach(int) (bool, error)      { return c.attachOK, c.attachErr }
func (c *fakeComm) Close() error                  { return nil }

func (c *fakeComm) count(op wire.Op) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.frames {
		if f.Op == op {
			n++
		}
	}
	return n
}

func (c *fakeComm) frameOf(op wire.Op) (wire.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.frames {
		if f.Op == op {
			return f, true
		}
	}
	return wire.Frame{}, false
}

type recHooks struct {
	mu         sync.Mutex
	attachErrs []error
	dropped    []uint64
	rejected   []int64
}

func (h *recHooks) ShmAttachFailed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attachErrs = append(h.attachErrs, err)
}
func (h *recHooks) FreeBlockDropped(off uint64, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropped = append(h.dropped, off)
}
func (h *recHooks) LocalCacheRejected(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, id)
}

func newFakeClient(t *testing.T, fc *fakeComm, opts Options) *CacheClient {
	t.Helper()
	if opts.SessionID == 0 {
		opts.SessionID = 1
	}
	cc, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cc.comm = fc
	return cc
}

func okBody(t *testing.T, v any) []byte {
	t.Helper()
	b, err := wire.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func testRow(data ...byte) Row {
	return Row{Columns: []Tensor{{Shape: []int64{int64(len(data))}, Type: 1, Data: data}}}
}

func encodeRow(t *testing.T, row Row) []byte {
	t.Helper()
	b, err := codec.Msgpack[Row]{}.Encode(row)
	if err != nil {
		t.Fatalf("encode row: %v", err)
	}
	return b
}

// ==============================
// Identity protocol
// ==============================

func TestCreateCacheCreatorKeepsCookie(t *testing.T) {
	fc := &fakeComm{respond: func(f wire.Frame) wire.Frame {
		if f.Op != wire.OpCreateCache {
			t.Errorf("unexpected op %s", f.Op)
		}
		return wire.Frame{Payload: okBody(t, wire.CreateCacheRsp{Conn: 7, Cookie: "abc"})}
	}}
	cc := newFakeClient(t, fc, Options{})

	if err := cc.CreateCache(123, true); err != nil {
		t.Fatalf("CreateCache: %v", err)
	}
	if cc.ServerConnectionID() != 7 {
		t.Fatalf("connection id = %d, want 7", cc.ServerConnectionID())
	}
	if cc.cookie() != "abc" {
		t.Fatalf("cookie = %q, want abc", cc.cookie())
	}
	if cc.CRC() != 123 {
		t.Fatalf("crc = %d, want 123", cc.CRC())
	}
}

func TestCreateCacheDuplicateKeepsCookieEmpty(t *testing.T) {
	fc := &fakeComm{respond: func(f wire.Frame) wire.Frame {
		// duplicate-key responses still carry the connection id
		return wire.Frame{Status: wire.StatusDuplicateKey, Payload: okBody(t, wire.CreateCacheRsp{Conn: 7})}
	}}
	cc := newFakeClient(t, fc, Options{})

	err := cc.CreateCache(123, true)
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if cc.ServerConnectionID() != 7 {
		t.Fatalf("connection id = %d, want 7", cc.ServerConnectionID())
	}
	if cc.cookie() != "" {
		t.Fatalf("attaching client must keep an empty cookie, got %q", cc.cookie())
	}
}

func TestCreateCacheCRCMismatch(t *testing.T) {
	fc := &fakeComm{respond: func(f wire.Frame) wire.Frame {
		return wire.Frame{Payload: okBody(t, wire.CreateCacheRsp{Conn: 7, Cookie: "abc"})}
	}}
	cc := newFakeClient(t, fc, Options{})
	if err := cc.CreateCache(123, true); err != nil {
		t.Fatalf("CreateCache: %v", err)
	}
	if err := cc.CreateCache(456, true); !errors.Is(err, ErrConsistencyViolation) {
		t.Fatalf("expected ErrConsistencyViolation, got %v", err)
	}
}

func TestCreateCacheBypassWhenBuilt(t *testing.T) {
	state := wire.StateBuildPhase
	fc := &fakeComm{respond: func(f wire.Frame) wire.Frame {
		switch f.Op {
		case wire.OpCreateCache:
			return wire.Frame{Payload: okBody(t, wire.CreateCacheRsp{Conn: 7, Cookie: "abc"})}
		case wire.OpGetStat:
			return wire.Frame{Payload: okBody(t, wire.StatRsp{State: state})}
		default:
			t.Errorf("unexpected op %s", f.Op)
			return wire.Frame{Status: wire.StatusUnexpected}
		}
	}}
	cc := newFakeClient(t, fc, Options{})
	if err := cc.CreateCache(123, true); err != nil {
		t.Fatalf("CreateCache: %v", err)
	}

	// still building: re-create with the same crc is a plain success
	if err := cc.CreateCache(123, true); err != nil {
		t.Fatalf("re-create while building: %v", err)
	}
	if got := fc.count(wire.OpCreateCache); got != 1 {
		t.Fatalf("re-create must not issue a second creation request, got %d", got)
	}

	state = wire.StateFetchPhase
	if err := cc.CreateCache(123, true); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected bypass-build signal, got %v", err)
	}
}

func TestCreateCacheAttachFailureDegrades(t *testing.T) {
	hooks := &recHooks{}
	fc := &fakeComm{
		attachErr: errors.New("mmap failed"),
		respond: func(f wire.Frame) wire.Frame {
			return wire.Frame{Payload: okBody(t, wire.CreateCacheRsp{Conn: 7, Cookie: "abc"})}
		},
	}
	cc := newFakeClient(t, fc, Options{Hooks: hooks})
	if err := cc.CreateCache(123, true); err != nil {
		t.Fatalf("attach failure must not fail creation: %v", err)
	}
	if cc.SupportsLocalBypass() {
		t.Fatalf("local bypass must stay off after attach failure")
	}
	if len(hooks.attachErrs) != 1 {
		t.Fatalf("expected one ShmAttachFailed hook, got %d", len(hooks.attachErrs))
	}
}

// ==============================
// Row I/O
// ==============================

func TestWriteRowRequiresCreate(t *testing.T) {
	cc := newFakeClient(t, &fakeComm{}, Options{})
	if _, err := cc.WriteRow(testRow(1)); err == nil {
		t.Fatalf("expected error before CreateCache")
	}
}

func TestWriteBufferDispatchesBeforeWaiting(t *testing.T) {
	fc := &fakeComm{} // no responder: requests stay pending
	cc := newFakeClient(t, fc, Options{})
	cc.connID.Store(7)

	rows := []Row{testRow(0), testRow(1), testRow(2), testRow(3), testRow(4)}
	errCh := make(chan error, 1)
	go func() { errCh <- cc.WriteBuffer(rows) }()

	// all five writes must be dispatched while none has completed
	deadline := time.Now().Add(2 * time.Second)
	for fc.count(wire.OpCacheRow) < len(rows) {
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d writes dispatched", fc.count(wire.OpCacheRow), len(rows))
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case err := <-errCh:
		t.Fatalf("WriteBuffer returned before any completion: %v", err)
	default:
	}

	// dispatch order must match row order
	fc.mu.Lock()
	for i, f := range fc.frames {
		var req wire.CacheRowReq
		if err := wire.Unmarshal(f.Payload, &req); err != nil {
			t.Fatalf("decode dispatched row %d: %v", i, err)
		}
		row, err := codec.Msgpack[Row]{}.Decode(req.Data)
		if err != nil || row.Columns[0].Data[0] != byte(i) {
			t.Fatalf("row %d dispatched out of order (err=%v)", i, err)
		}
	}
	pending := append([]transport.Request(nil), fc.pushed...)
	fc.mu.Unlock()

	// fail the third write; the rest succeed
	for i, rq := range pending {
		if i == 2 {
			rq.Complete(wire.Frame{Op: wire.OpCacheRow, Status: wire.StatusUnexpected, Payload: []byte("disk error")}, nil)
			continue
		}
		rq.Complete(wire.Frame{Op: wire.OpCacheRow, Payload: okBody(t, wire.CacheRowRsp{RowID: int64(i)})}, nil)
	}

	err := <-errCh
	if err == nil || !strings.Contains(err.Error(), "disk error") {
		t.Fatalf("expected the first failing wait's error, got %v", err)
	}
}

func TestGetRowsSharedBlockIssuesFree(t *testing.T) {
	rowA, rowB := testRow(10, 11), testRow(20)
	encA, encB := encodeRow(t, rowA), encodeRow(t, rowB)

	seg := make([]byte, 256)
	const off = 16
	copy(seg[off:], encA)
	copy(seg[off+len(encA):], encB)

	fc := &fakeComm{shm: seg}
	fc.respond = func(f wire.Frame) wire.Frame {
		switch f.Op {
		case wire.OpBatchFetch:
			if f.Flags&wire.FlagLocalBypass == 0 {
				t.Errorf("attached client must advertise local bypass")
			}
			return wire.Frame{
				Flags:   wire.FlagSharedBlock,
				Payload: okBody(t, wire.BatchFetchRsp{Offset: off, Sizes: []uint32{uint32(len(encA)), uint32(len(encB))}}),
			}
		case wire.OpFreeBlock:
			return wire.Frame{}
		default:
			t.Errorf("unexpected op %s", f.Op)
			return wire.Frame{Status: wire.StatusUnexpected}
		}
	}
	cc := newFakeClient(t, fc, Options{})
	cc.connID.Store(7)
	cc.localBypass.Store(true)

	rows, err := cc.GetRows([]int64{5, 6})
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if len(rows) != 2 || rows[0].ID != 5 || rows[1].ID != 6 {
		t.Fatalf("rows mismatch: %+v", rows)
	}
	if string(rows[0].Columns[0].Data) != string([]byte{10, 11}) {
		t.Fatalf("row payload mismatch: %+v", rows[0])
	}

	free, ok := fc.frameOf(wire.OpFreeBlock)
	if !ok {
		t.Fatalf("shared-block fetch must issue a free request")
	}
	var req wire.FreeBlockReq
	if err := wire.Unmarshal(free.Payload, &req); err != nil || req.Offset != off {
		t.Fatalf("free request offset = %d (err=%v), want %d", req.Offset, err, off)
	}
}

func TestGetRowsInlineSkipsFree(t *testing.T) {
	row := testRow(1, 2, 3)
	fc := &fakeComm{}
	fc.respond = func(f wire.Frame) wire.Frame {
		return wire.Frame{Payload: okBody(t, wire.BatchFetchRsp{Rows: [][]byte{encodeRow(t, row)}})}
	}
	cc := newFakeClient(t, fc, Options{})
	cc.connID.Store(7)

	rows, err := cc.GetRows([]int64{9})
	if err != nil {
		t.Fatalf("GetRows: %v", err)
	}
	if rows[0].ID != 9 {
		t.Fatalf("row id = %d, want 9", rows[0].ID)
	}
	if fc.count(wire.OpFreeBlock) != 0 {
		t.Fatalf("inline fetch must not issue a free request")
	}
}

func TestGetRowsFreeErrorMergeRule(t *testing.T) {
	row := testRow(1)
	enc := encodeRow(t, row)
	seg := make([]byte, 64)
	copy(seg, enc)

	sharedRsp := func(sizes []uint32) func(wire.Frame) wire.Frame {
		return func(f wire.Frame) wire.Frame {
			return wire.Frame{
				Flags:   wire.FlagSharedBlock,
				Payload: okBody(t, wire.BatchFetchRsp{Offset: 0, Sizes: sizes}),
			}
		}
	}

	// restore succeeded, free dispatch failed: surface the free error
	fc := &fakeComm{
		shm:     seg,
		pushErr: map[wire.Op]error{wire.OpFreeBlock: errors.New("queue closed")},
		respond: sharedRsp([]uint32{uint32(len(enc))}),
	}
	cc := newFakeClient(t, fc, Options{})
	cc.connID.Store(7)
	if _, err := cc.GetRows([]int64{1}); err == nil || !strings.Contains(err.Error(), "queue closed") {
		t.Fatalf("expected free dispatch error, got %v", err)
	}

	// restore failed too: the restore error wins, the free error goes to hooks
	hooks := &recHooks{}
	fc2 := &fakeComm{
		shm:     seg,
		pushErr: map[wire.Op]error{wire.OpFreeBlock: errors.New("queue closed")},
		respond: sharedRsp([]uint32{1 << 20}), // block reaches past the segment
	}
	cc2 := newFakeClient(t, fc2, Options{Hooks: hooks})
	cc2.connID.Store(7)
	_, err := cc2.GetRows([]int64{1})
	var terr *Error
	if !errors.As(err, &terr) || terr.Code != CodeOutOfRange {
		t.Fatalf("expected the restore error, got %v", err)
	}
	if len(hooks.dropped) != 1 {
		t.Fatalf("demoted free error must reach FreeBlockDropped, got %d", len(hooks.dropped))
	}
}

// ==============================
// Misc surface
// ==============================

func TestGetStatNullArgument(t *testing.T) {
	cc := newFakeClient(t, &fakeComm{}, Options{})
	if err := cc.GetStat(nil); !errors.Is(err, ErrNullArgument) {
		t.Fatalf("expected ErrNullArgument, got %v", err)
	}
}

func TestNewRequiresSessionID(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for missing session id")
	}
}

func TestErrorCodeMatching(t *testing.T) {
	if !errors.Is(errf(CodeDuplicateKey, "already built"), ErrDuplicateKey) {
		t.Fatalf("errors with equal codes must match")
	}
	if errors.Is(errf(CodeUnexpected, "boom"), ErrDuplicateKey) {
		t.Fatalf("errors with different codes must not match")
	}
}

func TestStringDump(t *testing.T) {
	cc := newFakeClient(t, &fakeComm{}, Options{SessionID: 3, Port: 1234})
	s := cc.String()
	for _, want := range []string{"Session id: 3", "Port: 1234", "Local client support: false"} {
		if !strings.Contains(s, want) {
			t.Fatalf("status dump missing %q:\n%s", want, s)
		}
	}
}

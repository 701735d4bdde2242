package rowcache

import (
	"sync"

	"github.com/unkn0wn-root/rowcache/codec"
	"github.com/unkn0wn-root/rowcache/internal/wire"
)

// Request objects are the protocol envelope: one type per RPC verb. Each
// carries its serialized payload, blocks the caller in Wait until a
// transport worker delivers the matching response, and knows how to extract
// its typed result. New verbs are new types, not shared mutable state.

type baseRequest struct {
	op    wire.Op
	conn  uint64
	flags byte
	body  []byte

	once sync.Once
	done chan struct{}
	rsp  wire.Frame
	err  error
}

func newBase(op wire.Op, conn uint64) baseRequest {
	return baseRequest{op: op, conn: conn, done: make(chan struct{})}
}

// Frame builds the request frame for the transport worker.
func (r *baseRequest) Frame() (wire.Frame, error) {
	return wire.Frame{Op: r.op, Flags: r.flags, Conn: r.conn, Payload: r.body}, nil
}

// Complete delivers the response (or a transport failure). Exactly one
// delivery wins; later ones are dropped.
func (r *baseRequest) Complete(rsp wire.Frame, err error) {
	r.once.Do(func() {
		r.rsp = rsp
		r.err = err
		close(r.done)
	})
}

// Wait suspends the caller until the response arrives and surfaces whatever
// status the server attached, including the non-fatal duplicate-key signal.
func (r *baseRequest) Wait() error {
	<-r.done
	if r.err != nil {
		return transportError(r.err)
	}
	return statusError(r.rsp)
}

type createCacheRequest struct {
	baseRequest
}

func newCreateCacheRequest(sessionID, crc uint32, memSize uint64, flags uint32) (*createCacheRequest, error) {
	rq := &createCacheRequest{baseRequest: newBase(wire.OpCreateCache, 0)}
	body, err := wire.Marshal(wire.CreateCacheReq{
		SessionID: sessionID,
		CRC:       crc,
		MemSize:   memSize,
		Flags:     flags,
	})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode create request: %v", err)
	}
	rq.body = body
	return rq, nil
}

// parseResult extracts the server-assigned connection id and, for the
// creating client only, the cookie. Valid after Wait returned nil or the
// duplicate-key signal.
func (r *createCacheRequest) parseResult() (uint64, string, error) {
	var rsp wire.CreateCacheRsp
	if err := wire.Unmarshal(r.rsp.Payload, &rsp); err != nil {
		return 0, "", errf(CodeUnexpected, "decode create response: %v", err)
	}
	return rsp.Conn, rsp.Cookie, nil
}

type cacheRowRequest struct {
	baseRequest
}

func newCacheRowRequest(conn uint64, cookie string, row Row, c codec.Codec[Row]) (*cacheRowRequest, error) {
	data, err := c.Encode(row)
	if err != nil {
		return nil, errf(CodeUnexpected, "encode row: %v", err)
	}
	rq := &cacheRowRequest{baseRequest: newBase(wire.OpCacheRow, conn)}
	body, err := wire.Marshal(wire.CacheRowReq{Cookie: cookie, RowID: row.ID, Data: data})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode row request: %v", err)
	}
	rq.body = body
	return rq, nil
}

// rowID returns the server-assigned row id. Valid after Wait returned nil.
func (r *cacheRowRequest) rowID() (int64, error) {
	var rsp wire.CacheRowRsp
	if err := wire.Unmarshal(r.rsp.Payload, &rsp); err != nil {
		return 0, errf(CodeUnexpected, "decode row response: %v", err)
	}
	return rsp.RowID, nil
}

type batchFetchRequest struct {
	baseRequest
	rowIDs []int64
}

func newBatchFetchRequest(conn uint64, rowIDs []int64, localBypass bool) (*batchFetchRequest, error) {
	rq := &batchFetchRequest{baseRequest: newBase(wire.OpBatchFetch, conn), rowIDs: rowIDs}
	if localBypass {
		rq.flags = wire.FlagLocalBypass
	}
	body, err := wire.Marshal(wire.BatchFetchReq{RowIDs: rowIDs})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode fetch request: %v", err)
	}
	rq.body = body
	return rq, nil
}

// restoreRows decodes the fetched payloads into rows, reading from the
// shared memory segment when the server answered by reference. The returned
// offset is -1 for inline responses; otherwise the caller owes the server a
// free-block request for it.
func (r *batchFetchRequest) restoreRows(base []byte, c codec.Codec[Row]) ([]Row, int64, error) {
	var rsp wire.BatchFetchRsp
	if err := wire.Unmarshal(r.rsp.Payload, &rsp); err != nil {
		return nil, -1, errf(CodeUnexpected, "decode fetch response: %v", err)
	}

	shared := r.rsp.Flags&wire.FlagSharedBlock != 0
	memOffset := int64(-1)
	payloads := rsp.Rows
	if shared {
		memOffset = int64(rsp.Offset)
		if base == nil {
			return nil, memOffset, errf(CodeUnexpected, "shared-block response without an attached segment")
		}
		payloads = make([][]byte, 0, len(rsp.Sizes))
		off := rsp.Offset
		for _, sz := range rsp.Sizes {
			end := off + uint64(sz)
			if end > uint64(len(base)) {
				return nil, memOffset, errf(CodeOutOfRange, "shared block [%d:%d) outside segment of %d bytes", off, end, len(base))
			}
			payloads = append(payloads, base[off:end])
			off = end
		}
	}
	if len(payloads) != len(r.rowIDs) {
		return nil, memOffset, errf(CodeUnexpected, "fetch returned %d rows, requested %d", len(payloads), len(r.rowIDs))
	}

	rows := make([]Row, len(payloads))
	for i, p := range payloads {
		row, err := c.Decode(p)
		if err != nil {
			return nil, memOffset, errf(CodeUnexpected, "decode row %d: %v", r.rowIDs[i], err)
		}
		row.ID = r.rowIDs[i]
		rows[i] = row
	}
	return rows, memOffset, nil
}

type freeBlockRequest struct {
	baseRequest
}

func newFreeBlockRequest(conn uint64, offset uint64) (*freeBlockRequest, error) {
	rq := &freeBlockRequest{baseRequest: newBase(wire.OpFreeBlock, conn)}
	body, err := wire.Marshal(wire.FreeBlockReq{Offset: offset})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode free request: %v", err)
	}
	rq.body = body
	return rq, nil
}

type getStatRequest struct {
	baseRequest
}

func newGetStatRequest(conn uint64) *getStatRequest {
	return &getStatRequest{baseRequest: newBase(wire.OpGetStat, conn)}
}

func (r *getStatRequest) stat(out *CacheServiceStat) error {
	var rsp wire.StatRsp
	if err := wire.Unmarshal(r.rsp.Payload, &rsp); err != nil {
		return errf(CodeUnexpected, "decode stat response: %v", err)
	}
	out.NumMemCached = rsp.NumMemCached
	out.NumDiskCached = rsp.NumDiskCached
	out.MinRowID = rsp.MinRowID
	out.MaxRowID = rsp.MaxRowID
	out.State = ServiceState(rsp.State)
	return nil
}

type cacheSchemaRequest struct {
	baseRequest
}

func newCacheSchemaRequest(conn uint64, columns map[string]int32) (*cacheSchemaRequest, error) {
	rq := &cacheSchemaRequest{baseRequest: newBase(wire.OpCacheSchema, conn)}
	body, err := wire.Marshal(wire.SchemaMsg{Columns: columns})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode schema request: %v", err)
	}
	rq.body = body
	return rq, nil
}

type fetchSchemaRequest struct {
	baseRequest
}

func newFetchSchemaRequest(conn uint64) *fetchSchemaRequest {
	return &fetchSchemaRequest{baseRequest: newBase(wire.OpFetchSchema, conn)}
}

func (r *fetchSchemaRequest) columns() (map[string]int32, error) {
	var rsp wire.SchemaMsg
	if err := wire.Unmarshal(r.rsp.Payload, &rsp); err != nil {
		return nil, errf(CodeUnexpected, "decode schema response: %v", err)
	}
	return rsp.Columns, nil
}

type buildPhaseDoneRequest struct {
	baseRequest
}

func newBuildPhaseDoneRequest(conn uint64, cookie string) (*buildPhaseDoneRequest, error) {
	rq := &buildPhaseDoneRequest{baseRequest: newBase(wire.OpBuildPhaseDone, conn)}
	body, err := wire.Marshal(wire.BuildPhaseDoneReq{Cookie: cookie})
	if err != nil {
		return nil, errf(CodeUnexpected, "encode build-phase-done request: %v", err)
	}
	rq.body = body
	return rq, nil
}

type purgeCacheRequest struct {
	baseRequest
}

func newPurgeCacheRequest(conn uint64) *purgeCacheRequest {
	return &purgeCacheRequest{baseRequest: newBase(wire.OpPurgeCache, conn)}
}

type destroyCacheRequest struct {
	baseRequest
}

func newDestroyCacheRequest(conn uint64) *destroyCacheRequest {
	return &destroyCacheRequest{baseRequest: newBase(wire.OpDestroyCache, conn)}
}

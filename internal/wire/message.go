package wire

import "github.com/vmihailenco/msgpack/v5"

// Message bodies carried in frame payloads, one pair per verb where the verb
// needs more than the header. Encoded with msgpack.

// CreateCacheReq flags.
const (
	CreateFlagNone        uint32 = 0
	CreateFlagSpillToDisk uint32 = 1 << 0
	CreateFlagGenerateID  uint32 = 1 << 1
)

type CreateCacheReq struct {
	SessionID uint32 `msgpack:"session_id"`
	CRC       uint32 `msgpack:"crc"`
	MemSize   uint64 `msgpack:"mem_size"`
	Flags     uint32 `msgpack:"flags"`
}

// CreateCacheRsp is returned on StatusOK and on StatusDuplicateKey. The
// cookie is present only for the creating client.
type CreateCacheRsp struct {
	Conn   uint64 `msgpack:"conn"`
	Cookie string `msgpack:"cookie,omitempty"`
}

type CacheRowReq struct {
	Cookie string `msgpack:"cookie,omitempty"`
	// RowID is honored only when the cache was created without the
	// generate-id flag.
	RowID int64  `msgpack:"row_id"`
	Data  []byte `msgpack:"data"`
}

type CacheRowRsp struct {
	RowID int64 `msgpack:"row_id"`
}

type BatchFetchReq struct {
	RowIDs []int64 `msgpack:"row_ids"`
}

// BatchFetchRsp carries either inline rows (one payload per requested id, in
// request order) or, when the frame has FlagSharedBlock set, a reference to
// rows concatenated in the shared memory segment.
type BatchFetchRsp struct {
	Rows   [][]byte `msgpack:"rows,omitempty"`
	Offset uint64   `msgpack:"offset,omitempty"`
	Sizes  []uint32 `msgpack:"sizes,omitempty"`
}

type StatRsp struct {
	NumMemCached  int64 `msgpack:"num_mem_cached"`
	NumDiskCached int64 `msgpack:"num_disk_cached"`
	MinRowID      int64 `msgpack:"min_row_id"`
	MaxRowID      int64 `msgpack:"max_row_id"`
	State         uint8 `msgpack:"state"`
}

// SchemaMsg is both the CacheSchema request body and the FetchSchema
// response body: a column-name to type-id mapping.
type SchemaMsg struct {
	Columns map[string]int32 `msgpack:"columns"`
}

type BuildPhaseDoneReq struct {
	Cookie string `msgpack:"cookie,omitempty"`
}

type FreeBlockReq struct {
	Offset uint64 `msgpack:"offset"`
}

func Marshal(v any) ([]byte, error)   { return msgpack.Marshal(v) }
func Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }

package rowcache

import "github.com/unkn0wn-root/rowcache/internal/wire"

// Tensor is one typed column payload of a cached row. The cache never
// interprets Data; shape and type travel with it so readers can rebuild the
// original tensor without consulting the writer.
type Tensor struct {
	Shape []int64 `msgpack:"shape"`
	Type  int32   `msgpack:"type"`
	Data  []byte  `msgpack:"data"`
}

// Row is a sequence of tensor columns. ID is assigned by the server once the
// row is cached (or supplied by the caller when the cache was created
// without id generation); before that, row identity is positional within a
// write batch.
type Row struct {
	ID      int64    `msgpack:"id"`
	Columns []Tensor `msgpack:"columns"`
}

// ServiceState is the server-side cache state.
type ServiceState uint8

const (
	StateNone       ServiceState = ServiceState(wire.StateNone)
	StateBuildPhase ServiceState = ServiceState(wire.StateBuildPhase)
	StateFetchPhase ServiceState = ServiceState(wire.StateFetchPhase)
)

func (s ServiceState) String() string {
	switch s {
	case StateBuildPhase:
		return "build"
	case StateFetchPhase:
		return "fetch"
	default:
		return "none"
	}
}

// CacheServiceStat is the server-reported cache state and occupancy.
type CacheServiceStat struct {
	NumMemCached  int64
	NumDiskCached int64
	MinRowID      int64
	MaxRowID      int64
	State         ServiceState
}

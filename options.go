package rowcache

import (
	"github.com/unkn0wn-root/rowcache/codec"
	"github.com/unkn0wn-root/rowcache/internal/transport"
)

const (
	defaultHost     = "127.0.0.1"
	defaultPort     = 50052
	defaultWorkers  = 3
	defaultPrefetch = 20
)

// Options tune a CacheClient. Only SessionID is required; others have
// sensible defaults.
type Options struct {
	// SessionID groups caches: pipelines sharing a session (and a tree crc)
	// share a cache. Required.
	SessionID uint32

	Host string // cache server host; "" => 127.0.0.1
	Port int    // cache server port; 0 => 50052

	// MemSize is the server-side memory budget for this cache in bytes;
	// 0 means unbounded. Sent with the creation request.
	MemSize uint64
	// Spill lets the server keep rows beyond MemSize on disk instead of
	// rejecting writes.
	Spill bool

	NumWorkers   int // transport worker pool size; 0 => 3
	PrefetchSize int // request queue depth hint; 0 => 20

	// LocalCacheSize enables a client-side fetch cache of the given byte
	// budget; 0 disables it.
	LocalCacheSize int64

	Codec  codec.Codec[Row] // row payload codec; nil => codec.Msgpack[Row]
	Logger Logger           // nil => NopLogger
	Hooks  Hooks            // nil => NopHooks
}

// New builds a CacheClient. No connection is made until CreateCache.
func New(opts Options) (*CacheClient, error) {
	if opts.SessionID == 0 {
		return nil, errf(CodeNullArgument, "session id is required")
	}

	cc := &CacheClient{
		sessionID:    opts.SessionID,
		host:         coalesce(opts.Host, defaultHost),
		port:         coalesce(opts.Port, defaultPort),
		memSize:      opts.MemSize,
		spill:        opts.Spill,
		numWorkers:   coalesce(opts.NumWorkers, defaultWorkers),
		prefetchSize: coalesce(opts.PrefetchSize, defaultPrefetch),
		rowCodec:     opts.Codec,
		log:          coalesce[Logger](opts.Logger, NopLogger{}),
		hooks:        coalesce[Hooks](opts.Hooks, NopHooks{}),
	}
	if cc.rowCodec == nil {
		cc.rowCodec = codec.Msgpack[Row]{}
	}

	depth := cc.numWorkers * 4
	if cc.prefetchSize > depth {
		depth = cc.prefetchSize
	}
	cc.comm = transport.New(cc.host, cc.port, cc.numWorkers, depth)

	if opts.LocalCacheSize > 0 {
		local, err := newLocalCache(opts.LocalCacheSize, cc.hooks)
		if err != nil {
			return nil, errf(CodeUnexpected, "local cache: %v", err)
		}
		cc.local = local
	}
	return cc, nil
}

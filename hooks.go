package rowcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// Shared-memory attach failed during CreateCache; the client degraded
	// to remote-only mode.
	ShmAttachFailed(err error)

	// A fire-and-forget free-block request could not be dispatched and its
	// error was demoted because the fetch itself had already failed. The
	// server-side block may leak until the cache is purged.
	FreeBlockDropped(offset uint64, err error)

	// The local fetch cache declined to admit a row (cost pressure).
	LocalCacheRejected(rowID int64)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ShmAttachFailed(error)           {}
func (NopHooks) FreeBlockDropped(uint64, error)  {}
func (NopHooks) LocalCacheRejected(int64)        {}

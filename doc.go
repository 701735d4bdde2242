// Package rowcache implements the client side of a distributed row cache
// used by data-loading pipelines to avoid recomputing expensive
// preprocessing. A pipeline writes its output rows to a remote cache
// service; later runs (or sibling pipelines sharing a session) fetch the
// cached rows instead of recomputing them.
//
// Identity: a cache is named by (session id, tree crc). The crc covers the
// deterministic preprocessing subgraph feeding the cache, so two pipelines
// may share a cache only when they would produce identical rows. The first
// client to create a cache receives a cookie authorizing it to end the
// build phase; clients that attach to an existing cache get the
// ErrDuplicateKey control signal telling them to skip their own build.
//
// Components:
//   - CacheClient: the façade enforcing the identity/consistency protocol
//     and exposing row I/O (WriteRow, WriteBuffer, GetRows).
//   - Request objects: one per RPC verb; serialize their payload, block in
//     Wait until a transport worker delivers the matching response.
//   - Transport (internal): fixed worker pool over TCP, shared FIFO queue,
//     optional mmap'd shared-memory fast path when client and server are
//     co-resident.
//   - memserver: an in-process cache server speaking the same wire
//     protocol, for tests and local development.
//
// Typical build-phase flow:
//
//	cc, _ := rowcache.New(rowcache.Options{SessionID: 1})
//	err := cc.CreateCache(treeCRC, true)
//	switch {
//	case errors.Is(err, rowcache.ErrDuplicateKey):
//		// already built or being built elsewhere: skip writes, fetch below
//	case err != nil:
//		return err
//	default:
//		_ = cc.WriteBuffer(rows)
//		_ = cc.BuildPhaseDone()
//	}
//	rows, err := cc.GetRows(ids)
package rowcache

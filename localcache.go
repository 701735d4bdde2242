package rowcache

import (
	rc "github.com/dgraph-io/ristretto"
)

// localCache is the optional client-side fetch cache: hot rows fetched from
// the server are kept locally (byte-cost budgeted) so repeated GetRows calls
// in fetch phase skip the round trip entirely.
type localCache struct {
	c     *rc.Cache
	hooks Hooks
}

func newLocalCache(maxBytes int64, hooks Hooks) (*localCache, error) {
	// ~10 counters per expected entry, assuming rows of a KiB and up
	counters := maxBytes / 1024 * 10
	if counters < 1<<14 {
		counters = 1 << 14
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: counters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &localCache{c: c, hooks: hooks}, nil
}

func (l *localCache) get(rowID int64) (Row, bool) {
	v, ok := l.c.Get(rowID)
	if !ok {
		return Row{}, false
	}
	row, ok := v.(Row)
	if !ok {
		l.c.Del(rowID)
		return Row{}, false
	}
	return row, true
}

func (l *localCache) put(row Row) {
	var cost int64
	for _, col := range row.Columns {
		cost += int64(len(col.Data)) + int64(8*len(col.Shape))
	}
	if cost <= 0 {
		cost = 1
	}
	if !l.c.Set(row.ID, row, cost) {
		l.hooks.LocalCacheRejected(row.ID)
	}
}

func (l *localCache) purge() { l.c.Clear() }

// wait flushes pending admissions; used by tests that read right after put.
func (l *localCache) wait() { l.c.Wait() }

func (l *localCache) close() {
	l.c.Wait()
	l.c.Close()
}

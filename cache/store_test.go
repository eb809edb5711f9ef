package cache

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestStore starts an in-process Redis stand-in and returns a Store
// bound to it.
func newTestStore(t *testing.T, depthLevels int, forceOrderMaxLen int64) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, depthLevels, forceOrderMaxLen)
}

package selector

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// PoolStats is a point-in-time view of one object pool's counters.
type PoolStats struct {
	Fresh  uint64 // allocations that missed the pool
	Reused uint64 // acquisitions served by the pool
	Put    uint64 // objects handed back
}

// Live is the number of objects acquired and not yet handed back.
func (s PoolStats) Live() uint64 { return s.Fresh + s.Reused - s.Put }

func (s PoolStats) String() string {
	return fmt.Sprintf("fresh:%d reuse:%d put:%d live:%d", s.Fresh, s.Reused, s.Put, s.Live())
}

// MarshalZerologObject writes the counters as structured log fields.
func (s PoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Uint64("fresh", s.Fresh).Uint64("reused", s.Reused).Uint64("put", s.Put).Uint64("live", s.Live())
}

// poolMeter counts pool traffic. Safe for concurrent use.
type poolMeter struct {
	fresh  atomic.Uint64
	reused atomic.Uint64
	put    atomic.Uint64
}

func (m *poolMeter) Snapshot() PoolStats {
	return PoolStats{Fresh: m.fresh.Load(), Reused: m.reused.Load(), Put: m.put.Load()}
}

// WritePoolStats reports the counters of the shared pending-write pool.
func WritePoolStats() PoolStats { return pendingWritePool.m.Snapshot() }

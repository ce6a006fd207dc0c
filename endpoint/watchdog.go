package endpoint

import (
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/upeter/spray/pipeline"
)

// DefaultSweepInterval bounds how late a deadline may fire.
const DefaultSweepInterval = 100 * time.Millisecond

// Watchdog arms per-connection deadlines and closes connections whose
// deadline expires. Received traffic re-arms the idle deadline through the
// connection runner; request deadlines are armed and settled by handlers.
// A deadline that is dropped or re-armed in time never fires.
//
// Start must be called before the watchdog is handed to a Server or Dialer.
type Watchdog struct {
	// IdleTimeout closes a connection that saw no traffic for this long.
	// Zero disables idle deadlines.
	IdleTimeout time.Duration

	// RequestTimeout bounds the wait armed by Expect. Zero disables it.
	RequestTimeout time.Duration

	// SweepInterval is how often expired deadlines are collected.
	// Defaults to DefaultSweepInterval.
	SweepInterval time.Duration

	// Log receives watchdog diagnostics. The zero value is silent.
	Log zerolog.Logger

	once    sync.Once
	stop    sync.Once
	running atomic.Bool
	cache   *gocache.Cache
	done    chan struct{}
	wg      sync.WaitGroup
}

// deadline is the cache entry behind an armed connection. A nil entry value
// marks a cancelled deadline.
type deadline struct {
	conn *Conn
	kind pipeline.ReasonKind
}

// Start launches the sweep goroutine. Further calls are no-ops.
func (w *Watchdog) Start() {
	w.once.Do(func() {
		w.cache = gocache.New(gocache.NoExpiration, 0)
		w.cache.OnEvicted(w.expired)
		w.done = make(chan struct{})
		w.running.Store(true)

		w.wg.Add(1)
		go w.sweep()
	})
}

// Stop halts the sweep. Armed deadlines are discarded without firing.
func (w *Watchdog) Stop() {
	w.stop.Do(func() {
		if !w.running.Swap(false) {
			return
		}
		close(w.done)
		w.wg.Wait()
		w.cache.Flush()
	})
}

// Touch re-arms the idle deadline of c. A pending request deadline outranks
// incoming traffic and is left in place.
func (w *Watchdog) Touch(c *Conn) {
	if !w.running.Load() || w.IdleTimeout <= 0 {
		return
	}
	key := c.Key().String()
	if v, ok := w.cache.Get(key); ok {
		if d, ok := v.(deadline); ok && d.kind == pipeline.KRequestTimeout {
			return
		}
	}
	w.cache.Set(key, deadline{conn: c, kind: pipeline.KIdleTimeout}, w.IdleTimeout)
}

// Expect arms the request deadline of c: unless Settle is called within
// RequestTimeout, c is closed with RequestTimeout.
func (w *Watchdog) Expect(c *Conn) {
	if !w.running.Load() || w.RequestTimeout <= 0 {
		return
	}
	w.cache.Set(c.Key().String(), deadline{conn: c, kind: pipeline.KRequestTimeout}, w.RequestTimeout)
}

// Settle drops the request deadline of c and falls back to the idle one.
func (w *Watchdog) Settle(c *Conn) {
	if !w.running.Load() {
		return
	}
	w.drop(c.Key().String())
	w.Touch(c)
}

// Forget disarms c entirely. Called by the runner once c is closed.
func (w *Watchdog) Forget(c *Conn) {
	if !w.running.Load() {
		return
	}
	w.drop(c.Key().String())
}

// drop disarms key without firing. Delete runs the eviction callback, so
// the entry is overwritten with a nil value first; expired skips nil.
func (w *Watchdog) drop(key string) {
	w.cache.Set(key, nil, gocache.NoExpiration)
	w.cache.Delete(key)
}

// expired runs for every evicted entry, swept and dropped alike.
func (w *Watchdog) expired(key string, v any) {
	d, ok := v.(deadline)
	if !ok || d.conn.Closed() {
		return
	}

	reason := pipeline.IdleTimeout
	if d.kind == pipeline.KRequestTimeout {
		reason = pipeline.RequestTimeout
	}

	w.Log.Debug().Str("conn", key).Stringer("kind", d.kind).Msg("deadline expired")
	d.conn.Close(reason)
}

func (w *Watchdog) sweep() {
	defer w.wg.Done()

	t := time.NewTicker(w.sweepInterval())
	defer t.Stop()

	for {
		select {
		case <-t.C:
			w.cache.DeleteExpired()
		case <-w.done:
			return
		}
	}
}

func (w *Watchdog) sweepInterval() time.Duration {
	if w.SweepInterval <= 0 {
		return DefaultSweepInterval
	}
	return w.SweepInterval
}

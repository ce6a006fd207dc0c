package endpoint

import (
	"sync"
	"sync/atomic"
	"time"
)

var timerPool = &TimerPool{}

// TimerPool recycles the timers that bound every blocking wait. fresh plus
// reused equal the total acquisitions; subtracting put gives the timers
// currently armed.
type TimerPool struct {
	sp sync.Pool

	fresh  atomic.Uint32
	reused atomic.Uint32
	put    atomic.Uint32
}

func (p *TimerPool) acquire(timeout time.Duration) *time.Timer {
	v := p.sp.Get()
	if v == nil {
		p.fresh.Add(1)
		return time.NewTimer(timeout)
	}
	p.reused.Add(1)
	t := v.(*time.Timer)
	t.Reset(timeout)
	return t
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	p.put.Add(1)
}

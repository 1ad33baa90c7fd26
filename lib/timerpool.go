package lib

import (
	"sync"
	"time"
)

// TimerPool recycles timers for the server's accept retry delays.
type TimerPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *TimerPool) acquire(d time.Duration) *time.Timer {
	if t, ok := p.sp.Get().(*time.Timer); ok {
		p.m.acquired(true)
		t.Reset(d)
		return t
	}
	p.m.acquired(false)
	return time.NewTimer(d)
}

func (p *TimerPool) release(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	p.sp.Put(t)
	p.m.released()
}

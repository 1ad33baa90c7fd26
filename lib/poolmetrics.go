package lib

import (
	"fmt"
	"sync/atomic"
	"time"
)

var DefaultTickerDuration = 1 * time.Second

// PoolMetrics tracks how often a pool allocates, hands out recycled values and
// takes them back. The live counters cover the current tick; fold moves them
// into the totals. Values currently checked out of the pool amount to
// created + reused - returned, summed over both.
type PoolMetrics struct {
	created  atomic.Uint32
	reused   atomic.Uint32
	returned atomic.Uint32

	totalCreated  atomic.Uint64
	totalReused   atomic.Uint64
	totalReturned atomic.Uint64

	done chan struct{}
}

func newPoolMetrics() *PoolMetrics {
	return &PoolMetrics{}
}

func (p *PoolMetrics) acquired(reused bool) {
	if reused {
		p.reused.Add(1)
	} else {
		p.created.Add(1)
	}
}

func (p *PoolMetrics) released() { p.returned.Add(1) }

func (p *PoolMetrics) fold() {
	p.totalCreated.Add(uint64(p.created.Swap(0)))
	p.totalReused.Add(uint64(p.reused.Swap(0)))
	p.totalReturned.Add(uint64(p.returned.Swap(0)))
}

// start folds once per DefaultTickerDuration until release.
func (p *PoolMetrics) start() {
	if p.done != nil {
		return
	}

	ticker := time.NewTicker(DefaultTickerDuration)
	done := make(chan struct{})
	p.done = done

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.fold()
			case <-done:
				p.fold()
				return
			}
		}
	}()
}

func (p *PoolMetrics) release() {
	if p.done != nil {
		close(p.done)
		p.done = nil
	}
}

// metricsString renders "[ live, totals ]", each as created|reused|returned.
func (p *PoolMetrics) metricsString() string {
	return fmt.Sprintf("[ %v|%v|%v, %v|%v|%v ]",
		p.created.Load(), p.reused.Load(), p.returned.Load(),
		p.totalCreated.Load(), p.totalReused.Load(), p.totalReturned.Load())
}

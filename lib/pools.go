package lib

import (
	"fmt"
	"sync"
)

var pendingWritePool = &PendingWritePool{sp: sync.Pool{}, m: newPoolMetrics()}
var readerPool = &BufioPool{m: newPoolMetrics()}
var writerPool = &BufioPool{m: newPoolMetrics()}
var timerPool = &TimerPool{m: newPoolMetrics()}

var metricsMu sync.Mutex

// StartPoolMetrics starts folding pool counters into accumulated totals once
// per DefaultTickerDuration. Stop it with ReleasePoolMetrics.
func StartPoolMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	pendingWritePool.m.start()
	readerPool.m.start()
	writerPool.m.start()
	timerPool.m.start()
}

func ReleasePoolMetrics() {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	pendingWritePool.m.release()
	readerPool.m.release()
	writerPool.m.release()
	timerPool.m.release()
}

func JsonStringPoolMetrics() string {
	return fmt.Sprintf("{\"pendingWritePool\" = %s, \"readerPool\" = %s, \"writerPool\" = %s, \"timerPool\" = %s}",
		pendingWritePool.m.metricsString(),
		readerPool.m.metricsString(),
		writerPool.m.metricsString(),
		timerPool.m.metricsString(),
	)
}

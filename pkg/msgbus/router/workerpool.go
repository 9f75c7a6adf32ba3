package router

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// workerPool fans a per-tick node-service pass out across a fixed set of
// goroutines once the adopted node count passes the router's configured
// threshold (SPEC_FULL.md §4.4/§5); below it, the router services nodes
// serially on its own goroutine and workerPool is never invoked.
type workerPool struct {
	threshold int
	size      int
}

func newWorkerPool(threshold int) *workerPool {
	size := runtime.GOMAXPROCS(0)
	if size < 2 {
		size = 2
	}
	return &workerPool{threshold: threshold, size: size}
}

// run services every node in nodes via fn, distributed across the pool,
// and reports whether any call returned true. fn runs on several
// goroutines at once; the router's serviceNode takes Router.mu itself
// (read-locked while forwarding, write-locked to remove an unusable node).
func (p *workerPool) run(nodes []*routedNode, fn func(*routedNode) bool) bool {
	if len(nodes) == 0 {
		return false
	}

	var idx int64 = -1
	var workDone int32
	var wg sync.WaitGroup

	workers := p.size
	if workers > len(nodes) {
		workers = len(nodes)
	}
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				i := atomic.AddInt64(&idx, 1)
				if i >= int64(len(nodes)) {
					return
				}
				if fn(nodes[i]) {
					atomic.StoreInt32(&workDone, 1)
				}
			}
		}()
	}
	wg.Wait()
	return workDone != 0
}

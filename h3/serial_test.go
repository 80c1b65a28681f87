package h3

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestSerialRunner(t *testing.T) {
	var running, maxRunning, passes int32
	var pending atomic.Int32

	var r *SerialRunner
	r = NewSerialRunner(func() {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&maxRunning) {
			atomic.StoreInt32(&maxRunning, n)
		}
		pending.Store(0)
		atomic.AddInt32(&passes, 1)
		atomic.AddInt32(&running, -1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				pending.Store(1)
				r.Run()
			}
		}()
	}
	wg.Wait()
	if maxRunning != 1 {
		t.Error("overlapping passes", maxRunning)
	}
	// Every Run is followed by a pass that observed its work.
	if pending.Load() != 0 {
		t.Error("lost wakeup")
	}
	if passes == 0 {
		t.Error("no passes")
	}
}

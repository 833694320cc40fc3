package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestEachRunsAll(t *testing.T) {
	p := NewGoRoutinePool(4)
	defer p.Stop()

	var sum int64
	p.Each(100, func(i int) {
		atomic.AddInt64(&sum, int64(i))
	})
	if sum != 99*100/2 {
		t.Errorf("sum = %d, want %d", sum, 99*100/2)
	}
}

func TestWorkerCap(t *testing.T) {
	p := NewGoRoutinePool(3)
	defer p.Stop()

	var mu sync.Mutex
	running, peak := 0, 0
	block := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(9)
	go func() {
		for i := 0; i < 9; i++ {
			p.Schedule(func() {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				<-block
				mu.Lock()
				running--
				mu.Unlock()
				wg.Done()
			})
		}
	}()

	close(block)
	wg.Wait()
	if peak > 3 {
		t.Errorf("observed %d concurrent workers, cap is 3", peak)
	}
}

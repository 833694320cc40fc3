/******************************************************************************
 *
 *  Description :
 *    A small bounded worker pool for fan-out of independent store lookups.
 *
 *****************************************************************************/
package concurrency

import "sync"

// Task is a unit of work submitted to the pool.
type Task func()

// GoRoutinePool runs submitted tasks on at most a fixed number of goroutines.
// Workers are started lazily and linger waiting for more work until the pool
// is stopped.
type GoRoutinePool struct {
	work chan Task
	// Semaphore bounding the number of started workers.
	sem  chan struct{}
	quit chan struct{}
}

// NewGoRoutinePool allocates a pool of up to numWorkers goroutines.
func NewGoRoutinePool(numWorkers int) *GoRoutinePool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &GoRoutinePool{
		work: make(chan Task),
		sem:  make(chan struct{}, numWorkers),
		quit: make(chan struct{}),
	}
}

// Schedule hands the task to an idle worker, or starts a new one if the pool
// is not yet at capacity. Blocks while all workers are busy.
func (p *GoRoutinePool) Schedule(task Task) {
	select {
	case p.work <- task:
	case p.sem <- struct{}{}:
		go p.worker(task)
	}
}

// Each schedules fn for every index in [0, n) and waits for all of them to
// finish. The usual pattern for bounded fan-out over a slice.
func (p *GoRoutinePool) Each(n int, fn func(i int)) {
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		p.Schedule(func() {
			defer wg.Done()
			fn(i)
		})
	}
	wg.Wait()
}

// Stop terminates idle workers and prevents busy ones from picking up more
// work. Tasks already running are not interrupted.
func (p *GoRoutinePool) Stop() {
	close(p.quit)
}

func (p *GoRoutinePool) worker(task Task) {
	defer func() { <-p.sem }()
	for {
		task()
		select {
		case task = <-p.work:
		case <-p.quit:
			return
		}
	}
}

package simulator

import "sync"

func newWorkerPool(size int) *workerPool {
	p := workerPool{tasks: make(chan func())}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.work()
	}
	return &p
}

// workerPool runs tasks on a fixed set of goroutines that live as long as the simulator.
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

func (p *workerPool) work() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// run hands every task to the workers and returns once all of them completed.
func (p *workerPool) run(tasks ...func()) {
	var barrier sync.WaitGroup
	barrier.Add(len(tasks))
	for _, task := range tasks {
		task := task
		p.tasks <- func() {
			defer barrier.Done()
			task()
		}
	}
	barrier.Wait()
}

func (p *workerPool) close() {
	close(p.tasks)
	p.wg.Wait()
}

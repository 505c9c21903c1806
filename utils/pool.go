package utils

import "sync"

type Task interface {
	Do()
}

type GoPool struct {
	size int // goroutine number
	tch  chan Task
	once sync.Once
	wg   sync.WaitGroup
}

func NewPool(size, queue int) *GoPool {
	if size <= 2 {
		size = 8
	}
	if size > 64 {
		size = 64
	}
	if queue < size {
		queue = size
	}
	return &GoPool{size: size, tch: make(chan Task, queue)}
}

func (p *GoPool) Run() {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go func(tch <-chan Task) {
			defer p.wg.Done()
			for t := range tch {
				t.Do()
			}
		}(p.tch)
	}
}

func (p *GoPool) Put(t Task) {
	p.tch <- t
}

// TryPut queues t unless the queue is full.
func (p *GoPool) TryPut(t Task) bool {
	select {
	case p.tch <- t:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for running tasks. Put must not be called
// afterwards.
func (p *GoPool) Stop() {
	p.once.Do(func() { close(p.tch) })
	p.wg.Wait()
}

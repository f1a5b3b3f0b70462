package inspector

import "sync"

// runLoop is a single-goroutine task executor. Embedded object databases
// require all interaction to happen on one execution context; every adapter
// call the server makes is funneled through one of these.
type runLoop struct {
	mu     sync.Mutex
	tasks  chan func()
	closed bool
	done   chan struct{}
}

func newRunLoop() *runLoop {
	l := &runLoop{
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *runLoop) run() {
	defer close(l.done)
	for task := range l.tasks {
		task()
	}
}

// Do enqueues task; returns false once the loop has shut down.
func (l *runLoop) Do(task func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks <- task
	return true
}

// DoWait runs task on the loop and blocks until it returns. Calling DoWait
// from the loop itself would deadlock; nothing in the server does.
func (l *runLoop) DoWait(task func()) bool {
	ch := make(chan struct{})
	ok := l.Do(func() {
		defer close(ch)
		task()
	})
	if !ok {
		return false
	}
	<-ch
	return true
}

// Close drains queued tasks and stops the goroutine. Idempotent.
func (l *runLoop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	close(l.tasks)
	l.mu.Unlock()
	<-l.done
}

// Package task implements the deferred-work queue that feeds the reactor.
//
// A Runner keeps tasks ordered by deadline in a min-heap and wakes the
// reactor through a self-pipe whenever work is posted from another
// goroutine. Post, PostDelayed and PostAndWait are safe to call off the
// reactor goroutine.
package task

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openthread/otbr-agent/internal/mainloop"
	"github.com/openthread/otbr-agent/internal/otbr"
)

// Task is a unit of deferred work. It runs exactly once, on the reactor
// goroutine, unless the Runner is shut down first.
type Task func()

type queuedTask struct {
	deadline time.Time
	seq      uint64
	run      Task
}

// taskHeap orders by deadline, then FIFO among equal deadlines.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*queuedTask)) }

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Runner is the deferred-work queue. It implements mainloop.Processor:
// Update registers the wake pipe and shrinks the timeout to the earliest
// deadline; Process drains the pipe and runs every ready task.
type Runner struct {
	mutex    sync.Mutex
	tasks    taskHeap
	nextSeq  uint64
	shutdown bool

	// waiters tracks parked PostAndWait callers by task sequence so
	// Shutdown can release them with an Abort error.
	waiters map[uint64]chan struct{}

	wakeRead  int
	wakeWrite int
}

var _ mainloop.Processor = (*Runner)(nil)

// NewRunner creates a Runner with its wake pipe open.
func NewRunner() (*Runner, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, otbr.Wrap(otbr.KindGeneric, err, "failed to create task wake pipe")
	}
	return &Runner{
		waiters:   make(map[uint64]chan struct{}),
		wakeRead:  fds[0],
		wakeWrite: fds[1],
	}, nil
}

// Post enqueues a task for execution as soon as possible. Safe to call from
// any goroutine.
func (r *Runner) Post(task Task) {
	r.PostDelayed(0, task)
}

// PostDelayed enqueues a task with deadline now + delay. Safe to call from
// any goroutine. Posting a task that sorts earlier than all queued tasks
// wakes the reactor so the poll timeout is recomputed.
func (r *Runner) PostDelayed(delay time.Duration, task Task) {
	r.mutex.Lock()
	if r.shutdown {
		r.mutex.Unlock()
		return
	}
	qt := &queuedTask{
		deadline: time.Now().Add(delay),
		seq:      r.nextSeq,
		run:      task,
	}
	r.nextSeq++
	heap.Push(&r.tasks, qt)
	r.mutex.Unlock()

	r.wake()
}

// PostAndWait enqueues a task and blocks the calling goroutine until it has
// executed on the reactor goroutine. Returns an Abort error if the Runner is
// shut down before the task runs.
func (r *Runner) PostAndWait(task Task) error {
	done := make(chan struct{})
	ran := false

	r.mutex.Lock()
	if r.shutdown {
		r.mutex.Unlock()
		return otbr.Errorf(otbr.KindAbort, "task runner is shut down")
	}
	seq := r.nextSeq
	qt := &queuedTask{
		deadline: time.Now(),
		seq:      seq,
		run: func() {
			task()
			r.mutex.Lock()
			if r.shutdown {
				// Shutdown owns the channel now and will close it.
				r.mutex.Unlock()
				return
			}
			ran = true
			delete(r.waiters, seq)
			r.mutex.Unlock()
			close(done)
		},
	}
	r.nextSeq++
	heap.Push(&r.tasks, qt)
	r.waiters[seq] = done
	r.mutex.Unlock()

	r.wake()

	<-done
	if !ran {
		// The channel was closed by Shutdown rather than by the task.
		return otbr.Errorf(otbr.KindAbort, "task runner shut down while waiting")
	}
	return nil
}

// Update implements mainloop.Processor.
func (r *Runner) Update(ctx *mainloop.Context) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.wakeRead >= 0 {
		ctx.AddFdToReadSet(r.wakeRead)
	}
	if len(r.tasks) > 0 {
		ctx.ShrinkTimeout(time.Until(r.tasks[0].deadline))
	}
}

// Process implements mainloop.Processor. It drains the wake pipe, then pops
// and runs every task whose deadline has passed. A task posted while
// draining runs in this iteration only if it is already ready.
func (r *Runner) Process(ctx *mainloop.Context) {
	r.mutex.Lock()
	wakeRead := r.wakeRead
	r.mutex.Unlock()
	if wakeRead >= 0 && ctx.ReadFdSet.IsSet(wakeRead) {
		drainPipe(wakeRead)
	}

	for {
		r.mutex.Lock()
		if len(r.tasks) == 0 || r.tasks[0].deadline.After(time.Now()) {
			r.mutex.Unlock()
			return
		}
		qt := heap.Pop(&r.tasks).(*queuedTask)
		run := qt.run
		qt.run = nil
		r.mutex.Unlock()

		if run != nil {
			run()
		}
	}
}

// Shutdown closes the wake pipe and releases parked PostAndWait callers
// with an Abort error. Queued tasks are dropped.
func (r *Runner) Shutdown() {
	r.mutex.Lock()
	if r.shutdown {
		r.mutex.Unlock()
		return
	}
	r.shutdown = true
	r.tasks = nil
	waiters := r.waiters
	r.waiters = nil
	unix.Close(r.wakeRead)
	unix.Close(r.wakeWrite)
	r.wakeRead, r.wakeWrite = -1, -1
	r.mutex.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

func (r *Runner) wake() {
	r.mutex.Lock()
	fd := r.wakeWrite
	r.mutex.Unlock()
	if fd >= 0 {
		// A full pipe already guarantees a pending wakeup.
		_, _ = unix.Write(fd, []byte{0})
	}
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

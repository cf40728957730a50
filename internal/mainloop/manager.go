package mainloop

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Manager owns the ordered list of processors and runs the reactor loop.
//
// Registration happens on the reactor goroutine before or between loop
// iterations. BreakMainloop is the only method safe to call from other
// goroutines: it latches an atomic flag and writes one byte into an internal
// self-pipe so the blocking select(2) returns immediately.
type Manager struct {
	logger     *zap.Logger
	processors []Processor

	shouldBreak atomic.Bool

	// wakeMutex guards the wake pipe descriptors, which exist only while
	// Run is active.
	wakeMutex sync.Mutex
	wakeRead  int
	wakeWrite int
}

// NewManager creates a Manager with no processors registered.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:    logger,
		wakeRead:  -1,
		wakeWrite: -1,
	}
}

// AddProcessor links a processor into the reactor. Registering the same
// processor twice is a programming error.
func (m *Manager) AddProcessor(p Processor) {
	for _, existing := range m.processors {
		if existing == p {
			panic("mainloop: processor registered twice")
		}
	}
	m.processors = append(m.processors, p)
}

// RemoveProcessor unlinks a processor from the reactor.
func (m *Manager) RemoveProcessor(p Processor) {
	for i, existing := range m.processors {
		if existing == p {
			m.processors = append(m.processors[:i], m.processors[i+1:]...)
			return
		}
	}
}

// Run drives the reactor until BreakMainloop is called, returning 0, or a
// select(2) error other than EINTR occurs, returning -1.
//
// maxPollTimeout bounds how long a single iteration may sleep when no
// processor has an earlier deadline.
//
// If BreakMainloop was invoked before Run, the latched flag makes the first
// iteration exit immediately.
func (m *Manager) Run(maxPollTimeout time.Duration) int {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		m.logger.Error("failed to create wake pipe", zap.Error(err))
		return -1
	}
	m.wakeMutex.Lock()
	m.wakeRead, m.wakeWrite = fds[0], fds[1]
	m.wakeMutex.Unlock()

	defer func() {
		m.wakeMutex.Lock()
		unix.Close(m.wakeRead)
		unix.Close(m.wakeWrite)
		m.wakeRead, m.wakeWrite = -1, -1
		m.wakeMutex.Unlock()
	}()

	for !m.shouldBreak.Load() {
		ctx := &Context{MaxFd: -1, Timeout: maxPollTimeout}
		ctx.AddFdToReadSet(m.wakeRead)

		for _, p := range m.processors {
			p.Update(ctx)
		}

		tv := unix.NsecToTimeval(ctx.Timeout.Nanoseconds())
		n, err := unix.Select(ctx.MaxFd+1, &ctx.ReadFdSet, &ctx.WriteFdSet, &ctx.ErrorFdSet, &tv)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.logger.Error("select failed", zap.Error(err))
			return -1
		}

		if m.shouldBreak.Load() {
			break
		}

		if n >= 0 && ctx.ReadFdSet.IsSet(m.wakeRead) {
			m.drainWakePipe()
		}

		for _, p := range m.processors {
			p.Process(ctx)
		}
	}

	return 0
}

// BreakMainloop asks the reactor to exit. Safe to call from any goroutine
// and from signal handling paths. Calling it before Run latches; the next
// Run exits on its first iteration.
func (m *Manager) BreakMainloop() {
	m.shouldBreak.Store(true)

	m.wakeMutex.Lock()
	defer m.wakeMutex.Unlock()
	if m.wakeWrite >= 0 {
		// A full pipe already guarantees a pending wakeup.
		_, _ = unix.Write(m.wakeWrite, []byte{0})
	}
}

// ResetBreak clears a latched break so the manager can run again.
func (m *Manager) ResetBreak() {
	m.shouldBreak.Store(false)
}

func (m *Manager) drainWakePipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(m.wakeRead, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

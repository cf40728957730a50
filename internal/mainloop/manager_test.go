package mainloop

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// countingProcessor records Update/Process invocations and can break the
// loop after a number of iterations.
type countingProcessor struct {
	mgr        *Manager
	updates    atomic.Int32
	processes  atomic.Int32
	breakAfter int32
}

func (p *countingProcessor) Update(ctx *Context) {
	p.updates.Add(1)
	ctx.ShrinkTimeout(time.Millisecond)
}

func (p *countingProcessor) Process(ctx *Context) {
	if p.processes.Add(1) >= p.breakAfter {
		p.mgr.BreakMainloop()
	}
}

// TestRunBreaksFromProcessor verifies the loop exits with 0 when a processor
// calls BreakMainloop, and that Update runs before Process each iteration.
func TestRunBreaksFromProcessor(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	p := &countingProcessor{mgr: mgr, breakAfter: 3}
	mgr.AddProcessor(p)

	if rval := mgr.Run(10 * time.Second); rval != 0 {
		t.Fatalf("Run() = %d, want 0", rval)
	}

	if p.processes.Load() < 3 {
		t.Errorf("Process ran %d times, want >= 3", p.processes.Load())
	}
	if p.updates.Load() < p.processes.Load() {
		t.Errorf("updates (%d) < processes (%d); Update must precede Process",
			p.updates.Load(), p.processes.Load())
	}
}

// TestBreakBeforeRunLatches verifies a break issued before Run makes the
// first iteration exit immediately.
func TestBreakBeforeRunLatches(t *testing.T) {
	mgr := NewManager(zap.NewNop())
	mgr.BreakMainloop()

	done := make(chan int, 1)
	go func() { done <- mgr.Run(time.Hour) }()

	select {
	case rval := <-done:
		if rval != 0 {
			t.Errorf("Run() = %d, want 0", rval)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after latched break")
	}
}

// TestBreakFromOtherGoroutine verifies the self-pipe wakes a loop blocked
// on a long timeout.
func TestBreakFromOtherGoroutine(t *testing.T) {
	mgr := NewManager(zap.NewNop())

	done := make(chan int, 1)
	go func() { done <- mgr.Run(time.Hour) }()

	// Give the loop a moment to enter select before breaking.
	time.Sleep(50 * time.Millisecond)
	mgr.BreakMainloop()

	select {
	case rval := <-done:
		if rval != 0 {
			t.Errorf("Run() = %d, want 0", rval)
		}
	case <-time.After(time.Second):
		t.Fatal("BreakMainloop did not wake the reactor")
	}
}

// TestDuplicateRegistrationPanics verifies duplicate registration is treated
// as a programming error.
func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate AddProcessor did not panic")
		}
	}()

	mgr := NewManager(zap.NewNop())
	p := &countingProcessor{mgr: mgr, breakAfter: 1}
	mgr.AddProcessor(p)
	mgr.AddProcessor(p)
}

// TestShrinkTimeoutClamps verifies negative deadlines clamp to zero and
// larger values never grow the timeout.
func TestShrinkTimeoutClamps(t *testing.T) {
	ctx := &Context{MaxFd: -1, Timeout: time.Second}

	ctx.ShrinkTimeout(2 * time.Second)
	if ctx.Timeout != time.Second {
		t.Errorf("timeout grew to %v", ctx.Timeout)
	}

	ctx.ShrinkTimeout(-time.Second)
	if ctx.Timeout != 0 {
		t.Errorf("negative shrink gave %v, want 0", ctx.Timeout)
	}
}

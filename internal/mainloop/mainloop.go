// Package mainloop implements the cooperative I/O reactor that multiplexes
// every file descriptor and timer in the agent onto a single thread.
//
// A Processor contributes descriptors and a deadline in Update, and performs
// bounded non-blocking work in Process after the wait returns. All core
// mutation in the agent happens on the goroutine that runs the Manager;
// auxiliary goroutines may only call BreakMainloop or post tasks through the
// task runner.
package mainloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Context carries the descriptor sets and timeout for one reactor iteration.
type Context struct {
	// ReadFdSet, WriteFdSet and ErrorFdSet are the select(2) input sets.
	ReadFdSet  unix.FdSet
	WriteFdSet unix.FdSet
	ErrorFdSet unix.FdSet

	// MaxFd is the highest descriptor added to any set, or -1 when empty.
	MaxFd int

	// Timeout is the maximum time the reactor may block. Processors shrink
	// it in Update; they never grow it.
	Timeout time.Duration
}

// AddFdToReadSet adds a descriptor to the read set, tracking MaxFd.
func (c *Context) AddFdToReadSet(fd int) {
	c.ReadFdSet.Set(fd)
	if fd > c.MaxFd {
		c.MaxFd = fd
	}
}

// AddFdToWriteSet adds a descriptor to the write set, tracking MaxFd.
func (c *Context) AddFdToWriteSet(fd int) {
	c.WriteFdSet.Set(fd)
	if fd > c.MaxFd {
		c.MaxFd = fd
	}
}

// AddFdToErrorSet adds a descriptor to the error set, tracking MaxFd.
func (c *Context) AddFdToErrorSet(fd int) {
	c.ErrorFdSet.Set(fd)
	if fd > c.MaxFd {
		c.MaxFd = fd
	}
}

// ShrinkTimeout lowers the iteration timeout. Values below zero clamp to
// zero so an overdue deadline makes the wait return immediately.
func (c *Context) ShrinkTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	if d < c.Timeout {
		c.Timeout = d
	}
}

// Processor is implemented by every component driven by the reactor.
//
// Update and Process are always called on the reactor goroutine, in
// registration order. Process must not block beyond one bounded socket
// operation, and must not panic across the reactor boundary.
type Processor interface {
	// Update adds the processor's descriptors to the context sets and
	// shrinks the timeout if the processor has an earlier deadline.
	Update(ctx *Context)

	// Process examines which descriptors fired and performs bounded work.
	Process(ctx *Context)
}

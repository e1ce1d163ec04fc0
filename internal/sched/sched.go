// Package sched defines how a child's initial thread is put to work.
//
// The supervisor never interprets the child image. Once the child context is
// startable, the image reference, label and session opener are handed to a
// Scheduler backend which runs the payload until it exits or is stopped.
package sched

import (
	"context"
	"errors"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/image"
)

// ErrNoImage is returned when a thread without an image is scheduled.
var ErrNoImage = errors.New("thread has no image")

// Thread describes the child's initial thread as seen by a backend.
type Thread struct {
	// Name is the thread name, for example "hello_child thread".
	Name  string
	Label string
	Image *image.Image

	StackSize   uint64
	MemoryLimit uint64
	NanoCPUs    int64

	// Sessions is the only way the running child may reach a service.
	Sessions broker.Opener
}

// Task is a scheduled thread.
type Task interface {
	// Wait blocks until the task exits or ctx is done. A task that exits on
	// its own reports its exit error; later calls return the same result.
	Wait(ctx context.Context) error

	// Stop terminates the task and waits for it to exit. Implementations
	// are idempotent.
	Stop(ctx context.Context) error
}

// Scheduler launches threads.
type Scheduler interface {
	Schedule(ctx context.Context, th Thread) (Task, error)
}

// Func adapts a function to the Scheduler interface.
type Func func(ctx context.Context, th Thread) (Task, error)

func (f Func) Schedule(ctx context.Context, th Thread) (Task, error) {
	return f(ctx, th)
}

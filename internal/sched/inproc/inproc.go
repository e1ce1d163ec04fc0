// Package inproc schedules registered payloads as goroutines of the
// supervisor process.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Paintersrp/warden/internal/payload"
	"github.com/Paintersrp/warden/internal/sched"
)

// Name is the backend name used in configuration.
const Name = "inproc"

func init() {
	sched.Register(Name, New)
}

type scheduler struct{}

// New returns the in-process scheduler.
func New() sched.Scheduler {
	return scheduler{}
}

func (scheduler) Schedule(ctx context.Context, th sched.Thread) (sched.Task, error) {
	if th.Image == nil {
		return nil, sched.ErrNoImage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fn, err := payload.Lookup(th.Image.Ref)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", th.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	env := payload.Env{Label: th.Label, Image: *th.Image, Sessions: th.Sessions}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("payload %s panicked: %v", th.Image.Name, r)
			}
		}()
		err := fn(runCtx, env)
		if errors.Is(err, context.Canceled) && runCtx.Err() != nil {
			err = nil
		}
		t.err = err
	}()
	return t, nil
}

type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	stopOnce sync.Once
}

func (t *task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) Stop(ctx context.Context) error {
	t.stopOnce.Do(t.cancel)
	return t.Wait(ctx)
}

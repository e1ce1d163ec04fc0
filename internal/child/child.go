// Package child aggregates the handles that make up one isolated child.
//
// A Context is built from handles the supervisor already acquired. It owns
// them from the moment Build succeeds and releases them exactly once, in
// dependency order, when terminated. Transitions are strictly linear:
//
//	Unbuilt → HandlesAcquired → QuotaTransferred → ThreadBound →
//	Startable → Running → Terminated
//
// Calling an operation in the wrong state is a programming error and
// panics.
package child

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/kernel"
	"github.com/Paintersrp/warden/internal/policy"
	"github.com/Paintersrp/warden/internal/quota"
	"github.com/Paintersrp/warden/internal/sched"
)

// DefaultStopTimeout bounds how long Terminate waits for the scheduled task.
const DefaultStopTimeout = 15 * time.Second

var (
	// ErrInvalidHandle is returned by Build when a required handle is missing
	// or no longer valid.
	ErrInvalidHandle = errors.New("invalid child handle")
	// ErrInconsistent is returned when handles do not refer to each other.
	ErrInconsistent = errors.New("inconsistent child handles")
	// ErrQuota is returned when the child account is not funded.
	ErrQuota = errors.New("child quota not transferred")
)

// InitialThread binds a thread to the CPU and PD it was created from.
type InitialThread struct {
	Name   string
	Thread *kernel.Capability
	CPU    *kernel.Capability
	PD     *kernel.Capability
}

// Valid reports whether the thread and both of its sources are live and the
// thread was derived from them.
func (t InitialThread) Valid(k kernel.Kernel) bool {
	if !k.Valid(t.Thread) || !k.Valid(t.CPU) || !k.Valid(t.PD) {
		return false
	}
	return derivedFrom(t.Thread, t.CPU, t.PD)
}

// AddressSpace is the region map attached to the child's PD.
type AddressSpace struct {
	RegionMap *kernel.Capability
	PD        *kernel.Capability
}

// Entrypoint is the RPC entrypoint the child's sessions are served on.
type Entrypoint struct {
	Cap       *kernel.Capability
	EP        *kernel.Capability
	StackSize int64
}

// Parts lists everything Build needs. PD and RAM appear in two roles each,
// the child's own and the session role handed to the child; they usually
// alias the same capability.
type Parts struct {
	Label string

	// Image is the ROM capability of the child image, nil in no-image mode.
	Image *kernel.Capability
	// Fallback is an optional secondary dataspace (linker or placeholder).
	Fallback *kernel.Capability

	PD         *kernel.Capability
	PDSession  *kernel.Capability
	RAM        *kernel.Capability
	RAMSession *kernel.Capability
	CPU        *kernel.Capability

	Thread       InitialThread
	AddressSpace AddressSpace
	Entrypoint   Entrypoint

	Policy policy.Policy
	Parent broker.Parent

	QuotaBytes  uint64
	NanoCPUs    int64
	StackSize   uint64
	StopTimeout time.Duration
}

// Option configures a Context.
type Option func(*Context)

// OnState registers a callback invoked after every state change. It runs
// with the context locked and must not call back into it.
func OnState(fn func(State)) Option {
	return func(c *Context) { c.onState = fn }
}

// OnRelease registers a callback invoked for every handle Terminate closes.
func OnRelease(fn func(c *kernel.Capability, err error)) Option {
	return func(c *Context) { c.onRelease = fn }
}

// WithBrokerOptions passes options through to the child's session broker.
func WithBrokerOptions(opts ...broker.Option) Option {
	return func(c *Context) { c.brokerOpts = append(c.brokerOpts, opts...) }
}

// Context is one child. It is safe for concurrent use.
type Context struct {
	k     kernel.Kernel
	parts Parts

	onState    func(State)
	onRelease  func(*kernel.Capability, error)
	brokerOpts []broker.Option

	broker  *broker.Broker
	account *quota.Account

	mu    sync.Mutex
	state State
	task  sched.Task
}

// Build validates parts and returns a context in ThreadBound. On error the
// caller still owns every handle in parts.
func Build(k kernel.Kernel, parts Parts, opts ...Option) (*Context, error) {
	if k == nil {
		return nil, errors.New("build child: kernel is required")
	}
	c := &Context{k: k, parts: parts, state: Unbuilt}
	for _, opt := range opts {
		opt(c)
	}
	if c.parts.StopTimeout <= 0 {
		c.parts.StopTimeout = DefaultStopTimeout
	}
	if parts.Label == "" {
		return nil, fmt.Errorf("build child: %w", policy.ErrEmptyLabel)
	}
	if parts.Policy == nil || parts.Parent == nil {
		return nil, fmt.Errorf("build child %s: policy and parent are required", parts.Label)
	}
	if parts.Policy.Label() != parts.Label {
		return nil, fmt.Errorf("build child %s: policy labels requests %q: %w", parts.Label, parts.Policy.Label(), ErrInconsistent)
	}

	if err := c.checkHandles(); err != nil {
		return nil, err
	}
	c.advance(HandlesAcquired)

	acc, err := k.Account(parts.RAM)
	if err != nil {
		return nil, fmt.Errorf("build child %s: %w", parts.Label, err)
	}
	if acc.Ref() == nil {
		return nil, fmt.Errorf("build child %s: account %s has no ref account: %w", parts.Label, acc, ErrQuota)
	}
	if bal := acc.Balance(); bal < parts.QuotaBytes {
		return nil, fmt.Errorf("build child %s: balance %d below quota %d: %w", parts.Label, bal, parts.QuotaBytes, ErrQuota)
	}
	c.account = acc
	c.advance(QuotaTransferred)

	if !parts.Thread.Valid(k) {
		return nil, fmt.Errorf("build child %s: initial thread %s: %w", parts.Label, parts.Thread.Thread, ErrInvalidHandle)
	}
	if parts.Thread.PD != parts.PD || parts.Thread.CPU != parts.CPU {
		return nil, fmt.Errorf("build child %s: initial thread not bound to child PD and CPU: %w", parts.Label, ErrInconsistent)
	}
	c.advance(ThreadBound)

	c.broker = broker.New(parts.Label, parts.Policy, parts.Parent, c.brokerOpts...)
	return c, nil
}

type handleRole struct {
	role string
	cap  *kernel.Capability
	kind kernel.Kind
}

func (c *Context) checkHandles() error {
	p := c.parts
	required := []handleRole{
		{"pd", p.PD, kernel.KindPD},
		{"pd session", p.PDSession, kernel.KindPD},
		{"ram", p.RAM, kernel.KindRAM},
		{"ram session", p.RAMSession, kernel.KindRAM},
		{"cpu", p.CPU, kernel.KindCPU},
		{"region map", p.AddressSpace.RegionMap, kernel.KindRegionMap},
		{"cap session", p.Entrypoint.Cap, kernel.KindCap},
		{"entrypoint", p.Entrypoint.EP, kernel.KindEntrypoint},
	}
	if p.Image != nil {
		required = append(required, handleRole{"image", p.Image, kernel.KindROM})
	}
	for _, r := range required {
		if r.cap.Kind() != r.kind || !c.k.Valid(r.cap) {
			return fmt.Errorf("build child %s: %s handle %s: %w", p.Label, r.role, r.cap, ErrInvalidHandle)
		}
	}
	if p.Fallback != nil && !c.k.Valid(p.Fallback) {
		return fmt.Errorf("build child %s: fallback dataspace %s: %w", p.Label, p.Fallback, ErrInvalidHandle)
	}
	return nil
}

// MarkStartable verifies that every handle is still valid and mutually
// consistent, then opens the session broker.
func (c *Context) MarkStartable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.require(ThreadBound, "MarkStartable")

	if err := c.checkHandles(); err != nil {
		return err
	}
	p := c.parts
	if !p.Thread.Valid(c.k) {
		return fmt.Errorf("child %s: initial thread: %w", p.Label, ErrInvalidHandle)
	}
	if p.AddressSpace.PD != p.Thread.PD || !derivedFrom(p.AddressSpace.RegionMap, p.AddressSpace.PD) {
		return fmt.Errorf("child %s: address space and initial thread use different PDs: %w", p.Label, ErrInconsistent)
	}
	if !derivedFrom(p.Entrypoint.EP, p.Entrypoint.Cap) {
		return fmt.Errorf("child %s: entrypoint not served by cap session: %w", p.Label, ErrInconsistent)
	}

	c.broker.Open()
	c.setLocked(Startable)
	return nil
}

// Start hands the initial thread to sched and moves to Running. In no-image
// mode nothing is scheduled. No resources are acquired after Start.
func (c *Context) Start(ctx context.Context, s sched.Scheduler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.require(Startable, "Start")

	if c.parts.Image != nil {
		if s == nil {
			return fmt.Errorf("start child %s: no scheduler", c.parts.Label)
		}
		img, err := c.k.Dataspace(c.parts.Image)
		if err != nil {
			return fmt.Errorf("start child %s: %w", c.parts.Label, err)
		}
		task, err := s.Schedule(ctx, sched.Thread{
			Name:        c.parts.Thread.Name,
			Label:       c.parts.Label,
			Image:       &img,
			StackSize:   c.parts.StackSize,
			MemoryLimit: c.parts.QuotaBytes,
			NanoCPUs:    c.parts.NanoCPUs,
			Sessions:    c.broker.ForChild(),
		})
		if err != nil {
			return fmt.Errorf("start child %s: %w", c.parts.Label, err)
		}
		c.task = task
	}
	c.setLocked(Running)
	return nil
}

// Wait blocks until the child's task exits or ctx is done. A child without a
// scheduled task only returns when ctx is done.
func (c *Context) Wait(ctx context.Context) error {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return task.Wait(ctx)
}

// Abandon gives every handle back to the caller without closing any of
// them and marks the context Terminated. It is only allowed before Running
// and exists so a failed bootstrap can roll back in acquisition order.
func (c *Context) Abandon() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state >= Running {
		panic(fmt.Sprintf("child %s: Abandon called in state %s", c.parts.Label, c.state))
	}
	err := c.broker.Close()
	c.setLocked(Terminated)
	return err
}

// Terminate closes the session gate, stops the task and releases every
// handle in dependency order: entrypoint, cap session, initial thread,
// address space, RAM, CPU, PD and finally the image. Failures are collected
// and never abort the sequence. A second call is a no-op.
func (c *Context) Terminate() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Terminated {
		return nil
	}

	var errs []error
	if err := c.broker.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close sessions: %w", err))
	}
	if c.task != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.parts.StopTimeout)
		if err := c.task.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.parts.Thread.Name, err))
		}
		cancel()
	}

	for _, h := range c.releaseOrder() {
		err := c.k.Close(h)
		if c.onRelease != nil {
			c.onRelease(h, err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	c.setLocked(Terminated)
	return errs
}

// releaseOrder returns each owned handle once, dependents before the
// objects they were derived from.
func (c *Context) releaseOrder() []*kernel.Capability {
	p := c.parts
	ordered := []*kernel.Capability{
		p.Entrypoint.EP,
		p.Entrypoint.Cap,
		p.Thread.Thread,
		p.AddressSpace.RegionMap,
		p.RAMSession,
		p.RAM,
		p.CPU,
		p.PDSession,
		p.PD,
		p.Image,
		p.Fallback,
	}
	seen := make(map[*kernel.Capability]bool, len(ordered))
	out := make([]*kernel.Capability, 0, len(ordered))
	for _, h := range ordered {
		if h == nil || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Handles returns every capability the context owns in release order.
func (c *Context) Handles() []*kernel.Capability {
	return c.releaseOrder()
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Label returns the child label.
func (c *Context) Label() string { return c.parts.Label }

// Account returns the child's RAM account.
func (c *Context) Account() *quota.Account { return c.account }

// Broker returns the child's session broker.
func (c *Context) Broker() *broker.Broker { return c.broker }

// Sessions returns what the child sees of the session broker.
func (c *Context) Sessions() broker.Opener { return c.broker.ForChild() }

// HasImage reports whether the child was built with an image.
func (c *Context) HasImage() bool { return c.parts.Image != nil }

func (c *Context) require(want State, op string) {
	if c.state != want {
		panic(fmt.Sprintf("child %s: %s called in state %s, want %s", c.parts.Label, op, c.state, want))
	}
}

func (c *Context) advance(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(s)
}

func (c *Context) setLocked(s State) {
	if s < c.state {
		panic(fmt.Sprintf("child %s: transition %s -> %s goes backwards", c.parts.Label, c.state, s))
	}
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

func derivedFrom(c *kernel.Capability, parents ...*kernel.Capability) bool {
	got := c.Parents()
	if len(got) != len(parents) {
		return false
	}
	for i := range parents {
		if got[i] != parents[i] {
			return false
		}
	}
	return true
}

// Package supervisor drives the lifecycle of a single child: it carves out
// the child's resources, builds its context, installs its session policy,
// runs it for a while and tears it down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/child"
	"github.com/Paintersrp/warden/internal/kernel"
	"github.com/Paintersrp/warden/internal/metrics"
	"github.com/Paintersrp/warden/internal/policy"
	"github.com/Paintersrp/warden/internal/sched"
)

// Defaults applied by New.
const (
	DefaultName                = "init"
	DefaultEntrypointStackSize = 8 * 1024
	DefaultStackSize           = 64 * 1024
)

var (
	// ErrChildExists is returned when StartChild is called a second time.
	ErrChildExists = errors.New("supervisor already has a child")
	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")
)

// BootstrapError reports the step at which StartChild failed. Every handle
// acquired during the call has been released when it is returned.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap failed at %s: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// Config carries the invocation parameters.
type Config struct {
	// Name identifies the supervisor itself.
	Name string
	// Label is the fixed identity injected into the child's sessions.
	Label string
	// ImageName selects the child image. Ignored when NoImage is set.
	ImageName string
	NoImage   bool

	QuotaBytes          uint64
	NanoCPUs            int64
	StackSize           uint64
	EntrypointStackSize int64

	Services       []string
	ArgsBufferSize int

	// StopTimeout bounds how long teardown waits for the child task.
	StopTimeout time.Duration
}

// Deps are the collaborators a supervisor talks to.
type Deps struct {
	Kernel    kernel.Kernel
	Scheduler sched.Scheduler
	// Parent receives the child's forwarded sessions. A nil Parent selects a
	// broker.LocalParent whose LOG lines become log events.
	Parent broker.Parent
	// Events receives lifecycle notifications. Lifecycle events are sent
	// synchronously, so the consumer must not call back into the
	// supervisor while handling one.
	Events chan<- Event
	Now    func() time.Time
}

// Supervisor owns at most one child.
type Supervisor struct {
	cfg    Config
	k      kernel.Kernel
	sched  sched.Scheduler
	parent broker.Parent
	events chan<- Event
	now    func() time.Time

	timer   *kernel.Capability
	dropped atomic.Uint64

	mu       sync.Mutex
	child    *child.Context
	starting bool
	closed   bool
}

// New validates cfg and acquires the supervisor's timer.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Kernel == nil {
		return nil, errors.New("supervisor: kernel is required")
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Label == "" {
		return nil, fmt.Errorf("supervisor: %w", policy.ErrEmptyLabel)
	}
	if !cfg.NoImage && cfg.ImageName == "" {
		return nil, errors.New("supervisor: image name is required unless running without an image")
	}
	if cfg.QuotaBytes == 0 {
		return nil, errors.New("supervisor: child quota must be positive")
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.EntrypointStackSize <= 0 {
		cfg.EntrypointStackSize = DefaultEntrypointStackSize
	}
	if len(cfg.Services) == 0 {
		cfg.Services = append([]string(nil), policy.DefaultServices...)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = child.DefaultStopTimeout
	}

	s := &Supervisor{
		cfg:    cfg,
		k:      deps.Kernel,
		sched:  deps.Scheduler,
		parent: deps.Parent,
		events: deps.Events,
		now:    deps.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.parent == nil {
		s.parent = broker.NewLocalParent(s.childLog)
	}

	timer, err := s.k.Connect(context.Background(), kernel.KindTimer, kernel.Params{Label: cfg.Name})
	if err != nil {
		return nil, &BootstrapError{Step: StepTimer, Err: err}
	}
	s.timer = timer
	metrics.SetBalance(s.k.Self().Owner(), s.k.Self().Balance())
	s.refreshHandles()
	return s, nil
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Kernel returns the kernel the supervisor talks to.
func (s *Supervisor) Kernel() kernel.Kernel { return s.k }

// Child returns the current child context, or nil before StartChild.
func (s *Supervisor) Child() *child.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.child
}

func (s *Supervisor) childLog(label, line string) {
	s.emit(Event{Child: label, Type: EventTypeLog, Message: line})
}

type bootstrap struct {
	s        *Supervisor
	ctx      context.Context
	acquired []*kernel.Capability
}

func (b *bootstrap) connect(step string, kind kernel.Kind, params kernel.Params) (*kernel.Capability, error) {
	b.s.sendEvent(Event{Type: EventTypeStage, Step: step})
	c, err := b.s.k.Connect(b.ctx, kind, params)
	if err != nil {
		return nil, &BootstrapError{Step: step, Err: err}
	}
	b.acquired = append(b.acquired, c)
	b.s.sendEvent(Event{Type: EventTypeAcquired, Step: step, Kind: kind, Handle: c.String()})
	return c, nil
}

// rollback releases everything acquired so far in reverse acquisition order.
func (b *bootstrap) rollback() {
	for i := len(b.acquired) - 1; i >= 0; i-- {
		c := b.acquired[i]
		err := b.s.k.Close(c)
		b.s.sendEvent(Event{Type: EventTypeReleased, Kind: c.Kind(), Handle: c.String(), Err: err})
	}
	b.acquired = nil
}

// StartChild performs the bootstrap sequence and returns the running child.
// On failure it returns a *BootstrapError and no handle acquired by the call
// remains live.
func (s *Supervisor) StartChild(ctx context.Context) (*child.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case s.child != nil || s.starting:
		s.mu.Unlock()
		return nil, ErrChildExists
	}
	s.starting = true
	s.mu.Unlock()

	started := s.now()
	c, err := s.bootstrap(ctx)

	s.mu.Lock()
	s.starting = false
	if err == nil {
		s.child = c
	}
	s.mu.Unlock()

	if err != nil {
		var be *BootstrapError
		if errors.As(err, &be) {
			metrics.IncrementBootstrapFailure(be.Step)
		}
		s.sendEvent(Event{Type: EventTypeError, Message: "bootstrap failed", Err: err})
		s.refreshHandles()
		return nil, err
	}
	metrics.ObserveBootstrap(s.cfg.Label, s.now().Sub(started))
	s.refreshHandles()
	return c, nil
}

func (s *Supervisor) bootstrap(ctx context.Context) (*child.Context, error) {
	cfg := s.cfg
	b := &bootstrap{s: s, ctx: ctx}
	fail := func(err error) (*child.Context, error) {
		b.rollback()
		return nil, err
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepStart})

	// the PD is named after the image it will host; a shell child has none
	pdName := cfg.ImageName
	if cfg.NoImage || pdName == "" {
		pdName = cfg.Label
	}
	pd, err := b.connect(StepPD, kernel.KindPD, kernel.Params{Label: pdName})
	if err != nil {
		return fail(err)
	}
	cpu, err := b.connect(StepCPU, kernel.KindCPU, kernel.Params{Label: cfg.Label})
	if err != nil {
		return fail(err)
	}
	ram, err := b.connect(StepRAM, kernel.KindRAM, kernel.Params{Label: cfg.Label})
	if err != nil {
		return fail(err)
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepRefAccount})
	account, err := s.k.Account(ram)
	if err != nil {
		return fail(&BootstrapError{Step: StepRefAccount, Err: err})
	}
	self := s.k.Self()
	if err := s.k.Ledger().SetRefAccount(account, self); err != nil {
		return fail(&BootstrapError{Step: StepRefAccount, Err: err})
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepTransfer})
	if err := s.k.Ledger().Transfer(self, account, cfg.QuotaBytes); err != nil {
		return fail(&BootstrapError{Step: StepTransfer, Err: err})
	}
	s.sendEvent(Event{Type: EventTypeTransferred, Step: StepTransfer, Bytes: cfg.QuotaBytes, Message: fmt.Sprintf("%s -> %s", self, account)})
	metrics.SetBalance(self.Owner(), self.Balance())
	metrics.SetBalance(cfg.Label, account.Balance())

	threadName := cfg.Label + " thread"
	thread, err := b.connect(StepThread, kernel.KindThread, kernel.Params{Label: threadName, CPU: cpu, PD: pd})
	if err != nil {
		return fail(err)
	}

	var rom *kernel.Capability
	if !cfg.NoImage {
		rom, err = b.connect(StepROM, kernel.KindROM, kernel.Params{Label: cfg.ImageName})
		if err != nil {
			return fail(err)
		}
	}

	regionMap, err := b.connect(StepRegionMap, kernel.KindRegionMap, kernel.Params{Parent: pd})
	if err != nil {
		return fail(err)
	}
	capSession, err := b.connect(StepCap, kernel.KindCap, kernel.Params{})
	if err != nil {
		return fail(err)
	}
	ep, err := b.connect(StepEntrypoint, kernel.KindEntrypoint, kernel.Params{
		Label:     cfg.Label + " ep",
		Parent:    capSession,
		StackSize: cfg.EntrypointStackSize,
	})
	if err != nil {
		return fail(err)
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepPolicy})
	pol, err := policy.NewWhitelist(cfg.Label, cfg.Services, cfg.ArgsBufferSize)
	if err != nil {
		return fail(&BootstrapError{Step: StepPolicy, Err: err})
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepChild})
	c, err := child.Build(s.k, child.Parts{
		Label:        cfg.Label,
		Image:        rom,
		PD:           pd,
		PDSession:    pd,
		RAM:          ram,
		RAMSession:   ram,
		CPU:          cpu,
		Thread:       child.InitialThread{Name: threadName, Thread: thread, CPU: cpu, PD: pd},
		AddressSpace: child.AddressSpace{RegionMap: regionMap, PD: pd},
		Entrypoint:   child.Entrypoint{Cap: capSession, EP: ep, StackSize: cfg.EntrypointStackSize},
		Policy:       pol,
		Parent:       s.parent,
		QuotaBytes:   cfg.QuotaBytes,
		NanoCPUs:     cfg.NanoCPUs,
		StackSize:    cfg.StackSize,
		StopTimeout:  cfg.StopTimeout,
	},
		child.OnState(s.onState),
		child.OnRelease(s.onRelease),
		child.WithBrokerOptions(broker.WithObserver(s.onSession)),
	)
	if err != nil {
		return fail(&BootstrapError{Step: StepChild, Err: err})
	}
	if err := c.MarkStartable(); err != nil {
		_ = c.Abandon()
		return fail(&BootstrapError{Step: StepChild, Err: err})
	}

	s.sendEvent(Event{Type: EventTypeStage, Step: StepLaunch})
	if err := c.Start(ctx, s.sched); err != nil {
		_ = c.Abandon()
		return fail(&BootstrapError{Step: StepLaunch, Err: err})
	}
	return c, nil
}

func (s *Supervisor) onState(st child.State) {
	metrics.SetChildState(s.cfg.Label, int(st))
	s.sendEvent(Event{Type: EventTypeState, State: st.String()})
}

func (s *Supervisor) onRelease(c *kernel.Capability, err error) {
	s.sendEvent(Event{Type: EventTypeReleased, Kind: c.Kind(), Handle: c.String(), Err: err})
}

func (s *Supervisor) onSession(o broker.Outcome) {
	outcome := metrics.OutcomeForwarded
	switch {
	case errors.Is(o.Err, broker.ErrPolicyDenied):
		outcome = metrics.OutcomeDenied
	case errors.Is(o.Err, broker.ErrTargetGone), errors.Is(o.Err, broker.ErrNotStartable), errors.Is(o.Err, broker.ErrUnknownRequester):
		outcome = metrics.OutcomeRejected
	case o.Err != nil:
		outcome = metrics.OutcomeFailed
	}
	metrics.CountSession(s.cfg.Label, o.Request.Service, outcome)
	s.emit(Event{
		Child:   o.Request.RequestedBy,
		Type:    EventTypeSession,
		Service: o.Request.Service,
		Args:    o.Rewritten,
		Message: outcome,
		Err:     o.Err,
	})
}

// RunFor blocks on the kernel timer for at least d. The sleep cannot be
// interrupted. A child task that exits on its own during the wait is
// reported as an exited event.
func (s *Supervisor) RunFor(d time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	c := s.child
	s.mu.Unlock()

	var ms uint64
	if d > 0 {
		ms = uint64((d + time.Millisecond - 1) / time.Millisecond)
	}

	var exited chan error
	var stop context.CancelFunc
	if c != nil && c.State() == child.Running {
		var watchCtx context.Context
		watchCtx, stop = context.WithCancel(context.Background())
		exited = make(chan error, 1)
		go func() { exited <- c.Wait(watchCtx) }()
	}

	err := s.k.MSleep(s.timer, ms)

	if exited != nil {
		stop()
		if werr := <-exited; !errors.Is(werr, context.Canceled) {
			s.sendEvent(Event{Type: EventTypeExited, Message: "child task exited", Err: werr})
		}
	}
	if err != nil {
		return fmt.Errorf("run for %s: %w", d, err)
	}
	s.sendEvent(Event{Type: EventTypeStage, Step: StepSleepEnd})
	s.sendEvent(Event{Type: EventTypeLog, Child: s.cfg.Name, Message: "Done!"})
	return nil
}

// Shutdown terminates the child and releases every handle it holds. It is
// safe to call before StartChild, after RunFor, and more than once.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	errs := c.Terminate()
	metrics.SetBalance(s.k.Self().Owner(), s.k.Self().Balance())
	s.refreshHandles()
	s.flushDrops(true)
	for _, err := range errs {
		s.sendEvent(Event{Type: EventTypeError, Message: "teardown", Err: err})
	}
	return errors.Join(errs...)
}

// Close shuts the child down and releases the supervisor's timer.
func (s *Supervisor) Close() error {
	err := s.Shutdown()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return err
	}
	s.closed = true
	if cerr := s.k.Close(s.timer); cerr != nil {
		err = errors.Join(err, cerr)
	}
	s.refreshHandles()
	return err
}

// Closed reports whether Close has run.
func (s *Supervisor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Inventory is implemented by kernels that can list live capabilities.
type Inventory interface {
	Outstanding() []*kernel.Capability
}

func (s *Supervisor) refreshHandles() {
	inv, ok := s.k.(Inventory)
	if !ok {
		return
	}
	counts := make(map[string]int)
	for _, c := range inv.Outstanding() {
		counts[string(c.Kind())]++
	}
	kinds := make([]string, 0, len(kernel.Kinds))
	for _, k := range kernel.Kinds {
		kinds = append(kinds, string(k))
	}
	metrics.SetHandles(kinds, counts)
}

// Handle describes one live capability.
type Handle struct {
	Kind  string `json:"kind"`
	ID    uint64 `json:"id"`
	Label string `json:"label,omitempty"`
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Supervisor   string   `json:"supervisor"`
	Child        string   `json:"child"`
	State        string   `json:"state"`
	Image        string   `json:"image,omitempty"`
	QuotaBytes   uint64   `json:"quotaBytes"`
	ChildBalance uint64   `json:"childBalance"`
	SelfBalance  uint64   `json:"selfBalance"`
	Sessions     int      `json:"sessions"`
	Handles      []Handle `json:"handles"`
}

// Status reports the current state of the supervisor and its child.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	c := s.child
	s.mu.Unlock()

	st := Status{
		Supervisor:  s.cfg.Name,
		Child:       s.cfg.Label,
		State:       child.Unbuilt.String(),
		QuotaBytes:  s.cfg.QuotaBytes,
		SelfBalance: s.k.Self().Balance(),
		Handles:     []Handle{},
	}
	if !s.cfg.NoImage {
		st.Image = s.cfg.ImageName
	}
	if c != nil {
		st.State = c.State().String()
		if acc := c.Account(); acc != nil && !acc.Destroyed() {
			st.ChildBalance = acc.Balance()
		}
		st.Sessions = c.Broker().Sessions()
	}
	if inv, ok := s.k.(Inventory); ok {
		for _, h := range inv.Outstanding() {
			st.Handles = append(st.Handles, Handle{Kind: string(h.Kind()), ID: uint64(h.ID()), Label: h.Label()})
		}
		sort.Slice(st.Handles, func(i, j int) bool { return st.Handles[i].ID < st.Handles[j].ID })
	}
	return st
}

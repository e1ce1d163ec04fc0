package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/warden/internal/image"
	"github.com/Paintersrp/warden/internal/quota"
)

const (
	defaultSlots      = 64
	defaultRAMBalance = 16 * 1024 * 1024
)

// SimOption configures a simulated kernel.
type SimOption func(*Sim)

// WithSlots sets the capability budget.
func WithSlots(n int) SimOption {
	return func(s *Sim) {
		if n > 0 {
			s.slots = n
		}
	}
}

// WithRAM sets the balance of the caller's own RAM account.
func WithRAM(bytes uint64) SimOption {
	return func(s *Sim) { s.ramBalance = bytes }
}

// WithImages sets the store consulted by ROM connects.
func WithImages(store image.Store) SimOption {
	return func(s *Sim) {
		if store != nil {
			s.images = store
		}
	}
}

// WithSleep replaces the function backing the timer service.
func WithSleep(sleep func(time.Duration)) SimOption {
	return func(s *Sim) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithOwner names the caller's own RAM account.
func WithOwner(owner string) SimOption {
	return func(s *Sim) {
		if owner != "" {
			s.owner = owner
		}
	}
}

type object struct {
	cap        *Capability
	dependents int
}

// Sim is an in-memory kernel: a capability table with a fixed budget, a quota
// ledger for RAM objects and a timer backed by time.Sleep. It is safe for
// concurrent use.
type Sim struct {
	mu sync.Mutex

	slots      int
	ramBalance uint64
	owner      string
	images     image.Store
	sleep      func(time.Duration)
	now        func() time.Time

	next    ID
	live    map[ID]*object
	journal []JournalEntry

	deny      map[Kind]string
	failClose map[Kind]error

	ledger *quota.Ledger
	self   *quota.Account
}

var _ Kernel = (*Sim)(nil)

// NewSim constructs a simulated kernel.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		slots:      defaultSlots,
		ramBalance: defaultRAMBalance,
		owner:      "init",
		images:     image.NewMemStore(),
		sleep:      time.Sleep,
		now:        time.Now,
		live:       make(map[ID]*object),
		deny:       make(map[Kind]string),
		failClose:  make(map[Kind]error),
		ledger:     quota.NewLedger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.self = s.ledger.NewRoot(s.owner, s.ramBalance)
	return s
}

// Deny makes every subsequent Connect of kind fail with reason.
func (s *Sim) Deny(kind Kind, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reason == "" {
		reason = "injected denial"
	}
	s.deny[kind] = reason
}

// FailClose makes every subsequent Close of kind fail with err and leaves
// the object live.
func (s *Sim) FailClose(kind Kind, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failClose, kind)
		return
	}
	s.failClose[kind] = err
}

func (s *Sim) Ledger() *quota.Ledger { return s.ledger }

func (s *Sim) Self() *quota.Account { return s.self }

func (s *Sim) Connect(ctx context.Context, kind Kind, params Params) (*Capability, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason, ok := s.deny[kind]; ok {
		return nil, denied(kind, "%s", reason)
	}
	if len(s.live) >= s.slots {
		return nil, denied(kind, "capability budget exhausted (%d slots)", s.slots)
	}

	c := &Capability{kind: kind, label: params.Label}
	switch kind {
	case KindPD:
		if params.Label == "" {
			return nil, denied(kind, "label required")
		}
	case KindCPU, KindCap, KindTimer:
	case KindRAM:
		owner := params.Label
		if owner == "" {
			owner = "ram"
		}
		c.account = s.ledger.CreateAccount(owner)
	case KindROM:
		if params.Label == "" {
			return nil, denied(kind, "image name required")
		}
		img, err := s.images.Lookup(params.Label)
		if err != nil {
			return nil, denied(kind, "%v", err)
		}
		c.image = &img
	case KindRegionMap:
		if err := s.requireLocked(kind, "parent", params.Parent, KindPD); err != nil {
			return nil, err
		}
		c.parents = []*Capability{params.Parent}
	case KindThread:
		if err := s.requireLocked(kind, "cpu", params.CPU, KindCPU); err != nil {
			return nil, err
		}
		if err := s.requireLocked(kind, "pd", params.PD, KindPD); err != nil {
			return nil, err
		}
		c.parents = []*Capability{params.CPU, params.PD}
	case KindEntrypoint:
		if err := s.requireLocked(kind, "parent", params.Parent, KindCap); err != nil {
			return nil, err
		}
		if params.StackSize <= 0 {
			return nil, denied(kind, "stack size must be positive")
		}
		c.parents = []*Capability{params.Parent}
	default:
		return nil, denied(kind, "unsupported kind")
	}

	s.next++
	c.id = s.next
	s.live[c.id] = &object{cap: c}
	for _, parent := range c.parents {
		s.live[parent.id].dependents++
	}
	s.journal = append(s.journal, JournalEntry{Time: s.now(), Op: OpConnect, Kind: kind, ID: c.id, Label: c.label})
	return c, nil
}

func (s *Sim) requireLocked(kind Kind, field string, c *Capability, want Kind) error {
	if c == nil {
		return denied(kind, "%s capability required", field)
	}
	if c.kind != want {
		return denied(kind, "%s capability is %s, want %s", field, c.kind, want)
	}
	if obj, ok := s.live[c.id]; !ok || obj.cap != c {
		return denied(kind, "%s capability %s is not valid", field, c)
	}
	return nil
}

func (s *Sim) Close(c *Capability) error {
	if c == nil {
		return fmt.Errorf("close: %w", ErrClosed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.live[c.id]
	if !ok || obj.cap != c {
		return fmt.Errorf("close %s: %w", c, ErrClosed)
	}
	if obj.dependents > 0 {
		return fmt.Errorf("close %s: %d dependents: %w", c, obj.dependents, ErrBusy)
	}
	if err, ok := s.failClose[c.kind]; ok {
		return fmt.Errorf("close %s: %w", c, err)
	}
	if c.account != nil {
		if err := s.ledger.Destroy(c.account); err != nil {
			return fmt.Errorf("close %s: destroy account: %w", c, err)
		}
	}

	for _, parent := range c.parents {
		if p, ok := s.live[parent.id]; ok {
			p.dependents--
		}
	}
	delete(s.live, c.id)
	s.journal = append(s.journal, JournalEntry{Time: s.now(), Op: OpClose, Kind: c.kind, ID: c.id, Label: c.label})
	return nil
}

func (s *Sim) Valid(c *Capability) bool {
	if c == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.live[c.id]
	return ok && obj.cap == c
}

func (s *Sim) Account(c *Capability) (*quota.Account, error) {
	if c == nil || c.kind != KindRAM {
		return nil, fmt.Errorf("account of %s: %w", c, ErrWrongKind)
	}
	if !s.Valid(c) {
		return nil, fmt.Errorf("account of %s: %w", c, ErrClosed)
	}
	return c.account, nil
}

func (s *Sim) Dataspace(c *Capability) (image.Image, error) {
	if c == nil || c.kind != KindROM {
		return image.Image{}, fmt.Errorf("dataspace of %s: %w", c, ErrWrongKind)
	}
	if !s.Valid(c) {
		return image.Image{}, fmt.Errorf("dataspace of %s: %w", c, ErrClosed)
	}
	return *c.image, nil
}

func (s *Sim) MSleep(timer *Capability, ms uint64) error {
	if timer == nil || timer.kind != KindTimer {
		return fmt.Errorf("msleep: %w", ErrWrongKind)
	}
	if !s.Valid(timer) {
		return fmt.Errorf("msleep: %w", ErrClosed)
	}
	s.sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

// Journal returns a copy of every successful connect and close.
func (s *Sim) Journal() []JournalEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JournalEntry(nil), s.journal...)
}

// Outstanding returns the live capabilities ordered by ID.
func (s *Sim) Outstanding() []*Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Capability, 0, len(s.live))
	for _, obj := range s.live {
		out = append(out, obj.cap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SlotsInUse returns the number of budget slots held by live capabilities.
func (s *Sim) SlotsInUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Slots returns the capability budget.
func (s *Sim) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots
}

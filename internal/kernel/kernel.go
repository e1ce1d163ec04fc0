// Package kernel models the capability boundary the supervisor talks to.
//
// A Capability is an unforgeable, move-only reference to a kernel object. It
// is created by Connect and destroyed by Close; callers must track ownership
// themselves because closing twice is a contract violation. Checking whether
// a capability is still valid is a lookup and never transfers ownership.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/image"
	"github.com/Paintersrp/warden/internal/quota"
)

// Kind tags the kernel object a capability refers to.
type Kind string

const (
	KindPD         Kind = "pd"
	KindCPU        Kind = "cpu"
	KindRAM        Kind = "ram"
	KindROM        Kind = "rom"
	KindRegionMap  Kind = "region_map"
	KindThread     Kind = "thread"
	KindCap        Kind = "cap"
	KindEntrypoint Kind = "entrypoint"
	KindTimer      Kind = "timer"
)

// Kinds lists every kind the boundary understands.
var Kinds = []Kind{KindPD, KindCPU, KindRAM, KindROM, KindRegionMap, KindThread, KindCap, KindEntrypoint, KindTimer}

// ID identifies a kernel object for the lifetime of the kernel.
type ID uint64

var (
	// ErrDenied is the KernelDenied outcome. Use errors.As with *DeniedError
	// for the kind and reason.
	ErrDenied = errors.New("kernel denied")
	// ErrClosed is returned when closing a capability that is no longer valid.
	ErrClosed = errors.New("capability already closed")
	// ErrBusy is returned when closing a capability other live objects depend on.
	ErrBusy = errors.New("capability has live dependents")
	// ErrWrongKind is returned when a capability of another kind is supplied.
	ErrWrongKind = errors.New("wrong capability kind")
)

// DeniedError reports why the kernel refused a Connect.
type DeniedError struct {
	Kind   Kind
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("kernel denied %s: %s", e.Kind, e.Reason)
}

// Unwrap allows errors.Is(err, ErrDenied).
func (e *DeniedError) Unwrap() error { return ErrDenied }

func denied(kind Kind, format string, args ...any) error {
	return &DeniedError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Params carries the arguments of a Connect call. Which fields are required
// depends on the kind:
//
//	pd, rom:      Label
//	region_map:   Parent (pd)
//	thread:       CPU, PD, Label
//	entrypoint:   Parent (cap), StackSize
type Params struct {
	Label     string
	Parent    *Capability
	CPU       *Capability
	PD        *Capability
	StackSize int64
}

// Capability is an exclusively owned reference to a kernel object. Pass the
// pointer to hand ownership over; never copy the struct.
type Capability struct {
	kind    Kind
	id      ID
	label   string
	parents []*Capability
	account *quota.Account
	image   *image.Image
}

// Kind returns the object kind.
func (c *Capability) Kind() Kind {
	if c == nil {
		return ""
	}
	return c.kind
}

// ID returns the kernel-issued identifier.
func (c *Capability) ID() ID {
	if c == nil {
		return 0
	}
	return c.id
}

// Label returns the label the capability was requested with.
func (c *Capability) Label() string {
	if c == nil {
		return ""
	}
	return c.label
}

// Parents returns the capabilities this object was derived from.
func (c *Capability) Parents() []*Capability {
	if c == nil {
		return nil
	}
	return append([]*Capability(nil), c.parents...)
}

func (c *Capability) String() string {
	if c == nil {
		return "<invalid>"
	}
	if c.label != "" {
		return fmt.Sprintf("%s#%d(%s)", c.kind, c.id, c.label)
	}
	return fmt.Sprintf("%s#%d", c.kind, c.id)
}

// Timer is the coarse sleep service.
type Timer interface {
	// MSleep blocks for at least ms milliseconds using the timer capability.
	MSleep(timer *Capability, ms uint64) error
}

// Kernel is the platform boundary consumed by the supervisor.
type Kernel interface {
	Timer

	// Connect creates a kernel object and returns the owning capability.
	// Each successful call consumes one slot of the capability budget.
	Connect(ctx context.Context, kind Kind, params Params) (*Capability, error)

	// Close destroys the object and frees its budget slot.
	Close(c *Capability) error

	// Valid reports whether c still refers to a live object.
	Valid(c *Capability) bool

	// Account returns the quota account backing a RAM capability.
	Account(c *Capability) (*quota.Account, error)

	// Dataspace returns the image backing a ROM capability.
	Dataspace(c *Capability) (image.Image, error)

	// Self returns the caller's own RAM account, the donor for child quota.
	Self() *quota.Account

	// Ledger exposes the quota tree used by RAM capabilities.
	Ledger() *quota.Ledger
}

// Op names a journal operation.
type Op string

const (
	OpConnect Op = "connect"
	OpClose   Op = "close"
)

// JournalEntry records one successful connect or close.
type JournalEntry struct {
	Time  time.Time
	Op    Op
	Kind  Kind
	ID    ID
	Label string
}

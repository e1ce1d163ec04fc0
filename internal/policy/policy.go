package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Paintersrp/warden/internal/argstr"
)

// LabelKey is the argument injected into every forwarded session request.
const LabelKey = "label"

// DefaultArgsBufferSize bounds rewritten argument strings when no size is
// configured.
const DefaultArgsBufferSize = 256

// DefaultServices is the whitelist used when none is configured.
var DefaultServices = []string{"LOG", "RM"}

var (
	// ErrArgsBufferTooSmall is a fatal configuration error: the argument
	// buffer cannot hold the injected label.
	ErrArgsBufferTooSmall = errors.New("session argument buffer too small for label")
	// ErrEmptyLabel is returned when a policy is built without a child label.
	ErrEmptyLabel = errors.New("child label must not be empty")
)

// Endpoint names where a resolved request is forwarded to.
type Endpoint string

// EndpointParent forwards the request one level up, to the supervisor's own
// parent.
const EndpointParent Endpoint = "parent"

// Policy decides which session requests a child may issue and how they are
// relabeled. Implementations must be deterministic for the lifetime of one
// child.
type Policy interface {
	// Label is the fixed identifier injected into forwarded requests.
	Label() string
	// Resolve returns the endpoint for service, or false to deny it.
	Resolve(service string) (Endpoint, bool)
	// Rewrite returns args with exactly one label field. It never fails.
	Rewrite(service, args string) string
}

// Whitelist forwards a fixed set of services to the parent and denies the
// rest. It is immutable after construction.
type Whitelist struct {
	label      string
	labelField argstr.Field
	services   map[string]Endpoint
	bufferSize int
}

var _ Policy = (*Whitelist)(nil)

// NewWhitelist builds a whitelist policy. bufferSize bounds the length of
// rewritten argument strings; zero selects DefaultArgsBufferSize.
func NewWhitelist(label string, services []string, bufferSize int) (*Whitelist, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, ErrEmptyLabel
	}
	if bufferSize == 0 {
		bufferSize = DefaultArgsBufferSize
	}
	field := argstr.Field{Key: LabelKey, Value: argstr.Quote(label)}
	if need := len(field.String()); bufferSize < need {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrArgsBufferTooSmall, need, bufferSize)
	}

	w := &Whitelist{
		label:      label,
		labelField: field,
		services:   make(map[string]Endpoint, len(services)),
		bufferSize: bufferSize,
	}
	for _, svc := range services {
		svc = strings.TrimSpace(svc)
		if svc == "" {
			return nil, fmt.Errorf("whitelist for %s: empty service name", label)
		}
		w.services[svc] = EndpointParent
	}
	return w, nil
}

func (w *Whitelist) Label() string { return w.label }

// BufferSize returns the argument buffer bound.
func (w *Whitelist) BufferSize() int { return w.bufferSize }

// Services returns the whitelisted service names in sorted order.
func (w *Whitelist) Services() []string {
	out := make([]string, 0, len(w.services))
	for name := range w.services {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (w *Whitelist) Resolve(service string) (Endpoint, bool) {
	ep, ok := w.services[service]
	return ep, ok
}

// Rewrite strips every label the child supplied and appends the policy's
// own. When the child's arguments and the label do not fit the buffer,
// trailing child arguments are dropped whole until they do. Malformed child
// fields are dropped and the rest are re-quoted, so nothing the child sends
// can swallow the injected label.
func (w *Whitelist) Rewrite(service, args string) string {
	fields := argstr.Parse(args)
	kept := fields[:0]
	for _, f := range fields {
		if f.Key != LabelKey {
			kept = append(kept, f.Canonical())
		}
	}
	for {
		out := argstr.Format(append(kept, w.labelField))
		if len(out) <= w.bufferSize || len(kept) == 0 {
			return out
		}
		kept = kept[:len(kept)-1]
	}
}

// Package broker mediates session requests issued by a child.
//
// Every request passes through the child's policy: Resolve first, and only
// for resolved services Rewrite, after which the rewritten request is
// forwarded to the parent. The broker is gated: requests are serviced only
// while the gate is open, which the child context arranges to be between
// Startable and the start of teardown.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Paintersrp/warden/internal/policy"
)

var (
	// ErrPolicyDenied is the expected negative outcome for a service the
	// policy does not forward.
	ErrPolicyDenied = errors.New("session denied by policy")
	// ErrTargetGone is returned once teardown has begun.
	ErrTargetGone = errors.New("session target gone")
	// ErrNotStartable is returned for requests arriving before the child is startable.
	ErrNotStartable = errors.New("child not startable")
	// ErrUnknownRequester is returned when a request names another child.
	ErrUnknownRequester = errors.New("unknown requesting child")
	// ErrServiceUnavailable is returned by a parent that does not provide a service.
	ErrServiceUnavailable = errors.New("service unavailable")
)

// Request is a single session open issued by a child.
type Request struct {
	Service     string
	Args        string
	RequestedBy string
}

// Session is an open connection to a service.
type Session interface {
	Service() string
	Args() string
	// Close releases the session. Implementations tolerate repeated calls.
	Close() error
}

// Parent is the upstream that receives forwarded requests.
type Parent interface {
	OpenSession(ctx context.Context, service, args string) (Session, error)
}

// Opener is what a running child sees: a way to ask for sessions.
type Opener interface {
	OpenSession(ctx context.Context, service, args string) (Session, error)
}

// Outcome describes how a request was handled.
type Outcome struct {
	Request   Request
	Endpoint  policy.Endpoint
	Forwarded bool
	Rewritten string
	Err       error
}

// Option configures a Broker.
type Option func(*Broker)

// WithObserver registers a callback invoked once per request. It runs on the
// requesting goroutine and must not block.
func WithObserver(fn func(Outcome)) Option {
	return func(b *Broker) { b.observe = fn }
}

type gateState int

const (
	gateClosed gateState = iota
	gateOpen
	gateGone
)

// Broker routes one child's session requests.
type Broker struct {
	child   string
	policy  policy.Policy
	parent  Parent
	observe func(Outcome)

	mu       sync.RWMutex
	state    gateState
	sessions map[Session]struct{}
}

// New creates a broker for the named child. The gate starts closed.
func New(child string, pol policy.Policy, parent Parent, opts ...Option) *Broker {
	b := &Broker{
		child:    child,
		policy:   pol,
		parent:   parent,
		sessions: make(map[Session]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open starts servicing requests.
func (b *Broker) Open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == gateClosed {
		b.state = gateOpen
	}
}

// Close stops servicing requests permanently, waits for in-flight requests
// and closes every session still held by the child.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.state = gateGone
	sessions := b.sessions
	b.sessions = make(map[Session]struct{})
	b.mu.Unlock()

	var errs []error
	for s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s session: %w", s.Service(), err))
		}
	}
	return errors.Join(errs...)
}

// Sessions returns the number of sessions forwarded and not yet released by
// the broker.
func (b *Broker) Sessions() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Request services one session request.
func (b *Broker) Request(ctx context.Context, req Request) (Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	sess, out := b.route(ctx, req)
	if sess != nil {
		b.mu.RUnlock()
		b.mu.Lock()
		if b.state == gateOpen {
			b.sessions[sess] = struct{}{}
		} else {
			_ = sess.Close()
			sess = nil
			out.Forwarded = false
			out.Err = ErrTargetGone
		}
		b.mu.Unlock()
	} else {
		b.mu.RUnlock()
	}
	if b.observe != nil {
		b.observe(out)
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return sess, nil
}

func (b *Broker) route(ctx context.Context, req Request) (Session, Outcome) {
	out := Outcome{Request: req}
	switch b.state {
	case gateClosed:
		out.Err = ErrNotStartable
		return nil, out
	case gateGone:
		out.Err = ErrTargetGone
		return nil, out
	}
	if req.RequestedBy != b.child {
		out.Err = fmt.Errorf("%w: %q", ErrUnknownRequester, req.RequestedBy)
		return nil, out
	}

	ep, ok := b.policy.Resolve(req.Service)
	if !ok {
		out.Err = fmt.Errorf("%w: %s", ErrPolicyDenied, req.Service)
		return nil, out
	}
	out.Endpoint = ep
	out.Rewritten = b.policy.Rewrite(req.Service, req.Args)

	sess, err := b.parent.OpenSession(ctx, req.Service, out.Rewritten)
	if err != nil {
		out.Err = fmt.Errorf("forward %s to %s: %w", req.Service, ep, err)
		return nil, out
	}
	out.Forwarded = true
	return sess, out
}

// ForChild binds the broker to its child so the child can open sessions
// without naming itself.
func (b *Broker) ForChild() Opener {
	return childOpener{b: b}
}

type childOpener struct {
	b *Broker
}

func (o childOpener) OpenSession(ctx context.Context, service, args string) (Session, error) {
	return o.b.Request(ctx, Request{Service: service, Args: args, RequestedBy: o.b.child})
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Paintersrp/warden/internal/argstr"
)

// Service names provided by LocalParent.
const (
	ServiceLog = "LOG"
	ServiceRM  = "RM"
)

const (
	regionBase  = 0x10000
	regionAlign = 0x1000
)

var (
	// ErrSessionClosed is returned when using a released session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoSuchRegion is returned when detaching an unknown address.
	ErrNoSuchRegion = errors.New("no region attached at address")
)

// LogFunc receives one line written to a LOG session together with the
// session label.
type LogFunc func(label, line string)

// LogSession accepts text lines.
type LogSession interface {
	Session
	Write(line string) error
}

// RegionSession manages a child's address-space regions.
type RegionSession interface {
	Session
	Attach(size uint64) (uint64, error)
	Detach(addr uint64) error
	Attached() uint64
}

// LocalParent is the upstream the supervisor forwards to when it has no
// parent of its own: LOG lines are handed to a LogFunc and RM sessions keep
// region bookkeeping in memory.
type LocalParent struct {
	logf LogFunc

	mu   sync.Mutex
	open map[string]int
}

// NewLocalParent returns a parent serving LOG and RM. A nil logf discards lines.
func NewLocalParent(logf LogFunc) *LocalParent {
	if logf == nil {
		logf = func(string, string) {}
	}
	return &LocalParent{logf: logf, open: make(map[string]int)}
}

func (p *LocalParent) OpenSession(ctx context.Context, service, args string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	label, _ := argstr.Get(args, "label")
	switch service {
	case ServiceLog:
		p.acquire(service)
		s := &logSession{logf: p.logf}
		s.init(service, args, label, p.release)
		return s, nil
	case ServiceRM:
		p.acquire(service)
		s := &regionSession{next: regionBase, regions: make(map[uint64]uint64)}
		s.init(service, args, label, p.release)
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, service)
	}
}

// Open returns the number of open sessions per service.
func (p *LocalParent) Open() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.open))
	for k, v := range p.open {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

func (p *LocalParent) acquire(service string) {
	p.mu.Lock()
	p.open[service]++
	p.mu.Unlock()
}

func (p *LocalParent) release(service string) {
	p.mu.Lock()
	p.open[service]--
	p.mu.Unlock()
}

type baseSession struct {
	service string
	args    string
	label   string
	release func(string)

	mu     sync.Mutex
	closed bool
}

func (s *baseSession) init(service, args, label string, release func(string)) {
	s.service = service
	s.args = args
	s.label = label
	s.release = release
}

func (s *baseSession) Service() string { return s.service }

func (s *baseSession) Args() string { return s.args }

func (s *baseSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.release(s.service)
	return nil
}

type logSession struct {
	baseSession
	logf LogFunc
}

func (s *logSession) Write(line string) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	for _, l := range strings.Split(strings.TrimRight(line, "\n"), "\n") {
		s.logf(s.label, l)
	}
	return nil
}

type regionSession struct {
	baseSession
	next    uint64
	regions map[uint64]uint64
}

func (s *regionSession) Attach(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("attach: size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	addr := s.next
	s.regions[addr] = size
	s.next += (size + regionAlign - 1) &^ (regionAlign - 1)
	return addr, nil
}

func (s *regionSession) Detach(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if _, ok := s.regions[addr]; !ok {
		return fmt.Errorf("%w: %#x", ErrNoSuchRegion, addr)
	}
	delete(s.regions, addr)
	return nil
}

func (s *regionSession) Attached() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, size := range s.regions {
		total += size
	}
	return total
}

package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/Paintersrp/warden/internal/policy"
)

type countingPolicy struct {
	inner    policy.Policy
	mu       sync.Mutex
	rewrites int
}

func (p *countingPolicy) Label() string { return p.inner.Label() }

func (p *countingPolicy) Resolve(service string) (policy.Endpoint, bool) {
	return p.inner.Resolve(service)
}

func (p *countingPolicy) Rewrite(service, args string) string {
	p.mu.Lock()
	p.rewrites++
	p.mu.Unlock()
	return p.inner.Rewrite(service, args)
}

type logLine struct {
	label string
	line  string
}

func newTestBroker(t *testing.T) (*Broker, *countingPolicy, *LocalParent, *[]logLine, *[]Outcome) {
	t.Helper()
	w, err := policy.NewWhitelist("hello_child", policy.DefaultServices, 0)
	if err != nil {
		t.Fatalf("whitelist: %v", err)
	}
	pol := &countingPolicy{inner: w}
	var (
		mu       sync.Mutex
		lines    []logLine
		outcomes []Outcome
	)
	parent := NewLocalParent(func(label, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, logLine{label: label, line: line})
	})
	b := New("hello_child", pol, parent, WithObserver(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	}))
	return b, pol, parent, &lines, &outcomes
}

func TestRequestBeforeOpenIsRejected(t *testing.T) {
	b, pol, _, _, _ := newTestBroker(t)
	_, err := b.Request(context.Background(), Request{Service: "LOG", RequestedBy: "hello_child"})
	if !errors.Is(err, ErrNotStartable) {
		t.Fatalf("expected ErrNotStartable, got %v", err)
	}
	if pol.rewrites != 0 {
		t.Fatalf("rewrite must not run for rejected requests")
	}
}

func TestWhitelistedRequestIsForwardedWithLabel(t *testing.T) {
	b, _, parent, lines, outcomes := newTestBroker(t)
	b.Open()

	sess, err := b.ForChild().OpenSession(context.Background(), "LOG", `label="spoofed", ram_quota=4K`)
	if err != nil {
		t.Fatalf("open LOG: %v", err)
	}
	if got := sess.Args(); got != "ram_quota=4K, label=hello_child" {
		t.Fatalf("forwarded args = %q", got)
	}
	logSess, ok := sess.(LogSession)
	if !ok {
		t.Fatalf("LOG session does not implement LogSession")
	}
	if err := logSess.Write("Hello! I am hello_child.\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(*lines) != 1 || (*lines)[0].label != "hello_child" || (*lines)[0].line != "Hello! I am hello_child." {
		t.Fatalf("unexpected log lines %+v", *lines)
	}
	if len(*outcomes) != 1 || !(*outcomes)[0].Forwarded || (*outcomes)[0].Endpoint != policy.EndpointParent {
		t.Fatalf("unexpected outcomes %+v", *outcomes)
	}
	if got := parent.Open()["LOG"]; got != 1 {
		t.Fatalf("parent open LOG sessions = %d", got)
	}

	rm, err := b.ForChild().OpenSession(context.Background(), "RM", "")
	if err != nil {
		t.Fatalf("open RM: %v", err)
	}
	if strings.Count(rm.Args(), "label=") != 1 {
		t.Fatalf("RM args %q", rm.Args())
	}
	if b.Sessions() != 2 {
		t.Fatalf("broker tracks %d sessions, want 2", b.Sessions())
	}
}

func TestNonWhitelistedRequestIsDeniedWithoutRewrite(t *testing.T) {
	b, pol, parent, _, outcomes := newTestBroker(t)
	b.Open()

	_, err := b.ForChild().OpenSession(context.Background(), "FILE", "path=/etc/shadow")
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
	if pol.rewrites != 0 {
		t.Fatalf("rewrite invoked %d times for denied request", pol.rewrites)
	}
	if len(parent.Open()) != 0 {
		t.Fatalf("denied request reached parent")
	}
	if len(*outcomes) != 1 || (*outcomes)[0].Forwarded || (*outcomes)[0].Rewritten != "" {
		t.Fatalf("unexpected outcome %+v", *outcomes)
	}
}

func TestRequestFromOtherChildIsRejected(t *testing.T) {
	b, _, _, _, _ := newTestBroker(t)
	b.Open()
	_, err := b.Request(context.Background(), Request{Service: "LOG", RequestedBy: "intruder"})
	if !errors.Is(err, ErrUnknownRequester) {
		t.Fatalf("expected ErrUnknownRequester, got %v", err)
	}
}

func TestCloseRejectsLaterRequestsAndReleasesSessions(t *testing.T) {
	b, pol, parent, _, _ := newTestBroker(t)
	b.Open()

	sess, err := b.ForChild().OpenSession(context.Background(), "LOG", "")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(parent.Open()) != 0 {
		t.Fatalf("sessions still open at parent: %v", parent.Open())
	}
	if err := sess.(LogSession).Write("late"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second close should be tolerated: %v", err)
	}

	before := pol.rewrites
	_, err = b.ForChild().OpenSession(context.Background(), "LOG", "")
	if !errors.Is(err, ErrTargetGone) {
		t.Fatalf("expected ErrTargetGone, got %v", err)
	}
	if pol.rewrites != before {
		t.Fatalf("rewrite ran after teardown began")
	}

	b.Open()
	if _, err := b.ForChild().OpenSession(context.Background(), "LOG", ""); !errors.Is(err, ErrTargetGone) {
		t.Fatalf("gate must stay closed after teardown, got %v", err)
	}
}

func TestRegionSession(t *testing.T) {
	parent := NewLocalParent(nil)
	sess, err := parent.OpenSession(context.Background(), ServiceRM, "label=hello_child")
	if err != nil {
		t.Fatalf("open RM: %v", err)
	}
	rm := sess.(RegionSession)
	a, err := rm.Attach(100)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	b, err := rm.Attach(5000)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if a != regionBase || b != regionBase+regionAlign {
		t.Fatalf("unexpected addresses %#x %#x", a, b)
	}
	if rm.Attached() != 5100 {
		t.Fatalf("attached = %d", rm.Attached())
	}
	if err := rm.Detach(a); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := rm.Detach(a); !errors.Is(err, ErrNoSuchRegion) {
		t.Fatalf("expected ErrNoSuchRegion, got %v", err)
	}
	if _, err := rm.Attach(0); err == nil {
		t.Fatalf("expected zero-size attach to fail")
	}

	if _, err := parent.OpenSession(context.Background(), "FILE", ""); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

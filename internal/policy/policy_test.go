package policy

import (
	"errors"
	"strings"
	"testing"

	"github.com/Paintersrp/warden/internal/argstr"
)

func newHelloPolicy(t *testing.T) *Whitelist {
	t.Helper()
	w, err := NewWhitelist("hello_child", DefaultServices, 0)
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	return w
}

func TestResolveWhitelist(t *testing.T) {
	w := newHelloPolicy(t)

	for _, svc := range []string{"LOG", "RM"} {
		ep, ok := w.Resolve(svc)
		if !ok || ep != EndpointParent {
			t.Fatalf("Resolve(%q) = %q, %v; want parent", svc, ep, ok)
		}
	}
	for _, svc := range []string{"FILE", "log", "", "ROM"} {
		if _, ok := w.Resolve(svc); ok {
			t.Fatalf("Resolve(%q) should be denied", svc)
		}
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	w := newHelloPolicy(t)
	for i := 0; i < 100; i++ {
		if _, ok := w.Resolve("LOG"); !ok {
			t.Fatalf("iteration %d: LOG denied", i)
		}
		if _, ok := w.Resolve("FILE"); ok {
			t.Fatalf("iteration %d: FILE allowed", i)
		}
	}
}

func TestRewriteInjectsExactlyOneLabel(t *testing.T) {
	w := newHelloPolicy(t)
	cases := []string{
		"",
		"ram_quota=4K",
		`label="impostor"`,
		`label=a, ram_quota=8K, label="b, c"`,
		"label=hello_child",
		`foo="x, label=evil`,
		`x"=1, label=evil`,
		`a=1, b="unterminated`,
		`a="esc\", label=evil`,
		`k=v"w, label=evil`,
		`label="hello_child`,
	}
	for _, args := range cases {
		t.Run(args, func(t *testing.T) {
			for _, svc := range []string{"LOG", "RM"} {
				got := w.Rewrite(svc, args)
				if argstr.Malformed(got) {
					t.Fatalf("Rewrite(%q) = %q is malformed", args, got)
				}
				labels := 0
				for _, f := range argstr.Parse(got) {
					if f.Key == LabelKey {
						labels++
					}
				}
				if labels != 1 {
					t.Fatalf("Rewrite(%q) = %q has %d label fields", args, got, labels)
				}
				if v, ok := argstr.Get(got, LabelKey); !ok || v != "hello_child" {
					t.Fatalf("Rewrite(%q) = %q: label = %q, %v", args, got, v, ok)
				}
				if again := w.Rewrite(svc, got); again != got {
					t.Fatalf("Rewrite not idempotent: %q -> %q", got, again)
				}
			}
		})
	}

	exact := []struct {
		args string
		want string
	}{
		{args: "ram_quota=8K, label=x", want: "ram_quota=8K, label=hello_child"},
		{args: `foo="x, label=evil`, want: "label=hello_child"},
		{args: `x"=1, label=evil`, want: "label=hello_child"},
		{args: `a=1, b="unterminated`, want: "a=1, label=hello_child"},
		{args: `k=v"w"`, want: `k="v\"w\"", label=hello_child`},
	}
	for _, tc := range exact {
		if got := w.Rewrite("LOG", tc.args); got != tc.want {
			t.Fatalf("Rewrite(%q) = %q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestRewriteDropsTrailingArgsToFitBuffer(t *testing.T) {
	w, err := NewWhitelist("hello_child", DefaultServices, len("a=1, label=hello_child"))
	if err != nil {
		t.Fatalf("new whitelist: %v", err)
	}
	got := w.Rewrite("LOG", "a=1, b=2, c=3")
	if got != "a=1, label=hello_child" {
		t.Fatalf("Rewrite() = %q", got)
	}
	if len(got) > w.BufferSize() {
		t.Fatalf("rewrite exceeds buffer: %d > %d", len(got), w.BufferSize())
	}
}

func TestNewWhitelistRejectsTinyBuffer(t *testing.T) {
	_, err := NewWhitelist("hello_child", DefaultServices, 8)
	if !errors.Is(err, ErrArgsBufferTooSmall) {
		t.Fatalf("expected ErrArgsBufferTooSmall, got %v", err)
	}
	if _, err := NewWhitelist("  ", DefaultServices, 0); !errors.Is(err, ErrEmptyLabel) {
		t.Fatalf("expected ErrEmptyLabel, got %v", err)
	}
	if _, err := NewWhitelist("x", []string{"LOG", " "}, 0); err == nil {
		t.Fatalf("expected empty service name to be rejected")
	}
}

func TestServicesSorted(t *testing.T) {
	w, err := NewWhitelist("c", []string{"RM", "LOG", "Timer"}, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(w.Services(), ",")
	if got != "LOG,RM,Timer" {
		t.Fatalf("Services() = %q", got)
	}
}

package hello

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/broker"
	"github.com/Paintersrp/warden/internal/payload"
	"github.com/Paintersrp/warden/internal/policy"
)

func TestRunAnnouncesOverLog(t *testing.T) {
	lines := make(chan string, 4)
	parent := broker.NewLocalParent(func(label, line string) {
		lines <- label + ": " + line
	})
	pol, err := policy.NewWhitelist(Name, policy.DefaultServices, 0)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	b := broker.New(Name, pol, parent)
	b.Open()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, payload.Env{Label: Name, Sessions: b.ForChild()})
	}()

	select {
	case got := <-lines:
		if got != "hello_child: Hello! I am hello_child." {
			t.Fatalf("unexpected line %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for greeting")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if got := parent.Open()[broker.ServiceLog]; got != 0 {
		t.Fatalf("LOG session left open: %d", got)
	}
}

func TestRunFailsWithoutLogPermission(t *testing.T) {
	pol, err := policy.NewWhitelist(Name, []string{"RM"}, 0)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	b := broker.New(Name, pol, broker.NewLocalParent(nil))
	b.Open()

	err = Run(context.Background(), payload.Env{Label: Name, Sessions: b.ForChild()})
	if !errors.Is(err, broker.ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
}

func TestRegistered(t *testing.T) {
	if _, err := payload.Lookup(Name); err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if _, err := payload.Images().Lookup(Name); err != nil {
		t.Fatalf("image lookup: %v", err)
	}
}

package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/image"
)

func mustConnect(t *testing.T, k *Sim, kind Kind, params Params) *Capability {
	t.Helper()
	c, err := k.Connect(context.Background(), kind, params)
	if err != nil {
		t.Fatalf("connect %s: %v", kind, err)
	}
	return c
}

func TestConnectConsumesBudget(t *testing.T) {
	k := NewSim(WithSlots(2))

	a := mustConnect(t, k, KindCPU, Params{})
	mustConnect(t, k, KindCap, Params{})

	_, err := k.Connect(context.Background(), KindCPU, Params{})
	var denial *DeniedError
	if !errors.As(err, &denial) || !errors.Is(err, ErrDenied) {
		t.Fatalf("expected DeniedError, got %v", err)
	}
	if denial.Kind != KindCPU {
		t.Fatalf("unexpected denial kind %q", denial.Kind)
	}

	if err := k.Close(a); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := k.SlotsInUse(); got != 1 {
		t.Fatalf("slots in use = %d, want 1", got)
	}
	mustConnect(t, k, KindCPU, Params{})
}

func TestConnectValidatesParams(t *testing.T) {
	k := NewSim(WithImages(image.NewMemStore(image.Image{Name: "hello_child"})))
	pd := mustConnect(t, k, KindPD, Params{Label: "hello_child"})
	cpu := mustConnect(t, k, KindCPU, Params{})

	cases := []struct {
		name   string
		kind   Kind
		params Params
	}{
		{name: "pd without label", kind: KindPD},
		{name: "rom without name", kind: KindROM},
		{name: "unknown image", kind: KindROM, params: Params{Label: "nope"}},
		{name: "region map without pd", kind: KindRegionMap},
		{name: "region map with cpu parent", kind: KindRegionMap, params: Params{Parent: cpu}},
		{name: "thread without cpu", kind: KindThread, params: Params{PD: pd}},
		{name: "thread with swapped caps", kind: KindThread, params: Params{CPU: pd, PD: cpu}},
		{name: "entrypoint without cap", kind: KindEntrypoint, params: Params{StackSize: 8192}},
		{name: "unsupported kind", kind: Kind("io_port")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := k.Connect(context.Background(), tc.kind, tc.params); !errors.Is(err, ErrDenied) {
				t.Fatalf("expected denial, got %v", err)
			}
		})
	}

	capSession := mustConnect(t, k, KindCap, Params{})
	if _, err := k.Connect(context.Background(), KindEntrypoint, Params{Parent: capSession}); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected zero stack size to be denied, got %v", err)
	}
	if got := k.SlotsInUse(); got != 3 {
		t.Fatalf("denied connects must not consume slots: in use %d", got)
	}
}

func TestCloseTwiceIsRejected(t *testing.T) {
	k := NewSim()
	c := mustConnect(t, k, KindCPU, Params{})
	if err := k.Close(c); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := k.Close(c); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if k.Valid(c) {
		t.Fatalf("closed capability reported valid")
	}

	closes := 0
	for _, entry := range k.Journal() {
		if entry.Op == OpClose {
			closes++
		}
	}
	if closes != 1 {
		t.Fatalf("journal records %d closes, want 1", closes)
	}
}

func TestCloseWithDependentsIsBusy(t *testing.T) {
	k := NewSim()
	pd := mustConnect(t, k, KindPD, Params{Label: "child"})
	cpu := mustConnect(t, k, KindCPU, Params{})
	thread := mustConnect(t, k, KindThread, Params{CPU: cpu, PD: pd, Label: "child thread"})
	rm := mustConnect(t, k, KindRegionMap, Params{Parent: pd})

	if err := k.Close(pd); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	for _, c := range []*Capability{thread, rm, cpu, pd} {
		if err := k.Close(c); err != nil {
			t.Fatalf("close %s: %v", c, err)
		}
	}
	if n := len(k.Outstanding()); n != 0 {
		t.Fatalf("outstanding = %d, want 0", n)
	}
}

func TestRAMCloseReturnsQuota(t *testing.T) {
	k := NewSim(WithRAM(4096))
	ram := mustConnect(t, k, KindRAM, Params{Label: "child"})
	acct, err := k.Account(ram)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if err := k.Ledger().SetRefAccount(acct, k.Self()); err != nil {
		t.Fatalf("ref account: %v", err)
	}
	if err := k.Ledger().Transfer(k.Self(), acct, 1024); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := k.Self().Balance(); got != 3072 {
		t.Fatalf("self balance = %d, want 3072", got)
	}
	if err := k.Close(ram); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := k.Self().Balance(); got != 4096 {
		t.Fatalf("self balance after close = %d, want 4096", got)
	}
	if _, err := k.Account(ram); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for closed ram, got %v", err)
	}
}

func TestFailCloseLeavesObjectLive(t *testing.T) {
	k := NewSim()
	cpu := mustConnect(t, k, KindCPU, Params{})
	boom := errors.New("boom")
	k.FailClose(KindCPU, boom)
	if err := k.Close(cpu); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if !k.Valid(cpu) {
		t.Fatalf("failed close must leave capability valid")
	}
	k.FailClose(KindCPU, nil)
	if err := k.Close(cpu); err != nil {
		t.Fatalf("close after clearing failure: %v", err)
	}
}

func TestTimerSleep(t *testing.T) {
	var slept time.Duration
	k := NewSim(WithSleep(func(d time.Duration) { slept += d }))
	timer := mustConnect(t, k, KindTimer, Params{})
	if err := k.MSleep(timer, 3000); err != nil {
		t.Fatalf("msleep: %v", err)
	}
	if slept != 3*time.Second {
		t.Fatalf("slept %v, want 3s", slept)
	}
	cpu := mustConnect(t, k, KindCPU, Params{})
	if err := k.MSleep(cpu, 1); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("expected ErrWrongKind, got %v", err)
	}
}

func TestDeny(t *testing.T) {
	k := NewSim()
	k.Deny(KindCPU, "no cpu for you")
	_, err := k.Connect(context.Background(), KindCPU, Params{})
	var denial *DeniedError
	if !errors.As(err, &denial) || denial.Reason != "no cpu for you" {
		t.Fatalf("unexpected error %v", err)
	}
}

package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/warden/internal/kernel"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func newTestUI(t *testing.T) *UI {
	t.Helper()
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	logs := tview.NewTextView()
	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(logs, 0, 3, false)
	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := newUI(app, pages, table, logs, 1)
	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)
	return ui
}

func TestHandleKeyRespectsOverlayFocus(t *testing.T) {
	ui := newTestUI(t)
	ui.app.SetFocus(ui.table)

	slash := tcell.NewEventKey(tcell.KeyRune, '/', tcell.ModNone)
	if res := ui.handleKey(slash); res != nil {
		t.Fatalf("expected filter shortcut to be consumed when table focused")
	}
	if _, ok := ui.app.GetFocus().(*tview.InputField); !ok {
		t.Fatalf("expected filter input to have focus, got %T", ui.app.GetFocus())
	}

	enter := tcell.NewEventKey(tcell.KeyEnter, 0, tcell.ModNone)
	if res := ui.handleKey(enter); res != enter {
		t.Fatalf("expected Enter to bypass global handler when overlay focused")
	}
	runeEvent := tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)
	if res := ui.handleKey(runeEvent); res != runeEvent {
		t.Fatalf("expected rune to bypass global handler when overlay focused")
	}

	ui.pages.RemovePage(filterPageName)
	ui.app.SetFocus(ui.table)

	x := tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)
	if res := ui.handleKey(x); res != x {
		t.Fatalf("expected rune to pass through when table focused")
	}
	if ui.logsFocused {
		t.Fatalf("expected logsFocused to match table focus")
	}
}

func TestHandleKeyTogglesJSON(t *testing.T) {
	ui := newTestUI(t)
	ui.app.SetFocus(ui.table)

	j := tcell.NewEventKey(tcell.KeyRune, 'j', tcell.ModNone)
	if res := ui.handleKey(j); res != nil {
		t.Fatalf("expected json toggle to be consumed")
	}
	if !ui.logsJSON {
		t.Fatalf("expected JSON rendering after toggle")
	}
}

func TestApplyEventTracksHandles(t *testing.T) {
	ui := newTestUI(t)
	ts := time.Unix(100, 0)

	events := []supervisor.Event{
		{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeStage, Step: supervisor.StepPD},
		{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeAcquired, Step: supervisor.StepPD, Kind: kernel.KindPD, Handle: "pd#2"},
		{Timestamp: ts.Add(time.Second), Child: "hello_child", Type: supervisor.EventTypeAcquired, Step: supervisor.StepCPU, Kind: kernel.KindCPU, Handle: "cpu#3"},
		{Timestamp: ts.Add(2 * time.Second), Child: "hello_child", Type: supervisor.EventTypeState, State: "running"},
		{Timestamp: ts.Add(3 * time.Second), Child: "hello_child", Type: supervisor.EventTypeReleased, Kind: kernel.KindCPU, Handle: "cpu#3", Err: errors.New("busy")},
	}
	ui.mu.Lock()
	for _, evt := range events {
		ui.applyEventLocked(evt)
	}
	ui.refreshTableLocked()
	ui.mu.Unlock()

	if ui.childState != "running" {
		t.Fatalf("child state = %q", ui.childState)
	}
	if got := strings.Join(ui.visible, ","); got != "*,pd#2,cpu#3" {
		t.Fatalf("visible rows = %s", got)
	}
	cpu := ui.handles["cpu#3"]
	if !cpu.released || cpu.message != "busy" {
		t.Fatalf("unexpected cpu handle state %+v", cpu)
	}
	if len(ui.records) != len(events) {
		t.Fatalf("records = %d, want %d", len(ui.records), len(events))
	}
	if title := ui.table.GetTitle(); !strings.Contains(title, "hello_child: running") {
		t.Fatalf("table title %q", title)
	}

	ui.mu.Lock()
	ui.selected = "cpu#3"
	got := ui.visibleRecordsLocked()
	ui.mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("records for cpu#3 = %d, want 2", len(got))
	}
}

func TestFilterHidesHandles(t *testing.T) {
	ui := newTestUI(t)
	ui.mu.Lock()
	ui.applyEventLocked(supervisor.Event{Type: supervisor.EventTypeAcquired, Kind: kernel.KindPD, Handle: "pd#2"})
	ui.applyEventLocked(supervisor.Event{Type: supervisor.EventTypeAcquired, Kind: kernel.KindRAM, Handle: "ram#4"})
	ui.mu.Unlock()

	ui.applyFilter("^ram")
	ui.mu.Lock()
	ui.refreshTableLocked()
	visible := strings.Join(ui.visible, ",")
	ui.mu.Unlock()
	if visible != "*,ram#4" {
		t.Fatalf("visible rows = %s", visible)
	}
}

func TestRetentionTrimsOldRecords(t *testing.T) {
	ui := newTestUI(t)
	WithMaxLogs(2)(ui)
	ui.mu.Lock()
	for _, msg := range []string{"a", "b", "c"} {
		ui.applyEventLocked(supervisor.Event{Type: supervisor.EventTypeLog, Message: msg})
	}
	ui.mu.Unlock()
	if len(ui.records) != 2 || ui.records[0].Message != "b" {
		t.Fatalf("unexpected records %+v", ui.records)
	}
}

func TestFormatEventMessage(t *testing.T) {
	tests := []struct {
		name string
		evt  supervisor.Event
		want string
	}{
		{name: "message only", evt: supervisor.Event{Message: "teardown"}, want: "teardown"},
		{name: "error only", evt: supervisor.Event{Err: errors.New("invalid handle")}, want: "invalid handle"},
		{name: "message and error", evt: supervisor.Event{Message: "teardown", Err: errors.New("busy")}, want: "teardown: busy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := formatEventMessage(tt.evt); got != tt.want {
				t.Fatalf("formatEventMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

// Package tui renders a live view of the supervisor: the capability
// handles it holds for the child and the event stream.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/supervisor"
)

const (
	tableTitle          = "Handles"
	logsTitle           = "Events"
	filterPageName      = "filter"
	allEvents           = "*"
	defaultLogRetention = 500
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of events retained.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI coordinates the interactive status interface backed by tview.
type UI struct {
	app    *tview.Application
	pages  *tview.Pages
	table  *tview.Table
	logs   *tview.TextView
	events chan supervisor.Event

	handles    map[string]*handleState
	childState string
	childLabel string
	records    []cliutil.LogRecord

	visible     []string
	selected    string
	logsJSON    bool
	filter      string
	filterExpr  *regexp.Regexp
	logsFocused bool
	maxLogs     int

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type handleState struct {
	handle   string
	kind     string
	step     string
	acquired time.Time
	released bool
	message  string
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(false).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 2, true).
		AddItem(logs, 0, 3, false)

	pages := tview.NewPages().AddPage("main", flex, true, true)

	ui := newUI(app, pages, table, logs, 256)
	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectionChangedFunc(func(row, column int) {
		// Select from refreshTableLocked re-enters here with mu held.
		if !ui.mu.TryLock() {
			return
		}
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter {
			ui.toggleFocus()
			return nil
		}
		return event
	})

	app.SetRoot(pages, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

func newUI(app *tview.Application, pages *tview.Pages, table *tview.Table, logs *tview.TextView, buffer int) *UI {
	return &UI{
		app:        app,
		pages:      pages,
		table:      table,
		logs:       logs,
		events:     make(chan supervisor.Event, buffer),
		handles:    make(map[string]*handleState),
		childState: "-",
		selected:   allEvents,
		maxLogs:    defaultLogRetention,
		done:       make(chan struct{}),
	}
}

// EventSink exposes the channel where supervisor events should be delivered.
func (u *UI) EventSink() chan<- supervisor.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop
// is invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

// consumeEvents keeps reading after the context ends so the supervisor,
// which sends lifecycle events synchronously, never blocks on a closed UI.
func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	draining := false
	ctxDone := ctx.Done()

	for {
		var tick <-chan time.Time
		if !draining {
			tick = ticker.C
		}

		select {
		case <-ctxDone:
			draining = true
			ticker.Stop()
			ctxDone = nil
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			if draining {
				continue
			}
			u.applyEvent(evt)
		case <-tick:
			u.queueRefresh(false)
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	if u.overlayFocused() {
		return event
	}
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case '/':
			u.showFilterPrompt()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) overlayFocused() bool {
	focus := u.app.GetFocus()
	return focus != nil && focus != u.table && focus != u.logs
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsJSON = !u.logsJSON
	u.renderLogsLocked()
}

func (u *UI) showFilterPrompt() {
	u.mu.RLock()
	current := u.filter
	u.mu.RUnlock()

	input := tview.NewInputField().
		SetLabel("Regex filter: ").
		SetText(current).
		SetFieldWidth(40)

	form := tview.NewForm().
		AddFormItem(input).
		AddButton("Apply", func() {
			u.applyFilter(input.GetText())
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		}).
		AddButton("Cancel", func() {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	form.SetBorder(true).SetTitle("Filter Handles")

	grid := tview.NewGrid().
		SetColumns(0, 60, 0).
		SetRows(0, 7, 0).
		AddItem(form, 1, 1, 1, 1, 0, 0, true)

	u.pages.AddPage(filterPageName, grid, true, true)
	u.logsFocused = false
	u.app.SetFocus(input)
}

func (u *UI) applyFilter(expr string) {
	expr = strings.TrimSpace(expr)
	var re *regexp.Regexp
	if expr != "" {
		var err error
		re, err = regexp.Compile(expr)
		if err != nil {
			u.showErrorModal(fmt.Sprintf("Invalid filter: %v", err))
			return
		}
	}
	u.mu.Lock()
	u.filter = expr
	u.filterExpr = re
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) showErrorModal(message string) {
	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"OK"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			u.pages.RemovePage(filterPageName)
			u.app.SetFocus(u.table)
		})

	u.pages.RemovePage(filterPageName)
	u.pages.AddPage(filterPageName, modal, true, true)
}

func (u *UI) applyEvent(evt supervisor.Event) {
	u.mu.Lock()
	u.applyEventLocked(evt)
	u.mu.Unlock()
	u.queueRefresh(true)
}

func (u *UI) applyEventLocked(evt supervisor.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	switch evt.Type {
	case supervisor.EventTypeAcquired:
		u.handles[evt.Handle] = &handleState{
			handle:   evt.Handle,
			kind:     string(evt.Kind),
			step:     evt.Step,
			acquired: evt.Timestamp,
		}
	case supervisor.EventTypeReleased:
		h := u.handles[evt.Handle]
		if h == nil {
			h = &handleState{handle: evt.Handle, kind: string(evt.Kind)}
			u.handles[evt.Handle] = h
		}
		h.released = true
		h.message = formatEventMessage(evt)
	case supervisor.EventTypeState:
		u.childState = evt.State
		u.childLabel = evt.Child
	}

	u.records = append(u.records, cliutil.NewLogRecord(evt))
	if len(u.records) > u.maxLogs {
		trim := len(u.records) - u.maxLogs
		u.records = append([]cliutil.LogRecord(nil), u.records[trim:]...)
	}
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"HANDLE", "KIND", "STEP", "STATUS", "AGE", "MESSAGE"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	names := make([]string, 0, len(u.handles))
	for name := range u.handles {
		if u.filterExpr != nil && !u.filterExpr.MatchString(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := u.handles[names[i]], u.handles[names[j]]
		if !a.acquired.Equal(b.acquired) {
			return a.acquired.Before(b.acquired)
		}
		return names[i] < names[j]
	})
	u.visible = append([]string{allEvents}, names...)

	title := fmt.Sprintf("%s [%s: %s]", tableTitle, labelOr(u.childLabel, "child"), u.childState)
	if u.filter != "" {
		title += fmt.Sprintf(" /%s/", u.filter)
	}
	u.table.SetTitle(title)

	u.table.SetCell(1, 0, tview.NewTableCell("(all events)").SetReference(allEvents))
	for row, name := range names {
		h := u.handles[name]
		status := "live"
		age := "-"
		if h.released {
			status = "released"
		} else if !h.acquired.IsZero() {
			age = time.Since(h.acquired).Truncate(time.Second).String()
		}
		message := h.message
		if len(message) > 60 {
			message = message[:57] + "..."
		}
		values := []string{name, h.kind, h.step, status, age, message}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(name)
			}
			u.table.SetCell(row+2, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	if u.selected == allEvents {
		u.logs.SetTitle(logsTitle)
	} else {
		u.logs.SetTitle(fmt.Sprintf("%s (%s)", logsTitle, u.selected))
	}
	for _, record := range u.visibleRecordsLocked() {
		if !u.logsJSON {
			fmt.Fprintln(u.logs, cliutil.FormatText(record))
			continue
		}
		data, err := json.Marshal(record)
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) visibleRecordsLocked() []cliutil.LogRecord {
	if u.selected == allEvents {
		return u.records
	}
	var out []cliutil.LogRecord
	for _, record := range u.records {
		if record.Handle == u.selected {
			out = append(out, record)
		}
	}
	return out
}

func (u *UI) ensureSelectionLocked() {
	idx := 0
	for i, name := range u.visible {
		if name == u.selected {
			idx = i
			break
		}
	}
	u.selected = u.visible[idx]
	u.table.Select(idx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.visible) {
		return
	}
	u.selected = u.visible[row-1]
}

func formatEventMessage(evt supervisor.Event) string {
	switch {
	case evt.Message != "" && evt.Err != nil:
		return evt.Message + ": " + evt.Err.Error()
	case evt.Err != nil:
		return evt.Err.Error()
	default:
		return evt.Message
	}
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}

package cli

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Paintersrp/warden/internal/cliutil"
	"github.com/Paintersrp/warden/internal/supervisor"
)

type outputFormat int

const (
	formatText outputFormat = iota
	formatJSON
)

// supportsInteractiveOutput reports whether the command writes to a
// terminal.
func supportsInteractiveOutput(cmd *cobra.Command) bool {
	f, ok := cmd.OutOrStdout().(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// eventFilter selects which events the text printer shows. JSON output
// always carries every event.
type eventFilter struct {
	stages  bool
	verbose bool
}

func (f eventFilter) show(evt supervisor.Event) bool {
	switch evt.Type {
	case supervisor.EventTypeStage:
		return f.stages
	case supervisor.EventTypeAcquired, supervisor.EventTypeReleased, supervisor.EventTypeTransferred, supervisor.EventTypeSession:
		return f.verbose || evt.Err != nil
	default:
		return true
	}
}

// printer drains supervisor events into a writer until the channel is
// closed.
type printer struct {
	out    io.Writer
	errOut io.Writer
	format outputFormat
	filter eventFilter
	enc    *json.Encoder
	wg     sync.WaitGroup
}

func newPrinter(out, errOut io.Writer, format outputFormat, filter eventFilter) *printer {
	p := &printer{out: out, errOut: errOut, format: format, filter: filter}
	if format == formatJSON {
		p.enc = json.NewEncoder(out)
	}
	return p
}

func (p *printer) start(events <-chan supervisor.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for evt := range events {
			p.print(evt)
		}
	}()
}

func (p *printer) print(evt supervisor.Event) {
	if p.format == formatJSON {
		cliutil.EncodeLogEvent(p.enc, p.errOut, evt)
		return
	}
	if p.filter.show(evt) {
		cliutil.WriteText(p.out, evt)
	}
}

func (p *printer) wait() {
	p.wg.Wait()
}

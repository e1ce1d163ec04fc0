package supervisor

import (
	"fmt"
	"time"

	"github.com/Paintersrp/warden/internal/kernel"
)

// EventType captures lifecycle notifications emitted by the supervisor.
type EventType string

const (
	EventTypeStage       EventType = "stage"
	EventTypeAcquired    EventType = "acquired"
	EventTypeReleased    EventType = "released"
	EventTypeTransferred EventType = "transferred"
	EventTypeState       EventType = "state"
	EventTypeSession     EventType = "session"
	EventTypeLog         EventType = "log"
	EventTypeExited      EventType = "exited"
	EventTypeError       EventType = "error"
)

// Bootstrap steps, in the order StartChild performs them.
const (
	StepTimer      = "Timer_connection"
	StepStart      = "start"
	StepPD         = "Pd_connection"
	StepCPU        = "Cpu_connection"
	StepRAM        = "Ram_connection"
	StepRefAccount = "ref_account"
	StepTransfer   = "transfer_quota"
	StepThread     = "Initial_thread"
	StepROM        = "Rom_connection"
	StepRegionMap  = "Region_map_client"
	StepCap        = "Cap_connection"
	StepEntrypoint = "Rpc_entrypoint"
	StepPolicy     = "Child_policy"
	StepChild      = "Child"
	StepLaunch     = "Child_start"
	StepSleepEnd   = "sleep_end"
)

// Steps lists the bootstrap steps of StartChild in order.
var Steps = []string{
	StepStart, StepPD, StepCPU, StepRAM, StepRefAccount, StepTransfer, StepThread,
	StepROM, StepRegionMap, StepCap, StepEntrypoint, StepPolicy, StepChild, StepLaunch,
}

// Event represents a single lifecycle or log notification.
type Event struct {
	Timestamp time.Time
	Child     string
	Type      EventType
	Step      string
	Kind      kernel.Kind
	Handle    string
	State     string
	Service   string
	Args      string
	Bytes     uint64
	Message   string
	Level     string
	Err       error
}

// sendEvent delivers lifecycle events and blocks until the consumer takes
// them.
func (s *Supervisor) sendEvent(ev Event) {
	if s.events == nil {
		return
	}
	s.stamp(&ev)
	s.events <- ev
}

// emit delivers events raised on the child's goroutines without blocking.
// Events that do not fit are counted, and the count is reported as a
// "dropped=N" warning once the consumer has room again.
func (s *Supervisor) emit(ev Event) {
	if s.events == nil {
		return
	}
	s.stamp(&ev)
	if !s.flushDrops(false) {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// flushDrops reports pending drops and returns false if the report itself
// did not fit.
func (s *Supervisor) flushDrops(block bool) bool {
	if s.events == nil {
		return true
	}
	n := s.dropped.Swap(0)
	if n == 0 {
		return true
	}
	ev := Event{Type: EventTypeLog, Child: s.cfg.Name, Level: "warn", Message: fmt.Sprintf("dropped=%d", n)}
	s.stamp(&ev)
	if block {
		s.events <- ev
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		s.dropped.Add(n)
		return false
	}
}

func (s *Supervisor) stamp(ev *Event) {
	ev.Timestamp = s.now()
	if ev.Child == "" {
		ev.Child = s.cfg.Label
	}
	if ev.Level == "" {
		ev.Level = "info"
		if ev.Err != nil {
			ev.Level = "error"
		}
	}
}

package supervisor

import (
	"testing"
	"time"
)

func TestEmitCountsDropsAndReportsThem(t *testing.T) {
	events := make(chan Event, 1)
	s := &Supervisor{
		cfg:    Config{Name: "init", Label: "hello_child"},
		events: events,
		now:    func() time.Time { return time.Unix(0, 0) },
	}

	s.emit(Event{Type: EventTypeLog, Message: "one"})
	s.emit(Event{Type: EventTypeLog, Message: "two"})
	s.emit(Event{Type: EventTypeLog, Message: "three"})

	if got := (<-events).Message; got != "one" {
		t.Fatalf("first event = %q", got)
	}
	if s.dropped.Load() != 2 {
		t.Fatalf("dropped = %d, want 2", s.dropped.Load())
	}

	s.emit(Event{Type: EventTypeLog, Message: "four"})
	report := <-events
	if report.Message != "dropped=2" || report.Level != "warn" || report.Child != "init" {
		t.Fatalf("unexpected drop report %+v", report)
	}
	if s.dropped.Load() != 1 {
		t.Fatalf("event after the report should be counted, dropped = %d", s.dropped.Load())
	}

	if !s.flushDrops(true) {
		t.Fatalf("blocking flush failed")
	}
	if got := (<-events).Message; got != "dropped=1" {
		t.Fatalf("final report = %q", got)
	}
}

func TestStampDefaults(t *testing.T) {
	s := &Supervisor{cfg: Config{Label: "hello_child"}, now: func() time.Time { return time.Unix(5, 0) }}
	ev := Event{Type: EventTypeError}
	s.stamp(&ev)
	if ev.Child != "hello_child" || ev.Level != "info" || !ev.Timestamp.Equal(time.Unix(5, 0)) {
		t.Fatalf("unexpected stamp %+v", ev)
	}
}

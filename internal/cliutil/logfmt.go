// Package cliutil renders supervisor events for terminals and log
// collectors.
package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/warden/internal/resources"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// LogRecord represents a structured event ready for JSON encoding.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	Child     string    `json:"child"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"msg,omitempty"`
	Step      string    `json:"step,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Handle    string    `json:"handle,omitempty"`
	State     string    `json:"state,omitempty"`
	Service   string    `json:"service,omitempty"`
	Args      string    `json:"args,omitempty"`
	Bytes     uint64    `json:"bytes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// NewLogRecord converts a supervisor event into a structured record. Child
// log lines carry their own level token ("ERROR ...") more often than not,
// so it wins over the default.
func NewLogRecord(event supervisor.Event) LogRecord {
	level := event.Level
	if event.Type == supervisor.EventTypeLog && event.Err == nil {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		}
	}
	if level == "" {
		level = "info"
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		Child:     event.Child,
		Type:      string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Step:      event.Step,
		Kind:      string(event.Kind),
		Handle:    event.Handle,
		State:     event.State,
		Service:   event.Service,
		Args:      RedactSecrets(event.Args),
		Bytes:     event.Bytes,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info|debug)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	return strings.ToLower(matches[1])
}

// EncodeLogEvent encodes an event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event supervisor.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}

// FormatText renders a record as a single human readable line.
func FormatText(record LogRecord) string {
	var b strings.Builder
	b.WriteString(record.Timestamp.Format("15:04:05.000"))
	fmt.Fprintf(&b, " [%s] ", record.Child)
	switch supervisor.EventType(record.Type) {
	case supervisor.EventTypeStage:
		fmt.Fprintf(&b, "STAGE|%s", record.Step)
	case supervisor.EventTypeAcquired:
		fmt.Fprintf(&b, "acquired %s", record.Handle)
	case supervisor.EventTypeReleased:
		fmt.Fprintf(&b, "released %s", record.Handle)
	case supervisor.EventTypeTransferred:
		fmt.Fprintf(&b, "transferred %s (%s)", resources.FormatSize(record.Bytes), record.Message)
	case supervisor.EventTypeState:
		fmt.Fprintf(&b, "state %s", record.State)
	case supervisor.EventTypeSession:
		fmt.Fprintf(&b, "session %s %q", record.Service, record.Args)
		if record.Message != "" {
			fmt.Fprintf(&b, " %s", record.Message)
		}
	default:
		b.WriteString(record.Message)
	}
	if record.Error != "" {
		fmt.Fprintf(&b, ": %s", record.Error)
	}
	return b.String()
}

// WriteText writes the text form of an event followed by a newline.
func WriteText(w io.Writer, event supervisor.Event) {
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	fmt.Fprintln(w, FormatText(record))
}

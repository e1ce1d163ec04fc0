package cliutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/warden/internal/kernel"
	"github.com/Paintersrp/warden/internal/supervisor"
)

func TestEncodeLogEventInfersLevel(t *testing.T) {
	tests := []struct {
		name     string
		event    supervisor.Event
		expected string
	}{
		{name: "errorToken", event: supervisor.Event{Type: supervisor.EventTypeLog, Message: "[ERROR] failed to start", Level: "info"}, expected: "error"},
		{name: "warnToken", event: supervisor.Event{Type: supervisor.EventTypeLog, Message: "WARN quota low", Level: "info"}, expected: "warn"},
		{name: "noTokenDefaults", event: supervisor.Event{Type: supervisor.EventTypeLog, Message: "Hello! I am hello_child."}, expected: "info"},
		{name: "lifecycleKeepsLevel", event: supervisor.Event{Type: supervisor.EventTypeStage, Step: "error_step", Level: "info"}, expected: "info"},
		{name: "errorEvent", event: supervisor.Event{Type: supervisor.EventTypeError, Message: "teardown", Level: "error", Err: errors.New("boom")}, expected: "error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			var errBuf bytes.Buffer

			tc.event.Timestamp = time.Unix(0, 0)
			EncodeLogEvent(json.NewEncoder(&out), &errBuf, tc.event)

			if errBuf.Len() != 0 {
				t.Fatalf("unexpected stderr output: %s", errBuf.String())
			}
			var record LogRecord
			if err := json.Unmarshal(out.Bytes(), &record); err != nil {
				t.Fatalf("failed to unmarshal log record: %v", err)
			}
			if record.Level != tc.expected {
				t.Fatalf("expected level %q, got %q", tc.expected, record.Level)
			}
		})
	}
}

func TestNewLogRecordCarriesFields(t *testing.T) {
	record := NewLogRecord(supervisor.Event{
		Child:  "hello_child",
		Type:   supervisor.EventTypeAcquired,
		Step:   supervisor.StepPD,
		Kind:   kernel.KindPD,
		Handle: "pd#1",
		Err:    errors.New("denied"),
	})
	if record.Type != "acquired" || record.Step != "Pd_connection" || record.Kind != string(kernel.KindPD) {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Error != "denied" {
		t.Fatalf("expected error text, got %q", record.Error)
	}
}

func TestFormatText(t *testing.T) {
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		event supervisor.Event
		want  string
	}{
		{
			name:  "stage",
			event: supervisor.Event{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeStage, Step: "Cap_connection"},
			want:  "12:00:00.000 [hello_child] STAGE|Cap_connection",
		},
		{
			name:  "transfer",
			event: supervisor.Event{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeTransferred, Bytes: 1 << 20, Message: "init -> hello_child"},
			want:  "12:00:00.000 [hello_child] transferred 1MiB (init -> hello_child)",
		},
		{
			name:  "session",
			event: supervisor.Event{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeSession, Service: "LOG", Args: "label=hello_child", Message: "forwarded"},
			want:  `12:00:00.000 [hello_child] session LOG "label=hello_child" forwarded`,
		},
		{
			name:  "log",
			event: supervisor.Event{Timestamp: ts, Child: "init", Type: supervisor.EventTypeLog, Message: "Done!"},
			want:  "12:00:00.000 [init] Done!",
		},
		{
			name:  "error",
			event: supervisor.Event{Timestamp: ts, Child: "hello_child", Type: supervisor.EventTypeError, Message: "bootstrap failed", Err: errors.New("no slots")},
			want:  "12:00:00.000 [hello_child] bootstrap failed: no slots",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			WriteText(&out, tc.event)
			if got := strings.TrimRight(out.String(), "\n"); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRedactSecrets(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "label=hello_child, ram_quota=4K", want: "label=hello_child, ram_quota=4K"},
		{in: "label=a, db_password=hunter2, x=1", want: "label=a, db_password=[redacted], x=1"},
		{in: `API_TOKEN: "abc"`, want: `API_TOKEN: "[redacted]"`},
		{in: "using ${SECRET_PATH}", want: "using ${[redacted]}"},
	}
	for _, tc := range tests {
		if got := RedactSecrets(tc.in); got != tc.want {
			t.Fatalf("RedactSecrets(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

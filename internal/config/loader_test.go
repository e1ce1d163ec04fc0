package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("CHILD_QUOTA", "2MiB")
	t.Setenv("METRICS_PORT", "9464")

	path := writeConfig(t, `version: "1"
supervisor:
  name: core
  ramQuota: 32MiB
  capSlots: 32
child:
  image: hello
  label: worker
  quota: ${CHILD_QUOTA}
  cpu: 250m
  stackSize: 16KiB
  runFor: 500ms
policy:
  services: [LOG]
  argsBufferSize: 64
scheduler:
  backend: process
images:
  directory: ./bin
metrics:
  addr: 127.0.0.1:${METRICS_PORT}
`)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := doc.Child.Quota.Bytes, uint64(2<<20); got != want {
		t.Fatalf("child quota = %d, want %d", got, want)
	}
	if got, want := doc.Child.CPU.NanoCPUs, int64(250_000_000); got != want {
		t.Fatalf("cpu = %d, want %d", got, want)
	}
	if got, want := doc.Child.RunFor.Duration, 500*time.Millisecond; got != want {
		t.Fatalf("runFor = %s, want %s", got, want)
	}
	if got, want := doc.Images.Directory, filepath.Join(filepath.Dir(path), "bin"); got != want {
		t.Fatalf("images directory = %q, want %q", got, want)
	}
	if doc.Metrics.Addr != "127.0.0.1:9464" {
		t.Fatalf("metrics addr = %q", doc.Metrics.Addr)
	}

	cfg := doc.SupervisorConfig()
	if cfg.Name != "core" || cfg.Label != "worker" || cfg.ImageName != "hello" {
		t.Fatalf("unexpected supervisor config %+v", cfg)
	}
	if cfg.QuotaBytes != 2<<20 || cfg.EntrypointStackSize != 16<<10 || cfg.ArgsBufferSize != 64 {
		t.Fatalf("unexpected supervisor sizes %+v", cfg)
	}
	if len(cfg.Services) != 1 || cfg.Services[0] != "LOG" {
		t.Fatalf("unexpected services %v", cfg.Services)
	}
}

func TestDefaults(t *testing.T) {
	doc := Default()
	if doc.Supervisor.Name != "init" || doc.Supervisor.RAMQuota.Bytes != 16<<20 || doc.Supervisor.CapSlots != 64 {
		t.Fatalf("unexpected supervisor defaults %+v", doc.Supervisor)
	}
	if doc.Child.Label != "hello_child" || doc.Child.Image != "hello_child" {
		t.Fatalf("unexpected child identity %+v", doc.Child)
	}
	if doc.Child.Quota.Bytes != 1<<20 || doc.Child.StackSize.Bytes != 8<<10 {
		t.Fatalf("unexpected child sizes %+v", doc.Child)
	}
	if doc.Child.RunFor.Duration != 3*time.Second {
		t.Fatalf("runFor = %s", doc.Child.RunFor.Duration)
	}
	if doc.Child.CPU.String() != "500m" {
		t.Fatalf("cpu = %s", doc.Child.CPU)
	}
	if got := strings.Join(doc.Policy.Services, ","); got != "LOG,RM" {
		t.Fatalf("services = %s", got)
	}
	if doc.Scheduler.Backend != "inproc" || doc.Images.Directory != "" {
		t.Fatalf("unexpected scheduler defaults %+v %+v", doc.Scheduler, doc.Images)
	}
}

func TestParseNoImageKeepsImageEmpty(t *testing.T) {
	doc, err := Parse([]byte("child:\n  noImage: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if doc.Child.Image != "" || !doc.SupervisorConfig().NoImage {
		t.Fatalf("expected image-less child, got %+v", doc.Child)
	}
}

func TestParseEmptyServicesKeepsEmptyWhitelist(t *testing.T) {
	doc, err := Parse([]byte("policy:\n  services: []\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(doc.Policy.Services) != 0 {
		t.Fatalf("expected empty whitelist, got %v", doc.Policy.Services)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "unknown key", body: "child:\n  bogus: 1\n", want: "bogus"},
		{name: "bad size", body: "child:\n  quota: lots\n", want: "child.quota"},
		{name: "bad backend", body: "scheduler:\n  backend: vm\n", want: "scheduler.backend"},
		{name: "bad duration", body: "child:\n  runFor: soon\n", want: "child.runFor"},
		{name: "quota above budget", body: "supervisor:\n  ramQuota: 1MiB\nchild:\n  quota: 2MiB\n", want: "exceeds supervisor.ramQuota"},
		{name: "zero quota", body: "child:\n  quota: 0\n", want: "child.quota: must be positive"},
		{name: "label with comma", body: "child:\n  label: \"a,b\"\n", want: "child.label"},
		{name: "image with noImage", body: "child:\n  noImage: true\n  image: hello_child\n", want: "child.image"},
		{name: "duplicate service", body: "policy:\n  services: [LOG, LOG]\n", want: "duplicate service"},
		{name: "tiny args buffer", body: "policy:\n  argsBufferSize: 4\n", want: "policy.argsBufferSize"},
		{name: "bad metrics port", body: "metrics:\n  addr: 127.0.0.1:99999\n", want: "metrics.addr"},
		{name: "bad version", body: "version: \"2\"\n", want: "unsupported version"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestSchemaErrorsNameFieldsAndFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
		want SchemaIssue
	}{
		{name: "size", body: "child:\n  quota: lots\n", want: SchemaIssue{Field: "child.quota", Hint: quantityHints["size"]}},
		{name: "cpu", body: "child:\n  cpu: fast\n", want: SchemaIssue{Field: "child.cpu", Hint: quantityHints["cpu"]}},
		{name: "duration", body: "child:\n  runFor: soon\n", want: SchemaIssue{Field: "child.runFor", Hint: quantityHints["duration"]}},
		{name: "service", body: "policy:\n  services: [LOG, \"bad name\"]\n", want: SchemaIssue{Field: "policy.services[1]", Hint: quantityHints["service"]}},
		{name: "unknown key", body: "child:\n  bogus: 1\n", want: SchemaIssue{Field: "child.bogus", Hint: "unknown key"}},
		{name: "unknown section", body: "volumes: {}\n", want: SchemaIssue{Field: "volumes", Hint: "unknown key"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body))
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected *SchemaError, got %v", err)
			}
			if len(schemaErr.Issues) != 1 || schemaErr.Issues[0] != tc.want {
				t.Fatalf("issues = %+v, want [%+v]", schemaErr.Issues, tc.want)
			}
			if !strings.Contains(err.Error(), tc.want.Field+": "+tc.want.Hint) {
				t.Fatalf("error %q does not render %s", err, tc.want.Field)
			}
		})
	}
}

func TestFieldPath(t *testing.T) {
	cases := map[string]string{
		"":                   "config",
		"/":                  "config",
		"/child/quota":       "child.quota",
		"/policy/services/1": "policy.services[1]",
		"/images/refs/a~1b":  "images.refs.a/b",
	}
	for in, want := range cases {
		if got := fieldPath(in); got != want {
			t.Fatalf("fieldPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

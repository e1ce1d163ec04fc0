package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/Paintersrp/warden/internal/child"
	"github.com/Paintersrp/warden/internal/policy"
	"github.com/Paintersrp/warden/internal/supervisor"
)

// Defaults applied to omitted fields.
const (
	DefaultVersion      = "1"
	DefaultRAMQuota     = 16 << 20
	DefaultCapSlots     = 64
	DefaultChildQuota   = 1 << 20
	DefaultChildImage   = "hello_child"
	DefaultChildLabel   = "hello_child"
	DefaultRunFor       = 3 * time.Second
	DefaultBackend      = "inproc"
	DefaultImagesDir    = "images"
	defaultCPUMillicore = 500
)

// Backends lists the accepted scheduler.backend values.
var Backends = []string{"docker", "inproc", "process"}

var (
	serviceNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	labelPattern       = regexp.MustCompile(`^[^\s,"=]+$`)
)

// ApplyDefaults fills omitted fields.
func (d *Document) ApplyDefaults() error {
	if d.Version == "" {
		d.Version = DefaultVersion
	}
	if d.Supervisor.Name == "" {
		d.Supervisor.Name = supervisor.DefaultName
	}
	if !d.Supervisor.RAMQuota.IsSet() {
		d.Supervisor.RAMQuota = Size{Bytes: DefaultRAMQuota}
	}
	if d.Supervisor.CapSlots == 0 {
		d.Supervisor.CapSlots = DefaultCapSlots
	}
	if !d.Supervisor.StackSize.IsSet() {
		d.Supervisor.StackSize = Size{Bytes: supervisor.DefaultStackSize}
	}

	if d.Child.Label == "" {
		d.Child.Label = DefaultChildLabel
	}
	if d.Child.Image == "" && !d.Child.NoImage {
		d.Child.Image = DefaultChildImage
	}
	if !d.Child.Quota.IsSet() {
		d.Child.Quota = Size{Bytes: DefaultChildQuota}
	}
	if d.Child.CPU.NanoCPUs == 0 && d.Child.CPU.raw == "" {
		d.Child.CPU = CPU{NanoCPUs: defaultCPUMillicore * 1_000_000}
	}
	if !d.Child.StackSize.IsSet() {
		d.Child.StackSize = Size{Bytes: supervisor.DefaultEntrypointStackSize}
	}
	if !d.Child.RunFor.IsSet() {
		d.Child.RunFor = Duration{Duration: DefaultRunFor}
	}
	if !d.Child.StopTimeout.IsSet() {
		d.Child.StopTimeout = Duration{Duration: child.DefaultStopTimeout}
	}

	if d.Policy.Services == nil {
		d.Policy.Services = append([]string(nil), policy.DefaultServices...)
	}
	if d.Policy.ArgsBufferSize == 0 {
		d.Policy.ArgsBufferSize = policy.DefaultArgsBufferSize
	}
	if d.Scheduler.Backend == "" {
		d.Scheduler.Backend = DefaultBackend
	}
	if d.Images.Directory == "" && d.Scheduler.Backend == "process" {
		d.Images.Directory = DefaultImagesDir
	}
	return nil
}

// Validate reports the first structural problem in the document.
func (d *Document) Validate() error {
	if d.Version != DefaultVersion {
		return fmt.Errorf("%s: unsupported version %q (supported values: %s)", field("version"), d.Version, DefaultVersion)
	}
	if d.Supervisor.RAMQuota.Bytes == 0 {
		return fmt.Errorf("%s: must be positive", field("supervisor", "ramQuota"))
	}
	if d.Supervisor.CapSlots < 1 {
		return fmt.Errorf("%s: must be at least 1", field("supervisor", "capSlots"))
	}

	if !labelPattern.MatchString(d.Child.Label) {
		return fmt.Errorf("%s: %q must not contain whitespace, commas, quotes or '='", field("child", "label"), d.Child.Label)
	}
	if d.Child.NoImage && d.Child.Image != "" {
		return fmt.Errorf("%s: must be empty when child.noImage is set", field("child", "image"))
	}
	if d.Child.Quota.Bytes == 0 {
		return fmt.Errorf("%s: must be positive", field("child", "quota"))
	}
	if d.Child.Quota.Bytes > d.Supervisor.RAMQuota.Bytes {
		return fmt.Errorf("%s: %s exceeds supervisor.ramQuota %s", field("child", "quota"), d.Child.Quota, d.Supervisor.RAMQuota)
	}
	if d.Child.StackSize.Bytes == 0 {
		return fmt.Errorf("%s: must be positive", field("child", "stackSize"))
	}
	if d.Child.RunFor.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", field("child", "runFor"))
	}
	if d.Child.StopTimeout.Duration < 0 {
		return fmt.Errorf("%s: must not be negative", field("child", "stopTimeout"))
	}

	seen := make(map[string]struct{}, len(d.Policy.Services))
	for i, svc := range d.Policy.Services {
		name := field("policy", fmt.Sprintf("services[%d]", i))
		if !serviceNamePattern.MatchString(svc) {
			return fmt.Errorf("%s: invalid service name %q", name, svc)
		}
		if _, dup := seen[svc]; dup {
			return fmt.Errorf("%s: duplicate service %q", name, svc)
		}
		seen[svc] = struct{}{}
	}
	if need := len(policy.LabelKey) + 1 + len(d.Child.Label); d.Policy.ArgsBufferSize < need {
		return fmt.Errorf("%s: %d cannot hold the child label (need at least %d)", field("policy", "argsBufferSize"), d.Policy.ArgsBufferSize, need)
	}

	if !contains(Backends, d.Scheduler.Backend) {
		return fmt.Errorf("%s: unsupported backend %q (supported values: %s)", field("scheduler", "backend"), d.Scheduler.Backend, strings.Join(Backends, ", "))
	}
	for name, ref := range d.Images.Refs {
		if strings.TrimSpace(ref) == "" {
			return fmt.Errorf("%s: must not be empty", field("images", "refs", name))
		}
	}

	if err := validateListenAddr(d.Metrics.Addr); err != nil {
		return fmt.Errorf("%s: %w", field("metrics", "addr"), err)
	}
	return nil
}

func validateListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return fmt.Errorf("invalid host %q", host)
	}
	if port == "" {
		return errors.New("port is required")
	}
	if _, err := nat.ParsePort(port); err != nil {
		return fmt.Errorf("invalid port %q: %w", port, err)
	}
	return nil
}

// SupervisorConfig maps the document onto the supervisor's construction
// parameters.
func (d *Document) SupervisorConfig() supervisor.Config {
	return supervisor.Config{
		Name:                d.Supervisor.Name,
		Label:               d.Child.Label,
		ImageName:           d.Child.Image,
		NoImage:             d.Child.NoImage,
		QuotaBytes:          d.Child.Quota.Bytes,
		NanoCPUs:            d.Child.CPU.NanoCPUs,
		StackSize:           d.Supervisor.StackSize.Bytes,
		EntrypointStackSize: int64(d.Child.StackSize.Bytes),
		Services:            append([]string(nil), d.Policy.Services...),
		ArgsBufferSize:      d.Policy.ArgsBufferSize,
		StopTimeout:         d.Child.StopTimeout.Duration,
	}
}

func field(parts ...string) string {
	return strings.Join(parts, ".")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Paintersrp/warden/internal/resources"
)

// Duration wraps time.Duration for YAML unmarshalling.
type Duration struct {
	time.Duration
	explicit bool
}

// UnmarshalText parses a textual duration, accepting empty strings.
func (d *Duration) UnmarshalText(text []byte) error {
	d.explicit = true
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// IsSet reports whether the duration was explicitly provided or non-zero.
func (d Duration) IsSet() bool {
	return d.explicit || d.Duration != 0
}

// Size is a byte count written either as a plain integer or with a binary
// suffix ("1MiB", "64KiB", "8k").
type Size struct {
	Bytes    uint64
	explicit bool
}

func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := resources.ParseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	s.Bytes = n
	s.explicit = true
	return nil
}

func (s Size) MarshalYAML() (any, error) {
	return resources.FormatSize(s.Bytes), nil
}

func (s Size) IsSet() bool { return s.explicit || s.Bytes != 0 }

func (s Size) String() string { return resources.FormatSize(s.Bytes) }

// CPU is a processor share in nano-CPUs, written as cores ("0.5") or
// millicores ("500m"). Zero means unlimited.
type CPU struct {
	NanoCPUs int64
	raw      string
}

func (c *CPU) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: cpu must be a scalar", node.Line)
	}
	n, err := resources.ParseCPU(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	c.NanoCPUs = n
	c.raw = strings.TrimSpace(node.Value)
	return nil
}

func (c CPU) MarshalYAML() (any, error) {
	if c.NanoCPUs == 0 {
		return "", nil
	}
	return c.String(), nil
}

func (c CPU) String() string {
	if c.raw != "" {
		return c.raw
	}
	return resources.FormatCPU(c.NanoCPUs)
}

// Document mirrors the warden.yaml structure.
type Document struct {
	Version    string         `yaml:"version"`
	Supervisor SupervisorSpec `yaml:"supervisor"`
	Child      ChildSpec      `yaml:"child"`
	Policy     PolicySpec     `yaml:"policy"`
	Scheduler  SchedulerSpec  `yaml:"scheduler"`
	Images     ImagesSpec     `yaml:"images"`
	Metrics    MetricsSpec    `yaml:"metrics"`
}

// SupervisorSpec describes the supervising component's own budget.
type SupervisorSpec struct {
	Name      string `yaml:"name"`
	RAMQuota  Size   `yaml:"ramQuota"`
	CapSlots  int    `yaml:"capSlots"`
	StackSize Size   `yaml:"stackSize"`
}

// ChildSpec describes the single supervised child.
type ChildSpec struct {
	Image       string   `yaml:"image"`
	Label       string   `yaml:"label"`
	Quota       Size     `yaml:"quota"`
	CPU         CPU      `yaml:"cpu"`
	StackSize   Size     `yaml:"stackSize"`
	NoImage     bool     `yaml:"noImage"`
	RunFor      Duration `yaml:"runFor"`
	StopTimeout Duration `yaml:"stopTimeout"`
}

// PolicySpec configures the child's service whitelist.
type PolicySpec struct {
	Services       []string `yaml:"services"`
	ArgsBufferSize int      `yaml:"argsBufferSize"`
}

// SchedulerSpec selects the backend that runs the child's thread.
type SchedulerSpec struct {
	Backend string `yaml:"backend"`
}

// ImagesSpec configures where child images are resolved from. Directory
// serves the process backend; Refs maps image names to container
// references for the docker backend.
type ImagesSpec struct {
	Directory string            `yaml:"directory"`
	Refs      map[string]string `yaml:"refs"`
}

// MetricsSpec configures the status and metrics listener.
type MetricsSpec struct {
	Addr string `yaml:"addr"`
}

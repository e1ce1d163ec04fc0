// Package resources parses the quantities used in warden configuration:
// byte sizes for quotas and stacks, and CPU shares.
package resources

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

// NanoCPUs is one full CPU in scheduler units.
const NanoCPUs = 1_000_000_000

// ParseCPU converts a CPU quantity into nano-CPUs. It accepts fractional
// core counts ("0.5") and millicores ("500m"). An empty value means no
// limit and yields zero.
func ParseCPU(value string) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}

	scale := 1.0
	if last := trimmed[len(trimmed)-1]; last == 'm' || last == 'M' {
		scale = 1000
		trimmed = strings.TrimSpace(trimmed[:len(trimmed)-1])
	}
	n, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || trimmed == "" {
		return 0, fmt.Errorf("invalid cpu quantity %q", value)
	}
	cores := n / scale
	if cores <= 0 || math.IsInf(cores, 0) || math.IsNaN(cores) {
		return 0, fmt.Errorf("invalid cpu quantity %q: must be positive", value)
	}
	nano := math.Max(1, math.Round(cores*NanoCPUs))
	if nano > math.MaxInt64 {
		return 0, fmt.Errorf("invalid cpu quantity %q: exceeds supported range", value)
	}
	return int64(nano), nil
}

// ParseSize converts a byte size such as "1MiB", "64KiB", "512Mi" or a
// plain number of bytes. Suffixes are binary.
func ParseSize(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("empty size")
	}
	lower := strings.ToLower(trimmed)
	for _, suffix := range []string{"ki", "mi", "gi", "ti"} {
		if strings.HasSuffix(lower, suffix) {
			trimmed += "B"
			break
		}
	}
	n, err := units.RAMInBytes(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid size %q: must not be negative", value)
	}
	return uint64(n), nil
}

// FormatSize renders a byte count with binary units, for example "1MiB".
func FormatSize(n uint64) string {
	return strings.ReplaceAll(units.BytesSize(float64(n)), " ", "")
}

// FormatCPU renders nano-CPUs as millicores, or "unlimited" for zero.
func FormatCPU(nano int64) string {
	if nano <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%dm", nano/(NanoCPUs/1000))
}

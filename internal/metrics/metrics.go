package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "warden"

var (
	registry = prometheus.NewRegistry()

	childState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "child_state",
		Help:      "Lifecycle state of the child (0=unbuilt ... 6=terminated).",
	}, []string{"child"})

	handlesOutstanding = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "handles_outstanding",
		Help:      "Capabilities currently held, by kind.",
	}, []string{"kind"})

	accountBalance = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "account_balance_bytes",
		Help:      "Balance of quota accounts in bytes.",
	}, []string{"account"})

	sessionRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_requests_total",
		Help:      "Session requests issued by children, by service and outcome.",
	}, []string{"child", "service", "outcome"})

	bootstrapFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bootstrap_failures_total",
		Help:      "Child bootstraps that failed, by step.",
	}, []string{"step"})

	bootstrapLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "bootstrap_duration_seconds",
		Help:      "Time taken to bring a child from nothing to running.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"child"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

// Session request outcomes.
const (
	OutcomeForwarded = "forwarded"
	OutcomeDenied    = "denied"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

func init() {
	registry.MustRegister(childState, handlesOutstanding, accountBalance, sessionRequests, bootstrapFailures, bootstrapLatency, buildInfo)
}

// Registry returns the Prometheus registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetChildState records the numeric lifecycle state of a child.
func SetChildState(child string, state int) {
	if child == "" {
		return
	}
	childState.WithLabelValues(child).Set(float64(state))
}

// SetHandles replaces the outstanding handle counts. Kinds missing from
// counts are reported as zero.
func SetHandles(kinds []string, counts map[string]int) {
	for _, kind := range kinds {
		handlesOutstanding.WithLabelValues(kind).Set(float64(counts[kind]))
	}
}

// SetBalance records the balance of a quota account.
func SetBalance(account string, bytes uint64) {
	if account == "" {
		return
	}
	accountBalance.WithLabelValues(account).Set(float64(bytes))
}

// CountSession increments the session request counter.
func CountSession(child, service, outcome string) {
	if child == "" {
		return
	}
	sessionRequests.WithLabelValues(child, service, outcome).Inc()
}

// IncrementBootstrapFailure counts a failed bootstrap at step.
func IncrementBootstrapFailure(step string) {
	if step == "" {
		step = "unknown"
	}
	bootstrapFailures.WithLabelValues(step).Inc()
}

// ObserveBootstrap records how long a successful bootstrap took.
func ObserveBootstrap(child string, d time.Duration) {
	label := child
	if label == "" {
		label = "unknown"
	}
	bootstrapLatency.WithLabelValues(label).Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// ResetChild clears every series labelled with child.
func ResetChild(child string) {
	if child == "" {
		return
	}
	childState.DeleteLabelValues(child)
	accountBalance.DeleteLabelValues(child)
	bootstrapLatency.DeleteLabelValues(child)
	sessionRequests.DeletePartialMatch(prometheus.Labels{"child": child})
}

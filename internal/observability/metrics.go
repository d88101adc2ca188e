package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"server", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beaconctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server", "method", "path", "status"},
	)
	proxyInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconctl",
			Subsystem: "proxy",
			Name:      "invocations_total",
			Help:      "Operations dispatched through proxies.",
		},
		[]string{"implementation", "operation", "outcome"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "beaconctl",
			Subsystem: "proxy",
			Name:      "invocation_duration_seconds",
			Help:      "Proxy dispatch duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
		[]string{"implementation", "operation"},
	)
	beaconUpgrades = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconctl",
			Subsystem: "beacon",
			Name:      "upgrades_total",
			Help:      "Beacon upgrade attempts by outcome.",
		},
		[]string{"outcome"},
	)
	migrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "beaconctl",
			Subsystem: "upgrade",
			Name:      "migrations_total",
			Help:      "Per-proxy migration outcomes.",
		},
		[]string{"status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(httpRequests, httpDuration, proxyInvocations, proxyDuration, beaconUpgrades, migrations)
	})
}

func RecordHTTPRequest(server, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(server, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(server, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordInvocation counts one proxy dispatch. outcome is "ok" or an error kind.
func RecordInvocation(implementation, operation, outcome string, duration time.Duration) {
	RegisterMetrics()
	proxyInvocations.WithLabelValues(implementation, operation, outcome).Inc()
	proxyDuration.WithLabelValues(implementation, operation).Observe(duration.Seconds())
}

func RecordUpgrade(outcome string) {
	RegisterMetrics()
	beaconUpgrades.WithLabelValues(outcome).Inc()
}

func RecordMigration(status string) {
	RegisterMetrics()
	migrations.WithLabelValues(status).Inc()
}

// InvocationCount reads the invocation counter for one label set.
func InvocationCount(implementation, operation, outcome string) prometheus.Counter {
	return proxyInvocations.WithLabelValues(implementation, operation, outcome)
}

// MigrationCount reads the migration counter for one status.
func MigrationCount(status string) prometheus.Counter {
	return migrations.WithLabelValues(status)
}

// UpgradeCount reads the upgrade counter for one outcome.
func UpgradeCount(outcome string) prometheus.Counter {
	return beaconUpgrades.WithLabelValues(outcome)
}

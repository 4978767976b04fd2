// Package metrics holds the Prometheus collectors shared by the shed and
// the installer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counters
	InstallActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shed_install_actions_total",
			Help: "Install plan steps executed, by action and result",
		},
		[]string{"action", "result"},
	)

	MissingDependencies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shed_missing_dependencies_total",
			Help: "Repository dependencies reported missing by resolutions",
		},
	)

	MetadataResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shed_metadata_resets_total",
			Help: "Repository metadata resets, by result and dry run",
		},
		[]string{"result", "dry_run"},
	)

	// Histograms
	ResolutionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shed_resolution_duration_seconds",
			Help:    "Repository dependency resolution duration distribution",
			Buckets: prometheus.DefBuckets,
		},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shed_http_request_duration_seconds",
			Help:    "API request duration by route and status code",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "code"},
	)
)

func RecordInstall(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	InstallActions.WithLabelValues(action, result).Inc()
}

func RecordReset(dryRun bool, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	MetadataResets.WithLabelValues(result, strconv.FormatBool(dryRun)).Inc()
}

func RecordRequest(method, route string, code int, d time.Duration) {
	RequestDuration.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics provides Prometheus instrumentation for the gateway:
// APDU exchanges, lease conflicts, relay runs, scan results and HTTP traffic.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	Namespace = "tacho_gateway"

	LabelMode    = "mode"
	LabelStatus  = "status"
	LabelOutcome = "outcome"
	LabelRoute   = "route"
	LabelMethod  = "method"
	LabelCode    = "code"

	StatusSuccess = "success"
	StatusError   = "error"

	ModeOneShot = "oneshot"
	ModeSession = "session"
	ModeRelay   = "relay"
)

var (
	APDUTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "apdu_total",
			Help:      "APDU exchanges by mode and status",
		},
		[]string{LabelMode, LabelStatus},
	)

	APDUDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "apdu_duration_seconds",
			Help:      "Card transmit latency by mode",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{LabelMode},
	)

	LockConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lock_conflicts_total",
			Help:      "Lease acquisitions refused because another owner holds the card",
		},
	)

	RelayRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "runs_total",
			Help:      "Finished relay runs by outcome",
		},
		[]string{LabelOutcome},
	)

	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Relay frames received by tag",
		},
		[]string{"tag"},
	)

	RelaysActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "relay",
			Name:      "active",
			Help:      "Relay engines currently running",
		},
	)

	ReadersPresent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "readers_present",
			Help:      "Readers seen by the last scan",
		},
	)

	CardsPresent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "cards_present",
			Help:      "Readers with a card in the last scan",
		},
	)

	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "provisioning_fetches_total",
			Help:      "Company card list fetches by status",
		},
		[]string{LabelStatus},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code",
		},
		[]string{LabelRoute, LabelMethod, LabelCode},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelRoute},
	)
)

var enabled atomic.Bool

func init() {
	enabled.Store(true)
}

func IsEnabled() bool { return enabled.Load() }

func Enable() { enabled.Store(true) }

func Disable() { enabled.Store(false) }

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordAPDU counts one card exchange.
func RecordAPDU(mode string, d time.Duration, err error) {
	if !IsEnabled() {
		return
	}
	APDUTotal.WithLabelValues(mode, status(err)).Inc()
	APDUDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func RecordLockConflict() {
	if IsEnabled() {
		LockConflictsTotal.Inc()
	}
}

func RecordRelayRun(outcome string) {
	if IsEnabled() {
		RelayRunsTotal.WithLabelValues(outcome).Inc()
	}
}

func RecordRelayFrame(tag string) {
	if IsEnabled() {
		RelayFramesTotal.WithLabelValues(tag).Inc()
	}
}

func SetRelaysActive(n int) {
	if IsEnabled() {
		RelaysActive.Set(float64(n))
	}
}

// RecordScan publishes the reader and card counts of one scan.
func RecordScan(readers, cards int) {
	if !IsEnabled() {
		return
	}
	ReadersPresent.Set(float64(readers))
	CardsPresent.Set(float64(cards))
}

func RecordProvisioning(err error) {
	if IsEnabled() {
		ProvisioningTotal.WithLabelValues(status(err)).Inc()
	}
}

func RecordHTTPRequest(route, method string, code int, d time.Duration) {
	if !IsEnabled() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(route, method, httpCode(code)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}

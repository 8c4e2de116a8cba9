// Package metrics defines the front-door's MetricsSink: the Prometheus
// counters and histogram from spec.md §3's MetricsState, plus a
// hyperloglog-based distinct-SNI estimator and a 1-second-TTL snapshot
// cache consumed by the health endpoint.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// constants with the namespace and the subsystem names used for every
// prometheus metric the front-door exposes.
const (
	namespace = "dnsfrontdoor"

	subsystemApp     = "app"
	subsystemRequest = "request"
)

// snapshotTTL is the validity window of a cached Snapshot (spec.md §4.7 /
// §3's MetricsState note on lock traffic under scrape floods).
const snapshotTTL = time.Second

// Proto identifies which transport a request/connection belongs to, used as
// a Prometheus label value.
type Proto string

// The four transports the front-door terminates.
const (
	ProtoDoT  Proto = "dot"
	ProtoDoH  Proto = "doh"
	ProtoDoQ  Proto = "doq"
	ProtoDoH3 Proto = "doh3"
)

// Sink is the MetricsSink: the single point every reader records into.
// Readers only ever call its methods; nothing in the hot path needs to know
// about Prometheus or hyperloglog directly.
type Sink struct {
	requestsTotal  *prometheus.CounterVec
	requestsOK     *prometheus.CounterVec
	requestsErr    *prometheus.CounterVec
	bytesIn        *prometheus.CounterVec
	bytesOut       *prometheus.CounterVec
	rewrites       *prometheus.CounterVec
	upstreamErrors *prometheus.CounterVec
	latency        *prometheus.HistogramVec

	registry *prometheus.Registry

	startedAt time.Time

	// atomic mirrors of the counters above, used to build the liveness/JSON
	// snapshot without touching Prometheus's own collection machinery.
	requestsTotalSum int64
	requestsOKSum    int64
	requestsErrSum   int64

	hllMu sync.Mutex
	hll   *hyperloglog.Sketch

	snapMu   sync.Mutex
	snapAt   time.Time
	snapshot Snapshot
}

// Snapshot is a point-in-time, consistent read of the metrics state, used
// by the health endpoint's JSON and liveness routes.
type Snapshot struct {
	UptimeSeconds       int64 `json:"uptime_s"`
	RequestsTotal       int64 `json:"requests_total"`
	RequestsOK          int64 `json:"requests_ok"`
	RequestsErr         int64 `json:"requests_err"`
	DistinctServerNames uint64 `json:"distinct_server_names"`
}

// New creates a Sink registered against a fresh Prometheus registry.
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry:  reg,
		startedAt: time.Now(),
		hll:       hyperloglog.New(),

		requestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "total",
			Help:      "The total number of requests/connections accepted.",
		}, []string{"proto"}),

		requestsOK: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "ok_total",
			Help:      "The total number of requests/connections forwarded successfully.",
		}, []string{"proto"}),

		requestsErr: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "err_total",
			Help:      "The total number of requests/connections that failed client-side.",
		}, []string{"proto"}),

		bytesIn: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "bytes_in_total",
			Help:      "The total number of bytes read from clients.",
		}, []string{"proto"}),

		bytesOut: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "bytes_out_total",
			Help:      "The total number of bytes written to clients.",
		}, []string{"proto"}),

		rewrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "rewrites_total",
			Help:      "The total number of SNIs rewritten (first occurrence only).",
		}, []string{"proto"}),

		upstreamErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "upstream_errors_total",
			Help:      "The total number of upstream dial/IO failures.",
		}, []string{"proto"}),

		latency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRequest,
			Name:      "duration_seconds",
			Help:      "Request/connection handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"proto"}),
	}

	upGauge := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystemApp,
		Name:      "up",
		Help:      `A metric with a constant '1' value, present once the process is up.`,
	})
	upGauge.Set(1)

	return s
}

// Registry returns the Prometheus registry the sink's collectors are
// registered against, for the health endpoint's text exposition route.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

// ObserveSNI feeds sni into the distinct-server-name cardinality estimator.
func (s *Sink) ObserveSNI(sni string) {
	s.hllMu.Lock()
	defer s.hllMu.Unlock()

	s.hll.Insert([]byte(sni))
}

// RequestStarted records that a request/connection was accepted for proto.
func (s *Sink) RequestStarted(proto Proto) {
	s.requestsTotal.WithLabelValues(string(proto)).Inc()
	atomic.AddInt64(&s.requestsTotalSum, 1)
}

// RequestOK records a successfully forwarded request/connection and its
// elapsed handling time.
func (s *Sink) RequestOK(proto Proto, elapsed time.Duration) {
	s.requestsOK.WithLabelValues(string(proto)).Inc()
	s.latency.WithLabelValues(string(proto)).Observe(elapsed.Seconds())
	atomic.AddInt64(&s.requestsOKSum, 1)
}

// RequestErr records a client-side failure (xerrors.ClientIOError class).
func (s *Sink) RequestErr(proto Proto) {
	s.requestsErr.WithLabelValues(string(proto)).Inc()
	atomic.AddInt64(&s.requestsErrSum, 1)
}

// UpstreamError records an upstream dial/IO failure
// (xerrors.UpstreamDialError / xerrors.UpstreamIOError class).
func (s *Sink) UpstreamError(proto Proto) {
	s.upstreamErrors.WithLabelValues(string(proto)).Inc()
}

// BytesIn records bytes read from the client.
func (s *Sink) BytesIn(proto Proto, n int64) {
	if n > 0 {
		s.bytesIn.WithLabelValues(string(proto)).Add(float64(n))
	}
}

// BytesOut records bytes written to the client.
func (s *Sink) BytesOut(proto Proto, n int64) {
	if n > 0 {
		s.bytesOut.WithLabelValues(string(proto)).Add(float64(n))
	}
}

// Rewrite records a cache-miss rewrite that produced a Result (spec.md
// §4.1's "increment rewrites on cache miss where a result was produced").
func (s *Sink) Rewrite(proto Proto) {
	s.rewrites.WithLabelValues(string(proto)).Inc()
}

// Snapshot returns a cached, consistent view of the sink's counters, good
// for up to one second, to avoid lock traffic under scrape floods.
func (s *Sink) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if time.Since(s.snapAt) < snapshotTTL {
		return s.snapshot
	}

	s.hllMu.Lock()
	distinct := s.hll.Estimate()
	s.hllMu.Unlock()

	s.snapshot = Snapshot{
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
		RequestsTotal:       atomic.LoadInt64(&s.requestsTotalSum),
		RequestsOK:          atomic.LoadInt64(&s.requestsOKSum),
		RequestsErr:         atomic.LoadInt64(&s.requestsErrSum),
		DistinctServerNames: distinct,
	}
	s.snapAt = time.Now()

	return s.snapshot
}

// String implements fmt.Stringer for *Sink, mostly useful in debug logs.
func (s *Sink) String() string {
	snap := s.Snapshot()

	return fmt.Sprintf(
		"requests_total=%d requests_ok=%d requests_err=%d distinct_sni=%d",
		snap.RequestsTotal, snap.RequestsOK, snap.RequestsErr, snap.DistinctServerNames,
	)
}

package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/oro-sh/link-daemon/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters/gauges for the session broker, handshake, and
// container lifecycle.
var (
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_started_total",
		Help: "Total Link sessions that completed the crypto handshake and hello.",
	})
	SessionsEnded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_ended_total",
		Help: "Total Link sessions that have fully torn down.",
	})
	HandshakeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handshake_failures_total",
		Help: "Total crypto handshakes or hello packets that failed.",
	})
	BootSequencesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boot_sequences_issued_total",
		Help: "Total boot sequences emitted by the Broker.",
	})
	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "packets_forwarded_total",
		Help: "Total packets forwarded by the Broker, by direction and kind.",
	}, []string{"direction", "kind"})
	UnexpectedPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "unexpected_packets_total",
		Help: "Total packets rejected by the Broker's forwarding table.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total frames rejected during decode (invalid discriminant, bound exceeded, bad UTF-8).",
	})
	ContainersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "containers_created_total",
		Help: "Total runner containers created.",
	})
	ContainersRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "containers_removed_total",
		Help: "Total runner containers force-removed (normal teardown or prune).",
	})
	ContainerPrunesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "container_prunes_found_total",
		Help: "Total orphaned containers found by prune-before-create (failed removals included).",
	})
	ContainerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "container_errors_total",
		Help: "Container engine errors by operation.",
	}, []string{"op"})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_sessions",
		Help: "Current number of sessions with an established Link.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Direction label values for PacketsForwarded.
const (
	DirectionLinkToRunner = "link_to_runner"
	DirectionRunnerToLink = "runner_to_link"
)

// Error label constants (stable label values to bound cardinality).
const (
	ErrLinkHandshake    = "link_handshake"
	ErrRunnerHandshake  = "runner_handshake"
	ErrLinkIO           = "link_io"
	ErrRunnerIO         = "runner_io"
	ErrContainerCreate  = "container_create"
	ErrContainerStart   = "container_start"
	ErrContainerWait    = "container_wait"
	ErrContainerRemove  = "container_remove"
	ErrSocketBind       = "socket_bind"
)

// StartHTTP serves Prometheus metrics at /metrics and a readiness probe at
// /ready on a dedicated listener address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters so the periodic log-metrics snapshot (see
// cmd/link-daemon/metrics_logger.go) doesn't have to scrape Prometheus
// in-process.
var (
	localSessionsStarted     uint64
	localSessionsEnded       uint64
	localHandshakeFailures   uint64
	localBootSequencesIssued uint64
	localPacketsForwarded    uint64
	localUnexpectedPackets   uint64
	localMalformed           uint64
	localContainersCreated   uint64
	localContainersRemoved   uint64
	localErrors              uint64
	localActiveSessions      uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SessionsStarted     uint64
	SessionsEnded       uint64
	HandshakeFailures   uint64
	BootSequencesIssued uint64
	PacketsForwarded    uint64
	UnexpectedPackets   uint64
	Malformed           uint64
	ContainersCreated   uint64
	ContainersRemoved   uint64
	Errors              uint64
	ActiveSessions      uint64
}

func Snap() Snapshot {
	return Snapshot{
		SessionsStarted:     atomic.LoadUint64(&localSessionsStarted),
		SessionsEnded:       atomic.LoadUint64(&localSessionsEnded),
		HandshakeFailures:   atomic.LoadUint64(&localHandshakeFailures),
		BootSequencesIssued: atomic.LoadUint64(&localBootSequencesIssued),
		PacketsForwarded:    atomic.LoadUint64(&localPacketsForwarded),
		UnexpectedPackets:   atomic.LoadUint64(&localUnexpectedPackets),
		Malformed:           atomic.LoadUint64(&localMalformed),
		ContainersCreated:   atomic.LoadUint64(&localContainersCreated),
		ContainersRemoved:   atomic.LoadUint64(&localContainersRemoved),
		Errors:              atomic.LoadUint64(&localErrors),
		ActiveSessions:      atomic.LoadUint64(&localActiveSessions),
	}
}

func IncSessionStarted() {
	SessionsStarted.Inc()
	atomic.AddUint64(&localSessionsStarted, 1)
	n := atomic.AddUint64(&localActiveSessions, 1)
	ActiveSessions.Set(float64(n))
}

func IncSessionEnded() {
	SessionsEnded.Inc()
	atomic.AddUint64(&localSessionsEnded, 1)
	n := atomic.AddUint64(&localActiveSessions, ^uint64(0)) // decrement
	ActiveSessions.Set(float64(n))
}

func IncHandshakeFailure() {
	HandshakeFailures.Inc()
	atomic.AddUint64(&localHandshakeFailures, 1)
}

func IncBootSequenceIssued() {
	BootSequencesIssued.Inc()
	atomic.AddUint64(&localBootSequencesIssued, 1)
}

func IncPacketForwarded(direction, kind string) {
	PacketsForwarded.WithLabelValues(direction, kind).Inc()
	atomic.AddUint64(&localPacketsForwarded, 1)
}

func IncUnexpectedPacket() {
	UnexpectedPackets.Inc()
	atomic.AddUint64(&localUnexpectedPackets, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncContainerCreated() {
	ContainersCreated.Inc()
	atomic.AddUint64(&localContainersCreated, 1)
}

func IncContainerRemoved() {
	ContainersRemoved.Inc()
	atomic.AddUint64(&localContainersRemoved, 1)
}

func IncContainerPruneFound() {
	ContainerPrunesFound.Inc()
}

func IncContainerError(op string) {
	ContainerErrors.WithLabelValues(op).Inc()
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so the first error doesn't
	// appear as a registration blip on the first scrape.
	for _, lbl := range []string{
		ErrLinkHandshake, ErrRunnerHandshake, ErrLinkIO, ErrRunnerIO,
		ErrContainerCreate, ErrContainerStart, ErrContainerWait, ErrContainerRemove,
		ErrSocketBind,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet: treat as ready so /ready doesn't flap at startup
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

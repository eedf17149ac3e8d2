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
			Namespace: "labctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Inbound frames by outcome (parsed, dropped, framing_error, invalid).",
		},
		[]string{"outcome"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "protocol",
			Name:      "notifications_total",
			Help:      "Classified status notifications by lifecycle state.",
		},
		[]string{"state"},
	)
	replyWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "protocol",
			Name:      "reply_waits_total",
			Help:      "Reply waits by tag and outcome.",
		},
		[]string{"tag", "outcome"},
	)
	replyWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "labctl",
			Subsystem: "protocol",
			Name:      "reply_wait_seconds",
			Help:      "Time spent waiting for a reply tag.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tag"},
	)
	staleReplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "protocol",
			Name:      "stale_replies_total",
			Help:      "Replies discarded because they arrived before the current request.",
		},
		[]string{"tag"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Commands sent to the instrument by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "labctl",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"address", "state"},
	)
	shimRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "labctl",
			Subsystem: "shim",
			Name:      "runs_total",
			Help:      "Shim workflow runs by result.",
		},
		[]string{"passed"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, notifications,
			replyWaits, replyWaitDuration, staleReplies,
			commands, sessionState, shimRuns,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Frame outcomes.
const (
	FrameParsed       = "parsed"
	FrameDropped      = "dropped"
	FrameFramingError = "framing_error"
	FrameInvalid      = "invalid"
)

func RecordFrame(outcome string) {
	RegisterMetrics()
	frames.WithLabelValues(outcome).Inc()
}

func RecordNotification(state string) {
	RegisterMetrics()
	notifications.WithLabelValues(state).Inc()
}

func RecordReplyWait(tag string, ok bool, waited time.Duration) {
	RegisterMetrics()
	outcome := "matched"
	if !ok {
		outcome = "timeout"
	}
	replyWaits.WithLabelValues(tag, outcome).Inc()
	replyWaitDuration.WithLabelValues(tag).Observe(waited.Seconds())
}

func RecordStaleReply(tag string) {
	RegisterMetrics()
	staleReplies.WithLabelValues(tag).Inc()
}

func RecordCommand(kind string, err error) {
	RegisterMetrics()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	commands.WithLabelValues(kind, outcome).Inc()
}

// RecordSessionState sets the gauge for current and clears it for every other known state.
func RecordSessionState(address, current string, known []string) {
	RegisterMetrics()
	for _, s := range known {
		v := 0.0
		if s == current {
			v = 1
		}
		sessionState.WithLabelValues(address, s).Set(v)
	}
}

func RecordShimRun(passed bool) {
	RegisterMetrics()
	shimRuns.WithLabelValues(strconv.FormatBool(passed)).Inc()
}

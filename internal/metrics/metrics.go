// Package metrics holds the Prometheus collectors shared by the voice
// tracker, the save path and the leaderboard poster.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Save kinds.
const (
	SaveWriteThrough = "write_through"
	SaveSweep        = "sweep"
	SaveShutdown     = "shutdown"
	SaveAdmin        = "admin"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	transitions   *prometheus.CounterVec
	saves         *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	activeUsers   prometheus.Gauge
	dirtyGuilds   prometheus.Gauge
	queueDepth    prometheus.Gauge
	posts         *prometheus.CounterVec
	lastSave      prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceboard",
			Name:      "session_transitions_total",
			Help:      "Voice session transitions applied by the tracker.",
		}, []string{"transition"}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceboard",
			Name:      "guild_saves_total",
			Help:      "Guild snapshot writes by kind and result.",
		}, []string{"kind", "result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "voiceboard",
			Name:      "autosave_sweep_duration_seconds",
			Help:      "Time taken by one autosave sweep.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceboard",
			Name:      "active_voice_users",
			Help:      "Users with an open voice session at the last sweep.",
		}),
		dirtyGuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceboard",
			Name:      "dirty_guilds",
			Help:      "Guilds with unsaved changes after the last sweep.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceboard",
			Name:      "dispatch_queue_depth",
			Help:      "Tasks waiting in the per-guild dispatch queues.",
		}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "voiceboard",
			Name:      "leaderboard_posts_total",
			Help:      "Auto-posted leaderboard refreshes by outcome.",
		}, []string{"outcome"}),
		lastSave: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "voiceboard",
			Name:      "last_sweep_timestamp_seconds",
			Help:      "Unix time of the last completed autosave sweep.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.transitions, m.saves, m.sweepDuration, m.activeUsers,
			m.dirtyGuilds, m.queueDepth, m.posts, m.lastSave,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// RecordTransition counts one tracker transition.
func (m *Metrics) RecordTransition(transition string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(transition).Inc()
}

// RecordSave counts one guild save attempt.
func (m *Metrics) RecordSave(kind string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailed
	}
	m.saves.WithLabelValues(kind, result).Inc()
}

// RecordSweep records the outcome of one autosave sweep.
func (m *Metrics) RecordSweep(took time.Duration, activeUsers, dirtyGuilds int, at time.Time) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(took.Seconds())
	m.activeUsers.Set(float64(activeUsers))
	m.dirtyGuilds.Set(float64(dirtyGuilds))
	m.lastSave.Set(float64(at.Unix()))
}

// SetQueueDepth publishes the current dispatcher backlog.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordPost counts one leaderboard refresh outcome such as "edited" or "posted".
func (m *Metrics) RecordPost(outcome string) {
	if m == nil {
		return
	}
	m.posts.WithLabelValues(outcome).Inc()
}

// monitor/monitor.go
package monitor

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	OnlinePlayers    prometheus.Gauge
	ActiveRooms      prometheus.Gauge
	MessagesReceived prometheus.Counter
	MessageLatency   prometheus.Histogram
	Actions          *prometheus.CounterVec
	RoundsCompleted  *prometheus.CounterVec
	GamesEnded       *prometheus.CounterVec
	DroppedSessions  prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OnlinePlayers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_players",
			Help:      "Number of connected sessions",
		}),
		ActiveRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_rooms",
			Help:      "Number of rooms in the registry",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received",
		}),
		MessageLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_latency_seconds",
			Help:      "Message processing latency",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		Actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Game actions by game type and result code",
		}, []string{"game_type", "result"}),
		RoundsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Resolved rounds by game type",
		}, []string{"game_type"}),
		GamesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Finished games by game type and end reason",
		}, []string{"game_type", "reason"}),
		DroppedSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_sessions_total",
			Help:      "Sessions closed because their send queue overflowed",
		}),
	}

	reg.MustRegister(
		m.OnlinePlayers,
		m.ActiveRooms,
		m.MessagesReceived,
		m.MessageLatency,
		m.Actions,
		m.RoundsCompleted,
		m.GamesEnded,
		m.DroppedSessions,
	)

	return m
}

type Monitor struct {
	metrics      *Metrics
	gatherer     prometheus.Gatherer
	startTime    time.Time
	requestCount int64
	mutex        sync.Mutex
}

// NewMonitor registers the metrics on a private registry so several
// monitors can coexist in one process.
func NewMonitor(namespace string) *Monitor {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	return &Monitor{
		metrics:   NewMetrics(namespace, reg),
		gatherer:  reg,
		startTime: time.Now(),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Monitor) Metrics() *Metrics {
	return m.metrics
}

func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func (m *Monitor) IncOnlinePlayers() {
	m.metrics.OnlinePlayers.Inc()
}

func (m *Monitor) DecOnlinePlayers() {
	m.metrics.OnlinePlayers.Dec()
}

func (m *Monitor) SetActiveRooms(count int) {
	m.metrics.ActiveRooms.Set(float64(count))
}

func (m *Monitor) IncMessagesReceived() {
	m.metrics.MessagesReceived.Inc()
	m.mutex.Lock()
	m.requestCount++
	m.mutex.Unlock()
}

func (m *Monitor) RequestCount() int64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.requestCount
}

func (m *Monitor) ObserveMessageLatency(duration time.Duration) {
	m.metrics.MessageLatency.Observe(duration.Seconds())
}

func (m *Monitor) ObserveAction(gameType, result string) {
	m.metrics.Actions.WithLabelValues(gameType, result).Inc()
}

func (m *Monitor) IncRoundsCompleted(gameType string) {
	m.metrics.RoundsCompleted.WithLabelValues(gameType).Inc()
}

func (m *Monitor) IncGamesEnded(gameType, reason string) {
	m.metrics.GamesEnded.WithLabelValues(gameType, reason).Inc()
}

func (m *Monitor) IncDroppedSessions() {
	m.metrics.DroppedSessions.Inc()
}

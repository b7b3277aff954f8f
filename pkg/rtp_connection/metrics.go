package rtp_connection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

const (
	metricsNamespace = "rtp"
	metricsSubsystem = "connection"
)

// Результаты согласования для метки result
const (
	negotiationOK       = "ok"
	negotiationInvalid  = "invalid"
	negotiationRepeated = "already_negotiated"
	negotiationFailed   = "failed"
)

// Metrics prometheus метрики RTP соединений.
// Nil *Metrics допустим, методы тогда ничего не делают.
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	negotiations      *prometheus.CounterVec
	gatheringDuration prometheus.Histogram
	iceFailures       *prometheus.CounterVec
	remoteCandidates  *prometheus.CounterVec
	componentStates   *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "active",
			Help:      "Количество открытых RTP соединений",
		}),
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "created_total",
			Help:      "Общее количество созданных RTP соединений",
		}),
		negotiations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "negotiations_total",
			Help:      "Результаты ConnectToRemote",
		}, []string{"result"}),
		gatheringDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ice_gathering_duration_seconds",
			Help:      "Длительность сбора ICE кандидатов",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		iceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ice_failures_total",
			Help:      "Сбои ICE по причинам",
		}, []string{"reason"}),
		remoteCandidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "remote_candidates_total",
			Help:      "Удаленные кандидаты, принятые ICE агентами",
		}, []string{"media"}),
		componentStates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "ice_component_states_total",
			Help:      "Переходы состояний ICE компонентов",
		}, []string{"media", "state"}),
	}
}

func (m *Metrics) connectionCreated() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) negotiation(result string) {
	if m == nil {
		return
	}
	m.negotiations.WithLabelValues(result).Inc()
}

func (m *Metrics) gathered(d time.Duration) {
	if m == nil {
		return
	}
	m.gatheringDuration.Observe(d.Seconds())
}

func (m *Metrics) iceFailure(reason string) {
	if m == nil {
		return
	}
	m.iceFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) candidatesAccepted(kind session_spec.MediaKind, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.remoteCandidates.WithLabelValues(kind.String()).Add(float64(n))
}

func (m *Metrics) componentState(kind session_spec.MediaKind, state string) {
	if m == nil {
		return
	}
	m.componentStates.WithLabelValues(kind.String(), state).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the reservation flow.
type BookingMetrics struct {
	channelEvents  *prometheus.CounterVec
	queueUpdates   *prometheus.CounterVec
	submissions    *prometheus.CounterVec
	submitLatency  *prometheus.HistogramVec
	sessionsActive prometheus.Gauge
	transitions    *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		channelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govbook",
			Subsystem: "realtime",
			Name:      "channel_events_total",
			Help:      "Connection lifecycle events seen by the real-time channel",
		}, []string{"event"}),
		queueUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govbook",
			Subsystem: "queue",
			Name:      "updates_total",
			Help:      "queue_update pushes by how they were handled",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govbook",
			Subsystem: "reservation",
			Name:      "submissions_total",
			Help:      "Booking submissions by terminal outcome",
		}, []string{"outcome"}),
		submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "govbook",
			Subsystem: "reservation",
			Name:      "submit_latency_seconds",
			Help:      "Time from book_appointment emit to terminal outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "govbook",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions that have begun and not yet finished",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govbook",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Session state transitions by target state",
		}, []string{"state"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.channelEvents, m.queueUpdates, m.submissions, m.submitLatency, m.sessionsActive, m.transitions)
	return m
}

func (m *BookingMetrics) ObserveChannelEvent(event string) {
	if m == nil {
		return
	}
	m.channelEvents.WithLabelValues(event).Inc()
}

// ObserveQueueUpdate records how a push was handled: applied, stale, malformed or seeded.
func (m *BookingMetrics) ObserveQueueUpdate(result string) {
	if m == nil {
		return
	}
	m.queueUpdates.WithLabelValues(result).Inc()
}

func (m *BookingMetrics) ObserveSubmission(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
	m.submitLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *BookingMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *BookingMetrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *BookingMetrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestBookingMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveChannelEvent("connected")
	m.ObserveQueueUpdate("applied")
	m.ObserveQueueUpdate("applied")
	m.ObserveQueueUpdate("stale")
	m.ObserveSubmission("confirmed", 0.25)
	m.ObserveTransition("subscribed")

	if got := counterValue(t, m.queueUpdates.WithLabelValues("applied")); got != 2 {
		t.Fatalf("applied updates = %v, want 2", got)
	}
	if got := counterValue(t, m.queueUpdates.WithLabelValues("stale")); got != 1 {
		t.Fatalf("stale updates = %v, want 1", got)
	}
	if got := counterValue(t, m.submissions.WithLabelValues("confirmed")); got != 1 {
		t.Fatalf("confirmed submissions = %v, want 1", got)
	}
}

func TestBookingMetricsActiveSessions(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded()

	var out dto.Metric
	if err := m.sessionsActive.Write(&out); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	if got := out.GetGauge().GetValue(); got != 1 {
		t.Fatalf("active sessions = %v, want 1", got)
	}
}

func TestBookingMetricsRegistersFamilies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBookingMetrics(reg)
	m.ObserveChannelEvent("disconnected")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "govbook_realtime_channel_events_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("channel events family not registered")
	}
}

func TestBookingMetricsNilSafe(t *testing.T) {
	var m *BookingMetrics
	m.ObserveChannelEvent("connected")
	m.ObserveQueueUpdate("applied")
	m.ObserveSubmission("rejected", 0.1)
	m.SessionStarted()
	m.SessionEnded()
	m.ObserveTransition("idle")
}

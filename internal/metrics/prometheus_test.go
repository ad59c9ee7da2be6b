package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	close(ch)

	var total float64
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			t.Fatalf("Failed to write metric: %v", err)
		}
		switch {
		case m.Counter != nil:
			total += m.Counter.GetValue()
		case m.Gauge != nil:
			total += m.Gauge.GetValue()
		}
	}
	return total
}

func TestNewMetricsRegistersOnGivenRegistry(t *testing.T) {
	// Two instances on separate registries must not collide
	first := NewMetrics(prometheus.NewRegistry())
	second := NewMetrics(prometheus.NewRegistry())

	first.RecordFrame(true)
	first.RecordFrame(false)

	if got := counterValue(t, first.FramesProcessed); got != 2 {
		t.Errorf("Expected 2 frames processed, got %v", got)
	}
	if got := counterValue(t, first.FramesActive); got != 1 {
		t.Errorf("Expected 1 active frame, got %v", got)
	}
	if got := counterValue(t, second.FramesProcessed); got != 0 {
		t.Errorf("Expected second registry untouched, got %v", got)
	}
}

func TestClassificationInFlightGauge(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordClassificationRequest()
	m.RecordClassificationRequest()
	m.RecordClassificationSuccess(0.1)

	if got := counterValue(t, m.ClassificationsInFlight); got != 1 {
		t.Errorf("Expected 1 in flight, got %v", got)
	}

	m.RecordClassificationFailure("status", 0.2)

	if got := counterValue(t, m.ClassificationsInFlight); got != 0 {
		t.Errorf("Expected 0 in flight, got %v", got)
	}
	if got := counterValue(t, m.ClassificationFailures); got != 1 {
		t.Errorf("Expected 1 failure, got %v", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSessionStarted()
	if got := counterValue(t, m.ActiveSessions); got != 1 {
		t.Errorf("Expected active session gauge 1, got %v", got)
	}

	m.RecordSessionStopped(3.5, "synthetic")
	if got := counterValue(t, m.ActiveSessions); got != 0 {
		t.Errorf("Expected active session gauge 0, got %v", got)
	}
	if got := counterValue(t, m.VerdictsByOutcome); got != 1 {
		t.Errorf("Expected 1 verdict, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	m.RecordFrame(true)
	m.RecordSegmentEmitted(1, 32000)
	m.RecordClassificationRequest()
	m.RecordClassificationFailure("transport", 1)
	m.RecordLateResult()
	m.RecordSessionStopped(1, "unknown")
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.SetEventSubscribers(3)
	m.RecordUDPPacket("accepted")
	m.RecordUDPPacketsLost(2)
}

func TestUDPMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordUDPPacket("accepted")
	m.RecordUDPPacket("accepted")
	m.RecordUDPPacket("invalid")
	m.RecordUDPPacketsLost(3)
	m.RecordUDPPacketsLost(0)

	if got := counterValue(t, m.UDPPackets.WithLabelValues("accepted")); got != 2 {
		t.Errorf("Expected 2 accepted packets, got %v", got)
	}
	if got := counterValue(t, m.UDPPackets.WithLabelValues("invalid")); got != 1 {
		t.Errorf("Expected 1 invalid packet, got %v", got)
	}
	if got := counterValue(t, m.UDPPacketsLost); got != 3 {
		t.Errorf("Expected 3 lost packets, got %v", got)
	}
}

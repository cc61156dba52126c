package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordFrameSent()
	m.RecordInterruption(3)
	m.RecordTeardown(0.1, 10, 2)
	m.RecordHTTPRequest("GET", "/health", "200", 0.01)
	m.RecordChatRequest("ok", 1)
	m.RecordChatRetry()
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordFrameSent()
	m.RecordFrameSent()
	m.RecordInterruption(2)
	m.RecordTeardown(0.01, 5, 1)
	m.RecordConversationFailed("remote")
	m.RecordStatus("speaking")
	m.RecordChatRequest("fallback", 0.5)

	if got := testutil.ToFloat64(m.FramesSent); got != 2 {
		t.Errorf("Expected 2 frames sent, got %f", got)
	}
	if got := testutil.ToFloat64(m.SourcesStopped); got != 3 {
		t.Errorf("Expected 3 sources stopped, got %f", got)
	}
	if got := testutil.ToFloat64(m.ConversationsFailed.WithLabelValues("remote")); got != 1 {
		t.Errorf("Expected 1 remote failure, got %f", got)
	}
	if got := testutil.ToFloat64(m.ChatRequests.WithLabelValues("fallback")); got != 1 {
		t.Errorf("Expected 1 fallback chat request, got %f", got)
	}
	if got := testutil.ToFloat64(m.StatusTransitions.WithLabelValues("speaking")); got != 1 {
		t.Errorf("Expected 1 speaking transition, got %f", got)
	}
}

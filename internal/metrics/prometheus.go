package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice mentor service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// UDP mic relay metrics
	PacketsReceived      prometheus.Counter
	PacketsProcessed     prometheus.Counter
	ParseErrors          prometheus.Counter
	UnknownStreamPackets prometheus.Counter

	// Conversation metrics
	ActiveConversations  prometheus.Gauge
	ConversationsStarted prometheus.Counter
	ConversationsFailed  *prometheus.CounterVec
	ConversationDuration prometheus.Histogram
	StatusTransitions    *prometheus.CounterVec

	// Capture metrics
	FramesSent      prometheus.Counter
	FrameSendErrors prometheus.Counter
	VoiceFrames     prometheus.Counter
	InputLevel      prometheus.Histogram

	// Playback metrics
	ChunksScheduled prometheus.Counter
	ChunkDuration   prometheus.Histogram
	DecodeFailures  prometheus.Counter
	Interruptions   prometheus.Counter
	SourcesStopped  prometheus.Counter

	// Teardown metrics
	Teardowns            prometheus.Counter
	TeardownStepFailures *prometheus.CounterVec
	TeardownDuration     prometheus.Histogram

	// Text tutor metrics
	ChatRequests *prometheus.CounterVec
	ChatRetries  prometheus.Counter
	ChatDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP mic relay metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_relay_packets_received_total",
			Help: "Total number of UDP relay packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_relay_packets_processed_total",
			Help: "Total number of UDP relay packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_relay_parse_errors_total",
			Help: "Total number of relay packet parsing errors",
		}),
		UnknownStreamPackets: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_relay_unknown_stream_packets_total",
			Help: "Relay audio packets for stream ids not bound to a conversation",
		}),

		// Conversation metrics
		ActiveConversations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicementor_active_conversations",
			Help: "Current number of conversations with an open live session",
		}),
		ConversationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_conversations_started_total",
			Help: "Total number of conversations that reached listening",
		}),
		ConversationsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_conversations_failed_total",
			Help: "Conversations ended by an acquisition or remote session error",
		}, []string{"reason"}),
		ConversationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicementor_conversation_duration_seconds",
			Help:    "Time from start to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_status_transitions_total",
			Help: "Assistant status transitions by target status",
		}, []string{"status"}),

		// Capture metrics
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_capture_frames_sent_total",
			Help: "Total number of microphone frames handed to a live session",
		}),
		FrameSendErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_capture_frame_send_errors_total",
			Help: "Best-effort frame sends that failed",
		}),
		VoiceFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_capture_voice_frames_total",
			Help: "Captured frames above the voice activity threshold",
		}),
		InputLevel: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicementor_capture_input_level",
			Help:    "Smoothed microphone level per frame",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// Playback metrics
		ChunksScheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_playback_chunks_scheduled_total",
			Help: "Total number of response audio chunks scheduled for playback",
		}),
		ChunkDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicementor_playback_chunk_duration_seconds",
			Help:    "Duration of scheduled response audio chunks",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_playback_decode_failures_total",
			Help: "Inbound audio payloads treated as no audio",
		}),
		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_playback_interruptions_total",
			Help: "Total number of barge-in interruptions",
		}),
		SourcesStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_playback_sources_stopped_total",
			Help: "Playing chunks cut off by interruption or teardown",
		}),

		// Teardown metrics
		Teardowns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_teardowns_total",
			Help: "Total number of teardowns that released resources",
		}),
		TeardownStepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_teardown_step_failures_total",
			Help: "Unexpected failures inside an isolated teardown step",
		}, []string{"step"}),
		TeardownDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicementor_teardown_duration_seconds",
			Help:    "Time spent releasing conversation resources",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100us to ~1.6s
		}),

		// Text tutor metrics
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_chat_requests_total",
			Help: "Text tutor requests by result",
		}, []string{"result"}),
		ChatRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicementor_chat_retries_total",
			Help: "Text tutor generation attempts after the first",
		}),
		ChatDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicementor_chat_request_duration_seconds",
			Help:    "Time to answer a text tutor request, retries included",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicementor_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicementor_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordUnknownStream counts audio for an unbound relay stream
func (m *Metrics) RecordUnknownStream() {
	if m == nil {
		return
	}
	m.UnknownStreamPackets.Inc()
}

// SetActiveConversations sets the number of open conversations
func (m *Metrics) SetActiveConversations(count int) {
	if m == nil {
		return
	}
	m.ActiveConversations.Set(float64(count))
}

// RecordConversationStarted counts a conversation reaching listening
func (m *Metrics) RecordConversationStarted() {
	if m == nil {
		return
	}
	m.ConversationsStarted.Inc()
}

// RecordConversationFailed counts a user-visible failure
func (m *Metrics) RecordConversationFailed(reason string) {
	if m == nil {
		return
	}
	m.ConversationsFailed.WithLabelValues(reason).Inc()
}

// RecordStatus counts a status transition
func (m *Metrics) RecordStatus(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// RecordFrameSent counts a frame handed to the session
func (m *Metrics) RecordFrameSent() {
	if m == nil {
		return
	}
	m.FramesSent.Inc()
}

// RecordFrameSendError counts a failed best-effort send
func (m *Metrics) RecordFrameSendError() {
	if m == nil {
		return
	}
	m.FrameSendErrors.Inc()
}

// RecordInputLevel observes a metered frame
func (m *Metrics) RecordInputLevel(level float32, hasVoice bool) {
	if m == nil {
		return
	}
	m.InputLevel.Observe(float64(level))
	if hasVoice {
		m.VoiceFrames.Inc()
	}
}

// RecordChunkScheduled records a scheduled response chunk
func (m *Metrics) RecordChunkScheduled(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksScheduled.Inc()
	m.ChunkDuration.Observe(durationSeconds)
}

// RecordDecodeFailure counts an unusable inbound payload
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordInterruption records a barge-in and the number of chunks it cut off
func (m *Metrics) RecordInterruption(stopped int) {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
	m.SourcesStopped.Add(float64(stopped))
}

// RecordTeardown records a completed teardown
func (m *Metrics) RecordTeardown(durationSeconds, conversationSeconds float64, stopped int) {
	if m == nil {
		return
	}
	m.Teardowns.Inc()
	m.TeardownDuration.Observe(durationSeconds)
	m.ConversationDuration.Observe(conversationSeconds)
	m.SourcesStopped.Add(float64(stopped))
}

// RecordTeardownStepFailure counts a failed teardown step
func (m *Metrics) RecordTeardownStepFailure(step string) {
	if m == nil {
		return
	}
	m.TeardownStepFailures.WithLabelValues(step).Inc()
}

// RecordChatRequest records a finished text tutor request
func (m *Metrics) RecordChatRequest(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChatRequests.WithLabelValues(result).Inc()
	m.ChatDuration.Observe(durationSeconds)
}

// RecordChatRetry counts a repeated generation attempt
func (m *Metrics) RecordChatRetry() {
	if m == nil {
		return
	}
	m.ChatRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}

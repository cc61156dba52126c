package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/voice-mentor/internal/assistant"
	"github.com/skypro1111/voice-mentor/internal/chat"
	"github.com/skypro1111/voice-mentor/internal/config"
	"github.com/skypro1111/voice-mentor/internal/metrics"
	"github.com/skypro1111/voice-mentor/internal/stream"
)

const (
	serviceName    = "voice-mentor"
	serviceVersion = "1.0.0"

	maxChatBodyBytes = 1 << 20
)

// HTTPServer provides the conversation API plus monitoring endpoints
type HTTPServer struct {
	server    *http.Server
	router    chi.Router
	logger    *slog.Logger
	config    *config.Config
	streamMgr *stream.Manager
	udpServer *UDPServer
	chat      *chat.Client
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. udpServer and chatClient may be
// nil when the relay or the text tutor is disabled; a nil gatherer serves the
// default registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	streamMgr *stream.Manager, udpServer *UDPServer, chatClient *chat.Client,
	m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http_api")),
		config:    appConfig,
		streamMgr: streamMgr,
		udpServer: udpServer,
		chat:      chatClient,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	h.router = h.setupRoutes()

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      h.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // session start waits for the remote handshake
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.withMetrics)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Get("/config", h.handleConfig)
	r.Get("/stats", h.handleStats)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Get("/", h.handleListSessions)
		r.Get("/{id}", h.handleGetSession)
		r.Post("/{id}/stop", h.handleStopSession)
		r.Delete("/{id}", h.handleDeleteSession)
	})

	if h.chat != nil {
		r.Get("/chat", h.handleChatInfo)
		r.Post("/chat", h.handleChat)
	}

	return r
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// withMetrics records request metrics labelled by route pattern
func (h *HTTPServer) withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			endpoint = rctx.RoutePattern()
		}
		if endpoint == "/metrics" {
			return
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(status), time.Since(startTime).Seconds())

		if status >= 400 {
			errorType := "client_error"
			if status >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	})
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// createSessionRequest is the optional POST /sessions body
type createSessionRequest struct {
	RelayStreamID *uint32 `json:"relay_stream_id"`
}

// createSessionResponse reports the outcome of a start
type createSessionResponse struct {
	ID     string           `json:"id"`
	Status assistant.Status `json:"status"`
	Error  string           `json:"error"`
}

// handleCreateSession implements POST /sessions
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	// The start outlives a client that disconnects mid-handshake
	ctx := context.WithoutCancel(r.Context())

	conv, err := h.streamMgr.StartConversation(ctx, req.RelayStreamID)
	switch {
	case errors.Is(err, stream.ErrTooManySessions):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, stream.ErrStreamBound):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, stream.ErrNoRelayInput):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case conv == nil:
		h.logger.Error("Failed to create conversation", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := createSessionResponse{
		ID:     conv.ID,
		Status: conv.Controller.Status(),
		Error:  conv.Controller.Error(),
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	conversations := h.streamMgr.GetAllConversations()
	infos := make([]stream.ConversationInfo, 0, len(conversations))
	for _, conv := range conversations {
		infos = append(infos, conv.Info())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleGetSession implements GET /sessions/{id}
func (h *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.streamMgr.GetConversation(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, stream.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv.Info())
}

// handleStopSession implements POST /sessions/{id}/stop
func (h *HTTPServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.streamMgr.StopConversation(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	conv, ok := h.streamMgr.GetConversation(id)
	if !ok {
		writeError(w, http.StatusNotFound, stream.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, conv.Info())
}

// handleDeleteSession implements DELETE /sessions/{id}
func (h *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.streamMgr.RemoveConversation(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, stream.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// chatRequest is the POST /chat body
type chatRequest struct {
	History []chat.Message `json:"history"`
	Message string         `json:"message"`
}

// handleChatInfo implements GET /chat
func (h *HTTPServer) handleChatInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"model": h.chat.Model(),
		"greeting": chat.Message{
			Role:    chat.RoleAssistant,
			Content: chat.Greeting,
		},
	})
}

// handleChat implements POST /chat
func (h *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	reply, err := h.chat.Send(r.Context(), req.History, req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reply)
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrHistoryTooLong), errors.Is(err, chat.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Chat request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]any{
		"conversation_manager": map[string]any{
			"status":        "running",
			"conversations": h.streamMgr.GetActiveConversationCount(),
		},
	}
	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_relay"] = map[string]any{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}
	if h.chat != nil {
		chatStats := h.chat.GetStats()
		components["chat"] = map[string]any{
			"status":          "running",
			"model":           h.chat.Model(),
			"active_requests": chatStats.ActiveRequests,
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleConfig implements the /config endpoint; the api key is never returned
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Redacted())
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	conversations := h.streamMgr.GetAllConversations()
	byStatus := make(map[string]int)
	for _, conv := range conversations {
		byStatus[conv.Controller.Status().String()]++
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"conversations": map[string]any{
			"total":     len(conversations),
			"by_status": byStatus,
		},
		"relay_streams": h.streamMgr.GetRelayStreams(),
	}
	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}
	if h.chat != nil {
		stats["chat"] = h.chat.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "Voice Mentor",
		"version": serviceVersion,
		"endpoints": map[string]any{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /config":              "Service configuration (secrets omitted)",
			"GET /stats":               "Service statistics",
			"GET /metrics":             "Prometheus metrics",
			"POST /sessions":           "Start a conversation, optionally bound to a relay stream",
			"GET /sessions":            "List conversations",
			"GET /sessions/{id}":       "Conversation status",
			"POST /sessions/{id}/stop": "Stop a conversation",
			"DELETE /sessions/{id}":    "Stop and remove a conversation",
			"GET /chat":                "Text tutor model and greeting",
			"POST /chat":               "Ask the text tutor; send the history and a new message",
		},
		"timestamp": time.Now().UTC(),
	})
}

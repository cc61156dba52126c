package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/voice-mentor/internal/assistant"
	"github.com/skypro1111/voice-mentor/internal/chat"
	"github.com/skypro1111/voice-mentor/internal/config"
	"github.com/skypro1111/voice-mentor/internal/live"
	"github.com/skypro1111/voice-mentor/internal/metrics"
	"github.com/skypro1111/voice-mentor/internal/server"
	"github.com/skypro1111/voice-mentor/internal/stream"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-mentor"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	liveCfg := live.Config{
		Model:             cfg.Live.Model,
		Voice:             cfg.Live.Voice,
		SystemInstruction: cfg.Live.SystemInstruction,
	}.WithDefaults()

	// Configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.String("input_source", cfg.Input.Source),
		slog.Int("input_sample_rate", cfg.Audio.InputSampleRate),
		slog.Int("output_sample_rate", cfg.Audio.OutputSampleRate),
		slog.Int("frame_size", cfg.Audio.FrameSize),
		slog.String("transport", cfg.Live.Transport),
		slog.String("model", liveCfg.Model),
		slog.String("voice", liveCfg.Voice),
		slog.Int("max_concurrent", cfg.Sessions.MaxConcurrent),
		slog.String("recording_dir", cfg.Audio.RecordingDir),
		slog.String("log_level", cfg.Logging.Level),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	dialer, err := newDialer(ctx, cfg.Live, logger)
	if err != nil {
		logger.Error("Failed to create live dialer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if cfg.Audio.RecordingDir != "" {
		if err := os.MkdirAll(cfg.Audio.RecordingDir, 0o755); err != nil {
			logger.Error("Failed to create recording directory",
				slog.String("recording_dir", cfg.Audio.RecordingDir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	managerConfig := stream.ManagerConfig{
		MaxConcurrent:   cfg.Sessions.MaxConcurrent,
		IdleTimeout:     cfg.Sessions.GetIdleTimeout(),
		CleanupInterval: cfg.Sessions.GetCleanupInterval(),
		RelayMaxGap:     cfg.Relay.MaxGap,
		RecordingDir:    cfg.Audio.RecordingDir,
		Input: stream.InputConfig{
			Source:    cfg.Input.Source,
			WAVPath:   cfg.Input.WAVPath,
			Loop:      cfg.Input.Loop,
			BlockSize: cfg.Input.BlockSize,
		},
		Assistant: assistant.Config{
			InputSampleRate:  cfg.Audio.InputSampleRate,
			OutputSampleRate: cfg.Audio.OutputSampleRate,
			Channels:         cfg.Audio.Channels,
			FrameSize:        cfg.Audio.FrameSize,
			VoiceThreshold:   float32(cfg.Audio.VoiceThreshold),
			ConnectTimeout:   cfg.Live.GetConnectTimeout(),
			Live:             liveCfg,
		},
	}

	streamMgr, err := stream.NewManager(logger, dialer, managerConfig, appMetrics)
	if err != nil {
		logger.Error("Failed to create conversation manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Conversation manager initialized",
		slog.Duration("idle_timeout", managerConfig.IdleTimeout),
		slog.Int("max_concurrent", managerConfig.MaxConcurrent),
	)

	var udpServer *server.UDPServer
	if cfg.Relay.Enabled {
		udpServer = server.NewUDPServer(&cfg.Relay, logger, streamMgr, appMetrics)
		if err := udpServer.Start(); err != nil {
			logger.Error("Failed to start UDP relay server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	var chatClient *chat.Client
	if cfg.Chat.Enabled {
		chatClient, err = newChatClient(ctx, cfg, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create chat client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Text tutor enabled", slog.String("model", chatClient.Model()))
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, streamMgr, udpServer, chatClient,
			appMetrics, prometheus.DefaultGatherer)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Without the HTTP API nothing else can start a conversation
	if httpServer == nil {
		conv, err := streamMgr.StartConversation(ctx, nil)
		if err != nil {
			msg := ""
			if conv != nil {
				msg = conv.Controller.Error()
			}
			logger.Error("Failed to start conversation",
				slog.String("error", err.Error()),
				slog.String("message", msg),
			)
		} else {
			logger.Info("Conversation started", slog.String("conversation_id", conv.ID))
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop accepting new requests first
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	if chatClient != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := chatClient.Close(closeCtx); err != nil {
			logger.Warn("Chat requests still active at shutdown", slog.String("error", err.Error()))
		}
		closeCancel()
	}

	if udpServer != nil {
		if err := udpServer.Stop(); err != nil {
			logger.Error("Error stopping UDP relay server", slog.String("error", err.Error()))
		}
	}

	// Tears down every conversation
	streamMgr.Stop()

	if udpServer != nil {
		stats := udpServer.GetStatistics()
		logger.Info("Final relay statistics",
			slog.Uint64("packets_received", stats.PacketsReceived),
			slog.Uint64("packets_processed", stats.PacketsProcessed),
			slog.Uint64("parse_errors", stats.ParseErrors),
			slog.Uint64("unknown_stream_packets", stats.UnknownStreams),
		)
	}

	logger.Info("Service stopped")
}

// newDialer builds the remote session transport selected in configuration
func newDialer(ctx context.Context, cfg config.LiveConfig, logger *slog.Logger) (live.Dialer, error) {
	switch cfg.Transport {
	case "genai":
		return live.NewGenAIDialer(ctx, cfg.APIKey, logger)
	case "websocket", "":
		return live.NewWebSocketDialer(live.WebSocketConfig{
			Endpoint:          cfg.Endpoint,
			APIKey:            cfg.APIKey,
			DialTimeout:       cfg.GetDialTimeout(),
			SetupTimeout:      cfg.GetSetupTimeout(),
			HeartbeatInterval: cfg.GetHeartbeatInterval(),
			MaxRetries:        cfg.MaxRetries,
			Logger:            logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown live transport %q", cfg.Transport)
	}
}

// newChatClient builds the text tutor on the Gemini API with the live api key
func newChatClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*chat.Client, error) {
	generator, err := chat.NewGenAIGenerator(ctx, cfg.Live.APIKey)
	if err != nil {
		return nil, err
	}
	return chat.NewClient(generator, chat.Config{
		Model:             cfg.Chat.Model,
		SystemInstruction: cfg.Chat.SystemInstruction,
		Timeout:           cfg.Chat.GetTimeout(),
		MaxRetries:        cfg.Chat.MaxRetries,
		MaxConcurrent:     cfg.Chat.MaxConcurrent,
		MaxHistory:        cfg.Chat.MaxHistory,
		Logger:            logger,
		Metrics:           m,
	})
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}

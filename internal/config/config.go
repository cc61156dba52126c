package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Load when a field is left unset
const (
	DefaultInputSampleRate   = 16000
	DefaultOutputSampleRate  = 24000
	DefaultFrameSize         = 4096
	DefaultVoiceThreshold    = 0.3
	DefaultDialTimeout       = 10 // seconds
	DefaultSetupTimeout      = 10 // seconds
	DefaultHeartbeatInterval = 30 // seconds
	DefaultMaxRetries        = 1
	DefaultMaxConcurrent     = 16
	DefaultIdleTimeout       = 600 // seconds
	DefaultCleanupInterval   = 30  // seconds
	DefaultChatTimeout       = 30  // seconds
	DefaultChatRetries       = 2
	DefaultChatConcurrent    = 8
	DefaultChatHistory       = 50
)

// Environment variables consulted for the Gemini API key, in order
var APIKeyEnvVars = []string{"GEMINI_API_KEY", "API_KEY"}

// Config represents the complete service configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http" json:"http"`
	Relay    RelayConfig    `yaml:"relay" json:"relay"`
	Audio    AudioConfig    `yaml:"audio" json:"audio"`
	Input    InputConfig    `yaml:"input" json:"input"`
	Live     LiveConfig     `yaml:"live" json:"live"`
	Sessions SessionsConfig `yaml:"sessions" json:"sessions"`
	Chat     ChatConfig     `yaml:"chat" json:"chat"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" json:"port"`
	Address string `yaml:"address" json:"address"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

// RelayConfig contains the UDP mic relay server configuration
type RelayConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	UDPPort     int    `yaml:"udp_port" json:"udp_port"`
	BindAddress string `yaml:"bind_address" json:"bind_address"`
	BufferSize  int    `yaml:"buffer_size" json:"buffer_size"`
	MaxGap      int    `yaml:"max_gap" json:"max_gap"` // packets held back before a missing sequence is skipped
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	InputSampleRate  int     `yaml:"input_sample_rate" json:"input_sample_rate"`
	OutputSampleRate int     `yaml:"output_sample_rate" json:"output_sample_rate"`
	Channels         int     `yaml:"channels" json:"channels"`
	FrameSize        int     `yaml:"frame_size" json:"frame_size"` // samples per outgoing frame
	VoiceThreshold   float64 `yaml:"voice_threshold" json:"voice_threshold"`
	RecordingDir     string  `yaml:"recording_dir" json:"recording_dir"`
}

// InputConfig selects where conversation microphones read from
type InputConfig struct {
	Source    string `yaml:"source" json:"source"` // udp or wav
	WAVPath   string `yaml:"wav_path" json:"wav_path"`
	Loop      bool   `yaml:"loop" json:"loop"`
	BlockSize int    `yaml:"block_size" json:"block_size"` // samples per WAV feed block
}

// LiveConfig contains the remote model session configuration
type LiveConfig struct {
	Transport         string `yaml:"transport" json:"transport"` // websocket or genai
	Endpoint          string `yaml:"endpoint" json:"endpoint"`
	APIKey            string `yaml:"api_key" json:"api_key,omitempty"`
	Model             string `yaml:"model" json:"model"`                           // empty selects the default native-audio model
	Voice             string `yaml:"voice" json:"voice"`                           // empty selects Zephyr
	SystemInstruction string `yaml:"system_instruction" json:"system_instruction"` // empty selects the mentor persona
	DialTimeout       int    `yaml:"dial_timeout" json:"dial_timeout"`             // seconds
	SetupTimeout      int    `yaml:"setup_timeout" json:"setup_timeout"`           // seconds
	MaxRetries        int    `yaml:"max_retries" json:"max_retries"`
	HeartbeatInterval int    `yaml:"heartbeat_interval" json:"heartbeat_interval"` // seconds
}

// SessionsConfig contains conversation manager limits
type SessionsConfig struct {
	MaxConcurrent   int `yaml:"max_concurrent" json:"max_concurrent"`
	IdleTimeout     int `yaml:"idle_timeout" json:"idle_timeout"`         // seconds
	CleanupInterval int `yaml:"cleanup_interval" json:"cleanup_interval"` // seconds
}

// ChatConfig contains the text tutor configuration. It shares the live API key.
type ChatConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	Model             string `yaml:"model" json:"model"`                           // empty selects the default text model
	SystemInstruction string `yaml:"system_instruction" json:"system_instruction"` // empty selects the GameSci Bot persona
	Timeout           int    `yaml:"timeout" json:"timeout"`                       // seconds per request attempt
	MaxRetries        int    `yaml:"max_retries" json:"max_retries"`               // retries after the first attempt
	MaxConcurrent     int    `yaml:"max_concurrent" json:"max_concurrent"`
	MaxHistory        int    `yaml:"max_history" json:"max_history"` // messages accepted per request
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	config.ApplyDefaults()
	config.ApplyEnv(os.LookupEnv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// ApplyDefaults fills zero-valued fields with their defaults
func (c *Config) ApplyDefaults() {
	if c.Relay.BufferSize == 0 {
		c.Relay.BufferSize = 65536
	}
	if c.Relay.MaxGap == 0 {
		c.Relay.MaxGap = 8
	}

	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.FrameSize == 0 {
		c.Audio.FrameSize = DefaultFrameSize
	}
	if c.Audio.VoiceThreshold == 0 {
		c.Audio.VoiceThreshold = DefaultVoiceThreshold
	}

	if c.Input.Source == "" {
		c.Input.Source = "udp"
	}
	if c.Input.BlockSize == 0 {
		c.Input.BlockSize = 1600
	}

	if c.Live.Transport == "" {
		c.Live.Transport = "websocket"
	}
	if c.Live.DialTimeout == 0 {
		c.Live.DialTimeout = DefaultDialTimeout
	}
	if c.Live.SetupTimeout == 0 {
		c.Live.SetupTimeout = DefaultSetupTimeout
	}
	if c.Live.MaxRetries == 0 {
		c.Live.MaxRetries = DefaultMaxRetries
	}
	if c.Live.HeartbeatInterval == 0 {
		c.Live.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if c.Sessions.MaxConcurrent == 0 {
		c.Sessions.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Sessions.IdleTimeout == 0 {
		c.Sessions.IdleTimeout = DefaultIdleTimeout
	}
	if c.Sessions.CleanupInterval == 0 {
		c.Sessions.CleanupInterval = DefaultCleanupInterval
	}

	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = DefaultChatTimeout
	}
	if c.Chat.MaxRetries == 0 {
		c.Chat.MaxRetries = DefaultChatRetries
	}
	if c.Chat.MaxConcurrent == 0 {
		c.Chat.MaxConcurrent = DefaultChatConcurrent
	}
	if c.Chat.MaxHistory == 0 {
		c.Chat.MaxHistory = DefaultChatHistory
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// ApplyEnv overrides secrets from the environment. The first non-empty
// variable in APIKeyEnvVars wins over the file value.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, name := range APIKeyEnvVars {
		if v, ok := lookup(name); ok && v != "" {
			c.Live.APIKey = v
			return
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Relay.Validate(); err != nil {
		return fmt.Errorf("relay config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input config: %w", err)
	}

	if c.Input.Source == "udp" && !c.Relay.Enabled {
		return fmt.Errorf("input config: source 'udp' requires the relay server to be enabled")
	}

	if err := c.Live.Validate(); err != nil {
		return fmt.Errorf("live config: %w", err)
	}

	if err := c.Sessions.Validate(); err != nil {
		return fmt.Errorf("sessions config: %w", err)
	}

	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat config: %w", err)
	}

	if c.Chat.Enabled && !c.HTTP.Enabled {
		return fmt.Errorf("chat config: chat requires the HTTP server to be enabled")
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates relay server configuration
func (r *RelayConfig) Validate() error {
	if !r.Enabled {
		return nil
	}

	if r.UDPPort < 1 || r.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", r.UDPPort)
	}

	if r.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if r.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", r.BufferSize)
	}

	if r.MaxGap < 1 {
		return fmt.Errorf("max_gap must be at least 1, got %d", r.MaxGap)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.InputSampleRate < 8000 || a.InputSampleRate > 48000 {
		return fmt.Errorf("input_sample_rate must be between 8000 and 48000 Hz, got %d", a.InputSampleRate)
	}

	if a.OutputSampleRate < 8000 || a.OutputSampleRate > 48000 {
		return fmt.Errorf("output_sample_rate must be between 8000 and 48000 Hz, got %d", a.OutputSampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.FrameSize < 256 || a.FrameSize > 16384 {
		return fmt.Errorf("frame_size must be between 256 and 16384 samples, got %d", a.FrameSize)
	}

	if a.VoiceThreshold < 0 || a.VoiceThreshold > 1 {
		return fmt.Errorf("voice_threshold must be between 0 and 1, got %f", a.VoiceThreshold)
	}

	return nil
}

// Validate validates input source configuration
func (i *InputConfig) Validate() error {
	switch i.Source {
	case "udp":
	case "wav":
		if i.WAVPath == "" {
			return fmt.Errorf("wav_path cannot be empty when source is 'wav'")
		}
	default:
		return fmt.Errorf("source must be 'udp' or 'wav', got '%s'", i.Source)
	}

	if i.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", i.BlockSize)
	}

	return nil
}

// Validate validates remote session configuration
func (l *LiveConfig) Validate() error {
	validTransports := map[string]bool{"websocket": true, "genai": true}
	if !validTransports[l.Transport] {
		return fmt.Errorf("transport must be 'websocket' or 'genai', got '%s'", l.Transport)
	}

	if l.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty (set it in the file or via %s)", APIKeyEnvVars[0])
	}

	if l.DialTimeout < 1 {
		return fmt.Errorf("dial_timeout must be at least 1 second, got %d", l.DialTimeout)
	}

	if l.SetupTimeout < 1 {
		return fmt.Errorf("setup_timeout must be at least 1 second, got %d", l.SetupTimeout)
	}

	if l.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", l.MaxRetries)
	}

	if l.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval cannot be negative, got %d", l.HeartbeatInterval)
	}

	return nil
}

// Validate validates conversation manager limits
func (s *SessionsConfig) Validate() error {
	if s.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", s.MaxConcurrent)
	}

	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	return nil
}

// Validate validates text tutor configuration
func (ch *ChatConfig) Validate() error {
	if !ch.Enabled {
		return nil
	}

	if ch.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", ch.Timeout)
	}

	if ch.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", ch.MaxRetries)
	}

	if ch.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", ch.MaxConcurrent)
	}

	if ch.MaxHistory < 1 {
		return fmt.Errorf("max_history must be at least 1, got %d", ch.MaxHistory)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is treated as a file path
	return nil
}

// Redacted returns a copy safe to expose over the HTTP API
func (c *Config) Redacted() Config {
	out := *c
	out.Live.APIKey = ""
	return out
}

// GetDialTimeout returns the dial timeout as a time.Duration
func (l *LiveConfig) GetDialTimeout() time.Duration {
	return time.Duration(l.DialTimeout) * time.Second
}

// GetSetupTimeout returns the setup handshake timeout as a time.Duration
func (l *LiveConfig) GetSetupTimeout() time.Duration {
	return time.Duration(l.SetupTimeout) * time.Second
}

// GetHeartbeatInterval returns the ping interval as a time.Duration
func (l *LiveConfig) GetHeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatInterval) * time.Second
}

// GetIdleTimeout returns the conversation idle timeout as a time.Duration
func (s *SessionsConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetCleanupInterval returns the cleanup routine period as a time.Duration
func (s *SessionsConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetConnectTimeout bounds a whole start attempt: dial plus setup handshake
func (l *LiveConfig) GetConnectTimeout() time.Duration {
	return l.GetDialTimeout() + l.GetSetupTimeout()
}

// GetTimeout returns the per-attempt chat timeout as a time.Duration
func (ch *ChatConfig) GetTimeout() time.Duration {
	return time.Duration(ch.Timeout) * time.Second
}

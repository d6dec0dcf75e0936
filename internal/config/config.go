// Package config provides the configuration schema and loader for the
// mianvoice interview voice pipeline.
package config

import (
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Speech    SpeechConfig    `yaml:"speech"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	Interview InterviewConfig `yaml:"interview"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// MetricsAddr is the TCP address the Prometheus /metrics endpoint
	// listens on (e.g. ":9091"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// SpeechConfig holds the recognition/synthesis vendor boundary settings.
type SpeechConfig struct {
	// TokenURL is the endpoint that issues short-lived vendor credentials
	// together with ASR/TTS endpoint configuration.
	TokenURL string `yaml:"token_url"`

	// ConnectTimeout bounds dialing the vendor endpoints. Default: 15s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ReadTimeout bounds each recognize/synthesize round trip. Default: 30s.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// CacheDir receives synthesized and downloaded audio assets. Default:
	// the OS temp dir.
	CacheDir string `yaml:"cache_dir"`
}

// ProtocolConfig holds the realtime interview orchestrator channel settings.
type ProtocolConfig struct {
	// URL is the WebSocket endpoint of the interview orchestrator.
	URL string `yaml:"url"`

	// ConnectRetries is the number of connect attempts before a connection
	// failure is surfaced as fatal. Default: 3.
	ConnectRetries int `yaml:"connect_retries"`

	// ConnectSpacing is the minimum interval between connect attempts.
	// Default: 4s.
	ConnectSpacing time.Duration `yaml:"connect_spacing"`
}

// AudioConfig holds capture-side PCM parameters.
type AudioConfig struct {
	// SampleRate of microphone capture in Hz. Default: 16000.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the capture read size in bytes. Default: 2048 (64 ms of
	// 16 kHz mono int16).
	FrameSize int `yaml:"frame_size"`
}

// VADConfig holds the voice-activity detector thresholds. Zero values fall
// back to the detector defaults.
type VADConfig struct {
	// Enabled toggles automatic speech boundary detection. When false,
	// recording runs until explicitly stopped. Default: true.
	Enabled *bool `yaml:"enabled"`

	SilenceThresholdDB float64       `yaml:"silence_threshold_db"`
	SilenceDuration    time.Duration `yaml:"silence_duration"`
	SpeechMinDuration  time.Duration `yaml:"speech_min_duration"`
	MaxSpeechDuration  time.Duration `yaml:"max_speech_duration"`
}

// VADEnabled resolves the Enabled pointer with its default.
func (v VADConfig) VADEnabled() bool {
	return v.Enabled == nil || *v.Enabled
}

// InterviewConfig holds turn-loop behaviour.
type InterviewConfig struct {
	// AutoListen restarts recording after each remote playback completes.
	// Default: true.
	AutoListen *bool `yaml:"auto_listen"`

	// ListenRestartDelay is the pause between playback completion and the
	// next recording cycle. Default: 500ms.
	ListenRestartDelay time.Duration `yaml:"listen_restart_delay"`

	// WatchdogDelay is how long after the remote stops speaking to re-check
	// that a recording actually started. Default: 5s.
	WatchdogDelay time.Duration `yaml:"watchdog_delay"`

	// CompletionKeywords are the best-effort fallback phrases scanned in
	// response text when the orchestrator omits the explicit completed flag.
	CompletionKeywords []string `yaml:"completion_keywords"`
}

// AutoListenEnabled resolves the AutoListen pointer with its default.
func (i InterviewConfig) AutoListenEnabled() bool {
	return i.AutoListen == nil || *i.AutoListen
}

// defaultCompletionKeywords mirrors the phrases the interview orchestrator is
// known to close sessions with.
var defaultCompletionKeywords = []string{
	"面试结束",
	"结束面试",
	"本次面试到此结束",
	"interview finished",
	"interview is over",
	"session completed",
}

// applyDefaults fills zero-valued fields in place.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Speech.ConnectTimeout <= 0 {
		cfg.Speech.ConnectTimeout = 15 * time.Second
	}
	if cfg.Speech.ReadTimeout <= 0 {
		cfg.Speech.ReadTimeout = 30 * time.Second
	}
	if cfg.Protocol.ConnectRetries <= 0 {
		cfg.Protocol.ConnectRetries = 3
	}
	if cfg.Protocol.ConnectSpacing <= 0 {
		cfg.Protocol.ConnectSpacing = 4 * time.Second
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.FrameSize <= 0 {
		cfg.Audio.FrameSize = 2048
	}
	if cfg.Interview.ListenRestartDelay <= 0 {
		cfg.Interview.ListenRestartDelay = 500 * time.Millisecond
	}
	if cfg.Interview.WatchdogDelay <= 0 {
		cfg.Interview.WatchdogDelay = 5 * time.Second
	}
	if len(cfg.Interview.CompletionKeywords) == 0 {
		cfg.Interview.CompletionKeywords = append([]string(nil), defaultCompletionKeywords...)
	}
}

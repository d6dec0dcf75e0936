// Command mianvoice runs a voice interview session against a remote
// interview orchestrator: it captures the interviewee's speech, recognizes
// it, exchanges turns over the session protocol, and plays back the digital
// human's responses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xlwl/mianvoice/internal/config"
	"github.com/xlwl/mianvoice/internal/health"
	"github.com/xlwl/mianvoice/internal/interview"
	"github.com/xlwl/mianvoice/internal/observe"
	"github.com/xlwl/mianvoice/internal/playback"
	"github.com/xlwl/mianvoice/internal/protocol"
	"github.com/xlwl/mianvoice/internal/record"
	"github.com/xlwl/mianvoice/internal/speech"
	"github.com/xlwl/mianvoice/internal/transcode"
	"github.com/xlwl/mianvoice/pkg/audio"
	audiofile "github.com/xlwl/mianvoice/pkg/audio/file"
	"github.com/xlwl/mianvoice/pkg/audio/opus"
	"github.com/xlwl/mianvoice/pkg/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionID := flag.String("session", "", "interview session ID to join (required)")
	userID := flag.String("user", "", "user ID sent with the session join")
	position := flag.String("position", "", "job position context for the interviewer")
	background := flag.String("background", "", "candidate background context")
	input := flag.String("input", "-", "PCM input: '-' for stdin, or a raw S16LE file")
	flag.Parse()

	if *sessionID == "" {
		fmt.Fprintln(os.Stderr, "mianvoice: -session is required")
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mianvoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mianvoice: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("mianvoice starting",
		"config", *configPath,
		"session_id", *sessionID,
		"protocol_url", cfg.Protocol.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio input ───────────────────────────────────────────────────────────
	in, realtime, err := openInput(*input)
	if err != nil {
		slog.Error("failed to open audio input", "err", err)
		return 1
	}
	source := audiofile.NewSource(in, audiofile.SourceConfig{
		SampleRate: cfg.Audio.SampleRate,
		FrameSize:  cfg.Audio.FrameSize,
		Realtime:   realtime,
	})

	// ── Pipeline ──────────────────────────────────────────────────────────────
	recorder := buildRecorder(cfg, source, logger)

	speechSvc, err := speech.New(cfg.Speech.TokenURL, cfg.Speech.ConnectTimeout, cfg.Speech.ReadTimeout,
		speech.WithCacheDir(cfg.Speech.CacheDir),
		speech.WithMetrics(metrics),
	)
	if err != nil {
		slog.Error("failed to create speech service", "err", err)
		return 1
	}

	transcoder := transcode.New(cfg.Speech.CacheDir,
		transcode.WithTargetFormat(audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}),
		transcode.WithMetrics(metrics),
	)
	transcoder.Register("opus", opus.Decoder{})
	transcoder.Register("dca", opus.Decoder{})

	ledger := playback.NewLedger()
	player := playback.New(transcoder, audiofile.NewSink(), ledger,
		playback.WithMetrics(metrics),
	)

	client := protocol.New(cfg.Protocol.URL, logger,
		protocol.WithAttemptSpacing(cfg.Protocol.ConnectSpacing),
	)

	manager := interview.New(interview.Config{
		Session: protocol.Session{
			ID:          *sessionID,
			UserID:      *userID,
			JobPosition: *position,
			Background:  *background,
		},
		ConnectRetries:     cfg.Protocol.ConnectRetries,
		ConnectSpacing:     cfg.Protocol.ConnectSpacing,
		AutoListen:         cfg.Interview.AutoListenEnabled(),
		ListenRestartDelay: cfg.Interview.ListenRestartDelay,
		WatchdogDelay:      cfg.Interview.WatchdogDelay,
		CompletionKeywords: cfg.Interview.CompletionKeywords,
	}, recorder, speechSvc, player, client, ledger, logger,
		interview.WithMetrics(metrics),
	)

	// ── Metrics and probe endpoints ───────────────────────────────────────────
	if cfg.Server.MetricsAddr != "" {
		probes := health.New(manager.Snapshot,
			health.Checker{Name: "orchestrator", Check: func(context.Context) error {
				if client.State() != protocol.StateConnected {
					return protocol.ErrNotConnected
				}
				return nil
			}},
			health.Checker{Name: "speech", Check: speechSvc.Ping},
		)
		go serveHTTP(ctx, cfg.Server.MetricsAddr, probes)
	}

	// Status notices go to stdout; structured logs stay on stderr.
	go func() {
		for notice := range manager.Notices() {
			fmt.Println(notice)
		}
	}()

	slog.Info("session ready — press Ctrl+C to end the interview")

	if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye", "turns", manager.Conversation().Len())
	return 0
}

// buildRecorder assembles the capture session, with or without automatic
// speech endpointing depending on configuration.
func buildRecorder(cfg *config.Config, source audio.Source, logger *slog.Logger) *record.Session {
	if !cfg.VAD.VADEnabled() {
		slog.Info("voice activity detection disabled, recording is manual")
		return record.New(source, logger, record.WithMaxDuration(cfg.VAD.MaxSpeechDuration))
	}
	detector := vad.New(vad.Config{
		SampleRate:         cfg.Audio.SampleRate,
		SilenceThresholdDB: cfg.VAD.SilenceThresholdDB,
		SilenceDuration:    cfg.VAD.SilenceDuration,
		SpeechMinDuration:  cfg.VAD.SpeechMinDuration,
		MaxSpeechDuration:  cfg.VAD.MaxSpeechDuration,
	})
	return record.New(source, logger,
		record.WithDetector(detector),
		record.WithMaxDuration(cfg.VAD.MaxSpeechDuration),
	)
}

// openInput resolves the -input flag. File inputs are paced to real time so
// a canned recording behaves like a live microphone.
func openInput(path string) (io.Reader, bool, error) {
	if path == "" || path == "-" {
		return os.Stdin, false, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

// serveHTTP exposes the Prometheus and health endpoints until the context
// ends.
func serveHTTP(ctx context.Context, addr string, probes *health.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observe.Handler())
	probes.Register(mux)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("metrics server error", "err", err)
	}
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

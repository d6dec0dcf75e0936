// Package record captures one user utterance from an audio source, using
// voice activity detection to decide where the utterance starts and ends.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xlwl/mianvoice/pkg/audio"
	"github.com/xlwl/mianvoice/pkg/vad"
)

// ErrBusy is returned when Record is called while a recording is active.
var ErrBusy = errors.New("record: recording already in progress")

// DefaultMaxDuration caps a single capture when no limit is configured.
const DefaultMaxDuration = 60 * time.Second

// Result is one finished capture.
type Result struct {
	// PCM is the captured audio, 16-bit little-endian samples. Empty when
	// the capture was discarded as invalid.
	PCM []byte

	// Format describes the captured PCM.
	Format audio.Format

	// Duration is the speech duration as measured by the detector, or the
	// raw capture length in manual mode.
	Duration time.Duration

	// Valid reports whether the capture qualifies as real speech.
	Valid bool
}

// Option configures a [Session].
type Option func(*Session)

// WithDetector enables automatic endpointing with the given detector.
// Without one the session records until stopped.
func WithDetector(d *vad.Detector) Option {
	return func(s *Session) { s.detector = d }
}

// WithMaxDuration overrides the hard capture limit.
func WithMaxDuration(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.maxDuration = d
		}
	}
}

// Session records utterances from an audio source, one at a time.
type Session struct {
	source      audio.Source
	detector    *vad.Detector
	maxDuration time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	active bool
	stop   chan struct{}
}

// New creates a recording session over the given source.
func New(source audio.Source, log *slog.Logger, opts ...Option) *Session {
	s := &Session{source: source, maxDuration: DefaultMaxDuration, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record captures one utterance. With a detector configured it returns when
// the detector signals the end of speech; without one it returns when Stop
// is called or the context ends. Either way the capture is force-terminated
// at the hard duration limit, even when the detector never leaves its
// current state. An invalid capture (too short, too few speech frames)
// yields a Result with Valid false and no PCM. Only one recording may be
// active at a time.
func (s *Session) Record(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return Result{}, ErrBusy
	}
	s.active = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	frames, err := s.source.Start(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("record: start capture: %w", err)
	}
	defer func() {
		if err := s.source.Stop(); err != nil {
			s.log.Warn("stopping capture", "error", err)
		}
	}()

	if s.detector != nil {
		s.detector.Reset()
	}

	// The wall-clock deadline bounds the capture independently of the
	// detector: an all-silence stream never leaves idle, yet must not
	// record forever.
	deadline := time.NewTimer(s.maxDuration)
	defer deadline.Stop()

	var (
		buf       []byte
		format    audio.Format
		inSpeech  bool
		speechDur time.Duration
		captured  time.Duration
	)
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-stop:
			// Manual stop finalizes whatever was captured so far.
			return s.finalize(buf, format, speechDur, captured), nil
		case <-deadline.C:
			s.log.Warn("capture hit maximum duration", "limit", s.maxDuration)
			return s.finalize(buf, format, speechDur, captured), nil
		case frame, ok := <-frames:
			if !ok {
				return s.finalize(buf, format, speechDur, captured), nil
			}
			if format == (audio.Format{}) {
				format = audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
			}
			captured += frame.Duration()

			if s.detector == nil {
				buf = append(buf, frame.Data...)
				if captured >= s.maxDuration {
					s.log.Warn("capture hit maximum duration", "limit", s.maxDuration)
					return s.finalize(buf, format, speechDur, captured), nil
				}
				continue
			}

			res := s.detector.Analyze(frame.Data)
			switch res.State {
			case vad.StateSpeechStart:
				inSpeech = true
				buf = append(buf, frame.Data...)
			case vad.StateSpeech:
				buf = append(buf, frame.Data...)
			default:
				// Keep trailing silence once speech has begun so the
				// utterance does not end abruptly.
				if inSpeech {
					buf = append(buf, frame.Data...)
				}
			}
			speechDur = res.SpeechDuration

			if res.ShouldStopRecording {
				out := Result{Format: format, Duration: res.SpeechDuration, Valid: res.IsValidSpeech}
				if res.IsValidSpeech {
					out.PCM = buf
				} else {
					s.log.Debug("discarding capture", "speech_duration", res.SpeechDuration)
				}
				return out, nil
			}
			if captured >= s.maxDuration {
				s.log.Warn("capture hit maximum duration", "limit", s.maxDuration)
				return s.finalize(buf, format, speechDur, captured), nil
			}
		}
	}
}

// Stop ends the active recording, if any. In manual mode this finalizes the
// utterance; with a detector it cuts the capture short.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active && s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Active reports whether a recording is in progress.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// finalize builds the result for a stop that did not come from the
// detector's own end-of-speech decision.
func (s *Session) finalize(buf []byte, format audio.Format, speechDur, captured time.Duration) Result {
	if s.detector == nil {
		return Result{PCM: buf, Format: format, Duration: captured, Valid: len(buf) > 0}
	}
	total, speech := s.detector.Stats()
	valid := s.detector.IsValid()
	out := Result{Format: format, Duration: speechDur, Valid: valid}
	if valid {
		out.PCM = buf
	} else if len(buf) > 0 {
		s.log.Debug("discarding capture",
			"speech_duration", speechDur,
			"total_frames", total,
			"speech_frames", speech)
	}
	return out
}

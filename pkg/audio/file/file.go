// Package file provides stream-backed audio adapters: a Source that reads
// raw PCM frames from an io.Reader (a pipe from a capture tool, or a file)
// and a Sink that paces through WAV assets in real time while emitting
// amplitude frames. They stand in for platform audio on hosts without a
// native capture backend and drive end-to-end dry runs.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/xlwl/mianvoice/pkg/audio"
	"github.com/xlwl/mianvoice/pkg/audio/wav"
)

// SourceConfig tunes a [Source].
type SourceConfig struct {
	// SampleRate of the incoming PCM in Hz. Default: 16000.
	SampleRate int

	// Channels of the incoming PCM. Default: 1.
	Channels int

	// FrameSize is the read size in bytes. Default: 2048.
	FrameSize int

	// Realtime paces reads to the frame play time, so a pre-recorded file
	// behaves like a live microphone. Reads from a live pipe are already
	// paced by the writer and can leave this off.
	Realtime bool
}

func (c SourceConfig) withDefaults() SourceConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 2048
	}
	return c
}

// Source reads 16-bit little-endian PCM frames from a reader.
type Source struct {
	r   io.Reader
	cfg SourceConfig

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ audio.Source = (*Source)(nil)

// NewSource wraps r as a frame source. Pass os.Stdin to capture from a
// pipeline like `arecord -f S16_LE -r 16000 -c 1`.
func NewSource(r io.Reader, cfg SourceConfig) *Source {
	return &Source{r: r, cfg: cfg.withDefaults()}
}

// Start begins reading frames. The returned channel closes on EOF, read
// error, or Stop.
func (s *Source) Start(ctx context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil, audio.ErrAlreadyCapturing
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	out := make(chan audio.Frame, 4)
	go s.readFrames(ctx, out)
	return out, nil
}

// Stop ends the active capture, if any.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Source) readFrames(ctx context.Context, out chan<- audio.Frame) {
	defer close(out)

	frameDur := frameDuration(s.cfg.FrameSize, s.cfg.SampleRate, s.cfg.Channels)
	var ticker *time.Ticker
	if s.cfg.Realtime && frameDur > 0 {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	var elapsed time.Duration
	for {
		buf := make([]byte, s.cfg.FrameSize)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			frame := audio.Frame{
				Data:       buf[:n],
				SampleRate: s.cfg.SampleRate,
				Channels:   s.cfg.Channels,
				Timestamp:  elapsed,
			}
			elapsed += frame.Duration()
			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			return
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Sink plays WAV assets by pacing through their samples in real time,
// emitting amplitude frames as it goes. No audio device is touched; the
// amplitude stream is what downstream consumers react to.
type Sink struct {
	// ChunkDuration is the amplitude emission interval. Default: 50ms.
	ChunkDuration time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	amp    chan audio.Frame
	done   chan error
}

var _ audio.Sink = (*Sink)(nil)

// NewSink creates an idle sink.
func NewSink() *Sink {
	return &Sink{
		amp:  make(chan audio.Frame, 16),
		done: make(chan error, 1),
	}
}

// Play starts pacing through the WAV file at path. A playback already in
// progress is stopped first.
func (s *Sink) Play(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file: open asset: %w", err)
	}
	pcm, format, err := wav.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("file: decode asset %s: %w", path, err)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go s.pace(ctx, pcm, format)
	return nil
}

// Amplitude returns the stream of frames currently being "played".
func (s *Sink) Amplitude() <-chan audio.Frame {
	return s.amp
}

// Done delivers one value per playback: nil on natural completion, an error
// otherwise.
func (s *Sink) Done() <-chan error {
	return s.done
}

// Stop aborts the active playback, if any.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Sink) pace(ctx context.Context, pcm []byte, format audio.Format) {
	chunkDur := s.ChunkDuration
	if chunkDur <= 0 {
		chunkDur = 50 * time.Millisecond
	}
	bytesPerChunk := int(float64(format.SampleRate*format.Channels*2) * chunkDur.Seconds())
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	bytesPerChunk &^= 1 // keep sample alignment

	ticker := time.NewTicker(chunkDur)
	defer ticker.Stop()

	var elapsed time.Duration
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := audio.Frame{
			Data:       pcm[off:end],
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  elapsed,
		}
		elapsed += frame.Duration()
		select {
		case s.amp <- frame:
		default:
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.finish(ctx.Err())
			return
		}
	}
	s.finish(nil)
}

func (s *Sink) finish(err error) {
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	select {
	case s.done <- err:
	default:
	}
}

func frameDuration(frameBytes, sampleRate, channels int) time.Duration {
	samples := frameBytes / (2 * channels)
	if samples <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Package mock provides in-memory mock implementations of the
// [audio.Source], [audio.Sink], and [audio.Decoder] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields the test sets to control return values.
//
// Typical usage:
//
//	frames := make(chan audio.Frame, 16)
//	src := &mock.Source{Frames: frames}
//	got, err := src.Start(ctx)
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/xlwl/mianvoice/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Feed frames into the
// Frames channel (and close it) to drive the consumer's capture loop.
type Source struct {
	mu sync.Mutex

	// Frames is returned by Start. The test owns the channel and decides
	// when to close it.
	Frames chan audio.Frame

	// StartError, when non-nil, is returned by Start.
	StartError error

	// StopError is returned by Stop.
	StopError error

	// CallCountStart and CallCountStop record invocations.
	CallCountStart int
	CallCountStop  int

	active bool
}

// Start implements [audio.Source]. A second Start without an intervening Stop
// returns [audio.ErrAlreadyCapturing], matching real device semantics.
func (s *Source) Start(_ context.Context) (<-chan audio.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return nil, s.StartError
	}
	if s.active {
		return nil, audio.ErrAlreadyCapturing
	}
	s.active = true
	return s.Frames, nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.active = false
	return s.StopError
}

// Active reports whether the source believes a capture is running.
func (s *Source) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink].
//
// Tests drive playback lifecycle explicitly: push tap frames into
// AmplitudeCh, then send the completion result on DoneCh.
type Sink struct {
	mu sync.Mutex

	// PlayError, when non-nil, is returned by Play.
	PlayError error

	// AmplitudeCh is returned by Amplitude. Defaults to a closed channel if
	// left nil so consumers that range over it terminate immediately.
	AmplitudeCh chan audio.Frame

	// DoneCh is returned by Done. Send nil for natural completion or an
	// error for a device failure.
	DoneCh chan error

	// StopError is returned by Stop.
	StopError error

	// PlayCalls records the asset paths passed to Play, in order.
	PlayCalls []string

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PlayCalls = append(s.PlayCalls, path)
	return s.PlayError
}

// Amplitude implements [audio.Sink].
func (s *Sink) Amplitude() <-chan audio.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AmplitudeCh == nil {
		ch := make(chan audio.Frame)
		close(ch)
		return ch
	}
	return s.AmplitudeCh
}

// Done implements [audio.Sink].
func (s *Sink) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DoneCh == nil {
		s.DoneCh = make(chan error, 1)
	}
	return s.DoneCh
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	return s.StopError
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock implementation of [audio.Decoder].
type Decoder struct {
	mu sync.Mutex

	// DecodeResult is the PCM returned by Decode.
	DecodeResult []byte

	// DecodeFormat is the format returned by Decode.
	DecodeFormat audio.Format

	// DecodeError, when non-nil, is returned by Decode.
	DecodeError error

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(_ context.Context, _ io.Reader) ([]byte, audio.Format, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDecode++
	if d.DecodeError != nil {
		return nil, audio.Format{}, d.DecodeError
	}
	return d.DecodeResult, d.DecodeFormat, nil
}

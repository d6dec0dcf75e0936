// Package audio defines the capability interfaces and PCM helpers for the
// mianvoice pipeline.
//
// The three primary abstractions are:
//
//   - [Source] — microphone capture as a stream of fixed-size [Frame] values.
//   - [Sink] — speaker playback of a prepared asset, with an amplitude tap
//     used to derive mouth-sync samples.
//   - [Decoder] — compressed audio → linear PCM, used by the transcoder.
//
// Implementations of these interfaces are supplied by platform adapter
// packages (e.g. audio/opus for decoding, a device layer for capture and
// playback). The core pipeline — VAD, recording, dedup, orchestration —
// depends only on the interfaces, so it stays portable and testable with the
// mocks in audio/mock.
package audio

import (
	"context"
	"errors"
	"io"
)

// ErrAlreadyCapturing is returned by [Source.Start] when a capture stream is
// already active. The microphone is a singly-owned resource; at most one
// capture may run at a time.
var ErrAlreadyCapturing = errors.New("audio: capture already active")

// Source abstracts microphone capture into a sequence of fixed-size PCM
// frames.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture and returns a channel delivering [Frame] values
	// until Stop is called or ctx is cancelled. The channel is closed when
	// capture ends. Starting while a stream is active returns
	// [ErrAlreadyCapturing].
	Start(ctx context.Context) (<-chan Frame, error)

	// Stop ends capture deterministically and releases the underlying device.
	// Safe to call multiple times; subsequent calls are no-ops and return nil.
	Stop() error
}

// Sink abstracts speaker playback of a prepared (PCM-bearing) asset.
//
// A Sink plays at most one asset at a time; the caller enforces this via the
// playback controller. Implementations must be safe for concurrent use.
type Sink interface {
	// Play starts asynchronous playback of the asset at path. It returns once
	// the device has started (or failed to start); completion is reported via
	// Done.
	Play(ctx context.Context, path string) error

	// Amplitude returns a channel delivering playback tap frames at the
	// device's maximum supported capture rate while an asset is playing. The
	// controller computes RMS over each tap window to drive mouth-sync.
	Amplitude() <-chan Frame

	// Done reports the end of the current playback: nil for natural
	// completion, an error for a device failure mid-stream. The channel
	// delivers exactly one value per successful Play call.
	Done() <-chan error

	// Stop tears down the active playback, if any. Safe to call when idle.
	Stop() error
}

// Decoder converts one compressed audio stream into linear PCM.
//
// Each Decode call is independent; implementations may be stateful per call
// but must be safe for concurrent use across calls.
type Decoder interface {
	// Decode reads the full compressed stream from r and returns raw
	// little-endian 16-bit PCM along with its format.
	Decode(ctx context.Context, r io.Reader) (pcm []byte, format Format, err error)
}

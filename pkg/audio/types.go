package audio

import (
	"fmt"
	"time"
)

// Frame represents a single fixed-duration slice of audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from the
// microphone source, classified by VAD, buffered by the recording session, and
// tapped from playback for mouth-sync. A frame is immutable once produced;
// ownership passes to whoever reads it from a channel.
type Frame struct {
	// PCM data, little-endian signed 16-bit samples.
	Data []byte

	// SampleRate in Hz (16000 for the capture pipeline, 48000 for Opus assets).
	SampleRate int

	// Channels: 1 for mono capture, 2 for stereo decoded assets.
	Channels int

	// Timestamp marks when this frame was captured or played, relative to
	// stream start.
	Timestamp time.Duration
}

// Duration returns the play time covered by the frame's samples.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

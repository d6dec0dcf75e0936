package vad

import "time"

// State enumerates the speech-boundary machine positions.
type State int

const (
	// StateIdle means no speech has been observed; the detector is waiting.
	StateIdle State = iota

	// StateSpeechStart means speech energy was observed but has not yet
	// persisted long enough to rule out a click or noise spike.
	StateSpeechStart

	// StateSpeech means an utterance is confirmed and in progress.
	StateSpeech

	// StateSpeechEnd means the utterance ended (trailing silence or maximum
	// duration). It is sticky until [Detector.Reset].
	StateSpeechEnd
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeechStart:
		return "speech-start"
	case StateSpeech:
		return "speech"
	case StateSpeechEnd:
		return "speech-end"
	default:
		return "unknown"
	}
}

// Result is the per-frame detection outcome.
type Result struct {
	// State is the machine position after analysing the frame.
	State State

	// DB is the frame's RMS energy in decibels.
	DB float64

	// SpeechDuration is the cumulative utterance length so far. Once the
	// state reaches [StateSpeechEnd] it is measured to the last speech frame,
	// not to the silence that ended the utterance.
	SpeechDuration time.Duration

	// ShouldStopRecording is true iff State == [StateSpeechEnd].
	ShouldStopRecording bool

	// IsValidSpeech reports whether the utterance is long enough and contains
	// enough speech-classified frames to be worth transcribing. Short noise
	// bursts that briefly cross the energy threshold stay invalid.
	IsValidSpeech bool
}

// Package vad implements energy-based voice activity detection for utterance
// boundary finding.
//
// The detector classifies each fixed-size PCM frame by RMS energy and drives
// a four-state machine (idle → speech-start → speech → speech-end) that
// guards against false triggers, trailing-silence ambiguity, and unbounded
// recordings. It is clocked by the frames themselves — elapsed time is
// accumulated from frame durations, never read from the wall clock — so a
// given frame sequence always produces the same transitions.
//
// A Detector holds per-stream state and is not safe for concurrent use;
// create one per capture session.
package vad

import (
	"time"

	"github.com/xlwl/mianvoice/pkg/audio"
)

// Defaults applied by [New] for zero-valued config fields.
const (
	DefaultSilenceThresholdDB = -40.0
	DefaultSilenceDuration    = 2 * time.Second
	DefaultSpeechMinDuration  = 500 * time.Millisecond
	DefaultMaxSpeechDuration  = 60 * time.Second
)

// minValidSpeechFrames is the floor on speech-classified frames for an
// utterance to count as valid. Rejects transient spikes that crossed the
// energy threshold for only a handful of frames.
const minValidSpeechFrames = 10

// Config holds the tuning parameters for a [Detector].
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Must match the frames passed
	// to Analyze. Default: 16000.
	SampleRate int

	// SilenceThresholdDB is the energy level above which a frame is
	// classified as speech. Default: -40 dB.
	SilenceThresholdDB float64

	// SilenceDuration is how long silence must persist during an utterance
	// before the utterance is considered ended. Default: 2s.
	SilenceDuration time.Duration

	// SpeechMinDuration is the minimum confirmed-speech time; shorter bursts
	// roll back to idle as false triggers. Default: 500ms.
	SpeechMinDuration time.Duration

	// MaxSpeechDuration bounds a single utterance; reaching it forces
	// speech-end. Default: 60s.
	MaxSpeechDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.SilenceThresholdDB == 0 {
		c.SilenceThresholdDB = DefaultSilenceThresholdDB
	}
	if c.SilenceDuration <= 0 {
		c.SilenceDuration = DefaultSilenceDuration
	}
	if c.SpeechMinDuration <= 0 {
		c.SpeechMinDuration = DefaultSpeechMinDuration
	}
	if c.MaxSpeechDuration <= 0 {
		c.MaxSpeechDuration = DefaultMaxSpeechDuration
	}
	return c
}

// Detector is the frame-clocked speech boundary state machine.
type Detector struct {
	cfg Config

	state        State
	clock        time.Duration // elapsed time, advanced per frame
	speechStart  time.Duration
	lastSpeech   time.Duration
	silenceStart time.Duration
	inSpeech     bool // speechStart is meaningful
	inSilence    bool // silenceStart is meaningful

	totalFrames  int
	speechFrames int
}

// New creates a Detector, filling zero-valued config fields with defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Reset clears all accumulated state, returning the detector to idle. Call it
// before every new capture session; speech-end is sticky until then.
func (d *Detector) Reset() {
	d.state = StateIdle
	d.clock = 0
	d.speechStart = 0
	d.lastSpeech = 0
	d.silenceStart = 0
	d.inSpeech = false
	d.inSilence = false
	d.totalFrames = 0
	d.speechFrames = 0
}

// Stats returns the total and speech-classified frame counts since the last
// Reset. Used for end-of-session logging.
func (d *Detector) Stats() (total, speech int) {
	return d.totalFrames, d.speechFrames
}

// IsValid reports whether the utterance captured so far qualifies as real
// speech, by the same rule Analyze applies. Useful when a recording is cut
// short before the detector reaches speech-end on its own.
func (d *Detector) IsValid() bool {
	if !d.inSpeech {
		return false
	}
	return d.lastSpeech-d.speechStart >= d.cfg.SpeechMinDuration && d.speechFrames > minValidSpeechFrames
}

// Analyze classifies one PCM frame and advances the state machine. It has no
// side effects beyond the detector's own state and must be called once per
// captured frame, in order.
func (d *Detector) Analyze(frame []byte) Result {
	d.totalFrames++
	d.clock += frameDuration(len(frame), d.cfg.SampleRate)
	now := d.clock

	rms := audio.RMS(frame)
	db := audio.DB(rms)
	isSpeech := db > d.cfg.SilenceThresholdDB
	if isSpeech {
		d.speechFrames++
	}

	switch d.state {
	case StateIdle:
		if isSpeech {
			d.speechStart = now
			d.lastSpeech = now
			d.inSpeech = true
			d.inSilence = false
			d.state = StateSpeechStart
		}

	case StateSpeechStart:
		if isSpeech {
			d.lastSpeech = now
			if now-d.speechStart >= d.cfg.SpeechMinDuration {
				d.state = StateSpeech
			}
		} else if now-d.speechStart < d.cfg.SpeechMinDuration {
			// False trigger: speech died before the minimum duration.
			d.state = StateIdle
			d.inSpeech = false
		} else {
			// Silence lands exactly as the minimum elapses: promote and
			// start the silence countdown so the machine can still end.
			d.state = StateSpeech
			d.silenceStart = now
			d.inSilence = true
		}

	case StateSpeech:
		if isSpeech {
			d.lastSpeech = now
			d.inSilence = false
			if now-d.speechStart >= d.cfg.MaxSpeechDuration {
				d.state = StateSpeechEnd
			}
		} else {
			if !d.inSilence {
				d.silenceStart = now
				d.inSilence = true
			}
			if now-d.silenceStart >= d.cfg.SilenceDuration {
				d.state = StateSpeechEnd
			}
		}

	case StateSpeechEnd:
		// Sticky until Reset.
	}

	var speechDuration time.Duration
	if d.inSpeech {
		ref := now
		if d.state == StateSpeechEnd {
			ref = d.lastSpeech
		}
		speechDuration = ref - d.speechStart
	}

	return Result{
		State:               d.state,
		DB:                  db,
		SpeechDuration:      speechDuration,
		ShouldStopRecording: d.state == StateSpeechEnd,
		IsValidSpeech:       speechDuration >= d.cfg.SpeechMinDuration && d.speechFrames > minValidSpeechFrames,
	}
}

// frameDuration converts a frame byte length to play time for mono 16-bit PCM.
func frameDuration(frameBytes, sampleRate int) time.Duration {
	samples := frameBytes / 2
	if samples <= 0 || sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

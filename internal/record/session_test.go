package record_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xlwl/mianvoice/internal/record"
	"github.com/xlwl/mianvoice/pkg/audio"
	"github.com/xlwl/mianvoice/pkg/audio/mock"
	"github.com/xlwl/mianvoice/pkg/vad"
)

const (
	testRate      = 16000
	frameSamples  = 320 // 20ms at 16kHz mono
	frameBytes    = frameSamples * 2
	frameDuration = 20 * time.Millisecond
)

// speechFrame returns 20ms of alternating ±3277 samples, roughly -20dB,
// comfortably above the default silence threshold.
func speechFrame() audio.Frame {
	data := make([]byte, frameBytes)
	for i := 0; i < frameSamples; i++ {
		v := int16(3277)
		if i%2 == 1 {
			v = -3277
		}
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.Frame{Data: data, SampleRate: testRate, Channels: 1}
}

func silenceFrame() audio.Frame {
	return audio.Frame{Data: make([]byte, frameBytes), SampleRate: testRate, Channels: 1}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitActive polls until the session reports an active recording.
func waitActive(t *testing.T, s *record.Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.Active() {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecord_ManualMode(t *testing.T) {
	frames := make(chan audio.Frame, 8)
	for i := 0; i < 3; i++ {
		frames <- speechFrame()
	}
	close(frames)

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger())

	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Valid {
		t.Error("manual capture with data reported invalid")
	}
	if len(res.PCM) != 3*frameBytes {
		t.Errorf("PCM length = %d, want %d", len(res.PCM), 3*frameBytes)
	}
	if res.Format != (audio.Format{SampleRate: testRate, Channels: 1}) {
		t.Errorf("format = %v", res.Format)
	}
	if res.Duration != 3*frameDuration {
		t.Errorf("duration = %v, want %v", res.Duration, 3*frameDuration)
	}
	if src.CallCountStop != 1 {
		t.Errorf("source Stop calls = %d, want 1", src.CallCountStop)
	}
}

func TestRecord_ManualStopFinalizesEmpty(t *testing.T) {
	src := &mock.Source{Frames: make(chan audio.Frame)}
	s := record.New(src, testLogger())

	results := make(chan record.Result, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := s.Record(context.Background())
		results <- res
		errs <- err
	}()
	waitActive(t, s)

	s.Stop()

	res, err := <-results, <-errs
	if err != nil {
		t.Fatalf("Record after Stop: %v", err)
	}
	if res.Valid {
		t.Error("empty capture reported valid")
	}
	if len(res.PCM) != 0 {
		t.Errorf("PCM length = %d, want 0", len(res.PCM))
	}
	if s.Active() {
		t.Error("session still active after Record returned")
	}
}

func TestRecord_Busy(t *testing.T) {
	src := &mock.Source{Frames: make(chan audio.Frame)}
	s := record.New(src, testLogger())

	go s.Record(context.Background())
	waitActive(t, s)
	defer s.Stop()

	if _, err := s.Record(context.Background()); !errors.Is(err, record.ErrBusy) {
		t.Errorf("concurrent Record err = %v, want ErrBusy", err)
	}
}

func TestRecord_ContextCancelled(t *testing.T) {
	src := &mock.Source{Frames: make(chan audio.Frame)}
	s := record.New(src, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Record(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Record err = %v, want context.Canceled", err)
	}
	if src.CallCountStop != 1 {
		t.Errorf("source Stop calls = %d, want 1", src.CallCountStop)
	}
}

func TestRecord_StartFailure(t *testing.T) {
	src := &mock.Source{StartError: errors.New("device gone")}
	s := record.New(src, testLogger())

	if _, err := s.Record(context.Background()); err == nil {
		t.Fatal("Record succeeded with failing source")
	}
	if s.Active() {
		t.Error("session active after failed start")
	}
}

func TestRecord_DetectorEndsUtterance(t *testing.T) {
	det := vad.New(vad.Config{
		SampleRate:        testRate,
		SpeechMinDuration: 100 * time.Millisecond,
		SilenceDuration:   200 * time.Millisecond,
	})
	frames := make(chan audio.Frame, 64)
	for i := 0; i < 30; i++ {
		frames <- speechFrame()
	}
	for i := 0; i < 20; i++ {
		frames <- silenceFrame()
	}

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger(), record.WithDetector(det))

	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Valid {
		t.Fatal("30-frame utterance reported invalid")
	}
	if len(res.PCM) < 30*frameBytes {
		t.Errorf("PCM length = %d, want at least %d (speech plus trailing silence)", len(res.PCM), 30*frameBytes)
	}
	if len(res.PCM)%frameBytes != 0 {
		t.Errorf("PCM length %d is not frame aligned", len(res.PCM))
	}
	if res.Duration < 100*time.Millisecond {
		t.Errorf("speech duration = %v, want at least min duration", res.Duration)
	}
	if len(frames) == 0 {
		t.Error("detector consumed every frame; expected it to stop at end of speech")
	}
}

func TestRecord_DiscardsShortBurst(t *testing.T) {
	det := vad.New(vad.Config{
		SampleRate:        testRate,
		SpeechMinDuration: 300 * time.Millisecond,
		SilenceDuration:   200 * time.Millisecond,
	})
	frames := make(chan audio.Frame, 32)
	for i := 0; i < 5; i++ { // 100ms, below the minimum
		frames <- speechFrame()
	}
	for i := 0; i < 15; i++ {
		frames <- silenceFrame()
	}
	close(frames)

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger(), record.WithDetector(det))

	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Valid {
		t.Error("short burst reported valid")
	}
	if len(res.PCM) != 0 {
		t.Errorf("PCM length = %d, want 0 for discarded capture", len(res.PCM))
	}
}

func TestRecord_MaxDurationEndsSilentCapture(t *testing.T) {
	det := vad.New(vad.Config{SampleRate: testRate})
	frames := make(chan audio.Frame, 1000)
	for i := 0; i < 1000; i++ { // over a minute of silence, never closed
		frames <- silenceFrame()
	}

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger(),
		record.WithDetector(det),
		record.WithMaxDuration(100*time.Millisecond),
	)

	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Valid {
		t.Error("all-silence capture reported valid")
	}
	if len(res.PCM) != 0 {
		t.Errorf("PCM length = %d, want 0", len(res.PCM))
	}
	if len(frames) == 0 {
		t.Error("capture consumed the whole stream; the duration limit never cut it")
	}
	if src.CallCountStop != 1 {
		t.Errorf("source Stop calls = %d, want 1", src.CallCountStop)
	}
}

func TestRecord_MaxDurationManualMode(t *testing.T) {
	frames := make(chan audio.Frame, 32)
	for i := 0; i < 10; i++ {
		frames <- speechFrame()
	}

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger(), record.WithMaxDuration(3*frameDuration))

	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !res.Valid {
		t.Error("capped manual capture reported invalid")
	}
	if len(res.PCM) != 3*frameBytes {
		t.Errorf("PCM length = %d, want %d", len(res.PCM), 3*frameBytes)
	}
}

func TestRecord_MaxDurationFiresWithoutFrames(t *testing.T) {
	src := &mock.Source{Frames: make(chan audio.Frame)}
	s := record.New(src, testLogger(), record.WithMaxDuration(30*time.Millisecond))

	start := time.Now()
	res, err := s.Record(context.Background())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if res.Valid {
		t.Error("frameless capture reported valid")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Record took %v, want the duration limit to end it", elapsed)
	}
}

func TestRecord_StopCutsUtteranceShort(t *testing.T) {
	det := vad.New(vad.Config{
		SampleRate:        testRate,
		SpeechMinDuration: 100 * time.Millisecond,
	})
	frames := make(chan audio.Frame, 64)
	for i := 0; i < 30; i++ {
		frames <- speechFrame()
	}

	src := &mock.Source{Frames: frames}
	s := record.New(src, testLogger(), record.WithDetector(det))

	results := make(chan record.Result, 1)
	go func() {
		res, err := s.Record(context.Background())
		if err != nil {
			t.Errorf("Record: %v", err)
		}
		results <- res
	}()

	// Let the session drain the queued speech before stopping.
	deadline := time.Now().Add(2 * time.Second)
	for len(frames) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("frames never drained")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case res := <-results:
		if !res.Valid {
			t.Error("600ms of confirmed speech reported invalid on manual stop")
		}
		if len(res.PCM) != 30*frameBytes {
			t.Errorf("PCM length = %d, want %d", len(res.PCM), 30*frameBytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return after Stop")
	}
}

package audio_test

import (
	"math"
	"testing"

	"github.com/xlwl/mianvoice/pkg/audio"
)

func TestRMS_Silence(t *testing.T) {
	pcm := audio.Int16sToBytes(make([]int16, 160))
	rms := audio.RMS(pcm)
	if rms != 1e-10 {
		t.Errorf("silence RMS = %v, want floor 1e-10", rms)
	}
}

func TestRMS_Empty(t *testing.T) {
	if rms := audio.RMS(nil); rms != 1e-10 {
		t.Errorf("empty RMS = %v, want floor 1e-10", rms)
	}
}

func TestRMS_FullScale(t *testing.T) {
	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = 32767
	}
	rms := audio.RMS(audio.Int16sToBytes(samples))
	if rms < 0.99 || rms > 1.0 {
		t.Errorf("full-scale RMS = %v, want ~1.0", rms)
	}
}

func TestRMS_SquareWave(t *testing.T) {
	// Alternating ±16384 has RMS 16384/32768 = 0.5.
	samples := make([]int16, 160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16384
		} else {
			samples[i] = -16384
		}
	}
	rms := audio.RMS(audio.Int16sToBytes(samples))
	if math.Abs(rms-0.5) > 0.001 {
		t.Errorf("square wave RMS = %v, want 0.5", rms)
	}
}

func TestDB_Floor(t *testing.T) {
	db := audio.DB(0)
	want := 20 * math.Log10(1e-10) // -200
	if db != want {
		t.Errorf("DB(0) = %v, want %v", db, want)
	}
}

func TestDB_HalfScale(t *testing.T) {
	db := audio.DB(0.5)
	want := 20 * math.Log10(0.5) // ≈ -6.02
	if math.Abs(db-want) > 0.001 {
		t.Errorf("DB(0.5) = %v, want %v", db, want)
	}
}

func TestInt16sBytesRoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345}
	out := audio.BytesToInt16s(audio.Int16sToBytes(in))
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, out[i], in[i])
		}
	}
}

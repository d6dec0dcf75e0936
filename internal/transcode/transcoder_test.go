package transcode_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xlwl/mianvoice/internal/transcode"
	"github.com/xlwl/mianvoice/pkg/audio"
	"github.com/xlwl/mianvoice/pkg/audio/mock"
	"github.com/xlwl/mianvoice/pkg/audio/wav"
)

// writeWAV writes a small valid WAVE file and returns its path.
func writeWAV(t *testing.T, dir, name string) string {
	t.Helper()
	var buf bytes.Buffer
	pcm := audio.Int16sToBytes([]int16{100, 200, 300, 400})
	if err := wav.Write(&buf, audio.Format{SampleRate: 16000, Channels: 1}, pcm); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnsurePlayable_WAVIdentity(t *testing.T) {
	dir := t.TempDir()
	tr := transcode.New(dir)
	path := writeWAV(t, dir, "asset.wav")

	got, err := tr.EnsurePlayable(context.Background(), path)
	if err != nil {
		t.Fatalf("EnsurePlayable: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want identity %q", got, path)
	}
}

func TestEnsurePlayable_SniffsMislabeledWAV(t *testing.T) {
	// A WAVE payload behind an .mp3 extension must be recognized by header.
	dir := t.TempDir()
	tr := transcode.New(dir)
	path := writeWAV(t, dir, "asset.mp3")

	got, err := tr.EnsurePlayable(context.Background(), path)
	if err != nil {
		t.Fatalf("EnsurePlayable: %v", err)
	}
	if got != path {
		t.Errorf("path = %q, want identity for sniffed WAV", got)
	}
}

func TestEnsurePlayable_MissingAsset(t *testing.T) {
	tr := transcode.New(t.TempDir())
	_, err := tr.EnsurePlayable(context.Background(), "/nonexistent/asset.wav")
	if !errors.Is(err, transcode.ErrTranscodeFailed) {
		t.Errorf("err = %v, want ErrTranscodeFailed", err)
	}
}

func TestEnsurePlayable_NoDecoder(t *testing.T) {
	dir := t.TempDir()
	tr := transcode.New(dir)
	path := filepath.Join(dir, "asset.xyz")
	if err := os.WriteFile(path, []byte("not audio at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := tr.EnsurePlayable(context.Background(), path)
	if !errors.Is(err, transcode.ErrTranscodeFailed) {
		t.Errorf("err = %v, want ErrTranscodeFailed for unregistered extension", err)
	}
}

func TestEnsurePlayable_DecodesAndWrapsAsWAV(t *testing.T) {
	dir := t.TempDir()
	dec := &mock.Decoder{
		DecodeResult: audio.Int16sToBytes([]int16{1, 2, 3, 4}),
		DecodeFormat: audio.Format{SampleRate: 16000, Channels: 1},
	}
	tr := transcode.New(dir)
	tr.Register("opus", dec)

	path := filepath.Join(dir, "asset.opus")
	if err := os.WriteFile(path, []byte("compressed"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := tr.EnsurePlayable(context.Background(), path)
	if err != nil {
		t.Fatalf("EnsurePlayable: %v", err)
	}
	if dec.CallCountDecode != 1 {
		t.Errorf("decoder calls = %d, want 1", dec.CallCountDecode)
	}
	if !strings.HasSuffix(out, ".wav") {
		t.Errorf("output = %q, want .wav", out)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	pcm, format, err := wav.Decode(f)
	if err != nil {
		t.Fatalf("output is not valid WAV: %v", err)
	}
	if format != dec.DecodeFormat {
		t.Errorf("format = %v, want %v", format, dec.DecodeFormat)
	}
	if !bytes.Equal(pcm, dec.DecodeResult) {
		t.Error("pcm mismatch")
	}
}

func TestEnsurePlayable_NormalizesToTarget(t *testing.T) {
	dir := t.TempDir()
	// 48kHz stereo in, 16kHz mono target.
	stereo := make([]int16, 48*4) // 48 stereo frames
	for i := range stereo {
		stereo[i] = int16(i * 100)
	}
	dec := &mock.Decoder{
		DecodeResult: audio.Int16sToBytes(stereo),
		DecodeFormat: audio.Format{SampleRate: 48000, Channels: 2},
	}
	target := audio.Format{SampleRate: 16000, Channels: 1}
	tr := transcode.New(dir, transcode.WithTargetFormat(target))
	tr.Register("opus", dec)

	path := filepath.Join(dir, "asset.opus")
	if err := os.WriteFile(path, []byte("compressed"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := tr.EnsurePlayable(context.Background(), path)
	if err != nil {
		t.Fatalf("EnsurePlayable: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	_, format, err := wav.Decode(f)
	if err != nil {
		t.Fatal(err)
	}
	if format != target {
		t.Errorf("format = %v, want normalized to %v", format, target)
	}
}

func TestEnsurePlayable_DownloadsRemote(t *testing.T) {
	var wavBytes bytes.Buffer
	if err := wav.Write(&wavBytes, audio.Format{SampleRate: 16000, Channels: 1},
		audio.Int16sToBytes([]int16{5, 6, 7, 8})); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(wavBytes.Bytes())
	}))
	defer srv.Close()

	dir := t.TempDir()
	tr := transcode.New(dir)

	out, err := tr.EnsurePlayable(context.Background(), srv.URL+"/response.wav")
	if err != nil {
		t.Fatalf("EnsurePlayable: %v", err)
	}
	if !strings.HasPrefix(out, dir) {
		t.Errorf("output %q should live in the cache dir", out)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, wavBytes.Bytes()) {
		t.Error("downloaded bytes mismatch")
	}
}

func TestEnsurePlayable_RemoteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tr := transcode.New(t.TempDir())
	_, err := tr.EnsurePlayable(context.Background(), srv.URL+"/missing.mp3")
	if !errors.Is(err, transcode.ErrTranscodeFailed) {
		t.Errorf("err = %v, want ErrTranscodeFailed", err)
	}
}

func TestEnsurePlayable_DecoderFailure(t *testing.T) {
	dir := t.TempDir()
	dec := &mock.Decoder{DecodeError: errors.New("corrupt stream")}
	tr := transcode.New(dir)
	tr.Register("opus", dec)

	path := filepath.Join(dir, "asset.opus")
	if err := os.WriteFile(path, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := tr.EnsurePlayable(context.Background(), path)
	if !errors.Is(err, transcode.ErrTranscodeFailed) {
		t.Errorf("err = %v, want ErrTranscodeFailed", err)
	}
}

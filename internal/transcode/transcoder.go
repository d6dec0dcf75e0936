// Package transcode converts arbitrary audio assets into the linear-PCM WAV
// container the playback and mouth-sync stages require.
//
// Remote assets are fetched into the cache directory first. Assets that are
// already PCM-bearing (.wav/.pcm, or a sniffed RIFF header) pass through
// untouched. Everything else runs through a registered [audio.Decoder] and is
// re-wrapped as WAV with a correctly computed header. Transcode failures are
// recoverable: callers fall back to the original asset rather than aborting
// the turn.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xlwl/mianvoice/internal/observe"
	"github.com/xlwl/mianvoice/pkg/audio"
	"github.com/xlwl/mianvoice/pkg/audio/wav"
)

// ErrTranscodeFailed reports that an asset could not be converted: no
// decoder claimed it, the decoder failed, or no audio was produced.
var ErrTranscodeFailed = errors.New("transcode: conversion failed")

// Option is a functional option for configuring a [Transcoder].
type Option func(*Transcoder)

// WithHTTPClient overrides the download client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transcoder) { t.httpClient = c }
}

// WithTargetFormat sets the PCM format transcoded output is normalized to.
// The zero value keeps each decoder's native output format.
func WithTargetFormat(f audio.Format) Option {
	return func(t *Transcoder) { t.target = f }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transcoder) { t.metrics = m }
}

// Transcoder resolves asset paths or URLs into locally playable WAV files.
// Register all decoders during setup; once registration is done, concurrent
// EnsurePlayable calls are safe.
type Transcoder struct {
	cacheDir   string
	httpClient *http.Client
	decoders   map[string]audio.Decoder // keyed by lowercase extension, no dot
	target     audio.Format
	metrics    *observe.Metrics
	now        func() time.Time
}

// New creates a Transcoder writing intermediate and output files to cacheDir.
func New(cacheDir string, opts ...Option) *Transcoder {
	t := &Transcoder{
		cacheDir:   cacheDir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		decoders:   make(map[string]audio.Decoder),
		now:        time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// Register maps a file extension (without dot, case-insensitive) to the
// decoder used for assets carrying it.
func (t *Transcoder) Register(ext string, dec audio.Decoder) {
	t.decoders[strings.ToLower(strings.TrimPrefix(ext, "."))] = dec
}

// EnsurePlayable resolves source — a local path or an http(s) URL — into a
// local PCM-bearing file and returns its path. Already-PCM inputs are
// returned unchanged (identity). Conversion failures return
// [ErrTranscodeFailed]; the caller should fall back to the original asset.
func (t *Transcoder) EnsurePlayable(ctx context.Context, source string) (string, error) {
	local := source
	if isRemote(source) {
		downloaded, err := t.download(ctx, source)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
		}
		local = downloaded
	}

	if _, err := os.Stat(local); err != nil {
		return "", fmt.Errorf("%w: asset missing: %w", ErrTranscodeFailed, err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(local), "."))
	if ext == "wav" || ext == "pcm" {
		return local, nil
	}
	// Extension can lie on downloaded assets; sniff the header too.
	if head, err := readHead(local, 12); err == nil && wav.Sniff(head) {
		return local, nil
	}

	start := t.now()
	out, err := t.convert(ctx, local, ext)
	t.metrics.TranscodeDuration.Record(ctx, t.now().Sub(start).Seconds())
	if err != nil {
		return "", err
	}
	return out, nil
}

// convert decodes the compressed asset and writes it back as WAV.
func (t *Transcoder) convert(ctx context.Context, local, ext string) (string, error) {
	dec, ok := t.decoders[ext]
	if !ok {
		return "", fmt.Errorf("%w: no decoder for %q", ErrTranscodeFailed, ext)
	}

	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	defer f.Close()

	pcm, format, err := dec.Decode(ctx, f)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	if len(pcm) == 0 {
		return "", fmt.Errorf("%w: decoder produced no audio", ErrTranscodeFailed)
	}

	if t.target.SampleRate > 0 && t.target.Channels > 0 && format != t.target {
		pcm = audio.Normalize(pcm, format, t.target)
		format = t.target
	}

	outPath := filepath.Join(t.cacheDir, fmt.Sprintf("asset_%d.wav", t.now().UnixNano()))
	var buf bytes.Buffer
	if err := wav.Write(&buf, format, pcm); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTranscodeFailed, err)
	}

	slog.Debug("asset transcoded", "src", local, "dst", outPath,
		"format", format.String(), "pcm_bytes", len(pcm))
	return outPath, nil
}

// download fetches a remote asset into the cache dir, preserving a plausible
// extension so decoder selection still works.
func (t *Transcoder) download(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: http %d", rawURL, resp.StatusCode)
	}

	ext := urlExtension(rawURL)
	path := filepath.Join(t.cacheDir, fmt.Sprintf("dl_%d.%s", t.now().UnixNano(), ext))
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	return path, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(strings.ToLower(source), "http://") ||
		strings.HasPrefix(strings.ToLower(source), "https://")
}

// urlExtension extracts a short extension from a URL path, defaulting to
// "mp3" when absent or implausibly long (query strings, signed URLs).
func urlExtension(rawURL string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := strings.TrimPrefix(filepath.Ext(trimmed), ".")
	if ext == "" || len(ext) > 5 {
		return "mp3"
	}
	return strings.ToLower(ext)
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && read == 0 {
		return nil, err
	}
	return buf[:read], nil
}

// Package speech implements the vendor speech boundary: token-gated REST
// calls for speech-to-text recognition and text-to-speech synthesis.
//
// Credentials and endpoint configuration are issued by the application
// backend's token endpoint and cached until shortly before expiry. Synthesis
// retries on credential-expiry class failures with a forced refresh; see
// [Service.Synthesize].
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/xlwl/mianvoice/internal/observe"
)

// recognizeSuccessStatus is the vendor's numeric status denoting a successful
// recognition.
const recognizeSuccessStatus = 20000000

// maxSynthesisChars caps the text handed to the synthesis endpoint; longer
// text is truncated, not rejected.
const maxSynthesisChars = 500

// synthRetryMax is the number of forced-refresh retries after a
// credential-expiry class synthesis failure.
const synthRetryMax = 2

// synthRetryDelay is the fixed backoff between synthesis retries.
const synthRetryDelay = 500 * time.Millisecond

// expirySlack refreshes credentials this long before their reported expiry.
const expirySlack = time.Minute

// Sentinel errors for the caller's taxonomy.
var (
	// ErrRecognitionFailed wraps transport or vendor-status failures from
	// the recognition endpoint. An empty transcript is NOT an error.
	ErrRecognitionFailed = errors.New("speech: recognition failed")

	// ErrSynthesisFailed wraps synthesis failures after the bounded retry
	// policy is exhausted.
	ErrSynthesisFailed = errors.New("speech: synthesis failed")

	// ErrEmptyText is returned when synthesis is asked to speak a blank
	// string.
	ErrEmptyText = errors.New("speech: synthesis text is empty")
)

// credentials is the payload issued by the token endpoint: a short-lived
// vendor token plus the ASR/TTS endpoint configuration.
type credentials struct {
	Token      string    `json:"token"`
	ExpireTime int64     `json:"expireTime"` // unix milliseconds
	AppKey     string    `json:"appKey"`
	Region     string    `json:"region"`
	ASR        asrConfig `json:"asr"`
	TTS        ttsConfig `json:"tts"`
}

type asrConfig struct {
	Endpoint          string `json:"endpoint"`
	Format            string `json:"format"`
	SampleRate        int    `json:"sampleRate"`
	EnablePunctuation string `json:"enablePunctuation"`
	EnableITN         string `json:"enableITN"`
	EnableVAD         string `json:"enableVAD"`
}

type ttsConfig struct {
	Endpoint   string `json:"endpoint"`
	Voice      string `json:"voice"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
}

// tokenResponse is the envelope the backend wraps credentials in.
type tokenResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    credentials `json:"data"`
}

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithHTTPClient overrides the HTTP client, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// WithCacheDir sets the directory synthesized audio files are written to.
// Defaults to the OS temp dir.
func WithCacheDir(dir string) Option {
	return func(s *Service) { s.cacheDir = dir }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the recognition/synthesis client. It is safe for concurrent
// use; the credential cache is guarded by a mutex.
type Service struct {
	tokenURL   string
	httpClient *http.Client
	cacheDir   string
	metrics    *observe.Metrics

	// sleep is swapped out by tests to skip real retry backoff.
	sleep func(context.Context, time.Duration) error

	mu     sync.Mutex
	cached *credentials
	now    func() time.Time
}

// New creates a Service fetching credentials from tokenURL. connectTimeout
// bounds dialing the vendor endpoints; readTimeout bounds each full round
// trip.
func New(tokenURL string, connectTimeout, readTimeout time.Duration, opts ...Option) (*Service, error) {
	if tokenURL == "" {
		return nil, errors.New("speech: tokenURL must not be empty")
	}
	s := &Service{
		tokenURL: tokenURL,
		httpClient: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		cacheDir: os.TempDir(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Recognize submits raw 16-bit PCM to the vendor ASR endpoint and returns
// the transcript. An empty transcript is a valid outcome ("nothing
// understood"), not an error; empty input short-circuits to "".
func (s *Service) Recognize(ctx context.Context, pcm []byte) (string, error) {
	if len(pcm) == 0 {
		return "", nil
	}

	creds, err := s.ensureCredentials(ctx, false)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}

	start := s.now()
	text, err := s.recognizeOnce(ctx, creds, pcm)
	s.metrics.ASRDuration.Record(ctx, s.now().Sub(start).Seconds())
	if err != nil {
		s.metrics.SpeechErrors.Add(ctx, 1, metricAttrs("recognize"))
		return "", err
	}
	return text, nil
}

func (s *Service) recognizeOnce(ctx context.Context, creds *credentials, pcm []byte) (string, error) {
	q := url.Values{}
	q.Set("appkey", creds.AppKey)
	q.Set("format", creds.ASR.Format)
	q.Set("sample_rate", fmt.Sprint(creds.ASR.SampleRate))
	q.Set("enable_punctuation_prediction", orDefault(creds.ASR.EnablePunctuation, "true"))
	q.Set("enable_inverse_text_normalization", orDefault(creds.ASR.EnableITN, "true"))
	if strings.EqualFold(creds.ASR.EnableVAD, "true") {
		q.Set("enable_voice_detection", "true")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		creds.ASR.Endpoint+"?"+q.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-NLS-Token", creds.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrRecognitionFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("asr request failed", "code", resp.StatusCode, "body", truncate(string(body), 200))
		return "", fmt.Errorf("%w: http %d", ErrRecognitionFailed, resp.StatusCode)
	}

	var parsed struct {
		Status  int    `json:"status"`
		Result  string `json:"result"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode response: %w", ErrRecognitionFailed, err)
	}
	if parsed.Status != recognizeSuccessStatus {
		return "", fmt.Errorf("%w: vendor status %d: %s", ErrRecognitionFailed, parsed.Status, parsed.Message)
	}

	slog.Debug("asr succeeded", "chars", len(parsed.Result))
	return parsed.Result, nil
}

// Synthesize converts text to speech and returns the path of the written
// audio asset. Text is trimmed and capped at 500 characters. On a 400/401
// class response — the vendor's signature for an expired token — credentials
// are refreshed and the call retried at most twice with a short fixed
// backoff.
func (s *Service) Synthesize(ctx context.Context, text string) (string, error) {
	clean := strings.TrimSpace(text)
	if clean == "" {
		return "", ErrEmptyText
	}
	if runes := []rune(clean); len(runes) > maxSynthesisChars {
		clean = string(runes[:maxSynthesisChars])
	}

	start := s.now()
	defer func() {
		s.metrics.TTSDuration.Record(ctx, s.now().Sub(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= synthRetryMax; attempt++ {
		creds, err := s.ensureCredentials(ctx, attempt > 0)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		}

		path, retryable, err := s.synthesizeOnce(ctx, creds, clean)
		if err == nil {
			return path, nil
		}
		lastErr = err
		if !retryable || attempt == synthRetryMax {
			break
		}

		slog.Warn("tts failed with credential-class error, refreshing token and retrying",
			"attempt", attempt+1, "err", err)
		if err := s.sleep(ctx, synthRetryDelay); err != nil {
			return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
		}
	}

	s.metrics.SpeechErrors.Add(ctx, 1, metricAttrs("synthesize"))
	return "", fmt.Errorf("%w: %w", ErrSynthesisFailed, lastErr)
}

// synthesizeOnce performs one synthesis round trip. retryable reports
// whether the failure is in the credential-expiry class (HTTP 400/401).
func (s *Service) synthesizeOnce(ctx context.Context, creds *credentials, text string) (path string, retryable bool, err error) {
	payload, err := json.Marshal(map[string]any{
		"appkey":      creds.AppKey,
		"text":        text,
		"format":      creds.TTS.Format,
		"sample_rate": creds.TTS.SampleRate,
		"voice":       creds.TTS.Voice,
	})
	if err != nil {
		return "", false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TTS.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-NLS-Token", creds.Token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return "", retryable, fmt.Errorf("http %d: %s", resp.StatusCode, vendorErrorMessage(body))
	}

	suffix := creds.TTS.Format
	if suffix == "" {
		suffix = "mp3"
	}
	path = filepath.Join(s.cacheDir, fmt.Sprintf("tts_%d.%s", s.now().UnixMilli(), suffix))
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", false, fmt.Errorf("write asset: %w", err)
	}

	slog.Debug("tts succeeded", "path", path, "bytes", len(body))
	return path, false, nil
}

// Ping verifies the credential endpoint is reachable and issuing usable
// credentials. Intended for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	_, err := s.ensureCredentials(ctx, false)
	return err
}

// ensureCredentials returns cached credentials unless they are expired (with
// slack) or force is set, in which case a fresh set is fetched. The forced
// path models retry-after-credential-expiry explicitly rather than as an
// exception side effect.
func (s *Service) ensureCredentials(ctx context.Context, force bool) (*credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.cached != nil {
		if s.now().UnixMilli() < s.cached.ExpireTime-expirySlack.Milliseconds() {
			return s.cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.tokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch credentials: http %d", resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if !parsed.Success {
		return nil, fmt.Errorf("fetch credentials: %s", orDefault(parsed.Message, "unknown error"))
	}

	s.cached = &parsed.Data
	slog.Debug("speech credentials refreshed", "region", parsed.Data.Region,
		"expires", time.UnixMilli(parsed.Data.ExpireTime))
	return s.cached, nil
}

// vendorErrorMessage extracts a human-readable message from a vendor error
// body, falling back to the raw (truncated) body.
func vendorErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Msg != "" {
			return parsed.Msg
		}
	}
	return truncate(string(body), 200)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// metricAttrs builds the standard attribute set for speech error counters.
func metricAttrs(kind string) metric.AddOption {
	return metric.WithAttributes(observe.Attr("kind", kind))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

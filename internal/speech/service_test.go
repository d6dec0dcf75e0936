package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// vendorStub simulates the token endpoint and the vendor ASR/TTS endpoints
// on a single test server.
type vendorStub struct {
	srv *httptest.Server

	tokenCalls int32
	asrCalls   int32
	ttsCalls   int32

	// asrStatus is the vendor status returned by /asr.
	asrStatus int
	asrResult string

	// ttsFailures makes the first n /tts calls return ttsCode.
	ttsFailures int32
	ttsCode     int

	// lastASRToken and lastTTSText record request details for assertions.
	lastASRToken string
	lastASRQuery string
	lastTTSText  string
}

func newVendorStub(t *testing.T) *vendorStub {
	t.Helper()
	v := &vendorStub{asrStatus: recognizeSuccessStatus, asrResult: "你好", ttsCode: http.StatusUnauthorized}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&v.tokenCalls, 1)
		resp := tokenResponse{
			Success: true,
			Data: credentials{
				Token:      fmt.Sprintf("tok-%d", atomic.LoadInt32(&v.tokenCalls)),
				ExpireTime: time.Now().Add(time.Hour).UnixMilli(),
				AppKey:     "app",
				Region:     "test",
				ASR: asrConfig{
					Endpoint:   v.srv.URL + "/asr",
					Format:     "pcm",
					SampleRate: 16000,
					EnableVAD:  "true",
				},
				TTS: ttsConfig{
					Endpoint:   v.srv.URL + "/tts",
					Voice:      "aida",
					Format:     "wav",
					SampleRate: 16000,
				},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})
	mux.HandleFunc("/asr", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&v.asrCalls, 1)
		v.lastASRToken = r.Header.Get("X-NLS-Token")
		v.lastASRQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{
			"status": v.asrStatus,
			"result": v.asrResult,
		})
	})
	mux.HandleFunc("/tts", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&v.ttsCalls, 1)
		var payload struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&payload)
		v.lastTTSText = payload.Text
		if atomic.AddInt32(&v.ttsFailures, -1) >= 0 {
			w.WriteHeader(v.ttsCode)
			fmt.Fprint(w, `{"message":"token expired"}`)
			return
		}
		w.Write([]byte("fake-audio-bytes"))
	})

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func newTestService(t *testing.T, v *vendorStub) *Service {
	t.Helper()
	s, err := New(v.srv.URL+"/token", time.Second, 5*time.Second,
		WithCacheDir(t.TempDir()),
	)
	if err != nil {
		t.Fatal(err)
	}
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestRecognize(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	text, err := s.Recognize(context.Background(), make([]byte, 3200))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "你好" {
		t.Errorf("transcript = %q, want 你好", text)
	}
	if v.lastASRToken != "tok-1" {
		t.Errorf("X-NLS-Token = %q, want tok-1", v.lastASRToken)
	}
	for _, param := range []string{"appkey=app", "format=pcm", "sample_rate=16000", "enable_voice_detection=true"} {
		if !strings.Contains(v.lastASRQuery, param) {
			t.Errorf("query %q missing %q", v.lastASRQuery, param)
		}
	}
}

func TestRecognize_EmptyInputShortCircuits(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	text, err := s.Recognize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "" {
		t.Errorf("transcript = %q, want empty", text)
	}
	if atomic.LoadInt32(&v.tokenCalls) != 0 || atomic.LoadInt32(&v.asrCalls) != 0 {
		t.Error("empty input must not reach the network")
	}
}

func TestRecognize_VendorFailureStatus(t *testing.T) {
	v := newVendorStub(t)
	v.asrStatus = 40000001
	s := newTestService(t, v)

	_, err := s.Recognize(context.Background(), make([]byte, 320))
	if !errors.Is(err, ErrRecognitionFailed) {
		t.Errorf("err = %v, want ErrRecognitionFailed", err)
	}
}

func TestRecognize_CredentialsCached(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	for range 3 {
		if _, err := s.Recognize(context.Background(), make([]byte, 320)); err != nil {
			t.Fatal(err)
		}
	}
	if got := atomic.LoadInt32(&v.tokenCalls); got != 1 {
		t.Errorf("token fetches = %d, want 1 (cached)", got)
	}
}

func TestRecognize_ExpiredCredentialsRefreshed(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	if _, err := s.Recognize(context.Background(), make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
	// Move the clock past expiry; the next call must refetch.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Recognize(context.Background(), make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&v.tokenCalls); got != 2 {
		t.Errorf("token fetches = %d, want 2 after expiry", got)
	}
}

func TestSynthesize(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	path, err := s.Synthesize(context.Background(), "  欢迎参加面试  ")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if v.lastTTSText != "欢迎参加面试" {
		t.Errorf("sent text = %q, want trimmed", v.lastTTSText)
	}
	if !strings.HasSuffix(path, ".wav") {
		t.Errorf("asset path = %q, want .wav suffix from vendor format", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read asset: %v", err)
	}
	if string(data) != "fake-audio-bytes" {
		t.Error("asset content mismatch")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	if _, err := s.Synthesize(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
	if atomic.LoadInt32(&v.ttsCalls) != 0 {
		t.Error("blank text must not reach the network")
	}
}

func TestSynthesize_TruncatesByRune(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	long := strings.Repeat("面", maxSynthesisChars+100)
	if _, err := s.Synthesize(context.Background(), long); err != nil {
		t.Fatal(err)
	}
	if got := len([]rune(v.lastTTSText)); got != maxSynthesisChars {
		t.Errorf("sent %d runes, want %d", got, maxSynthesisChars)
	}
}

func TestSynthesize_RetriesWithFreshToken(t *testing.T) {
	v := newVendorStub(t)
	v.ttsFailures = 1
	s := newTestService(t, v)

	if _, err := s.Synthesize(context.Background(), "hello"); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := atomic.LoadInt32(&v.ttsCalls); got != 2 {
		t.Errorf("tts calls = %d, want 2 (one failure, one retry)", got)
	}
	// The retry must have forced a credential refresh.
	if got := atomic.LoadInt32(&v.tokenCalls); got != 2 {
		t.Errorf("token fetches = %d, want 2 (forced refresh on retry)", got)
	}
}

func TestSynthesize_RetryBudgetExhausted(t *testing.T) {
	v := newVendorStub(t)
	v.ttsFailures = 10
	s := newTestService(t, v)

	_, err := s.Synthesize(context.Background(), "hello")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
	if got := atomic.LoadInt32(&v.ttsCalls); got != int32(synthRetryMax)+1 {
		t.Errorf("tts calls = %d, want %d", got, synthRetryMax+1)
	}
}

func TestSynthesize_NonRetryableFailure(t *testing.T) {
	v := newVendorStub(t)
	v.ttsFailures = 10
	v.ttsCode = http.StatusInternalServerError
	s := newTestService(t, v)

	_, err := s.Synthesize(context.Background(), "hello")
	if !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("err = %v, want ErrSynthesisFailed", err)
	}
	if got := atomic.LoadInt32(&v.ttsCalls); got != 1 {
		t.Errorf("tts calls = %d, want 1 (500s are not retried)", got)
	}
}

func TestPing(t *testing.T) {
	v := newVendorStub(t)
	s := newTestService(t, v)

	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if atomic.LoadInt32(&v.tokenCalls) != 1 {
		t.Error("Ping should fetch credentials once")
	}
}

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/media"
	"web-transcriber/internal/platform/logger"
	"web-transcriber/internal/platform/metrics"
	"web-transcriber/internal/provider"
)

const testPassword = "letmein"

// fakeSTT answers calls from a script and records the files it was given.
type fakeSTT struct {
	mu     sync.Mutex
	paths  []string
	data   [][]byte
	script []error
	text   string
	noKey  bool
}

func (f *fakeSTT) Transcribe(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, _ := os.ReadFile(path)
	f.paths = append(f.paths, path)
	f.data = append(f.data, b)
	if n := len(f.paths) - 1; n < len(f.script) && f.script[n] != nil {
		return "", f.script[n]
	}
	return f.text, nil
}

func (f *fakeSTT) Configured() bool { return !f.noKey }

func (f *fakeSTT) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.paths)
}

type fakeTranscoder struct {
	calls int
	err   error
}

func (f *fakeTranscoder) ToWAV(ctx context.Context, path string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	out := strings.TrimSuffix(path, filepath.Ext(path)) + "_16k.wav"
	return out, os.WriteFile(out, []byte("canonical wav"), 0o600)
}

type serviceFixture struct {
	svc        *TranscriptionService
	stt        *fakeSTT
	transcoder *fakeTranscoder
	metrics    *metrics.Metrics
	tempDir    string
	sleeps     []time.Duration
}

func newServiceFixture(t *testing.T, secret string, results ResultRepository) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		stt:        &fakeSTT{text: "recognized text"},
		transcoder: &fakeTranscoder{},
		metrics:    metrics.New(),
		tempDir:    t.TempDir(),
	}
	f.svc = NewTranscriptionService(NewAuthenticator(secret), f.stt, f.transcoder, results,
		ServiceConfig{MaxRetries: 3, RetryBase: 100 * time.Millisecond, MinPayloadBytes: 16, TempDir: f.tempDir},
		logger.Discard(), f.metrics)
	f.svc.sleep = func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}
	return f
}

func request(audio string) TranscriptionRequest {
	return TranscriptionRequest{
		Credential: testPassword,
		SessionID:  "01SESSION",
		Index:      0,
		Encoding:   "audio/webm",
		Filename:   "segment-0.webm",
		Audio:      strings.NewReader(audio),
	}
}

func (f *serviceFixture) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "per-request temp files must be removed")
}

func undecodable() error {
	return &provider.StatusError{StatusCode: 400, Body: `{"error":{"message":"Audio file could not be decoded or its format is not supported."}}`}
}

func TestTranscribe_success(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	text, err := f.svc.Transcribe(context.Background(), request(strings.Repeat("a", 64)))

	require.NoError(t, err)
	assert.Equal(t, "recognized text", text)
	require.Equal(t, 1, f.stt.calls())
	assert.Equal(t, ".webm", filepath.Ext(f.stt.paths[0]))
	assert.Contains(t, scrape(t, f.metrics), "transcriber_segments_transcribed_total 1")
	f.assertTempDirEmpty(t)
}

func TestTranscribe_auth(t *testing.T) {
	t.Run("no_secret_configured", func(t *testing.T) {
		f := newServiceFixture(t, "", nil)
		_, err := f.svc.Transcribe(context.Background(), request("audio"))
		assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
		assert.Equal(t, 500, apperr.StatusOf(err))
		assert.Zero(t, f.stt.calls())
	})
	t.Run("wrong_password", func(t *testing.T) {
		f := newServiceFixture(t, testPassword, nil)
		req := request("audio")
		req.Credential = "nope"
		_, err := f.svc.Transcribe(context.Background(), req)
		assert.Equal(t, apperr.KindAuth, apperr.KindOf(err))
		assert.Equal(t, 401, apperr.StatusOf(err))
		assert.Zero(t, f.stt.calls())
	})
	t.Run("provider_key_missing", func(t *testing.T) {
		f := newServiceFixture(t, testPassword, nil)
		f.stt.noKey = true
		_, err := f.svc.Transcribe(context.Background(), request("audio"))
		assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "OPENAI_API_KEY")
	})
}

func TestTranscribe_empty_payload(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)

	_, err := f.svc.Transcribe(context.Background(), request(""))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Equal(t, 400, apperr.StatusOf(err))

	req := request("")
	req.Audio = nil
	_, err = f.svc.Transcribe(context.Background(), req)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	assert.Zero(t, f.stt.calls())
	f.assertTempDirEmpty(t)
}

func TestTranscribe_small_payload_is_accepted(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	_, err := f.svc.Transcribe(context.Background(), request("tiny"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.stt.calls())
}

func TestTranscribe_transient_retries_with_backoff(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{
		&provider.StatusError{StatusCode: 503},
		&provider.NetworkError{Err: errors.New("connection reset")},
	}

	text, err := f.svc.Transcribe(context.Background(), request("audio"))
	require.NoError(t, err)
	assert.Equal(t, "recognized text", text)
	assert.Equal(t, 3, f.stt.calls())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, f.sleeps)
}

func TestTranscribe_transient_exhausted(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   apperr.Kind
		status int
	}{
		{"overloaded", &provider.StatusError{StatusCode: 503}, apperr.KindTransient, 503},
		{"rate_limited", &provider.StatusError{StatusCode: 429}, apperr.KindRateLimited, 429},
		{"locked", &provider.StatusError{StatusCode: 423}, apperr.KindTransient, 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, testPassword, nil)
			f.stt.script = []error{tt.err, tt.err, tt.err, tt.err}

			_, err := f.svc.Transcribe(context.Background(), request("audio"))
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.status, apperr.StatusOf(err))
			assert.Equal(t, 3, f.stt.calls(), "bounded by MaxRetries")
		})
	}
}

func TestTranscribe_permanent_not_retried(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{&provider.StatusError{StatusCode: 400, Body: `{"error":{"message":"model not found"}}`}}

	_, err := f.svc.Transcribe(context.Background(), request("audio"))
	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
	assert.Equal(t, 500, apperr.StatusOf(err))
	assert.Equal(t, 1, f.stt.calls())
	assert.Zero(t, f.transcoder.calls)
}

func TestTranscribe_provider_rejects_api_key(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{&provider.StatusError{StatusCode: 401, Body: "invalid api key"}}

	_, err := f.svc.Transcribe(context.Background(), request("audio"))
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
	assert.Equal(t, 500, apperr.StatusOf(err), "a bad server key must not look like a bad client password")
}

// Scenario: the provider cannot decode the upload; one transcode, one
// follow-up call with the transcoded file, one result.
func TestTranscribe_decode_fallback(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{undecodable()}

	text, err := f.svc.Transcribe(context.Background(), request("webm bytes"))
	require.NoError(t, err)
	assert.Equal(t, "recognized text", text)

	assert.Equal(t, 1, f.transcoder.calls)
	require.Equal(t, 2, f.stt.calls())
	assert.Equal(t, "webm bytes", string(f.stt.data[0]))
	assert.Equal(t, "canonical wav", string(f.stt.data[1]))
	assert.True(t, strings.HasSuffix(f.stt.paths[1], "_16k.wav"))
	body := scrape(t, f.metrics)
	assert.Contains(t, body, `transcriber_transcodes_total{result="ok"} 1`)
	assert.Contains(t, body, `transcriber_provider_attempts_total{outcome="permanent"} 1`)
	assert.Contains(t, body, `transcriber_provider_attempts_total{outcome="success"} 1`)
	f.assertTempDirEmpty(t)
}

func TestTranscribe_decode_fallback_runs_once(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{undecodable(), undecodable(), undecodable()}

	_, err := f.svc.Transcribe(context.Background(), request("junk"))
	assert.Equal(t, apperr.KindDecode, apperr.KindOf(err))
	assert.Equal(t, 400, apperr.StatusOf(err))
	assert.Equal(t, 1, f.transcoder.calls)
	assert.Equal(t, 2, f.stt.calls())
	f.assertTempDirEmpty(t)
}

func TestTranscribe_transcoder_unavailable(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{undecodable()}
	f.transcoder.err = fmt.Errorf("%w: ffmpeg not found", media.ErrTranscoderUnavailable)

	_, err := f.svc.Transcribe(context.Background(), request("webm"))
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "FFMPEG_PATH")
	assert.Equal(t, 1, f.stt.calls())
}

func TestTranscribe_transcoder_fails(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{undecodable()}
	f.transcoder.err = errors.New("Invalid data found when processing input")

	_, err := f.svc.Transcribe(context.Background(), request("junk"))
	assert.Equal(t, apperr.KindDecode, apperr.KindOf(err))
	assert.Equal(t, 1, f.stt.calls())
}

func TestTranscribe_cancelled_while_retrying(t *testing.T) {
	f := newServiceFixture(t, testPassword, nil)
	f.stt.script = []error{&provider.StatusError{StatusCode: 503}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Transcribe(ctx, request("audio"))
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, 1, f.stt.calls())
}

func TestTranscribe_repeated_segment_replayed(t *testing.T) {
	f := newServiceFixture(t, testPassword, NewInMemoryResults(0, 0))

	first, err := f.svc.Transcribe(context.Background(), request("audio"))
	require.NoError(t, err)
	second, err := f.svc.Transcribe(context.Background(), request("audio"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.stt.calls())

	other := request("audio")
	other.Index = 1
	_, err = f.svc.Transcribe(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, 2, f.stt.calls())

	bad := request("audio")
	bad.Credential = "wrong"
	_, err = f.svc.Transcribe(context.Background(), bad)
	assert.Equal(t, apperr.KindAuth, apperr.KindOf(err), "replay never bypasses authentication")
}

func TestUploadExt(t *testing.T) {
	assert.Equal(t, ".webm", uploadExt("seg.webm", ""))
	assert.Equal(t, ".ogg", uploadExt("blob", "audio/ogg;codecs=opus"))
	assert.Equal(t, ".wav", uploadExt("", ""))
	assert.Equal(t, ".mp3", uploadExt("", "audio/mpeg"))
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

// Package gateway is the server side of the pipeline: it authenticates a
// segment upload, calls the transcription provider with bounded retries,
// falls back to transcoding when the provider cannot decode the audio, and
// passes finished transcripts to the summary provider.
package gateway

import (
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

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/media"
	"web-transcriber/internal/platform/metrics"
	"web-transcriber/internal/provider"
)

// SpeechToText makes one transcription request for the audio file at path.
type SpeechToText interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// Transcoder converts the file at path to canonical mono 16 kHz WAV.
type Transcoder interface {
	ToWAV(ctx context.Context, path string) (string, error)
}

// configured is implemented by provider clients that know whether their
// API key is set.
type configured interface {
	Configured() bool
}

// TranscriptionRequest is one uploaded segment.
type TranscriptionRequest struct {
	Credential string
	SessionID  string
	Index      int // -1 when the client did not send one
	Encoding   string
	Filename   string
	Audio      io.Reader
}

// ServiceConfig tunes TranscriptionService. Zero values take defaults.
type ServiceConfig struct {
	MaxRetries      int           // provider attempts for transient failures, default 3
	RetryBase       time.Duration // first retry delay, doubled each attempt, default 500ms
	MinPayloadBytes int           // smaller payloads are logged as suspicious, default 1024
	TempDir         string        // parent of per-request temp dirs, default os.TempDir()
}

// TranscriptionService turns one uploaded segment into text.
type TranscriptionService struct {
	auth       *Authenticator
	stt        SpeechToText
	transcoder Transcoder
	results    ResultRepository
	cfg        ServiceConfig
	log        *slog.Logger
	metrics    *metrics.Metrics
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewTranscriptionService wires the service. results and m may be nil.
func NewTranscriptionService(auth *Authenticator, stt SpeechToText, transcoder Transcoder, results ResultRepository, cfg ServiceConfig, log *slog.Logger, m *metrics.Metrics) *TranscriptionService {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.MinPayloadBytes <= 0 {
		cfg.MinPayloadBytes = 1024
	}
	return &TranscriptionService{
		auth:       auth,
		stt:        stt,
		transcoder: transcoder,
		results:    results,
		cfg:        cfg,
		log:        log,
		metrics:    m,
		sleep:      sleepContext,
	}
}

// Transcribe authenticates req, stores its audio in a per-request temp dir
// and returns the recognized text. The temp dir is removed on every path.
func (s *TranscriptionService) Transcribe(ctx context.Context, req TranscriptionRequest) (string, error) {
	if err := s.auth.Check(req.Credential); err != nil {
		return "", err
	}
	if c, ok := s.stt.(configured); ok && !c.Configured() {
		return "", apperr.NewConfig("OPENAI_API_KEY is not configured on the server")
	}
	if req.Audio == nil {
		return "", apperr.NewBadRequest("no audio file provided")
	}

	log := s.log.With(
		slog.String("session_id", req.SessionID),
		slog.Int("index", req.Index))

	if s.results != nil {
		if text, ok := s.results.Lookup(req.SessionID, req.Index); ok {
			log.Info("repeated segment answered from recent results")
			if s.metrics != nil {
				s.metrics.IncReplayedSegments()
			}
			return text, nil
		}
	}

	dir, err := os.MkdirTemp(s.cfg.TempDir, "segment-*")
	if err != nil {
		return "", apperr.NewInternal(fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "upload"+uploadExt(req.Filename, req.Encoding))
	n, err := writeFile(path, req.Audio)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return "", apperr.NewBadRequest(fmt.Sprintf("audio exceeds %d bytes", mbe.Limit))
		}
		return "", apperr.NewInternal(fmt.Errorf("store upload: %w", err))
	}
	if n == 0 {
		return "", apperr.NewBadRequest("no audio data received")
	}
	if n < int64(s.cfg.MinPayloadBytes) {
		log.Warn("suspiciously small segment", slog.Int64("bytes", n))
		if s.metrics != nil {
			s.metrics.IncSuspiciousSegments()
		}
	}

	text, err := s.callWithRetry(ctx, log, path)
	if err != nil && provider.Classify(err) == provider.Undecodable {
		text, err = s.transcodeAndRetry(ctx, log, path, err)
	}
	if err != nil {
		return "", toAppError(err)
	}

	if s.results != nil {
		s.results.Record(req.SessionID, req.Index, text)
	}
	if s.metrics != nil {
		s.metrics.IncSegmentsTranscribed()
	}
	log.Info("segment transcribed", slog.Int64("bytes", n), slog.Int("chars", len(text)))
	return text, nil
}

// callWithRetry calls the provider up to MaxRetries times while failures are
// transient, waiting RetryBase × 2^attempt between calls.
func (s *TranscriptionService) callWithRetry(ctx context.Context, log *slog.Logger, path string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.cfg.RetryBase << (attempt - 1)
			log.Warn("retrying provider call",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if err := s.sleep(ctx, delay); err != nil {
				return "", apperr.NewTransient("request cancelled while retrying", err)
			}
		}

		text, err := s.callOnce(ctx, path)
		if err == nil {
			return text, nil
		}
		if provider.Classify(err) != provider.Transient {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (s *TranscriptionService) callOnce(ctx context.Context, path string) (string, error) {
	start := time.Now()
	text, err := s.stt.Transcribe(ctx, path)
	if s.metrics != nil {
		outcome := metrics.OutcomeSuccess
		if err != nil {
			outcome = metrics.OutcomePermanent
			if provider.Classify(err) == provider.Transient {
				outcome = metrics.OutcomeTransient
			}
		}
		s.metrics.ObserveProviderAttempt(outcome, time.Since(start))
	}
	return text, err
}

// transcodeAndRetry converts the upload once and makes exactly one more
// provider call with the result.
func (s *TranscriptionService) transcodeAndRetry(ctx context.Context, log *slog.Logger, path string, decodeErr error) (string, error) {
	log.Info("provider could not decode audio, transcoding", slog.String("error", decodeErr.Error()))

	wav, err := s.transcoder.ToWAV(ctx, path)
	if s.metrics != nil {
		s.metrics.IncTranscodes(err == nil)
	}
	if err != nil {
		if errors.Is(err, media.ErrTranscoderUnavailable) {
			log.Error("transcoder unavailable", slog.String("error", err.Error()))
			return "", apperr.NewConfig("audio format not supported by the provider and ffmpeg is not available; install ffmpeg or set FFMPEG_PATH")
		}
		log.Warn("transcoding failed", slog.String("error", err.Error()))
		return "", apperr.NewDecode("audio could not be decoded or transcoded", err)
	}

	text, err := s.callOnce(ctx, wav)
	if err != nil && provider.Classify(err) == provider.Undecodable {
		return "", apperr.NewDecode("audio could not be decoded after transcoding", err)
	}
	return text, err
}

// toAppError maps a provider failure to the gateway's error taxonomy.
func toAppError(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	var se *provider.StatusError
	switch {
	case provider.RateLimited(err):
		return apperr.NewRateLimited("transcription provider rate limit exceeded", err)
	case provider.Classify(err) == provider.Transient:
		return apperr.NewTransient("transcription provider unavailable", err)
	case provider.Classify(err) == provider.Undecodable:
		return apperr.NewDecode("audio could not be decoded", err)
	case errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden):
		return apperr.NewConfig("transcription provider rejected the server's API key")
	case errors.As(err, &se):
		return apperr.NewProvider(se.StatusCode, se.Body)
	}
	return apperr.NewInternal(err)
}

func writeFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// uploadExt picks the file extension the provider sniffs the container from.
func uploadExt(filename, encoding string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" && len(ext) <= 5 {
		return ext
	}
	enc := strings.ToLower(encoding)
	switch {
	case strings.Contains(enc, "webm"):
		return ".webm"
	case strings.Contains(enc, "ogg"):
		return ".ogg"
	case strings.Contains(enc, "mp4"), strings.Contains(enc, "m4a"):
		return ".m4a"
	case strings.Contains(enc, "mpeg"), strings.Contains(enc, "mp3"):
		return ".mp3"
	}
	return ".wav"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

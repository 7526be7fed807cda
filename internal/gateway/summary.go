package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/platform/metrics"
	"web-transcriber/internal/provider"
)

// DefaultSummaryPrompt is the system instruction used when the request
// carries none.
const DefaultSummaryPrompt = "Summarize the transcript in proper SOAP note format: Subjective, Objective, Assessment, Plan."

// Completer sends one system instruction plus one user message to a chat
// model.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// SummaryService is a single-shot passthrough to the chat provider.
type SummaryService struct {
	auth    *Authenticator
	chat    Completer
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewSummaryService(auth *Authenticator, chat Completer, log *slog.Logger, m *metrics.Metrics) *SummaryService {
	return &SummaryService{auth: auth, chat: chat, log: log, metrics: m}
}

// Summarize returns the provider's text verbatim. Failures are not retried.
func (s *SummaryService) Summarize(ctx context.Context, credential, transcript, prompt string) (string, error) {
	if err := s.auth.Check(credential); err != nil {
		return "", err
	}
	if c, ok := s.chat.(configured); ok && !c.Configured() {
		return "", apperr.NewConfig("OPENAI_API_KEY is not configured on the server")
	}
	if strings.TrimSpace(transcript) == "" {
		return "", apperr.NewBadRequest("transcript is empty")
	}
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSummaryPrompt
	}

	summary, err := s.chat.Complete(ctx, prompt, transcript)
	if s.metrics != nil {
		s.metrics.IncSummaries(err == nil)
	}
	if err != nil {
		s.log.Error("summary failed", slog.String("error", err.Error()))
		return "", summaryError(err)
	}
	s.log.Info("summary generated",
		slog.Int("transcript_chars", len(transcript)),
		slog.Int("summary_chars", len(summary)))
	return summary, nil
}

// summaryError reports every provider failure as a 500; the caller decides
// whether to ask again.
func summaryError(err error) error {
	var se *provider.StatusError
	if errors.As(err, &se) {
		return apperr.NewProvider(se.StatusCode, se.Body)
	}
	return &apperr.Error{
		Kind:    apperr.KindProvider,
		Status:  http.StatusInternalServerError,
		Message: "summary provider request failed",
		Err:     err,
	}
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultBaseURL is the public OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

// Config configures an OpenAI-compatible client.
type Config struct {
	BaseURL            string
	APIKey             string
	TranscriptionModel string
	SummaryModel       string
	Timeout            time.Duration
}

// OpenAI calls the audio transcription and chat completion endpoints.
type OpenAI struct {
	cfg    Config
	client *http.Client
}

// NewOpenAI returns a client with defaults filled in.
func NewOpenAI(cfg Config) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = "gpt-3.5-turbo"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &OpenAI{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

// Configured reports whether an API key is set.
func (o *OpenAI) Configured() bool { return o.cfg.APIKey != "" }

// Transcribe uploads the audio file at path and returns the recognized text.
// It makes exactly one request; retrying is the caller's business.
func (o *OpenAI) Transcribe(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", o.cfg.TranscriptionModel); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", uploadName(path))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("copy audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/audio/transcriptions", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out struct {
		Text string `json:"text"`
	}
	if err := o.do(req, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends one system instruction and one user message and returns
// the first choice's content verbatim.
func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	payload, err := json.Marshal(struct {
		Model    string        `json:"model"`
		Messages []chatMessage `json:"messages"`
	}{
		Model: o.cfg.SummaryModel,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := o.do(req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New("provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

func (o *OpenAI) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Err: fmt.Errorf("read response body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

// uploadName keeps the extension, which the provider uses to sniff the
// container; files without one go up as audio.wav.
func uploadName(path string) string {
	name := filepath.Base(path)
	if !strings.Contains(name, ".") {
		return "audio.wav"
	}
	return name
}

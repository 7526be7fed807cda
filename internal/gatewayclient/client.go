// Package gatewayclient is the recorder's HTTP client for the transcription
// gateway. It maps gateway responses onto apperr kinds so the delivery queue
// can decide between retrying, skipping and halting.
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/capture"
)

// IdempotencyHeader carries "<sessionId>/<index>" on every transcribe attempt.
const IdempotencyHeader = "Idempotency-Key"

// Client talks to one gateway base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil hc uses a client without an overall
// timeout; callers bound each attempt with a context.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Authenticate checks credential against the gateway.
func (c *Client) Authenticate(ctx context.Context, credential string) error {
	body, err := json.Marshal(map[string]string{"password": credential})
	if err != nil {
		return err
	}
	var out struct {
		Success bool `json:"success"`
	}
	if err := c.postJSON(ctx, "/api/authenticate", body, &out); err != nil {
		return err
	}
	if !out.Success {
		return apperr.NewAuth("authentication failed")
	}
	return nil
}

// Transcribe uploads one segment and returns its text. Empty payloads fail
// with BadRequest without a round trip.
func (c *Client) Transcribe(ctx context.Context, credential string, seg capture.Segment) (string, error) {
	if len(seg.Payload) == 0 {
		return "", apperr.NewBadRequest("no audio data received")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"password", credential},
		{"sessionId", seg.SessionID},
		{"index", strconv.Itoa(seg.Index)},
		{"encoding", seg.EncodingHint},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	fw, err := mw.CreateFormFile("audio", fmt.Sprintf("segment-%d%s", seg.Index, extension(seg.EncodingHint)))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(seg.Payload); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(IdempotencyHeader, seg.SessionID+"/"+strconv.Itoa(seg.Index))

	var out struct {
		Transcript string `json:"transcript"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	return out.Transcript, nil
}

// Summarize asks the gateway to summarize transcript. An empty prompt uses
// the gateway's default instruction.
func (c *Client) Summarize(ctx context.Context, credential, transcript, prompt string) (string, error) {
	payload := map[string]string{"transcript": transcript, "password": credential}
	if prompt != "" {
		payload["prompt"] = prompt
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := c.postJSON(ctx, "/api/summarize", body, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.NewTransient("read response body", err)
	}
	if resp.StatusCode != http.StatusOK {
		return classifyStatus(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apperr.NewTransient("malformed gateway response", err)
	}
	return nil
}

// classifyStatus maps a non-200 gateway response to an apperr kind.
func classifyStatus(status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}

	code := apperr.Kind(eb.Code)
	switch {
	case status == http.StatusUnauthorized:
		return apperr.NewAuth(msg)
	case status == http.StatusTooManyRequests:
		return apperr.NewRateLimited(msg, nil)
	case status == http.StatusBadRequest && code == apperr.KindDecode:
		return apperr.NewDecode(msg, nil)
	case status == http.StatusBadRequest:
		return apperr.NewBadRequest(msg)
	case code == apperr.KindConfig:
		return apperr.NewConfig(msg)
	case code == apperr.KindProvider:
		e := apperr.NewProvider(status, msg)
		e.Message = msg
		return e
	case status == http.StatusRequestTimeout, status == http.StatusLocked, status >= 500:
		return apperr.NewTransient(msg, nil)
	}
	return &apperr.Error{Kind: apperr.KindBadRequest, Status: status, Message: msg}
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.NewNetworkTimeout(err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return apperr.NewNetworkTimeout(err)
	}
	return apperr.NewTransient("gateway unreachable", err)
}

func extension(encoding string) string {
	switch {
	case strings.Contains(encoding, "wav"):
		return ".wav"
	case strings.Contains(encoding, "webm"):
		return ".webm"
	case strings.Contains(encoding, "ogg"):
		return ".ogg"
	case strings.Contains(encoding, "mp4"), strings.Contains(encoding, "m4a"):
		return ".m4a"
	case strings.Contains(encoding, "mpeg"), strings.Contains(encoding, "mp3"):
		return ".mp3"
	}
	return ".bin"
}

// DefaultTimeout bounds authenticate and summarize calls made by the CLI.
const DefaultTimeout = 2 * time.Minute

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"web-transcriber/internal/apperr"
)

// IdempotencyHeader is the client's "<sessionId>/<index>" attempt key.
const IdempotencyHeader = "Idempotency-Key"

// multipartMemory is how much of an upload ParseMultipartForm keeps in
// memory before spilling to disk.
const multipartMemory = 8 << 20

// Handler exposes the gateway HTTP endpoints.
type Handler struct {
	auth           *Authenticator
	transcription  *TranscriptionService
	summary        *SummaryService
	log            *slog.Logger
	maxUploadBytes int64
}

// NewHandler returns a Handler. maxUploadBytes <= 0 means 25 MiB.
func NewHandler(auth *Authenticator, ts *TranscriptionService, ss *SummaryService, log *slog.Logger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 25 << 20
	}
	return &Handler{auth: auth, transcription: ts, summary: ss, log: log, maxUploadBytes: maxUploadBytes}
}

// Authenticate handles POST /api/authenticate.
// Body: { "password": "..." }.
func (h *Handler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, apperr.NewBadRequest("invalid JSON body"))
		return
	}
	if in.Password == "" {
		h.writeError(w, r, apperr.NewBadRequest("password is required"))
		return
	}
	if err := h.auth.Check(in.Password); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// Transcribe handles POST /api/transcribe.
// Multipart fields: audio (file), password, sessionId, index, encoding.
func (h *Handler) Transcribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeError(w, r, apperr.NewBadRequest(fmt.Sprintf("audio exceeds %d bytes", mbe.Limit)))
			return
		}
		h.writeError(w, r, apperr.NewBadRequest("expected multipart/form-data with an audio file"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	index := -1
	if s := r.FormValue("index"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, r, apperr.NewBadRequest("index must be a non-negative integer"))
			return
		}
		index = n
	}

	req := TranscriptionRequest{
		Credential: r.FormValue("password"),
		SessionID:  r.FormValue("sessionId"),
		Index:      index,
		Encoding:   r.FormValue("encoding"),
	}

	file, hdr, err := r.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()
		req.Audio = file
		req.Filename = hdr.Filename
		if req.Encoding == "" {
			req.Encoding = hdr.Header.Get("Content-Type")
		}
	case errors.Is(err, http.ErrMissingFile):
		// Authentication still runs first; the service rejects the nil audio.
	default:
		h.writeError(w, r, apperr.NewBadRequest("unreadable audio part"))
		return
	}

	if key := r.Header.Get(IdempotencyHeader); key != "" {
		h.log.Debug("transcribe attempt",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("idempotency_key", key))
	}

	text, err := h.transcription.Transcribe(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"transcript": text})
}

// Summarize handles POST /api/summarize.
// Body: { "transcript": "...", "password": "...", "prompt": "..." }.
func (h *Handler) Summarize(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Transcript string `json:"transcript"`
		Password   string `json:"password"`
		Prompt     string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, r, apperr.NewBadRequest("invalid JSON body"))
		return
	}
	summary, err := h.summary.Summarize(r.Context(), in.Password, in.Transcript, in.Prompt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// writeError renders err as {"error", "code"} with its status. Unclassified
// errors are reported as a generic internal error.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.NewInternal(nil)
	}
	status := apperr.StatusOf(ae)

	attrs := []any{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("code", string(ae.Kind)),
		slog.String("error", err.Error()),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.log.Error("request failed", attrs...)
	case status == http.StatusUnauthorized || status == http.StatusTooManyRequests:
		h.log.Warn("request rejected", attrs...)
	default:
		h.log.Info("request rejected", attrs...)
	}

	writeJSON(w, status, map[string]string{"error": publicMessage(ae), "code": string(ae.Kind)})
}

// publicMessage is the client-facing text for ae. Provider bodies are
// summarized rather than echoed.
func publicMessage(ae *apperr.Error) string {
	if ae.Kind == apperr.KindProvider {
		if body, ok := ae.Details["provider_body"].(string); ok {
			if msg := providerMessage(body); msg != "" {
				return ae.Message + ": " + msg
			}
		}
	}
	return ae.Message
}

// providerMessage extracts error.message from an OpenAI-style error body.
func providerMessage(body string) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return ""
	}
	return strings.TrimSpace(parsed.Error.Message)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

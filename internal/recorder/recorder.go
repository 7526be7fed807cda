// Package recorder owns the client-side session lifecycle: it wires the
// segment encoder, the delivery queue and the transcript together and
// exposes the start/stop/authenticate/summarize operations a front end needs.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/capture"
	"web-transcriber/internal/delivery"
	"web-transcriber/internal/session"
	"web-transcriber/internal/transcript"
)

// ErrNotIdle is returned by Summarize while capture is running or segments
// are still waiting for delivery.
var ErrNotIdle = errors.New("recording or delivery still in progress")

// Gateway is the transcription gateway as seen by the recorder.
type Gateway interface {
	delivery.Transcriber
	Authenticate(ctx context.Context, credential string) error
	Summarize(ctx context.Context, credential, transcript, prompt string) (string, error)
}

// Config configures a Recorder.
type Config struct {
	Capture capture.Config
	Queue   delivery.Options
}

// Status is what a front end shows.
type Status struct {
	SessionID     string
	Capturing     bool
	Authenticated bool
	Queue         delivery.Status
	Fragments     int
}

func (s Status) String() string {
	rec := "stopped"
	if s.Capturing {
		rec = "recording"
	}
	return fmt.Sprintf("%s; %s; %d fragments", rec, s.Queue, s.Fragments)
}

// Recorder is the client pipeline: Encoder -> Queue -> Gateway -> transcript.
type Recorder struct {
	gw         Gateway
	auth       *delivery.AuthState
	queue      *delivery.Queue
	transcript *transcript.Accumulator
	encoder    *capture.Encoder
	segments   chan capture.Segment
	log        *slog.Logger

	mu      sync.Mutex
	current session.Session
}

// New builds a Recorder capturing from device.
func New(device capture.Device, gw Gateway, cfg Config, log *slog.Logger) *Recorder {
	r := &Recorder{
		gw:         gw,
		auth:       &delivery.AuthState{},
		transcript: transcript.NewAccumulator(),
		segments:   make(chan capture.Segment, 16),
		log:        log,
	}

	opts := cfg.Queue
	userOnAuth := opts.OnAuthRequired
	opts.OnAuthRequired = func() {
		// The queue worker must not wait for the encoder's flush.
		go r.stopCapture("authentication required")
		if userOnAuth != nil {
			userOnAuth()
		}
	}
	r.queue = delivery.NewQueue(gw, r.transcript, r.auth, opts, log)
	r.encoder = capture.NewEncoder(device, cfg.Capture, log)
	return r
}

// Run drives delivery until ctx ends.
func (r *Recorder) Run(ctx context.Context) error {
	go r.queue.Consume(ctx, r.segments)
	return r.queue.Run(ctx)
}

// Authenticate checks credential with the gateway and, on success, resumes
// any delivery halted on authentication.
func (r *Recorder) Authenticate(ctx context.Context, credential string) error {
	if err := r.gw.Authenticate(ctx, credential); err != nil {
		if apperr.Is(err, apperr.KindAuth) {
			r.auth.Clear()
		}
		return err
	}
	r.queue.SetCredential(credential)
	r.log.Info("authenticated")
	return nil
}

// Start begins a new session: the queue and transcript are cleared and
// capture starts with segment index 0.
func (r *Recorder) Start(ctx context.Context) (session.Session, error) {
	if !r.auth.Authenticated() {
		return session.Session{}, apperr.NewAuth("authenticate before recording")
	}
	if r.encoder.Running() {
		return session.Session{}, capture.ErrCaptureActive
	}

	s := r.beginSession()
	if err := r.encoder.Start(ctx, s.ID, r.segments); err != nil {
		r.endSession()
		r.log.Error("capture failed to start", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		return session.Session{}, err
	}
	go r.watchCapture(s.ID)
	return s, nil
}

// Stop ends capture. The final partial segment is still delivered.
func (r *Recorder) Stop() {
	r.stopCapture("stopped by user")
}

// Clip is pre-recorded audio submitted through Replay.
type Clip struct {
	Payload  []byte
	Encoding string
}

// Replay runs pre-recorded clips through the queue as a new session,
// indexed in the given order.
func (r *Recorder) Replay(clips []Clip) (session.Session, error) {
	if r.encoder.Running() {
		return session.Session{}, capture.ErrCaptureActive
	}
	s := r.beginSession()
	for i, c := range clips {
		r.queue.Enqueue(capture.Segment{
			SessionID:    s.ID,
			Index:        i,
			Payload:      c.Payload,
			EncodingHint: c.Encoding,
			CapturedAt:   time.Now(),
		})
	}
	r.endSession()
	return s, nil
}

// WaitIdle blocks until every segment emitted so far is delivered or failed.
// It returns delivery.ErrAuthRequired if delivery halts on authentication.
// Run must be active.
func (r *Recorder) WaitIdle(ctx context.Context) error {
	if err := r.queue.Flush(ctx); err != nil {
		return err
	}
	return r.queue.WaitIdle(ctx)
}

// Summarize asks the gateway for a summary of the finished transcript.
func (r *Recorder) Summarize(ctx context.Context, prompt string) (string, error) {
	if r.encoder.Running() || !r.queue.Idle() {
		return "", ErrNotIdle
	}
	credential, ok := r.auth.Credential()
	if !ok {
		return "", apperr.NewAuth("authenticate before summarizing")
	}
	text := r.transcript.Text()
	if text == "" {
		return "", apperr.NewBadRequest("transcript is empty")
	}

	summary, err := r.gw.Summarize(ctx, credential, text, prompt)
	if apperr.Is(err, apperr.KindAuth) {
		r.auth.Clear()
	}
	return summary, err
}

// Transcript returns the transcript text so far.
func (r *Recorder) Transcript() string { return r.transcript.Text() }

// Fragments returns the transcript fragments so far.
func (r *Recorder) Fragments() []transcript.Fragment { return r.transcript.Fragments() }

// Session returns the current (or last) session.
func (r *Recorder) Session() session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Status returns a snapshot for display.
func (r *Recorder) Status() Status {
	return Status{
		SessionID:     r.Session().ID,
		Capturing:     r.encoder.Running(),
		Authenticated: r.auth.Authenticated(),
		Queue:         r.queue.Status(),
		Fragments:     r.transcript.Len(),
	}
}

func (r *Recorder) beginSession() session.Session {
	s := session.New()
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()

	r.transcript.Reset()
	r.queue.Reset(s.ID)
	r.log.Info("session started", slog.String("session_id", s.ID))
	return s
}

func (r *Recorder) endSession() {
	r.mu.Lock()
	r.current.Active = false
	r.mu.Unlock()
}

func (r *Recorder) stopCapture(reason string) {
	if !r.encoder.Running() {
		return
	}
	r.encoder.Stop()
	r.endSession()
	r.log.Info("capture stopped", slog.String("session_id", r.Session().ID), slog.String("reason", reason))
}

// watchCapture marks the session inactive when the device ends on its own.
func (r *Recorder) watchCapture(id string) {
	<-r.encoder.Done()
	r.mu.Lock()
	if r.current.ID == id {
		r.current.Active = false
	}
	r.mu.Unlock()
}

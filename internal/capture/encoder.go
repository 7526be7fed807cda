package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"web-transcriber/internal/apperr"
)

// DefaultWindow is the length of one segment.
const DefaultWindow = 60 * time.Second

// ErrCaptureActive is returned by Start while a capture is running.
var ErrCaptureActive = errors.New("capture already active")

// Config configures an Encoder.
type Config struct {
	// Window is the segment length. Default 60s.
	Window time.Duration
	// Format is the PCM layout produced by the device.
	Format Format
	// DrainTimeout bounds how long Stop waits for the device to hand over
	// its remaining audio before closing it. Default 5s.
	DrainTimeout time.Duration
}

// Encoder slices a device's continuous PCM stream into WAV segments, one per
// window, with no gap between windows. It never touches the network; every
// segment goes to the channel given to Start.
type Encoder struct {
	device Device
	cfg    Config
	log    *slog.Logger

	// newTicker is replaced in tests to drive windows by hand.
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu     sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

// NewEncoder returns an Encoder reading from device.
func NewEncoder(device Device, cfg Config, log *slog.Logger) *Encoder {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Format.SampleRate == 0 {
		cfg.Format = DefaultFormat
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Encoder{
		device: device,
		cfg:    cfg,
		log:    log,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start acquires the device and begins emitting segments for sessionID,
// indexed from 0. It fails with a DEVICE_ERROR when the input cannot be
// acquired.
func (e *Encoder) Start(ctx context.Context, sessionID string, out chan<- Segment) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		select {
		case <-e.done:
		default:
			return ErrCaptureActive
		}
	}

	stream, err := e.device.Open(ctx)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return err
		}
		return apperr.NewDevice("open audio input", err)
	}

	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.run(ctx, sessionID, stream, out, e.stopCh, e.done)

	e.log.Info("capture started",
		slog.String("session_id", sessionID),
		slog.Duration("window", e.cfg.Window))
	return nil
}

// Stop ends the capture: no new window begins, the audio captured so far is
// flushed once as the final segment, and the device is released. Stop blocks
// until the flush is done and is a no-op when nothing is running.
func (e *Encoder) Stop() {
	e.mu.Lock()
	stopCh, done := e.stopCh, e.done
	e.stopCh = nil
	e.mu.Unlock()

	if done == nil {
		return
	}
	if stopCh != nil {
		close(stopCh)
	}
	<-done
}

// Running reports whether a capture is in progress.
func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Done returns a channel closed when the current capture ends, whether by
// Stop or because the device stopped producing audio.
func (e *Encoder) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.done
}

func (e *Encoder) run(ctx context.Context, sessionID string, stream Stream, out chan<- Segment, stopCh, done chan struct{}) {
	defer close(done)

	data := make(chan []byte)
	go e.pump(stream, data)

	tick, stopTick := e.newTicker(e.cfg.Window)
	defer stopTick()

	w := &window{sessionID: sessionID, format: e.cfg.Format}
	emit := func(final bool) {
		seg, ok := w.cut(final)
		if !ok {
			return
		}
		e.log.Debug("segment ready",
			slog.String("session_id", seg.SessionID),
			slog.Int("index", seg.Index),
			slog.Int("bytes", len(seg.Payload)))
		select {
		case out <- seg:
		case <-ctx.Done():
			e.log.Warn("segment dropped on shutdown", slog.Int("index", seg.Index))
		}
	}

	for {
		select {
		case chunk, ok := <-data:
			if !ok {
				emit(true)
				stream.Close()
				e.log.Warn("capture device stopped producing audio", slog.String("session_id", sessionID))
				return
			}
			w.add(chunk)
		case <-tick:
			emit(false)
		case <-stopCh:
			e.drain(stream, data, w)
			emit(true)
			stream.Close()
			e.log.Info("capture stopped", slog.String("session_id", sessionID), slog.Int("segments", w.next))
			return
		case <-ctx.Done():
			stream.Close()
			for range data {
			}
			return
		}
	}
}

// pump copies the stream into data until it ends. data is closed on exit.
func (e *Encoder) pump(stream Stream, data chan<- []byte) {
	defer close(data)
	buf := make([]byte, 32<<10)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			data <- chunk
		}
		if err != nil {
			if err != io.EOF {
				e.log.Debug("capture read ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// drain stops the device and collects what it still has, closing it if it
// does not finish within the drain timeout.
func (e *Encoder) drain(stream Stream, data <-chan []byte, w *window) {
	_ = stream.Stop()
	timer := time.NewTimer(e.cfg.DrainTimeout)
	defer timer.Stop()

	deadline := timer.C
	for {
		select {
		case chunk, ok := <-data:
			if !ok {
				return
			}
			w.add(chunk)
		case <-deadline:
			e.log.Warn("capture device did not drain in time, closing")
			stream.Close()
			deadline = nil
		}
	}
}

// window accumulates PCM for the segment being captured.
type window struct {
	sessionID string
	format    Format
	pcm       []byte
	started   time.Time
	next      int
}

func (w *window) add(chunk []byte) {
	if len(w.pcm) == 0 {
		w.started = time.Now()
	}
	w.pcm = append(w.pcm, chunk...)
}

// cut returns the accumulated audio as the next segment, ending on a sample
// frame boundary. A trailing partial frame stays buffered for the next
// window, or is dropped when final is set. Empty windows produce nothing.
func (w *window) cut(final bool) (Segment, bool) {
	n := len(w.pcm) - len(w.pcm)%w.format.blockAlign()
	if n == 0 {
		if final {
			w.pcm = nil
		}
		return Segment{}, false
	}
	seg := Segment{
		SessionID:    w.sessionID,
		Index:        w.next,
		Payload:      EncodeWAV(w.pcm[:n], w.format),
		EncodingHint: EncodingWAV,
		CapturedAt:   w.started,
		Duration:     w.format.Duration(n),
	}
	w.next++
	if final || n == len(w.pcm) {
		w.pcm = nil
	} else {
		w.pcm = append([]byte(nil), w.pcm[n:]...)
		w.started = time.Now()
	}
	return seg, true
}

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"web-transcriber/internal/apperr"
)

// Stream is a live PCM source. Stop ends capture; audio already captured
// stays readable until Read returns io.EOF. Close releases the source and
// unblocks any pending Read.
type Stream interface {
	io.ReadCloser
	Stop() error
}

// Device acquires an audio input.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}

// ExecDevice captures audio by running an external command that writes raw
// PCM to stdout, typically ffmpeg reading from the system's audio input.
type ExecDevice struct {
	Path string
	Args []string

	// StartupGrace is how long Open waits to see whether the command fails
	// right away (no such device, permission denied). Default 300ms.
	StartupGrace time.Duration
}

// FFmpegCaptureArgs returns ffmpeg arguments that read from input using the
// given input format (e.g. "pulse", "alsa", "avfoundation") and write mono
// 16-bit PCM at sampleRate to stdout.
func FFmpegCaptureArgs(inputFormat, input string, sampleRate int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", inputFormat, "-i", input,
		"-ac", "1", "-ar", fmt.Sprint(sampleRate),
		"-f", "s16le", "-",
	}
}

// Open starts the capture command.
func (d *ExecDevice) Open(ctx context.Context) (Stream, error) {
	grace := d.StartupGrace
	if grace <= 0 {
		grace = 300 * time.Millisecond
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, apperr.NewDevice("create capture pipe", err)
	}

	cmd := exec.CommandContext(ctx, d.Path, d.Args...)
	cmd.Stdout = pw
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			return nil, apperr.NewDevice(fmt.Sprintf("capture command %q not found", d.Path), err)
		}
		return nil, apperr.NewDevice("start capture command", err)
	}
	// The child owns the write end now; EOF on pr means the command exited.
	pw.Close()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		if err != nil {
			pr.Close()
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = "capture command exited"
			}
			return nil, apperr.NewDevice(msg, err)
		}
		// Finished cleanly (e.g. a short file source); remaining output is still readable.
		s := &execStream{r: pr, cmd: cmd, exited: make(chan struct{})}
		close(s.exited)
		return s, nil
	case <-time.After(grace):
	}

	s := &execStream{r: pr, cmd: cmd, exited: make(chan struct{})}
	go func() {
		<-exited
		close(s.exited)
	}()
	return s, nil
}

type execStream struct {
	r      *os.File
	cmd    *exec.Cmd
	exited chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
}

func (s *execStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// Stop interrupts the command so it can flush its output, killing it if it
// has not exited within three seconds.
func (s *execStream) Stop() error {
	s.stopOnce.Do(func() {
		select {
		case <-s.exited:
			return
		default:
		}
		_ = s.cmd.Process.Signal(os.Interrupt)
		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			_ = s.cmd.Process.Kill()
			<-s.exited
		}
	})
	return nil
}

func (s *execStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		err = s.r.Close()
	})
	return err
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

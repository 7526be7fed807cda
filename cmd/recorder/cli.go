package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"web-transcriber/internal/capture"
	"web-transcriber/internal/delivery"
	"web-transcriber/internal/gatewayclient"
	"web-transcriber/internal/platform/logger"
	"web-transcriber/internal/recorder"
	"web-transcriber/internal/report"
)

// newCLIApp creates the recorder CLI. Results go to stdout, logs to stderr.
func newCLIApp(stdout, stderr io.Writer) *cli.App {
	app := &cli.App{
		Name:      "recorder",
		Usage:     "Record audio in segments and transcribe it through the gateway",
		Version:   Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "gateway", Aliases: []string{"g"}, Value: "http://localhost:3000", EnvVars: []string{"GATEWAY_URL"}, Usage: "Gateway base URL"},
			&cli.StringFlag{Name: "password", EnvVars: []string{"APP_PASSWORD"}, Usage: "Shared gateway password"},
			&cli.DurationFlag{Name: "attempt-timeout", Value: 2 * time.Minute, EnvVars: []string{"ATTEMPT_TIMEOUT"}, Usage: "Bound on a single segment delivery attempt"},
			&cli.IntFlag{Name: "max-retries", Value: 5, EnvVars: []string{"MAX_ATTEMPTS"}, Usage: "Retries per segment after transient failures"},
			&cli.StringFlag{Name: "log-level", Value: "info", EnvVars: []string{"LOG_LEVEL"}, Usage: "debug|info|warn|error"},
			&cli.StringFlag{Name: "log-format", Value: "text", EnvVars: []string{"LOG_FORMAT"}, Usage: "text|json"},
		},
		Commands: []*cli.Command{
			recordCmd(),
			transcribeCmd(),
			summarizeCmd(),
		},
	}
	// Return errors to main instead of exiting, so tests can inspect them.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// outputFlags are shared by the commands that produce a transcript.
func outputFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "Write the report to this file (.md or .html) instead of stdout"},
		&cli.BoolFlag{Name: "summarize", Aliases: []string{"s"}, Usage: "Also request a summary once the transcript is complete"},
		&cli.StringFlag{Name: "prompt", Usage: "Summary instruction (default: SOAP note)"},
	}
}

func recordCmd() *cli.Command {
	return &cli.Command{
		Name:  "record",
		Usage: "Capture audio until interrupted, transcribing each segment as it completes",
		Flags: append([]cli.Flag{
			&cli.IntFlag{Name: "segment-seconds", Value: int(capture.DefaultWindow / time.Second), EnvVars: []string{"SEGMENT_SECONDS"}, Usage: "Segment length in seconds"},
			&cli.StringFlag{Name: "capture-command", Value: "ffmpeg", EnvVars: []string{"CAPTURE_COMMAND"}, Usage: "ffmpeg binary used to read the audio input"},
			&cli.StringFlag{Name: "capture-format", Value: "pulse", EnvVars: []string{"CAPTURE_FORMAT"}, Usage: "ffmpeg input format (pulse, alsa, avfoundation, dshow)"},
			&cli.StringFlag{Name: "capture-input", Value: "default", EnvVars: []string{"CAPTURE_INPUT"}, Usage: "ffmpeg input device"},
			&cli.StringFlag{Name: "tail", Usage: "Follow a raw 16 kHz mono s16le PCM file instead of running ffmpeg"},
			&cli.BoolFlag{Name: "from-start", Usage: "With --tail, include audio already in the file"},
		}, outputFlags()...),
		Action: func(c *cli.Context) error {
			var device capture.Device
			if path := c.String("tail"); path != "" {
				device = &capture.TailDevice{Path: path, FromStart: c.Bool("from-start")}
			} else {
				device = &capture.ExecDevice{
					Path: c.String("capture-command"),
					Args: capture.FFmpegCaptureArgs(c.String("capture-format"), c.String("capture-input"), capture.DefaultFormat.SampleRate),
				}
			}

			sess, err := openSession(c, device, capture.Config{Window: time.Duration(c.Int("segment-seconds")) * time.Second})
			if err != nil {
				return err
			}
			defer sess.close()

			sigCtx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Capture outlives the signal so Stop can flush the last segment.
			s, err := sess.rec.Start(c.Context)
			if err != nil {
				return err
			}
			sess.log.Info("recording; press Ctrl+C to stop", slog.String("session_id", s.ID))
			waitCapture(sigCtx, sess.rec)
			sess.rec.Stop()
			stop()

			return sess.finish(c)
		},
	}
}

func transcribeCmd() *cli.Command {
	return &cli.Command{
		Name:      "transcribe",
		Usage:     "Transcribe audio files as consecutive segments of one session",
		ArgsUsage: "FILE...",
		Flags:     outputFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return errors.New("at least one audio file is required")
			}
			clips := make([]recorder.Clip, 0, c.NArg())
			for _, path := range c.Args().Slice() {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				clips = append(clips, recorder.Clip{Payload: data, Encoding: encodingFor(path)})
			}

			sess, err := openSession(c, nil, capture.Config{})
			if err != nil {
				return err
			}
			defer sess.close()

			if _, err := sess.rec.Replay(clips); err != nil {
				return err
			}
			return sess.finish(c)
		},
	}
}

func summarizeCmd() *cli.Command {
	return &cli.Command{
		Name:      "summarize",
		Usage:     "Summarize an existing transcript (reads stdin when FILE is - or omitted)",
		ArgsUsage: "[FILE]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "prompt", Usage: "Summary instruction (default: SOAP note)"},
		},
		Action: func(c *cli.Context) error {
			text, err := readTranscript(c.Args().First(), c.App.Reader)
			if err != nil {
				return err
			}
			if strings.TrimSpace(text) == "" {
				return errors.New("transcript is empty")
			}

			ctx, cancel := context.WithTimeout(c.Context, gatewayclient.DefaultTimeout)
			defer cancel()
			client := gatewayclient.New(c.String("gateway"), nil)
			summary, err := client.Summarize(ctx, c.String("password"), text, c.String("prompt"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, summary)
			return nil
		},
	}
}

// session is a running recorder plus what is needed to shut it down.
type session struct {
	rec    *recorder.Recorder
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// openSession builds a recorder against the gateway, starts delivery and
// authenticates with the configured password.
func openSession(c *cli.Context, device capture.Device, capCfg capture.Config) (*session, error) {
	log := logger.New(c.String("log-level"), c.String("log-format"), c.App.ErrWriter)
	client := gatewayclient.New(c.String("gateway"), nil)

	rec := recorder.New(device, client, recorder.Config{
		Capture: capCfg,
		Queue: delivery.Options{
			MaxRetries:     c.Int("max-retries"),
			AttemptTimeout: c.Duration("attempt-timeout"),
			OnStatus: func(st delivery.Status) {
				switch st.State {
				case delivery.StateStalled, delivery.StateAuthRequired:
					log.Warn("delivery " + st.String())
				}
			},
		},
	}, log)

	ctx, cancel := context.WithCancel(c.Context)
	s := &session{rec: rec, log: log, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = rec.Run(ctx)
	}()

	authCtx, authCancel := context.WithTimeout(ctx, gatewayclient.DefaultTimeout)
	defer authCancel()
	if err := rec.Authenticate(authCtx, c.String("password")); err != nil {
		s.close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return s, nil
}

func (s *session) close() {
	s.cancel()
	<-s.done
}

// finish waits for delivery, optionally summarizes, and writes the report.
// A second interrupt abandons whatever is still queued.
func (s *session) finish(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if st := s.rec.Status(); st.Queue.Pending > 0 {
		s.log.Info("waiting for queued segments", slog.Int("pending", st.Queue.Pending))
	}
	waitErr := s.rec.WaitIdle(ctx)
	if errors.Is(waitErr, delivery.ErrAuthRequired) {
		waitErr = s.reauthenticate(ctx, c)
	}
	switch {
	case errors.Is(waitErr, delivery.ErrAuthRequired):
		s.log.Error("gateway rejected the password; remaining segments were not delivered",
			slog.Int("pending", s.rec.Status().Queue.Pending))
	case waitErr != nil:
		s.log.Warn("stopped waiting for delivery", slog.String("error", waitErr.Error()))
	}

	rep := report.Report{
		SessionID:  s.rec.Session().ID,
		RecordedAt: s.rec.Session().CreatedAt,
		Fragments:  s.rec.Fragments(),
	}
	if c.Bool("summarize") && waitErr == nil && s.rec.Transcript() != "" {
		sctx, cancel := context.WithTimeout(ctx, gatewayclient.DefaultTimeout)
		summary, err := s.rec.Summarize(sctx, c.String("prompt"))
		cancel()
		if err != nil {
			s.log.Error("summary failed", slog.String("error", err.Error()))
		}
		rep.Summary = summary
	}

	if path := c.String("output"); path != "" {
		if err := report.WriteFile(path, rep); err != nil {
			return err
		}
		s.log.Info("report written", slog.String("path", path))
	} else {
		fmt.Fprint(c.App.Writer, report.Markdown(rep))
	}
	return waitErr
}

// reauthenticate asks once for the password on stdin and, if the gateway
// accepts it, resumes delivery from the segment that was rejected.
func (s *session) reauthenticate(ctx context.Context, c *cli.Context) error {
	fmt.Fprint(c.App.ErrWriter, "gateway rejected the password; enter it again to deliver the remaining segments (empty to give up): ")
	line, _ := bufio.NewReader(c.App.Reader).ReadString('\n')
	credential := strings.TrimSpace(line)
	if credential == "" {
		return delivery.ErrAuthRequired
	}

	actx, cancel := context.WithTimeout(ctx, gatewayclient.DefaultTimeout)
	defer cancel()
	if err := s.rec.Authenticate(actx, credential); err != nil {
		s.log.Error("re-authentication failed", slog.String("error", err.Error()))
		return delivery.ErrAuthRequired
	}
	s.log.Info("re-authenticated, resuming delivery", slog.Int("pending", s.rec.Status().Queue.Pending))
	return s.rec.WaitIdle(ctx)
}

// waitCapture returns when ctx ends or the device stops on its own.
func waitCapture(ctx context.Context, rec *recorder.Recorder) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !rec.Status().Capturing {
				return
			}
		}
	}
}

func encodingFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	}
	return "application/octet-stream"
}

func readTranscript(path string, stdin io.Reader) (string, error) {
	if path == "" || path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read transcript: %w", err)
	}
	return string(data), nil
}

package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"web-transcriber/internal/apperr"
	"web-transcriber/internal/platform/logger"
)

type pipeDevice struct {
	r   *io.PipeReader
	w   *io.PipeWriter
	err error
}

func newPipeDevice() *pipeDevice {
	r, w := io.Pipe()
	return &pipeDevice{r: r, w: w}
}

func (d *pipeDevice) Open(ctx context.Context) (Stream, error) {
	if d.err != nil {
		return nil, d.err
	}
	return &pipeStream{r: d.r, w: d.w}, nil
}

type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s *pipeStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *pipeStream) Stop() error                { return s.w.Close() }
func (s *pipeStream) Close() error               { return s.r.Close() }

func newTestEncoder(dev Device) (*Encoder, chan time.Time) {
	enc := NewEncoder(dev, Config{Window: time.Hour}, logger.Discard())
	ticks := make(chan time.Time)
	enc.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }
	return enc, ticks
}

// tickUntil fires windows until a segment shows up on out.
func tickUntil(t *testing.T, ticks chan time.Time, out chan Segment) Segment {
	t.Helper()
	var seg Segment
	require.Eventually(t, func() bool {
		select {
		case seg = <-out:
			return true
		default:
		}
		select {
		case ticks <- time.Now():
		case <-time.After(10 * time.Millisecond):
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return seg
}

func TestEncodeWAV_header(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := EncodeWAV(pcm, DefaultFormat)

	require.Len(t, out, 44+len(pcm))
	assert.Equal(t, "RIFF", string(out[0:4]))
	assert.Equal(t, "WAVE", string(out[8:12]))
	assert.Equal(t, "data", string(out[36:40]))
	assert.Equal(t, uint32(36+len(pcm)), binary.LittleEndian.Uint32(out[4:8]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(out[22:24]), "channels")
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(out[24:28]), "sample rate")
	assert.Equal(t, uint32(32000), binary.LittleEndian.Uint32(out[28:32]), "byte rate")
	assert.Equal(t, uint32(len(pcm)), binary.LittleEndian.Uint32(out[40:44]))
	assert.Equal(t, pcm, out[44:])
}

func TestFormat_Duration(t *testing.T) {
	assert.Equal(t, time.Second, DefaultFormat.Duration(32000))
	assert.Equal(t, 100*time.Millisecond, DefaultFormat.Duration(3200))
	assert.Equal(t, time.Duration(0), Format{}.Duration(100))
}

func TestEncoder_Start_device_error(t *testing.T) {
	dev := &pipeDevice{err: errors.New("permission denied")}
	enc, _ := newTestEncoder(dev)

	err := enc.Start(context.Background(), "s1", make(chan Segment, 1))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDevice))
	assert.False(t, enc.Running())
}

func TestEncoder_windows_and_tail(t *testing.T) {
	dev := newPipeDevice()
	enc, ticks := newTestEncoder(dev)
	out := make(chan Segment, 10)

	require.NoError(t, enc.Start(context.Background(), "s1", out))
	require.True(t, enc.Running())

	_, err := dev.w.Write(bytes.Repeat([]byte{1}, 3200))
	require.NoError(t, err)
	seg0 := tickUntil(t, ticks, out)

	assert.Equal(t, "s1", seg0.SessionID)
	assert.Equal(t, 0, seg0.Index)
	assert.Equal(t, EncodingWAV, seg0.EncodingHint)
	assert.Len(t, seg0.Payload, 44+3200)
	assert.Equal(t, 100*time.Millisecond, seg0.Duration)

	_, err = dev.w.Write(bytes.Repeat([]byte{2}, 1600))
	require.NoError(t, err)
	enc.Stop()

	require.Len(t, out, 1, "stop should flush the tail exactly once")
	tail := <-out
	assert.Equal(t, 1, tail.Index)
	assert.Len(t, tail.Payload, 44+1600)
	assert.False(t, enc.Running())

	enc.Stop() // no-op when idle
}

func TestEncoder_cuts_on_sample_boundaries(t *testing.T) {
	dev := newPipeDevice()
	enc, ticks := newTestEncoder(dev)
	out := make(chan Segment, 10)
	require.NoError(t, enc.Start(context.Background(), "s1", out))

	// 0x0001 followed by the low byte of 0x1234; the window closes mid-sample.
	_, err := dev.w.Write([]byte{0x01, 0x00, 0x34})
	require.NoError(t, err)
	seg0 := tickUntil(t, ticks, out)

	_, err = dev.w.Write([]byte{0x12, 0x78, 0x56, 0x9a})
	require.NoError(t, err)
	enc.Stop()

	require.Len(t, out, 1)
	seg1 := <-out
	assert.Equal(t, []byte{0x01, 0x00}, seg0.Payload[44:])
	assert.Equal(t, []byte{0x34, 0x12, 0x78, 0x56}, seg1.Payload[44:], "split sample carried over, trailing partial sample dropped")
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(seg1.Payload[40:44]))
}

func TestWindow_cut(t *testing.T) {
	w := &window{sessionID: "s1", format: DefaultFormat}

	w.add([]byte{0xff})
	_, ok := w.cut(false)
	assert.False(t, ok, "a lone byte is not a sample")

	w.add([]byte{0xee, 0x01})
	seg, ok := w.cut(false)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0xee}, seg.Payload[44:])
	assert.Equal(t, 0, seg.Index)

	_, ok = w.cut(true)
	assert.False(t, ok)
	assert.Empty(t, w.pcm, "final cut discards the partial sample")

	w.add([]byte{1, 2, 3, 4})
	seg, ok = w.cut(true)
	require.True(t, ok)
	assert.Equal(t, 1, seg.Index)
	assert.Equal(t, 125*time.Microsecond, seg.Duration)
}

func TestEncoder_Start_while_running(t *testing.T) {
	dev := newPipeDevice()
	enc, _ := newTestEncoder(dev)
	out := make(chan Segment, 1)

	require.NoError(t, enc.Start(context.Background(), "s1", out))
	defer enc.Stop()

	err := enc.Start(context.Background(), "s2", out)
	assert.ErrorIs(t, err, ErrCaptureActive)
}

func TestEncoder_device_eof_flushes_tail(t *testing.T) {
	dev := newPipeDevice()
	enc, _ := newTestEncoder(dev)
	out := make(chan Segment, 10)

	require.NoError(t, enc.Start(context.Background(), "s1", out))
	_, err := dev.w.Write([]byte("abcd"))
	require.NoError(t, err)
	dev.w.Close()

	select {
	case <-enc.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("encoder did not finish after device EOF")
	}
	require.Len(t, out, 1)
	seg := <-out
	assert.Equal(t, 0, seg.Index)
	assert.Equal(t, []byte("abcd"), seg.Payload[44:])
	assert.False(t, enc.Running())
}

func TestEncoder_restart_resets_index(t *testing.T) {
	out := make(chan Segment, 10)

	dev1 := newPipeDevice()
	enc, _ := newTestEncoder(dev1)
	require.NoError(t, enc.Start(context.Background(), "s1", out))
	dev1.w.Write([]byte("xx"))
	enc.Stop()

	dev2 := newPipeDevice()
	enc.device = dev2
	require.NoError(t, enc.Start(context.Background(), "s2", out))
	dev2.w.Write([]byte("yy"))
	enc.Stop()

	require.Len(t, out, 2)
	first, second := <-out, <-out
	assert.Equal(t, "s1", first.SessionID)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, "s2", second.SessionID)
	assert.Equal(t, 0, second.Index)
}

func TestTailDevice_follows_appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcm")
	require.NoError(t, os.WriteFile(path, []byte("before"), 0o600))

	dev := &TailDevice{Path: path, PollInterval: 20 * time.Millisecond}
	s, err := dev.Open(context.Background())
	require.NoError(t, err)
	defer s.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("new audio"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	buf := make([]byte, len("new audio"))
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "new audio", string(buf))

	require.NoError(t, s.Stop())
	n, err := s.Read(buf)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestTailDevice_FromStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcm")
	require.NoError(t, os.WriteFile(path, []byte("existing"), 0o600))

	dev := &TailDevice{Path: path, FromStart: true}
	s, err := dev.Open(context.Background())
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Stop())

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "existing", string(got))
}

func TestTailDevice_missing_file(t *testing.T) {
	dev := &TailDevice{Path: filepath.Join(t.TempDir(), "nope.pcm")}
	_, err := dev.Open(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindDevice))
}

func TestExecDevice_reads_stdout(t *testing.T) {
	dev := &ExecDevice{Path: "/bin/sh", Args: []string{"-c", "printf abc"}}
	s, err := dev.Open(context.Background())
	require.NoError(t, err)
	defer s.Close()

	got, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestExecDevice_stop_interrupts(t *testing.T) {
	dev := &ExecDevice{Path: "/bin/sh", Args: []string{"-c", "printf abc; exec sleep 10"}, StartupGrace: 50 * time.Millisecond}
	s, err := dev.Open(context.Background())
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 3)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestExecDevice_immediate_failure(t *testing.T) {
	dev := &ExecDevice{Path: "/bin/sh", Args: []string{"-c", "echo 'no such audio device' >&2; exit 3"}, StartupGrace: time.Second}
	_, err := dev.Open(context.Background())

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDevice))
	assert.Contains(t, err.Error(), "no such audio device")
}

func TestExecDevice_command_not_found(t *testing.T) {
	dev := &ExecDevice{Path: "definitely-not-a-capture-tool"}
	_, err := dev.Open(context.Background())

	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindDevice))
}

func TestFFmpegCaptureArgs(t *testing.T) {
	args := FFmpegCaptureArgs("pulse", "default", 16000)
	assert.Contains(t, args, "pulse")
	assert.Contains(t, args, "16000")
	assert.Equal(t, "-", args[len(args)-1])
}

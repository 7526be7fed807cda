// Package media converts uploaded audio into the canonical mono 16 kHz WAV the
// transcription provider always accepts.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrTranscoderUnavailable means the ffmpeg binary could not be found.
var ErrTranscoderUnavailable = errors.New("transcoder unavailable")

// FFmpeg transcodes with an ffmpeg binary.
type FFmpeg struct {
	// Path is the binary name or absolute path. Empty means "ffmpeg".
	Path string
}

func (f FFmpeg) binary() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

// Available reports whether the binary resolves.
func (f FFmpeg) Available() bool {
	_, err := exec.LookPath(f.binary())
	return err == nil
}

// ToWAV writes a mono 16 kHz WAV copy of in next to it and returns its path.
func (f FFmpeg) ToWAV(ctx context.Context, in string) (string, error) {
	bin, err := exec.LookPath(f.binary())
	if err != nil {
		return "", fmt.Errorf("%w: %q not found; install ffmpeg or set FFMPEG_PATH", ErrTranscoderUnavailable, f.binary())
	}

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	out := filepath.Join(filepath.Dir(in), base+"_16k.wav")

	// ffmpeg -y -i input -ac 1 -ar 16000 -f wav output
	cmd := exec.CommandContext(ctx, bin,
		"-y", "-i", in,
		"-ac", "1", "-ar", "16000",
		"-f", "wav",
		out,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg: %w: %s", err, lastLine(stderr.String()))
	}
	return out, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

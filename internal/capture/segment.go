// Package capture turns a live PCM audio stream into fixed-window segments.
package capture

import (
	"encoding/binary"
	"time"
)

// EncodingWAV is the encoding hint attached to segments produced by Encoder.
const EncodingWAV = "audio/wav"

// Segment is one immutable window of captured audio.
type Segment struct {
	SessionID    string
	Index        int
	Payload      []byte
	EncodingHint string
	CapturedAt   time.Time
	Duration     time.Duration
}

// Format describes interleaved little-endian signed PCM.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is mono 16 kHz 16-bit PCM, what speech providers expect.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

func (f Format) bytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// blockAlign is the size of one sample frame across all channels.
func (f Format) blockAlign() int {
	if n := f.Channels * f.BitsPerSample / 8; n > 0 {
		return n
	}
	return 1
}

// Duration returns the playback length of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.bytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

const wavHeaderSize = 44

// EncodeWAV wraps raw PCM in a canonical 44-byte RIFF/WAVE header.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	blockAlign := f.blockAlign()

	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16) // PCM fmt chunk size
	binary.LittleEndian.PutUint16(out[20:22], 1)  // PCM
	binary.LittleEndian.PutUint16(out[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(f.bytesPerSecond()))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(f.BitsPerSample))
	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)

	return out
}

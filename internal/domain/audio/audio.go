// Package audio provides the PCM types shared by capture, detection and playback.
package audio

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/cockroachdb/errors"
)

// Errors
var (
	ErrPermissionDenied  = errors.New("microphone access denied")
	ErrDeviceUnavailable = errors.New("audio device unavailable")
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Valid reports whether the format can carry audio.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// Duration returns the play time of n interleaved samples.
func (f Format) Duration(n int) time.Duration {
	if !f.Valid() || n <= 0 {
		return 0
	}
	frames := n / f.Channels
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

// Samples returns the number of interleaved samples covering d.
func (f Format) Samples(d time.Duration) int {
	if !f.Valid() || d <= 0 {
		return 0
	}
	frames := int(d * time.Duration(f.SampleRate) / time.Second)
	return frames * f.Channels
}

// Segment is one decoded unit of agent speech.
type Segment struct {
	Seq      uint64
	Format   Format
	Samples  []int16
	Duration time.Duration
}

// Chunk is a slice of captured microphone audio ready to send.
type Chunk struct {
	Seq   uint64
	Data  []byte // PCM s16le
	Final bool
}

// Source hands out microphone streams. onSamples is invoked from the device
// thread with a slice only valid for the duration of the call.
type Source interface {
	Format() Format
	Open(ctx context.Context, onSamples func(samples []int16)) (Stream, error)
}

// Stream is an acquired microphone line.
type Stream interface {
	Close() error
}

// RMS returns the root mean square of samples normalized to [-1, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// EncodePCM converts samples to little-endian bytes.
func EncodePCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM converts little-endian bytes to samples. A trailing odd byte is ignored.
func DecodePCM(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// Resample converts interleaved samples between formats using nearest-frame
// selection and channel down/up mixing.
func Resample(samples []int16, from, to Format) []int16 {
	if from == to || !from.Valid() || !to.Valid() {
		return samples
	}

	inFrames := len(samples) / from.Channels
	outFrames := int(int64(inFrames) * int64(to.SampleRate) / int64(from.SampleRate))
	out := make([]int16, outFrames*to.Channels)

	for i := 0; i < outFrames; i++ {
		src := int(int64(i) * int64(from.SampleRate) / int64(to.SampleRate))
		if src >= inFrames {
			src = inFrames - 1
		}
		frame := samples[src*from.Channels : (src+1)*from.Channels]

		var mono int32
		for _, s := range frame {
			mono += int32(s)
		}
		mono /= int32(from.Channels)

		for ch := 0; ch < to.Channels; ch++ {
			if ch < from.Channels && from.Channels == to.Channels {
				out[i*to.Channels+ch] = frame[ch]
				continue
			}
			out[i*to.Channels+ch] = int16(mono)
		}
	}
	return out
}

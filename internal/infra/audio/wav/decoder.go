// Package wav decodes WAV frames received from the agent into PCM segments.
package wav

import (
	"bytes"

	"github.com/cockroachdb/errors"
	gowav "github.com/go-audio/wav"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// Errors
var (
	ErrInvalidFile       = errors.New("not a valid wav file")
	ErrUnsupportedFormat = errors.New("unsupported wav encoding")
)

const (
	formatPCM   = 1
	formatFloat = 3
)

// Decoder converts one WAV file per frame into signed 16-bit samples.
type Decoder struct{}

// NewDecoder creates a WAV decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode parses frame as a complete WAV file.
func (d *Decoder) Decode(frame []byte) (audio.Segment, error) {
	dec := gowav.NewDecoder(bytes.NewReader(frame))
	if !dec.IsValidFile() {
		return audio.Segment{}, errors.Wrapf(ErrInvalidFile, "frame of %d bytes", len(frame))
	}
	if dec.WavAudioFormat == formatFloat {
		return audio.Segment{}, errors.Wrap(ErrUnsupportedFormat, "float samples")
	}
	if dec.WavAudioFormat != formatPCM {
		return audio.Segment{}, errors.Wrapf(ErrUnsupportedFormat, "format tag %d", dec.WavAudioFormat)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return audio.Segment{}, errors.Wrap(err, "read pcm data")
	}

	format := audio.Format{
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}
	if !format.Valid() {
		return audio.Segment{}, errors.Wrapf(ErrUnsupportedFormat, "rate=%d channels=%d", dec.SampleRate, dec.NumChans)
	}

	samples, err := toInt16(buf.Data, int(dec.BitDepth))
	if err != nil {
		return audio.Segment{}, err
	}

	return audio.Segment{
		Format:   format,
		Samples:  samples,
		Duration: format.Duration(len(samples)),
	}, nil
}

func toInt16(data []int, bitDepth int) ([]int16, error) {
	out := make([]int16, len(data))
	switch bitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		for i, v := range data {
			out[i] = int16((v - 128) << 8)
		}
	case 16:
		for i, v := range data {
			out[i] = int16(v)
		}
	case 24:
		for i, v := range data {
			out[i] = int16(v >> 8)
		}
	case 32:
		for i, v := range data {
			out[i] = int16(v >> 16)
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedFormat, "bit depth %d", bitDepth)
	}
	return out, nil
}

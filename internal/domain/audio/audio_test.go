package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		samples int
		want    time.Duration
	}{
		{"mono 16k one second", Format{SampleRate: 16000, Channels: 1}, 16000, time.Second},
		{"stereo 24k half second", Format{SampleRate: 24000, Channels: 2}, 24000, 500 * time.Millisecond},
		{"invalid format", Format{}, 100, 0},
		{"no samples", Format{SampleRate: 16000, Channels: 1}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.Duration(tt.samples))
		})
	}
}

func TestFormatSamples(t *testing.T) {
	f := Format{SampleRate: 16000, Channels: 1}
	assert.Equal(t, 3200, f.Samples(200*time.Millisecond))
	assert.Equal(t, 0, f.Samples(0))

	stereo := Format{SampleRate: 16000, Channels: 2}
	assert.Equal(t, 6400, stereo.Samples(200*time.Millisecond))
}

func TestRMS(t *testing.T) {
	assert.Equal(t, 0.0, RMS(nil))
	assert.Equal(t, 0.0, RMS([]int16{0, 0, 0}))
	assert.InDelta(t, 0.5, RMS([]int16{16384, -16384, 16384, -16384}), 1e-9)
}

func TestPCMRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := EncodePCM(samples)
	assert.Len(t, data, 10)
	assert.Equal(t, []byte{0xff, 0x7f}, data[6:8])
	assert.Equal(t, samples, DecodePCM(data))
	assert.Len(t, DecodePCM([]byte{1, 2, 3}), 1)
}

func TestResample(t *testing.T) {
	mono16 := Format{SampleRate: 16000, Channels: 1}
	mono8 := Format{SampleRate: 8000, Channels: 1}
	stereo16 := Format{SampleRate: 16000, Channels: 2}

	t.Run("same format is passthrough", func(t *testing.T) {
		in := []int16{1, 2, 3}
		assert.Equal(t, in, Resample(in, mono16, mono16))
	})

	t.Run("downsample picks every other frame", func(t *testing.T) {
		assert.Equal(t, []int16{1, 3}, Resample([]int16{1, 2, 3, 4}, mono16, mono8))
	})

	t.Run("upsample repeats frames", func(t *testing.T) {
		assert.Equal(t, []int16{1, 1, 2, 2}, Resample([]int16{1, 2}, mono8, mono16))
	})

	t.Run("mono to stereo duplicates", func(t *testing.T) {
		assert.Equal(t, []int16{5, 5, 7, 7}, Resample([]int16{5, 7}, mono16, stereo16))
	})

	t.Run("stereo to mono averages", func(t *testing.T) {
		assert.Equal(t, []int16{2, 6}, Resample([]int16{1, 3, 5, 7}, stereo16, mono16))
	})
}

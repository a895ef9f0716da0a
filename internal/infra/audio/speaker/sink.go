// Package speaker plays agent speech through the default output device (oto).
package speaker

import (
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ebitengine/oto/v3"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/app/playback"
	"github.com/osa030/talkbox/internal/domain/audio"
)

// Errors
var (
	ErrLineClosed = errors.New("output line closed")
)

// Sink owns the process-wide oto context. Every Open creates a fresh player,
// so closing a line drops whatever that player still had buffered.
type Sink struct {
	format audio.Format
	ctx    *oto.Context
}

// New creates the oto context and waits until the device is ready.
func New(format audio.Format, buffer time.Duration) (*Sink, error) {
	if !format.Valid() {
		return nil, errors.Newf("invalid output format: %+v", format)
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "create oto context"), audio.ErrDeviceUnavailable)
	}
	<-ready

	zlog.Debug().Msgf("speaker: ready: rate=%d channels=%d buffer=%v", format.SampleRate, format.Channels, buffer)
	return &Sink{format: format, ctx: ctx}, nil
}

// Format returns the device output format.
func (s *Sink) Format() audio.Format {
	return s.format
}

// Open creates an output line. Segments in other formats are converted on write.
func (s *Sink) Open(format audio.Format) (playback.Line, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "oto context failed")
	}
	l := newLine(s.format)
	l.player = s.ctx.NewPlayer(l)
	zlog.Debug().Msgf("speaker: line opened: source_rate=%d output_rate=%d", format.SampleRate, s.format.SampleRate)
	return l, nil
}

// line feeds one oto player from an in-memory buffer.
type line struct {
	format audio.Format
	player *oto.Player

	mu      sync.Mutex
	buf     []byte
	playing bool
	closed  bool
}

func newLine(format audio.Format) *line {
	return &line{
		format: format,
		buf:    make([]byte, 0, format.SampleRate*format.Channels*2),
	}
}

// Write appends seg after what was already written and starts the player on
// the first call.
func (l *line) Write(seg audio.Segment) error {
	samples := audio.Resample(seg.Samples, seg.Format, l.format)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLineClosed
	}
	l.buf = append(l.buf, audio.EncodePCM(samples)...)
	start := !l.playing
	l.playing = true
	l.mu.Unlock()

	if start {
		l.player.Play()
	}
	return nil
}

// Read implements io.Reader for the player. An open but empty line yields
// silence so the shared mixer is never blocked.
func (l *line) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, io.EOF
	}
	if len(l.buf) == 0 {
		clear(p)
		return len(p), nil
	}
	n := copy(p, l.buf)
	l.buf = l.buf[n:]
	return n, nil
}

// Close stops output immediately and discards anything not yet played.
func (l *line) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.buf = nil
	l.mu.Unlock()

	l.player.Pause()
	return errors.Wrap(l.player.Close(), "close player")
}

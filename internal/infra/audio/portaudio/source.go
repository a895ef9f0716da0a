// Package portaudio captures microphone audio through PortAudio.
package portaudio

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/gordonklaus/portaudio"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// BackendName identifies this backend in configuration.
const BackendName = "portaudio"

// Settings are the backend specific options under audio.settings.
type Settings struct {
	FramesPerBuffer int `yaml:"frames_per_buffer" mapstructure:"frames_per_buffer" default:"320" validate:"gte=32,lte=16384"`
}

// ParseSettings decodes, defaults and validates raw settings.
func ParseSettings(raw map[string]any) (Settings, error) {
	var s Settings
	if err := mapstructure.Decode(raw, &s); err != nil {
		return Settings{}, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&s); err != nil {
		return Settings{}, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(s); err != nil {
		return Settings{}, errors.Wrap(err, "validation failed")
	}
	return s, nil
}

// Source opens blocking PortAudio input streams on the default device.
type Source struct {
	format   audio.Format
	settings Settings

	mu     sync.Mutex
	closed bool
}

// New initializes PortAudio. Close must be called to terminate it.
func New(format audio.Format, settings Settings) (*Source, error) {
	if !format.Valid() {
		return nil, errors.Newf("invalid capture format: %+v", format)
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "initialize portaudio"), audio.ErrDeviceUnavailable)
	}
	return &Source{format: format, settings: settings}, nil
}

// Format returns the capture format.
func (s *Source) Format() audio.Format {
	return s.format
}

// Open starts an input stream and a read loop feeding onSamples.
func (s *Source) Open(ctx context.Context, onSamples func([]int16)) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Mark(errors.New("portaudio terminated"), audio.ErrDeviceUnavailable)
	}

	in := make([]int16, s.settings.FramesPerBuffer*s.format.Channels)
	pa, err := portaudio.OpenDefaultStream(s.format.Channels, 0, float64(s.format.SampleRate), s.settings.FramesPerBuffer, in)
	if err != nil {
		return nil, classify(errors.Wrap(err, "open input stream"))
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		return nil, classify(errors.Wrap(err, "start input stream"))
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &stream{
		pa:     pa,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go st.readLoop(loopCtx, in, onSamples)

	zlog.Debug().Msgf("portaudio: capture started: rate=%d channels=%d frames=%d", s.format.SampleRate, s.format.Channels, s.settings.FramesPerBuffer)
	return st, nil
}

// Devices lists every PortAudio endpoint.
func (s *Source) Devices() ([]audio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, errors.Wrap(err, "list devices")
	}

	var defIn, defOut string
	if d, err := portaudio.DefaultInputDevice(); err == nil {
		defIn = d.Name
	}
	if d, err := portaudio.DefaultOutputDevice(); err == nil {
		defOut = d.Name
	}

	out := make([]audio.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, audio.DeviceInfo{
			Backend: BackendName,
			Name:    d.Name,
			Input:   d.MaxInputChannels > 0,
			Output:  d.MaxOutputChannels > 0,
			Default: d.Name == defIn || d.Name == defOut,
		})
	}
	return out, nil
}

// Close terminates PortAudio. Streams must be closed first.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return errors.Wrap(portaudio.Terminate(), "terminate portaudio")
}

type stream struct {
	pa     *portaudio.Stream
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (st *stream) readLoop(ctx context.Context, in []int16, onSamples func([]int16)) {
	defer close(st.done)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := st.pa.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				zlog.Debug().Msg("portaudio: input overflowed")
			} else {
				zlog.Warn().Err(err).Msg("portaudio: read failed")
				return
			}
		}
		onSamples(in)
	}
}

// Close stops the read loop, then the stream. The loop finishes the read in
// flight before returning.
func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		st.cancel()
		<-st.done
		if stopErr := st.pa.Stop(); stopErr != nil {
			err = errors.Wrap(stopErr, "stop input stream")
		}
		if closeErr := st.pa.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "close input stream")
		}
	})
	return err
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return errors.Mark(err, audio.ErrPermissionDenied)
	}
	return errors.Mark(err, audio.ErrDeviceUnavailable)
}

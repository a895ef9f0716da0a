// Package miniaudio captures microphone audio through miniaudio (malgo).
package miniaudio

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/gen2brain/malgo"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// BackendName identifies this backend in configuration.
const BackendName = "miniaudio"

// Settings are the backend specific options under audio.settings.
type Settings struct {
	Device   string `yaml:"device" mapstructure:"device"`
	PeriodMS int    `yaml:"period_ms" mapstructure:"period_ms" default:"20" validate:"gte=5,lte=500"`
	Periods  int    `yaml:"periods" mapstructure:"periods" default:"3" validate:"gte=2,lte=16"`

	// NormalPriority runs the device thread at default priority instead of realtime.
	NormalPriority bool `yaml:"normal_priority" mapstructure:"normal_priority"`
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

// Source opens capture devices on a shared miniaudio context.
type Source struct {
	format   audio.Format
	settings Settings

	mu  sync.Mutex
	ctx *malgo.AllocatedContext
}

// New initializes a miniaudio context for the given capture format.
func New(format audio.Format, settings Settings) (*Source, error) {
	if !format.Valid() {
		return nil, errors.Newf("invalid capture format: %+v", format)
	}

	cfg := malgo.ContextConfig{}
	if !settings.NormalPriority {
		cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}
	ctx, err := malgo.InitContext(nil, cfg, func(message string) {
		zlog.Debug().Msgf("miniaudio: %s", strings.TrimSpace(message))
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "init miniaudio context"), audio.ErrDeviceUnavailable)
	}

	return &Source{
		format:   format,
		settings: settings,
		ctx:      ctx,
	}, nil
}

// Format returns the capture format.
func (s *Source) Format() audio.Format {
	return s.format
}

// Open starts a capture device delivering samples to onSamples.
func (s *Source) Open(_ context.Context, onSamples func([]int16)) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, errors.Mark(errors.New("miniaudio context closed"), audio.ErrDeviceUnavailable)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(s.settings.PeriodMS)
	cfg.Periods = uint32(s.settings.Periods)
	cfg.PerformanceProfile = malgo.LowLatency

	if s.settings.Device != "" {
		info, err := s.findLocked(s.settings.Device)
		if err != nil {
			return nil, err
		}
		cfg.Capture.DeviceID = info.ID.Pointer()
	}

	bytesPerFrame := malgo.SampleSizeInBytes(cfg.Capture.Format) * s.format.Channels
	device, err := malgo.InitDevice(s.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, frames uint32) {
			n := int(frames) * bytesPerFrame
			if n == 0 || len(in) < n {
				return
			}
			onSamples(audio.DecodePCM(in[:n]))
		},
	})
	if err != nil {
		return nil, classify(errors.Wrap(err, "init capture device"))
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, classify(errors.Wrap(err, "start capture device"))
	}

	zlog.Debug().Msgf("miniaudio: capture started: rate=%d channels=%d period_ms=%d", s.format.SampleRate, s.format.Channels, s.settings.PeriodMS)
	return &stream{device: device}, nil
}

// Devices lists capture and playback endpoints.
func (s *Source) Devices() ([]audio.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil, errors.Mark(errors.New("miniaudio context closed"), audio.ErrDeviceUnavailable)
	}

	var out []audio.DeviceInfo
	for _, kind := range []malgo.DeviceType{malgo.Capture, malgo.Playback} {
		infos, err := s.ctx.Devices(kind)
		if err != nil {
			return nil, errors.Wrapf(err, "list %v devices", kind)
		}
		for _, info := range infos {
			out = append(out, audio.DeviceInfo{
				Backend: BackendName,
				Name:    info.Name(),
				Input:   kind == malgo.Capture,
				Output:  kind == malgo.Playback,
				Default: info.IsDefault != 0,
			})
		}
	}
	return out, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil {
		return nil
	}
	err := s.ctx.Uninit()
	s.ctx.Free()
	s.ctx = nil
	return errors.Wrap(err, "uninit miniaudio context")
}

func (s *Source) findLocked(name string) (malgo.DeviceInfo, error) {
	infos, err := s.ctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceInfo{}, errors.Mark(errors.Wrap(err, "list capture devices"), audio.ErrDeviceUnavailable)
	}
	for _, info := range infos {
		if info.Name() == name {
			return info, nil
		}
	}
	return malgo.DeviceInfo{}, errors.Mark(errors.Newf("capture device not found: %s", name), audio.ErrDeviceUnavailable)
}

type stream struct {
	device *malgo.Device
	once   sync.Once
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		err = st.device.Stop()
		st.device.Uninit()
	})
	return errors.Wrap(err, "stop capture device")
}

// classify marks device errors as permission or availability failures.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return errors.Mark(err, audio.ErrPermissionDenied)
	}
	return errors.Mark(err, audio.ErrDeviceUnavailable)
}

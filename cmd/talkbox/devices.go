package main

import (
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/infra/audio/miniaudio"
	"github.com/osa030/talkbox/internal/infra/audio/portaudio"
	"github.com/osa030/talkbox/internal/infra/config"
)

// inputDevice is a microphone backend that owns a native audio context.
type inputDevice interface {
	audio.Source
	audio.Lister
	Close() error
}

// openInput creates the configured microphone backend.
func openInput(cfg config.AudioConfig) (inputDevice, error) {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	zlog.Debug().Msgf("creating audio input: backend=%s rate=%d channels=%d settings=%+v", cfg.InputBackend, cfg.SampleRate, cfg.Channels, cfg.Settings)

	switch cfg.InputBackend {
	case miniaudio.BackendName:
		settings, err := miniaudio.ParseSettings(cfg.Settings)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s settings", cfg.InputBackend)
		}
		src, err := miniaudio.New(format, settings)
		if err != nil {
			return nil, err
		}
		return src, nil

	case portaudio.BackendName:
		settings, err := portaudio.ParseSettings(cfg.Settings)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s settings", cfg.InputBackend)
		}
		src, err := portaudio.New(format, settings)
		if err != nil {
			return nil, err
		}
		return src, nil

	default:
		return nil, errors.Newf("unsupported input backend: %s", cfg.InputBackend)
	}
}

// listDevices prints the devices of the configured backend.
func listDevices(cfg *config.Config) error {
	input, err := openInput(cfg.Audio)
	if err != nil {
		return err
	}
	defer func() { _ = input.Close() }()

	devices, err := input.Devices()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Audio devices (%s):\n", cfg.Audio.InputBackend)
	for _, d := range devices {
		fmt.Fprintf(os.Stdout, "  %-48s %s\n", d.Name, deviceTags(d))
	}
	return nil
}

func deviceTags(d audio.DeviceInfo) string {
	tags := ""
	if d.Input {
		tags += "[in]"
	}
	if d.Output {
		tags += "[out]"
	}
	if d.Default {
		tags += " (default)"
	}
	return tags
}

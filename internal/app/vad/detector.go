// Package vad provides an energy based voice activity detector.
package vad

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/infra/clock"
)

// EdgeType is the direction of a speech transition.
type EdgeType int

const (
	SpeechStart EdgeType = iota // Silence to speech
	SpeechEnd                   // Speech to silence
)

// String returns the string representation of the edge type.
func (e EdgeType) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Edge is emitted once per transition. Generation identifies the enable
// period that produced it.
type Edge struct {
	Type       EdgeType
	RMS        float64
	At         time.Time
	Generation uint64
}

// Config holds detector configuration.
type Config struct {
	Threshold     float64       // RMS above this is speech
	Gain          float64       // Sensitivity multiplier
	WindowSize    int           // Samples per analysis window
	FrameInterval time.Duration // Analysis cadence
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:     0.08,
		Gain:          5,
		WindowSize:    2048,
		FrameInterval: 16 * time.Millisecond,
	}
}

// Detector classifies microphone energy into speech edges. It only runs while
// enabled; enabling acquires a microphone stream and disabling releases it.
type Detector struct {
	mu sync.Mutex

	source audio.Source
	clock  clock.Clock
	config Config

	onEdge        func(Edge)
	onSensitivity func(float64)

	enabled    bool
	speaking   bool
	generation uint64
	stream     audio.Stream
	stopFrames func()

	window *window
}

// New creates a detector reading from source.
func New(source audio.Source, clk clock.Clock, config Config) *Detector {
	if config.WindowSize <= 0 {
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.FrameInterval <= 0 {
		config.FrameInterval = DefaultConfig().FrameInterval
	}
	return &Detector{
		source: source,
		clock:  clk,
		config: config,
		window: newWindow(config.WindowSize),
	}
}

// OnEdge registers the edge callback. It is called from the frame goroutine.
func (d *Detector) OnEdge(fn func(Edge)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onEdge = fn
}

// OnSensitivity registers a per-frame level callback in [0, 1].
func (d *Detector) OnSensitivity(fn func(float64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSensitivity = fn
}

// Enable acquires the microphone and starts analysis. Enabling twice is a no-op.
func (d *Detector) Enable(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.enabled {
		return nil
	}

	d.window.reset()
	stream, err := d.source.Open(ctx, d.window.write)
	if err != nil {
		return errors.Wrap(err, "vad: acquire microphone")
	}

	d.generation++
	gen := d.generation
	d.stream = stream
	d.enabled = true
	d.speaking = false
	d.stopFrames = d.clock.Every(d.config.FrameInterval, func() {
		d.analyze(gen)
	})

	zlog.Debug().Msgf("vad: enabled: threshold=%.3f window=%d", d.config.Threshold, d.config.WindowSize)
	return nil
}

// Disable stops analysis and releases the microphone. No edge is emitted.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.enabled {
		return
	}

	d.generation++
	d.enabled = false
	d.speaking = false
	if d.stopFrames != nil {
		d.stopFrames()
		d.stopFrames = nil
	}
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			zlog.Warn().Err(err).Msg("vad: release microphone")
		}
		d.stream = nil
	}

	zlog.Debug().Msg("vad: disabled")
}

// Enabled reports whether the detector is running.
func (d *Detector) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

// Generation returns the current enable period. It changes on every Enable
// and Disable, so an edge whose Generation differs is stale.
func (d *Detector) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation
}

// Speaking reports the current classification.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Classify returns the RMS of samples, its sensitivity and whether it counts
// as speech under config.
func Classify(samples []int16, config Config) (rms, sensitivity float64, speech bool) {
	rms = audio.RMS(samples)
	sensitivity = math.Min(1, rms*config.Gain)
	return rms, sensitivity, rms > config.Threshold
}

func (d *Detector) analyze(gen uint64) {
	d.mu.Lock()
	if !d.enabled || d.generation != gen {
		d.mu.Unlock()
		return
	}

	rms, sensitivity, speech := Classify(d.window.snapshot(), d.config)

	var edge *Edge
	if speech != d.speaking {
		d.speaking = speech
		e := Edge{Type: SpeechEnd, RMS: rms, At: d.clock.Now(), Generation: gen}
		if speech {
			e.Type = SpeechStart
		}
		edge = &e
	}
	onEdge := d.onEdge
	onSensitivity := d.onSensitivity
	d.mu.Unlock()

	if onSensitivity != nil {
		onSensitivity(sensitivity)
	}
	if edge != nil {
		zlog.Debug().Msgf("vad: %s: rms=%.4f", edge.Type, edge.RMS)
		if onEdge != nil {
			onEdge(*edge)
		}
	}
}

// Package capture slices microphone audio into fixed chunks for streaming.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// Errors
var (
	ErrAlreadyArmed = errors.New("capture already armed")
	ErrAcquire      = errors.New("capture: acquire microphone")
)

// Sender delivers chunks and the end-of-utterance signal to the agent.
type Sender interface {
	SendAudio(chunk []byte) error
	SendDone() error
}

// Config holds pipeline configuration.
type Config struct {
	ChunkDuration time.Duration // Audio per emitted chunk
	SendBuffer    int           // Chunks waiting for the sender
}

// Pipeline arms one capture at a time.
type Pipeline struct {
	mu sync.Mutex

	source audio.Source
	sender Sender
	config Config

	armed *Handle
}

// NewPipeline creates a capture pipeline.
func NewPipeline(source audio.Source, sender Sender, config Config) *Pipeline {
	if config.ChunkDuration <= 0 {
		config.ChunkDuration = 200 * time.Millisecond
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 32
	}
	return &Pipeline{
		source: source,
		sender: sender,
		config: config,
	}
}

// Arm acquires the microphone and starts streaming chunks.
func (p *Pipeline) Arm(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.armed != nil {
		return nil, ErrAlreadyArmed
	}

	chunkSamples := p.source.Format().Samples(p.config.ChunkDuration)
	if chunkSamples <= 0 {
		return nil, errors.Newf("capture: invalid chunk size for format %+v", p.source.Format())
	}

	h := &Handle{
		pipeline:     p,
		sender:       p.sender,
		chunkSamples: chunkSamples,
		chunks:       make(chan audio.Chunk, p.config.SendBuffer),
		sent:         make(chan struct{}),
		buf:          make([]int16, 0, chunkSamples),
	}

	stream, err := p.source.Open(ctx, h.onSamples)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "capture: acquire microphone"), ErrAcquire)
	}
	h.stream = stream
	p.armed = h

	go h.sendLoop()

	zlog.Debug().Msgf("capture: armed: chunk=%v samples=%d", p.config.ChunkDuration, chunkSamples)
	return h, nil
}

// Armed reports whether a capture is running.
func (p *Pipeline) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.armed != nil
}

func (p *Pipeline) release(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed == h {
		p.armed = nil
	}
}

// HandleStats counts what one capture emitted.
type HandleStats struct {
	Chunks  int // Chunks handed to the sender
	Dropped int // Chunks dropped because the send buffer was full or the send failed
	Bytes   int
}

// Handle is one armed capture. Exactly one of Disarm or Abort takes effect.
type Handle struct {
	pipeline *Pipeline
	sender   Sender
	stream   audio.Stream

	mu           sync.Mutex
	buf          []int16
	chunkSamples int
	seq          uint64
	stopped      bool
	aborted      bool
	stats        HandleStats

	chunks chan audio.Chunk
	sent   chan struct{}
	once   sync.Once
}

// onSamples runs on the device thread.
func (h *Handle) onSamples(samples []int16) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.buf = append(h.buf, samples...)
	for len(h.buf) >= h.chunkSamples {
		h.emitLocked(h.buf[:h.chunkSamples], false)
		h.buf = append(h.buf[:0], h.buf[h.chunkSamples:]...)
	}
}

// emitLocked hands a chunk to the send loop without blocking the device thread.
func (h *Handle) emitLocked(samples []int16, final bool) {
	h.seq++
	chunk := audio.Chunk{Seq: h.seq, Data: audio.EncodePCM(samples), Final: final}
	select {
	case h.chunks <- chunk:
	default:
		h.stats.Dropped++
		zlog.Warn().Msgf("capture: send buffer full, chunk dropped: seq=%d", chunk.Seq)
	}
}

func (h *Handle) sendLoop() {
	defer close(h.sent)

	for chunk := range h.chunks {
		h.mu.Lock()
		aborted := h.aborted
		h.mu.Unlock()
		if aborted {
			continue
		}

		if err := h.sender.SendAudio(chunk.Data); err != nil {
			h.mu.Lock()
			h.stats.Dropped++
			h.mu.Unlock()
			zlog.Debug().Err(err).Msgf("capture: chunk not sent: seq=%d", chunk.Seq)
			continue
		}
		h.mu.Lock()
		h.stats.Chunks++
		h.stats.Bytes += len(chunk.Data)
		h.mu.Unlock()
	}
}

// Disarm stops recording, emits the buffered remainder, releases the
// microphone and, if sendDone is set, signals end of utterance after the
// last chunk. Calling it again is a no-op.
func (h *Handle) Disarm(sendDone bool) error {
	var err error
	h.once.Do(func() {
		err = h.stop(true, sendDone)
	})
	return err
}

// Abort releases the microphone without emitting anything further.
func (h *Handle) Abort() {
	h.once.Do(func() {
		_ = h.stop(false, false)
	})
}

func (h *Handle) stop(flush, sendDone bool) error {
	h.mu.Lock()
	h.stopped = true
	h.aborted = !flush
	if flush && len(h.buf) > 0 {
		h.emitLocked(h.buf, true)
	}
	h.buf = nil
	close(h.chunks)
	h.mu.Unlock()

	var errs error
	if err := h.stream.Close(); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "capture: release microphone"))
	}
	h.pipeline.release(h)

	if !flush {
		zlog.Debug().Msg("capture: aborted")
		return errs
	}

	<-h.sent

	if sendDone {
		if err := h.sender.SendDone(); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "capture: send done"))
		}
	}

	stats := h.Stats()
	zlog.Debug().Msgf("capture: disarmed: chunks=%d dropped=%d bytes=%d done=%t",
		stats.Chunks, stats.Dropped, stats.Bytes, sendDone)
	return errs
}

// Stats returns the handle counters.
func (h *Handle) Stats() HandleStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

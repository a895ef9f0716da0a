package playback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// ErrDecode marks frames that could not be decoded into a segment.
var ErrDecode = errors.New("audio decode failed")

// Decoder turns one binary frame into a segment.
type Decoder interface {
	Decode(frame []byte) (audio.Segment, error)
}

// Target receives decoded segments.
type Target interface {
	Enqueue(seg audio.Segment) error
	Flush()
}

// FeederStats counts frame outcomes.
type FeederStats struct {
	Received  uint64
	Decoded   uint64
	Failed    uint64
	Discarded uint64 // Frames superseded by a flush
}

type frame struct {
	data  []byte
	epoch uint64
}

// Feeder decodes frames on a single worker so segments reach the queue in
// arrival order.
type Feeder struct {
	decoder Decoder
	target  Target

	frames chan frame
	epoch  atomic.Uint64
	seq    atomic.Uint64

	received  atomic.Uint64
	decoded   atomic.Uint64
	failed    atomic.Uint64
	discarded atomic.Uint64

	// flushMu orders Flush against the worker's enqueue so a segment decoded
	// before a flush is never enqueued after it.
	flushMu sync.Mutex

	done chan struct{}
}

// NewFeeder creates a feeder with the given frame buffer size.
func NewFeeder(decoder Decoder, target Target, buffer int) *Feeder {
	if buffer <= 0 {
		buffer = 1
	}
	return &Feeder{
		decoder: decoder,
		target:  target,
		frames:  make(chan frame, buffer),
		done:    make(chan struct{}),
	}
}

// Run decodes frames until ctx is cancelled.
func (f *Feeder) Run(ctx context.Context) {
	defer close(f.done)

	for {
		select {
		case <-ctx.Done():
			return
		case fr := <-f.frames:
			f.process(fr)
		}
	}
}

// Done is closed when Run returns.
func (f *Feeder) Done() <-chan struct{} {
	return f.done
}

// Push hands a received frame to the worker. It blocks while the buffer is
// full and returns false once the worker stopped.
func (f *Feeder) Push(data []byte) bool {
	select {
	case <-f.done:
		return false
	default:
	}

	f.received.Add(1)
	fr := frame{data: data, epoch: f.epoch.Load()}
	select {
	case f.frames <- fr:
		return true
	case <-f.done:
		return false
	}
}

// Flush discards frames received so far and flushes the target.
func (f *Feeder) Flush() {
	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	f.epoch.Add(1)
	f.target.Flush()
}

// Stats returns the frame counters.
func (f *Feeder) Stats() FeederStats {
	return FeederStats{
		Received:  f.received.Load(),
		Decoded:   f.decoded.Load(),
		Failed:    f.failed.Load(),
		Discarded: f.discarded.Load(),
	}
}

func (f *Feeder) process(fr frame) {
	if fr.epoch != f.epoch.Load() {
		f.discarded.Add(1)
		return
	}

	seg, err := f.decoder.Decode(fr.data)
	if err != nil {
		f.failed.Add(1)
		err = errors.Mark(err, ErrDecode)
		zlog.Warn().Err(err).Msgf("playback: frame dropped: bytes=%d", len(fr.data))
		return
	}
	f.decoded.Add(1)

	f.flushMu.Lock()
	defer f.flushMu.Unlock()

	if fr.epoch != f.epoch.Load() {
		f.discarded.Add(1)
		return
	}
	seg.Seq = f.seq.Add(1)
	if err := f.target.Enqueue(seg); err != nil {
		zlog.Warn().Err(err).Msgf("playback: enqueue failed: seq=%d", seg.Seq)
	}
}

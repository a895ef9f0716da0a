package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/talkbox/internal/domain/audio"
	"github.com/osa030/talkbox/internal/infra/clock"
)

// Errors
var (
	ErrPlaybackStart = errors.New("playback start failed")
	ErrClosed        = errors.New("playback queue closed")
)

// Sink opens output lines on the speaker.
type Sink interface {
	Open(format audio.Format) (Line, error)
}

// Line is an open output line. Write starts playing a segment right after
// whatever was written before; Close stops output immediately.
type Line interface {
	Write(seg audio.Segment) error
	Close() error
}

// Config holds queue configuration.
type Config struct {
	RetryDelay time.Duration // Delay before advancing after a failed start
}

// Stats counts queue outcomes.
type Stats struct {
	Played    int // Segments played to their natural end
	Flushed   int // Segments discarded by Flush (queued or playing)
	Failed    int // Segments dropped because they could not start
	FlushOps  int // Number of Flush calls
	LinesOpen int // Output lines opened
}

// Queue plays segments one at a time in FIFO order.
type Queue struct {
	mu sync.RWMutex

	sink   Sink
	clock  clock.Clock
	config Config

	queue   []audio.Segment
	current *audio.Segment
	line    Line
	state   State
	stats   Stats

	// token identifies the segment currently playing; timers carry it so a
	// fire for an earlier segment is ignored.
	token uint64

	endTimerCancel   func()
	retryTimerCancel func()

	eventCh chan Event
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue creates a new playback queue.
func NewQueue(sink Sink, clk clock.Clock, config Config) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		sink:    sink,
		clock:   clk,
		config:  config,
		queue:   make([]audio.Segment, 0),
		state:   StateIdle,
		eventCh: make(chan Event, 32),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events returns the event channel.
func (q *Queue) Events() <-chan Event {
	return q.eventCh
}

// Enqueue appends a segment and starts it if nothing is playing.
func (q *Queue) Enqueue(seg audio.Segment) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	q.queue = append(q.queue, seg)
	if q.state == StateIdle {
		q.playNextLocked()
	}
	return nil
}

// Flush stops the current segment, discards everything queued and closes the
// output line. The next Enqueue opens a fresh line.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.flushLocked()
}

func (q *Queue) flushLocked() {
	q.stopTimersLocked()

	discarded := len(q.queue)
	if q.current != nil {
		discarded++
	}
	q.queue = make([]audio.Segment, 0)
	q.current = nil
	q.token++
	q.closeLineLocked()

	q.stats.Flushed += discarded
	q.stats.FlushOps++
	q.state = StateIdle

	zlog.Debug().Msgf("playback: flushed: discarded=%d", discarded)

	q.sendEventLocked(Event{
		Type:  EventFlushed,
		State: q.state,
	})
}

// State returns the current playback state.
func (q *Queue) State() State {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.state
}

// Len returns the number of segments waiting behind the current one.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queue)
}

// Current returns the playing segment.
func (q *Queue) Current() (*audio.Segment, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.current == nil {
		return nil, false
	}
	seg := *q.current
	return &seg, true
}

// Stats returns a copy of the counters.
func (q *Queue) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.stats
}

// Close flushes and releases the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.flushLocked()
	q.closed = true
	q.cancel()
	close(q.eventCh)
}

// playNextLocked starts the oldest queued segment.
// Must be called with lock held.
func (q *Queue) playNextLocked() {
	if len(q.queue) == 0 {
		q.current = nil
		q.state = StateIdle
		q.sendEventLocked(Event{
			Type:  EventQueueDrained,
			State: q.state,
		})
		return
	}

	seg := q.queue[0]
	q.queue = q.queue[1:]

	if err := q.startLocked(seg); err != nil {
		q.stats.Failed++
		q.current = nil
		q.state = StateRecovering
		q.closeLineLocked()

		zlog.Warn().Err(err).Msgf("playback: segment dropped: seq=%d retry_in=%v", seg.Seq, q.config.RetryDelay)

		q.sendEventLocked(Event{
			Type:    EventStartFailed,
			Segment: &seg,
			State:   q.state,
			Err:     err,
		})

		token := q.token
		q.retryTimerCancel = q.clock.AfterFunc(q.config.RetryDelay, func() {
			q.mu.Lock()
			defer q.mu.Unlock()

			if q.token != token || q.state != StateRecovering {
				return
			}
			q.retryTimerCancel = nil
			q.playNextLocked()
		})
		return
	}

	q.token++
	token := q.token
	q.current = &seg
	q.state = StatePlaying

	zlog.Debug().Msgf("playback: segment started: seq=%d duration=%v queued=%d", seg.Seq, seg.Duration, len(q.queue))

	q.endTimerCancel = q.clock.AfterFunc(seg.Duration, func() {
		q.onSegmentEnd(token)
	})

	q.sendEventLocked(Event{
		Type:    EventSegmentStarted,
		Segment: q.current,
		State:   q.state,
	})
}

func (q *Queue) startLocked(seg audio.Segment) error {
	if q.line == nil {
		line, err := q.sink.Open(seg.Format)
		if err != nil {
			return errors.Mark(errors.Wrap(err, "open output line"), ErrPlaybackStart)
		}
		q.line = line
		q.stats.LinesOpen++
	}
	if err := q.line.Write(seg); err != nil {
		return errors.Mark(errors.Wrapf(err, "write segment %d", seg.Seq), ErrPlaybackStart)
	}
	return nil
}

// onSegmentEnd is called when the segment timer fires.
func (q *Queue) onSegmentEnd(token uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.token != token || q.current == nil {
		return
	}
	q.endTimerCancel = nil

	ended := q.current
	q.current = nil
	q.stats.Played++

	q.sendEventLocked(Event{
		Type:    EventSegmentEnded,
		Segment: ended,
		State:   q.state,
	})

	q.playNextLocked()
}

func (q *Queue) stopTimersLocked() {
	if q.endTimerCancel != nil {
		q.endTimerCancel()
		q.endTimerCancel = nil
	}
	if q.retryTimerCancel != nil {
		q.retryTimerCancel()
		q.retryTimerCancel = nil
	}
}

func (q *Queue) closeLineLocked() {
	if q.line == nil {
		return
	}
	if err := q.line.Close(); err != nil {
		zlog.Warn().Err(err).Msg("playback: close output line")
	}
	q.line = nil
}

// sendEventLocked sends an event without blocking.
// Must be called with lock held.
func (q *Queue) sendEventLocked(e Event) {
	if q.closed {
		return
	}
	select {
	case q.eventCh <- e:
	case <-q.ctx.Done():
	default:
		// Channel full, drop event
	}
}

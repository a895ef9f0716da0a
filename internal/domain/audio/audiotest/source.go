// Package audiotest provides an in-memory microphone for tests.
package audiotest

import (
	"context"
	"sync"

	"github.com/osa030/talkbox/internal/domain/audio"
)

// Source is a scripted microphone. Feed delivers samples to every open stream.
type Source struct {
	mu      sync.Mutex
	format  audio.Format
	streams map[int]func([]int16)
	nextID  int
	opened  int
	closed  int
	openErr  error
	closeErr error
}

// NewSource creates a fake microphone with the given format.
func NewSource(format audio.Format) *Source {
	return &Source{
		format:  format,
		streams: make(map[int]func([]int16)),
	}
}

// Format returns the capture format.
func (s *Source) Format() audio.Format {
	return s.format
}

// FailOpen makes subsequent Open calls return err. Pass nil to recover.
func (s *Source) FailOpen(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

// FailClose makes stream Close return err after releasing the stream.
func (s *Source) FailClose(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Open registers onSamples until the stream is closed.
func (s *Source) Open(_ context.Context, onSamples func([]int16)) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.openErr != nil {
		return nil, s.openErr
	}
	s.nextID++
	id := s.nextID
	s.streams[id] = onSamples
	s.opened++
	return &stream{source: s, id: id}, nil
}

// Feed delivers samples synchronously to open streams.
func (s *Source) Feed(samples []int16) {
	s.mu.Lock()
	subs := make([]func([]int16), 0, len(s.streams))
	for _, fn := range s.streams {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(samples)
	}
}

// Active returns the number of open streams.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Opened returns how many streams were ever opened.
func (s *Source) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closed returns how many streams were closed.
func (s *Source) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stream struct {
	source *Source
	id     int
	once   sync.Once
}

func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		st.source.mu.Lock()
		defer st.source.mu.Unlock()
		delete(st.source.streams, st.id)
		st.source.closed++
		err = st.source.closeErr
	})
	return err
}

// Tone returns n samples alternating between +amp and -amp, whose RMS is
// amp/32768.
func Tone(n int, amp int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amp
		} else {
			out[i] = -amp
		}
	}
	return out
}

// Silence returns n zero samples.
func Silence(n int) []int16 {
	return make([]int16, n)
}

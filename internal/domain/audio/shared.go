package audio

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Shared multiplexes one acquisition of an underlying source across any
// number of streams. The device is opened by the first Open and released
// when the last stream closes.
type Shared struct {
	source Source

	mu     sync.Mutex
	stream Stream
	subs   map[uint64]func([]int16)
	nextID uint64
	opens  int
}

// NewShared wraps source.
func NewShared(source Source) *Shared {
	return &Shared{
		source: source,
		subs:   make(map[uint64]func([]int16)),
	}
}

// Format returns the underlying capture format.
func (s *Shared) Format() Format {
	return s.source.Format()
}

// Open subscribes onSamples, acquiring the device if nobody holds it.
func (s *Shared) Open(ctx context.Context, onSamples func([]int16)) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		stream, err := s.source.Open(ctx, s.fanOut)
		if err != nil {
			return nil, errors.Wrap(err, "acquire shared input")
		}
		s.stream = stream
		s.opens++
	}

	s.nextID++
	id := s.nextID
	s.subs[id] = onSamples
	return &sharedStream{shared: s, id: id}, nil
}

// Acquisitions returns how many times the underlying device was opened.
func (s *Shared) Acquisitions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

func (s *Shared) fanOut(samples []int16) {
	s.mu.Lock()
	subs := make([]func([]int16), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(samples)
	}
}

func (s *Shared) release(id uint64) error {
	s.mu.Lock()
	delete(s.subs, id)
	if len(s.subs) > 0 || s.stream == nil {
		s.mu.Unlock()
		return nil
	}
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	return stream.Close()
}

type sharedStream struct {
	shared *Shared
	id     uint64
	once   sync.Once
}

func (st *sharedStream) Close() error {
	var err error
	st.once.Do(func() {
		err = st.shared.release(st.id)
	})
	return err
}

package vad

import "sync"

// window keeps the most recent samples written by the device thread.
type window struct {
	mu     sync.Mutex
	buf    []int16
	next   int
	filled bool
}

func newWindow(size int) *window {
	return &window{buf: make([]int16, size)}
}

func (w *window) write(samples []int16) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, s := range samples {
		w.buf[w.next] = s
		w.next++
		if w.next == len(w.buf) {
			w.next = 0
			w.filled = true
		}
	}
}

// snapshot returns the window contents oldest first.
func (w *window) snapshot() []int16 {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.filled {
		out := make([]int16, w.next)
		copy(out, w.buf[:w.next])
		return out
	}
	out := make([]int16, 0, len(w.buf))
	out = append(out, w.buf[w.next:]...)
	out = append(out, w.buf[:w.next]...)
	return out
}

func (w *window) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.buf {
		w.buf[i] = 0
	}
	w.next = 0
	w.filled = false
}

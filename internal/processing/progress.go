package processing

import (
	"sync"
	"time"
)

func Timestamp() string {
	return time.Now().Format("20060102_150405")
}

// StackProgress is the percentage of stack slices written once channel c of
// frame z has been stored.
func StackProgress(z, c, frames, channels int) float64 {
	return SeriesProgress(0, z, c, 1, frames, channels)
}

// SeriesProgress is the percentage of a time lapse written once channel c
// of frame z at time point t has been stored.
func SeriesProgress(t, z, c, times, frames, channels int) float64 {
	total := times * frames * channels
	if total <= 0 {
		return 0
	}
	done := (t*frames+z)*channels + c + 1
	if done > total {
		done = total
	}
	return float64(done) * 100 / float64(total)
}

// Latest is a one-slot mailbox. Offer replaces whatever is pending, so a
// slow consumer only ever sees the newest value.
type Latest[T any] struct {
	mu    sync.Mutex
	v     T
	full  bool
	ready chan struct{}
}

func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{ready: make(chan struct{}, 1)}
}

// Offer stores v and reports whether an older pending value was dropped.
func (l *Latest[T]) Offer(v T) bool {
	l.mu.Lock()
	dropped := l.full
	l.v = v
	l.full = true
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Take removes and returns the pending value, if any.
func (l *Latest[T]) Take() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var zero T
	if !l.full {
		return zero, false
	}
	v := l.v
	l.v = zero
	l.full = false
	return v, true
}

// Ready is signalled after an Offer. A signal may be stale; Take tells.
func (l *Latest[T]) Ready() <-chan struct{} {
	return l.ready
}

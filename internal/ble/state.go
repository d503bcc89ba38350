package ble

import (
	"context"
	"sync"
)

// stateHolder serializes the transitions of one state machine. A transition
// computes the next state from the current one and publishes it while
// holding the lock, so concurrent requests only race at publication.
type stateHolder[S comparable] struct {
	mu       sync.Mutex
	current  S
	closed   bool
	done     chan struct{}
	watchers map[chan S]struct{}
}

func (h *stateHolder[S]) load() S {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// transition publishes the state returned by next. If next fails the
// current state stays. enter runs before publication with the lock held
// and must not block; an error from enter aborts the transition.
func (h *stateHolder[S]) transition(next func(cur S) (S, error), enter func(prev, next S) error) (S, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var zero S
	if h.closed {
		return zero, ErrClosed
	}
	prev := h.current
	ns, err := next(prev)
	if err != nil {
		return zero, err
	}
	if enter != nil {
		if err := enter(prev, ns); err != nil {
			return zero, err
		}
	}
	h.current = ns
	for ch := range h.watchers {
		offerLatest(ch, ns)
	}
	return ns, nil
}

// close runs final with the lock held, then rejects further transitions
// and closes every watcher channel.
func (h *stateHolder[S]) close(final func(cur S)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if final != nil {
		final(h.current)
	}
	h.closed = true
	if h.done != nil {
		close(h.done)
	}
	for ch := range h.watchers {
		close(ch)
	}
	h.watchers = nil
}

// watch returns a channel carrying the current state followed by every
// published state. Slow readers only observe the latest one.
func (h *stateHolder[S]) watch(ctx context.Context) <-chan S {
	ch := make(chan S, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	if h.watchers == nil {
		h.watchers = make(map[chan S]struct{})
	}
	if h.done == nil {
		h.done = make(chan struct{})
	}
	done := h.done
	h.watchers[ch] = struct{}{}
	ch <- h.current
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.watchers[ch]; ok {
			delete(h.watchers, ch)
			close(ch)
		}
	}()
	return ch
}

// offerLatest sends s without blocking, replacing an unread older value.
func offerLatest[S any](ch chan S, s S) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

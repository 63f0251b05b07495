package coyote

import "sync"

// feed is a small observer registry: each subscriber gets a buffered channel,
// and a slow subscriber drops its oldest event rather than blocking the
// device path (same discipline as the session's response plumbing).
type feed[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[int]chan T)}
}

// subscribe registers a new observer. The returned cancel func must be called
// on teardown so closures are not leaked across reconnects.
func (f *feed[T]) subscribe(buffer int) (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.next
	f.next++
	ch := make(chan T, buffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// publish delivers v to every subscriber without blocking.
func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// closeAll drops every subscriber. Used on component teardown.
func (f *feed[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans daemon events out to in-process listeners. A listener registers a
// kind prefix and receives every event whose Kind starts with it; the empty
// prefix matches everything.
//
// Publish never waits on a listener. An event that does not fit a listener's
// buffer is dropped for that listener and counted in Dropped.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	seq       uint64
	dropped   atomic.Uint64
}

type listener struct {
	prefix string
	out    chan Event
}

func New() *Bus {
	return &Bus{listeners: make(map[uint64]*listener)}
}

// Publish delivers evt to every matching listener. A zero Timestamp is set to
// the current time.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if !strings.HasPrefix(evt.Kind, l.prefix) {
			continue
		}
		select {
		case l.out <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a listener for kinds starting with prefix, buffered to
// bufSize events. The returned cancel func may be called more than once; the
// channel is never closed, so readers must also watch their own context.
func (b *Bus) Subscribe(prefix string, bufSize int) (<-chan Event, func()) {
	if bufSize < 0 {
		bufSize = 0
	}
	l := &listener{prefix: prefix, out: make(chan Event, bufSize)}

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.listeners[id] = l
	b.mu.Unlock()

	var once sync.Once
	return l.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

// Listeners reports how many subscriptions are registered.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Dropped is the number of deliveries skipped because a listener was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

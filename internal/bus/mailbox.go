package bus

import (
	"sync"

	"github.com/tedboudros/ClawQuant/internal/types"
)

// mailbox is an unbounded FIFO owned by one subscriber. Publishers append
// without blocking; the subscriber goroutine drains it in order.
type mailbox struct {
	mu     sync.Mutex
	queue  []types.Event
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev types.Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() (types.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return types.Event{}, false
	}
	ev := m.queue[0]
	m.queue[0] = types.Event{}
	m.queue = m.queue[1:]
	return ev, true
}

// drain discards every queued event and returns how many were dropped.
func (m *mailbox) drain() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	m.queue = nil
	return n
}

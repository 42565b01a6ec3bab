// Package feed holds the delivery primitive shared by the change feed
// adapters.
package feed

import (
	"sync"

	"github.com/pokeroster/presence/internal/core/domain"
)

// Mailbox is a subscription endpoint that never blocks the producer. Only the
// newest undelivered snapshot is kept, and snapshots older than one already
// accepted are dropped, so consumers see versions in non-decreasing order.
type Mailbox struct {
	mu       sync.Mutex
	latest   *domain.Account
	accepted int64
	started  bool

	signal  chan struct{}
	out     chan domain.Account
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// NewMailbox starts the delivery goroutine. onClose, if set, runs once when
// the mailbox is closed and should release the underlying stream.
func NewMailbox(onClose func()) *Mailbox {
	m := &Mailbox{
		signal:  make(chan struct{}, 1),
		out:     make(chan domain.Account),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	go m.pump()
	return m
}

// Offer queues a snapshot for delivery. It reports false when the snapshot
// was dropped as stale or the mailbox is closed.
func (m *Mailbox) Offer(a domain.Account) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	m.mu.Lock()
	if m.started && a.Version < m.accepted {
		m.mu.Unlock()
		return false
	}
	m.started = true
	m.accepted = a.Version
	m.latest = a.Clone()
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *Mailbox) Updates() <-chan domain.Account { return m.out }

// Close stops delivery and closes the Updates channel. Safe to call more
// than once.
func (m *Mailbox) Close() error {
	m.once.Do(func() {
		close(m.done)
		if m.onClose != nil {
			m.onClose()
		}
	})
	return nil
}

// Done is closed when Close has been called.
func (m *Mailbox) Done() <-chan struct{} { return m.done }

func (m *Mailbox) pump() {
	defer close(m.out)
	for {
		select {
		case <-m.done:
			return
		case <-m.signal:
		}

		m.mu.Lock()
		next := m.latest
		m.latest = nil
		m.mu.Unlock()
		if next == nil {
			continue
		}

		select {
		case m.out <- *next:
		case <-m.done:
			return
		}
	}
}

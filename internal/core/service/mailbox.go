package service

import (
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// mailbox is an unbounded FIFO of session events. Push never blocks so
// engine callbacks and the routing loop can't stall on a busy session.
type mailbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []event
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.notEmpty = sync.NewCond(&m.mu)
	return m
}

// push appends ev. It reports false once the mailbox is closed.
func (m *mailbox) push(ev event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.events = append(m.events, ev)
	m.notEmpty.Signal()
	return true
}

// pop blocks until an event is available. It returns false once the mailbox
// is closed; queued events are discarded on close.
func (m *mailbox) pop() (event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.events) == 0 && !m.closed {
		m.notEmpty.Wait()
	}
	if m.closed {
		return event{}, false
	}
	ev := m.events[0]
	m.events[0] = event{}
	m.events = m.events[1:]
	return ev, true
}

// hasPendingTerminal reports whether a message that ends the call is already
// queued: a remote HangUp, or a Busy when busyEnds is set.
func (m *mailbox) hasPendingTerminal(busyEnds bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.kind != evInbound {
			continue
		}
		switch ev.msg.Kind {
		case domain.KindHangUp:
			return true
		case domain.KindBusy:
			if busyEnds {
				return true
			}
		}
	}
	return false
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.events = nil
	m.mu.Unlock()
	m.notEmpty.Broadcast()
}

package channels

import (
	"log/slog"
	"sync"
)

// maxQueuedMessages bounds the outbound backlog per adapter. A JID whose
// sends keep failing would otherwise grow the queue without limit; on
// overflow the oldest entry is dropped with a warning.
const maxQueuedMessages = 1024

type queuedMessage struct {
	JID  string
	Text string
}

// OutgoingMessageQueue is the FIFO retry buffer adapters with unreliable
// connections keep in front of their send path. flush only dequeues the
// head after its send succeeds, so a failure preserves order.
type OutgoingMessageQueue struct {
	mu       sync.Mutex
	items    []queuedMessage
	flushing bool
}

// NewOutgoingMessageQueue creates an empty queue.
func NewOutgoingMessageQueue() *OutgoingMessageQueue {
	return &OutgoingMessageQueue{}
}

// Enqueue appends a message to the tail.
func (q *OutgoingMessageQueue) Enqueue(jid, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= maxQueuedMessages {
		dropped := q.items[0]
		q.items = q.items[1:]
		slog.Warn("outbound queue overflow, dropping oldest", "jid", dropped.JID)
	}
	q.items = append(q.items, queuedMessage{JID: jid, Text: text})
}

// Size returns the number of queued messages.
func (q *OutgoingMessageQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Flush drains the queue head-first through send. A second concurrent
// Flush is a no-op. The head is only dequeued after send returns nil, so
// a failing send leaves it in place for the next flush; the re-entrance
// flag is cleared on every exit path.
func (q *OutgoingMessageQueue) Flush(send func(jid, text string) error) error {
	q.mu.Lock()
	if q.flushing {
		q.mu.Unlock()
		return nil
	}
	q.flushing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.flushing = false
		q.mu.Unlock()
	}()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return nil
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := send(head.JID, head.Text); err != nil {
			return err
		}

		q.mu.Lock()
		// The head cannot have changed: only Flush dequeues and we hold
		// the re-entrance flag.
		q.items = q.items[1:]
		q.mu.Unlock()
	}
}

package gateway

import (
	"context"
	"errors"
	"sync"

	"github.com/mudvault/mesh/pkg/protocol"
)

// errQueueClosed is returned by pop after the queue is shut.
var errQueueClosed = errors.New("send queue closed")

// queued is one outbound envelope waiting for the writer.
type queued struct {
	msg *protocol.Message

	// retried marks envelopes already re-enqueued once at lower
	// priority; they are never retried again.
	retried bool
}

// sendQueue is the bounded outbound queue of one connection. Priorities
// run 1-10; dequeue takes the highest priority first and FIFO within a
// priority, so same-priority traffic keeps submission order. When full,
// push evicts the oldest envelope whose priority does not exceed the
// newcomer's; if everything queued outranks it the push is refused.
type sendQueue struct {
	mu       sync.Mutex
	buckets  [10][]*queued
	size     int
	capacity int
	closed   bool

	// ready carries one token per wakeup for the blocked writer.
	ready chan struct{}
}

func newSendQueue(capacity int) *sendQueue {
	return &sendQueue{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
	}
}

// push enqueues an envelope. evicted reports whether room was made by
// dropping an older message.
func (q *sendQueue) push(msg *protocol.Message, retried bool) (accepted, evicted bool) {
	pri := bucketIndex(msg.Metadata.Priority)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	if q.size >= q.capacity {
		if !q.evictUpTo(pri) {
			q.mu.Unlock()
			return false, false
		}
		evicted = true
	}

	q.buckets[pri] = append(q.buckets[pri], &queued{msg: msg, retried: retried})
	q.size++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}

	return true, evicted
}

// evictUpTo drops the oldest queued envelope of priority <= pri. Caller
// holds the lock.
func (q *sendQueue) evictUpTo(pri int) bool {
	for i := 0; i <= pri; i++ {
		if len(q.buckets[i]) == 0 {
			continue
		}
		q.buckets[i] = q.buckets[i][1:]
		q.size--
		return true
	}
	return false
}

// pop blocks until an envelope is available, the queue closes, or the
// context ends.
func (q *sendQueue) pop(ctx context.Context) (*queued, error) {
	for {
		q.mu.Lock()
		for i := len(q.buckets) - 1; i >= 0; i-- {
			if len(q.buckets[i]) == 0 {
				continue
			}
			item := q.buckets[i][0]
			q.buckets[i] = q.buckets[i][1:]
			q.size--
			q.mu.Unlock()
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, errQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// len reports how many envelopes wait.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// close refuses further pushes and wakes the writer so it can observe
// the closed state once the backlog drains.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func bucketIndex(priority int) int {
	if priority < 1 {
		return 0
	}
	if priority > 10 {
		return 9
	}
	return priority - 1
}

// Package queue implements a small blocking FIFO used to hand values
// between goroutines that must not drop a write under backpressure: in
// particular, relaying console control events from the system thread
// Windows invokes a registered ControlHandler on (spec.md §5) to the
// worker's single-threaded main loop.
package queue

import (
	"container/list"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Enqueue/Dequeue once Close has been called.
var ErrQueueClosed = errors.New("queue is closed")

// MessageQueue is an unbounded, multi-producer multi-consumer FIFO queue.
// Dequeue blocks until a value is available or the queue is closed.
type MessageQueue struct {
	m      sync.Mutex
	cond   *sync.Cond
	values *list.List
	closed bool
}

// NewMessageQueue creates a new, open MessageQueue.
func NewMessageQueue() *MessageQueue {
	mq := &MessageQueue{
		values: list.New(),
	}
	mq.cond = sync.NewCond(&mq.m)
	return mq
}

// Enqueue adds val to the back of the queue and wakes one blocked Dequeue.
func (mq *MessageQueue) Enqueue(val interface{}) error {
	mq.m.Lock()
	defer mq.m.Unlock()

	if mq.closed {
		return ErrQueueClosed
	}

	mq.values.PushBack(val)
	mq.cond.Signal()
	return nil
}

// Dequeue removes and returns the value at the front of the queue, blocking
// until one is available or the queue is closed.
func (mq *MessageQueue) Dequeue() (interface{}, error) {
	mq.m.Lock()
	defer mq.m.Unlock()

	for mq.values.Len() == 0 {
		if mq.closed {
			return nil, ErrQueueClosed
		}
		mq.cond.Wait()
	}

	if mq.closed {
		return nil, ErrQueueClosed
	}

	front := mq.values.Front()
	mq.values.Remove(front)
	return front.Value, nil
}

// Close marks the queue closed and wakes every blocked Dequeue so it can
// return ErrQueueClosed.
func (mq *MessageQueue) Close() {
	mq.m.Lock()
	defer mq.m.Unlock()

	if mq.closed {
		return
	}
	mq.closed = true
	mq.cond.Broadcast()
}

// Len returns the number of values currently queued.
func (mq *MessageQueue) Len() int {
	mq.m.Lock()
	defer mq.m.Unlock()
	return mq.values.Len()
}

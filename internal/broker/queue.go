package broker

import (
	"sync/atomic"

	"github.com/zindgh/mqtt-broker/internal/mqtt"
)

// Message is a decoded PUBLISH plus the publisher's client-id, present
// iff the publish carries QoS > 0 (needed for ack targeting).
type Message struct {
	Packet    *mqtt.Publish
	Publisher ClientID
	HasPub    bool
}

type queueNode struct {
	val  Message
	next atomic.Pointer[queueNode]
}

// MessageQueue is an unbounded, lock-free, multi-producer single-consumer
// FIFO. Producers swap themselves onto the tail and link the previous
// node forward; the consumer advances head through a permanent stub node,
// reclaiming each taken node as it goes. Producers never block (spec-level
// backpressure: the queue never bounds publishers).
//
// The wake channel is the queue's single waker slot: Enqueue posts a
// non-blocking signal after linking, so a consumer parked on Wait is
// woken by the next enqueue. A signal posted while the consumer is still
// draining stays buffered and is consumed on its next Wait.
type MessageQueue struct {
	head atomic.Pointer[queueNode] // consumer side, points at the current stub
	tail atomic.Pointer[queueNode] // producer side
	wake chan struct{}
}

// NewMessageQueue returns an empty queue.
func NewMessageQueue() *MessageQueue {
	stub := &queueNode{}
	q := &MessageQueue{wake: make(chan struct{}, 1)}
	q.head.Store(stub)
	q.tail.Store(stub)
	return q
}

// Enqueue appends msg to the tail of the queue and wakes the consumer.
func (q *MessageQueue) Enqueue(msg Message) {
	n := &queueNode{val: msg}
	prev := q.tail.Swap(n)
	prev.next.Store(n)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Dequeue removes and returns the head message, or false if the queue is
// empty. Only the single consumer may call it.
func (q *MessageQueue) Dequeue() (Message, bool) {
	head := q.head.Load()
	next := head.next.Load()
	if next == nil {
		return Message{}, false
	}
	q.head.Store(next)
	msg := next.val
	next.val = Message{} // release the payload with the old stub
	return msg, true
}

// Wait returns the channel the consumer parks on between drains.
func (q *MessageQueue) Wait() <-chan struct{} { return q.wake }

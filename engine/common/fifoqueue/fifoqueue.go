package fifoqueue

import (
	"fmt"
	mathbits "math/bits"
	"sync"

	"github.com/ef-ds/deque"
)

// FifoQueue implements a FIFO queue with max capacity and length observer.
// Elements that exceed the queue's max capacity are rejected by Push.
// By default, the theoretical capacity equals to the largest `int` value
// (platform dependent). Capacity can be set at construction time via the
// option `WithCapacity`.
// Each time the queue's length changes, the QueueLengthObserver is called
// with the new length. By default, the QueueLengthObserver is a NoOp.
//
// The queue is concurrency safe. The QueueLengthObserver must be non-blocking.
type FifoQueue struct {
	mu             sync.RWMutex
	queue          deque.Deque
	maxCapacity    int
	lengthObserver QueueLengthObserver
}

// ConstructorOption are optional arguments for the `NewFifoQueue`
// constructor to specify properties of the FifoQueue.
type ConstructorOption func(*FifoQueue) error

// QueueLengthObserver is a callback that can optionally provided
// to the `NewFifoQueue` constructor (via `WithLengthObserver` option).
type QueueLengthObserver func(int)

// WithCapacity is a constructor option for NewFifoQueue. It specifies the
// max number of elements the queue can hold.
func WithCapacity(capacity int) ConstructorOption {
	return func(queue *FifoQueue) error {
		if capacity < 1 {
			return fmt.Errorf("capacity for Fifo queue must be positive")
		}
		queue.maxCapacity = capacity
		return nil
	}
}

// WithLengthObserver is a constructor option for NewFifoQueue. Each time the
// queue's length changes, the queue calls the provided callback with the new
// length.
func WithLengthObserver(callback QueueLengthObserver) ConstructorOption {
	return func(queue *FifoQueue) error {
		if callback == nil {
			return fmt.Errorf("nil is not a valid QueueLengthObserver")
		}
		queue.lengthObserver = callback
		return nil
	}
}

// NewFifoQueue is the constructor for FifoQueue.
func NewFifoQueue(options ...ConstructorOption) (*FifoQueue, error) {
	maxInt := 1<<(mathbits.UintSize-1) - 1

	queue := &FifoQueue{
		maxCapacity:    maxInt,
		lengthObserver: func(int) { /* noop */ },
	}
	for _, opt := range options {
		err := opt(queue)
		if err != nil {
			return nil, fmt.Errorf("failed to apply constructor option to fifoqueue queue: %w", err)
		}
	}
	return queue, nil
}

// Push appends the given value to the tail of the queue.
// Returns false if the queue is at capacity, in which case the element is not stored.
func (q *FifoQueue) Push(element interface{}) bool {
	length, pushed := q.push(element)

	if pushed {
		q.lengthObserver(length)
	}
	return pushed
}

func (q *FifoQueue) push(element interface{}) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	length := q.queue.Len()
	if length < q.maxCapacity {
		q.queue.PushBack(element)
		return length + 1, true
	}
	return length, false
}

// Front peeks message at the head of the queue (without removing the head).
func (q *FifoQueue) Front() (interface{}, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.queue.Front()
}

// Pop removes and returns the queue's head element.
// If the queue is empty, (nil, false) is returned.
func (q *FifoQueue) Pop() (interface{}, bool) {
	event, length, ok := q.pop()
	if !ok {
		return nil, false
	}

	q.lengthObserver(length)
	return event, true
}

func (q *FifoQueue) pop() (interface{}, int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	event, ok := q.queue.PopFront()
	length := q.queue.Len()
	return event, length, ok
}

// Drain removes all elements from the queue and returns them in insertion order.
func (q *FifoQueue) Drain() []interface{} {
	q.mu.Lock()
	elements := make([]interface{}, 0, q.queue.Len())
	for {
		element, ok := q.queue.PopFront()
		if !ok {
			break
		}
		elements = append(elements, element)
	}
	q.mu.Unlock()

	if len(elements) > 0 {
		q.lengthObserver(0)
	}
	return elements
}

// RemoveFunc removes every element for which remove returns true, preserving the
// relative order of the remaining elements. It returns the number of removed elements.
func (q *FifoQueue) RemoveFunc(remove func(interface{}) bool) int {
	q.mu.Lock()
	n := q.queue.Len()
	removed := 0
	for i := 0; i < n; i++ {
		element, _ := q.queue.PopFront()
		if remove(element) {
			removed++
			continue
		}
		q.queue.PushBack(element)
	}
	length := q.queue.Len()
	q.mu.Unlock()

	if removed > 0 {
		q.lengthObserver(length)
	}
	return removed
}

// Len returns the current length of the queue.
func (q *FifoQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return q.queue.Len()
}

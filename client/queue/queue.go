package queue

import (
	"encoding/json"
	"errors"
	"sync"
)

const (
	DefaultCapacity = 1024

	minGrowSize = 16
)

var (
	ErrFull = errors.New("outbound queue is full")
)

// Policy decides what happens when a bounded queue is full.
type Policy int

const (
	// DropOldest evicts the head to make room for the new message.
	DropOldest Policy = iota
	// RejectNew keeps the queue as is and refuses the new message.
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNew:
		return "reject-new"
	default:
		return "unknown"
	}
}

// Message is an outbound event waiting for an open channel.
// Identity and timestamp are stamped later, at transmission.
type Message struct {
	Type string
	Data json.RawMessage
}

// Queue is a FIFO ring buffer. Capacity 0 means unbounded.
type Queue struct {
	mx       *sync.Mutex
	buf      []Message
	head     int
	size     int
	capacity int
	policy   Policy
	dropped  uint64
}

func New(capacity int, policy Policy) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	initial := capacity
	if initial == 0 || initial > minGrowSize {
		initial = minGrowSize
	}
	return &Queue{
		mx:       &sync.Mutex{},
		buf:      make([]Message, initial),
		capacity: capacity,
		policy:   policy,
	}
}

// Push appends m. For a full DropOldest queue the evicted head is returned
// with evicted=true; for a full RejectNew queue ErrFull is returned.
func (q *Queue) Push(m Message) (evicted Message, dropped bool, err error) {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.capacity > 0 && q.size == q.capacity {
		if q.policy == RejectNew {
			q.dropped++
			return Message{}, false, ErrFull
		}
		evicted = q.popLocked()
		dropped = true
		q.dropped++
	}
	if q.size == len(q.buf) {
		q.growLocked()
	}
	q.buf[(q.head+q.size)%len(q.buf)] = m
	q.size++
	return evicted, dropped, nil
}

// Pop removes the head.
func (q *Queue) Pop() (Message, bool) {
	q.mx.Lock()
	defer q.mx.Unlock()

	if q.size == 0 {
		return Message{}, false
	}
	return q.popLocked(), true
}

// Drain removes and returns every message in FIFO order.
func (q *Queue) Drain() []Message {
	q.mx.Lock()
	defer q.mx.Unlock()

	out := make([]Message, 0, q.size)
	for q.size > 0 {
		out = append(out, q.popLocked())
	}
	q.shrinkLocked()
	return out
}

func (q *Queue) Clear() {
	q.mx.Lock()
	defer q.mx.Unlock()

	for q.size > 0 {
		q.popLocked()
	}
	q.shrinkLocked()
}

func (q *Queue) Len() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.size
}

// Dropped is the total of messages lost to the overflow policy.
func (q *Queue) Dropped() uint64 {
	q.mx.Lock()
	defer q.mx.Unlock()
	return q.dropped
}

func (q *Queue) Policy() Policy {
	return q.policy
}

func (q *Queue) popLocked() Message {
	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return m
}

func (q *Queue) growLocked() {
	n := len(q.buf) * 2
	if q.capacity > 0 && n > q.capacity {
		n = q.capacity
	}
	buf := make([]Message, n)
	for i := 0; i < q.size; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}

// shrinkLocked releases memory held after a long disconnect.
func (q *Queue) shrinkLocked() {
	if q.size == 0 && len(q.buf) > minGrowSize {
		q.buf = make([]Message, minGrowSize)
	}
	q.head = 0
}

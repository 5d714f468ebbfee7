// Package queue implements the bounded multi-producer/multi-consumer
// buffer between ingress and the delivery workers. Three FIFO lanes, one
// per priority, share a single capacity bound; producers block when the
// bound is reached (backpressure) instead of dropping.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"otp-gateway/internal/messages"
)

var (
	// ErrFull is returned when a producer waited the full block timeout
	// without a slot freeing up.
	ErrFull = errors.New("queue full: backpressure timeout")
	// ErrClosed is returned to producers after shutdown begins.
	ErrClosed = errors.New("queue closed")
)

const lanes = int(messages.PriorityLow) + 1

type Queue struct {
	maxSize      int
	blockTimeout time.Duration

	mu    sync.Mutex
	items [lanes][]*messages.Message

	// slots holds one token per free capacity slot, wake one token per
	// queued message. Both are sized to maxSize so sends never block
	// once a slot is held.
	slots chan struct{}
	wake  chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	depth         int64
	totalEnqueued int64
}

// New builds a queue with the given total bound. blockTimeout caps how
// long Enqueue waits for a free slot; zero means the 10s default.
func New(maxSize int, blockTimeout time.Duration) *Queue {
	if blockTimeout <= 0 {
		blockTimeout = 10 * time.Second
	}
	q := &Queue{
		maxSize:      maxSize,
		blockTimeout: blockTimeout,
		slots:        make(chan struct{}, maxSize),
		wake:         make(chan struct{}, maxSize),
		closed:       make(chan struct{}),
	}
	for i := 0; i < maxSize; i++ {
		q.slots <- struct{}{}
	}
	return q
}

// Enqueue adds a message, blocking up to the queue's block timeout when
// full. Producers are never silently dropped: the outcome is nil, ErrFull
// or ErrClosed.
func (q *Queue) Enqueue(ctx context.Context, msg *messages.Message) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()

	select {
	case <-q.slots:
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrFull
	}

	select {
	case <-q.closed:
		q.slots <- struct{}{}
		return ErrClosed
	default:
	}

	q.push(msg)
	atomic.AddInt64(&q.totalEnqueued, 1)
	return nil
}

// Requeue puts a retried message back into its priority lane. It does not
// count toward total_enqueued and stays usable during drain so retries
// are not lost while the queue refuses new producers.
func (q *Queue) Requeue(ctx context.Context, msg *messages.Message) error {
	select {
	case <-q.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.push(msg)
	return nil
}

func (q *Queue) push(msg *messages.Message) {
	lane := int(msg.Priority)
	if lane < 0 || lane >= lanes {
		lane = int(messages.PriorityNormal)
	}

	q.mu.Lock()
	q.items[lane] = append(q.items[lane], msg)
	q.mu.Unlock()

	atomic.AddInt64(&q.depth, 1)
	q.wake <- struct{}{}
}

// Dequeue returns the next message, highest priority first and FIFO
// within a priority, waiting up to wait for one to arrive. The short
// wait keeps consumers responsive to shutdown checks.
func (q *Queue) Dequeue(wait time.Duration) (*messages.Message, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-q.wake:
	case <-timer.C:
		return nil, false
	}

	q.mu.Lock()
	var msg *messages.Message
	for lane := 0; lane < lanes; lane++ {
		if len(q.items[lane]) > 0 {
			msg = q.items[lane][0]
			q.items[lane] = q.items[lane][1:]
			break
		}
	}
	q.mu.Unlock()

	atomic.AddInt64(&q.depth, -1)
	q.slots <- struct{}{}
	return msg, true
}

func (q *Queue) Depth() int {
	return int(atomic.LoadInt64(&q.depth))
}

func (q *Queue) MaxSize() int {
	return q.maxSize
}

func (q *Queue) TotalEnqueued() int64 {
	return atomic.LoadInt64(&q.totalEnqueued)
}

// Close stops accepting new producer messages. Idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// CloseAndDrain closes the queue to producers and waits until consumers
// have emptied it or the timeout elapses. Returns the remaining depth.
func (q *Queue) CloseAndDrain(timeout time.Duration) int {
	q.Close()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for q.Depth() > 0 {
		if time.Now().After(deadline) {
			break
		}
		<-ticker.C
	}
	return q.Depth()
}

type Metrics struct {
	Depth         int   `json:"queue_depth"`
	MaxSize       int   `json:"max_size"`
	TotalEnqueued int64 `json:"total_enqueued"`
}

func (q *Queue) Metrics() Metrics {
	return Metrics{
		Depth:         q.Depth(),
		MaxSize:       q.maxSize,
		TotalEnqueued: q.TotalEnqueued(),
	}
}

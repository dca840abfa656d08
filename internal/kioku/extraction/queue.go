// Package extraction turns free text into long-term memories through an
// at-least-once queue: the request surface publishes envelope events, and a
// Consumer extracts candidates with the text-generation service and stores
// them idempotently.
package extraction

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Kioku/common/spec/envelope"
)

// ErrClosed is returned by Receive after Close.
var ErrClosed = errors.New("extraction: queue closed")

// Delivery is one received event. ID identifies the delivery to Ack/Nack
// and stays the same when the event is redelivered.
type Delivery struct {
	ID   string
	Data []byte
}

// Queue is an at-least-once event queue. An event that is received but
// never acked is delivered again.
type Queue interface {
	Publish(ctx context.Context, evt *envelope.Event) error
	// Receive blocks until a delivery is available, ctx ends, or the queue
	// is closed.
	Receive(ctx context.Context) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack hands the delivery back for a later retry.
	Nack(ctx context.Context, d Delivery) error
	Close() error
}

// MemoryQueue is an in-process Queue for single-node deployments and
// tests. Pending events are lost when the process exits.
type MemoryQueue struct {
	// RedeliveryDelay is how long a nacked delivery waits before it is
	// received again.
	RedeliveryDelay time.Duration

	ch       chan Delivery
	done     chan struct{}
	seq      atomic.Uint64
	pending  atomic.Int64 // published and not yet acked
	mu       sync.Mutex
	inflight map[string]Delivery
	closed   bool
}

// NewMemoryQueue returns a queue buffering up to size events.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{
		RedeliveryDelay: time.Second,
		ch:              make(chan Delivery, size),
		done:            make(chan struct{}),
		inflight:        make(map[string]Delivery),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, evt *envelope.Event) error {
	data, err := evt.Marshal()
	if err != nil {
		return err
	}
	d := Delivery{ID: strconv.FormatUint(q.seq.Add(1), 10), Data: data}
	q.pending.Add(1)
	select {
	case q.ch <- d:
		return nil
	case <-q.done:
		q.pending.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		q.pending.Add(-1)
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		q.mu.Lock()
		q.inflight[d.ID] = d
		q.mu.Unlock()
		return d, nil
	case <-q.done:
		return Delivery{}, ErrClosed
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	_, ok := q.inflight[d.ID]
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	if ok {
		q.pending.Add(-1)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, d Delivery) error {
	q.mu.Lock()
	d, ok := q.inflight[d.ID]
	delete(q.inflight, d.ID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	time.AfterFunc(q.RedeliveryDelay, func() {
		select {
		case q.ch <- d:
		case <-q.done:
		}
	})
	return nil
}

// Pending returns the number of published events not yet acked, including
// those waiting for redelivery.
func (q *MemoryQueue) Pending() int {
	return int(q.pending.Load())
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)

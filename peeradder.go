package livetorrent

import (
	"context"
	"sync"

	"github.com/anacrolix/log"
	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// addrQueue is the unbounded multi-producer queue of discovered peer
// addresses the tracker monitors feed and the peer adder drains.
type addrQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []string
	closed bool
}

func newAddrQueue() *addrQueue {
	q := &addrQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues addr; it never blocks.
func (q *addrQueue) Push(addr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, addr)
	q.cond.Signal()
}

// Close wakes any blocked pop with ok=false.
func (q *addrQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *addrQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return "", false
	}
	addr := q.items[0]
	q.items = q.items[1:]
	return addr, true
}

// PeerAdder (C4) drains the address queue, enforces the global 128-wide
// concurrency cap, and spawns one task per peer.
type PeerAdder struct {
	queue      *addrQueue
	sem        *semaphore.Weighted
	table      *PeerTable
	newBackoff func() backoff.BackOff
	isFinished func() bool
	managePeer func(ctx context.Context, addr string)
	tracer     trace.Tracer
	logger     log.Logger
}

func NewPeerAdder(
	table *PeerTable,
	maxActivePeers int64,
	newBackoff func() backoff.BackOff,
	isFinished func() bool,
	managePeer func(ctx context.Context, addr string),
	logger log.Logger,
) *PeerAdder {
	return &PeerAdder{
		queue:      newAddrQueue(),
		sem:        semaphore.NewWeighted(maxActivePeers),
		table:      table,
		newBackoff: newBackoff,
		isFinished: isFinished,
		managePeer: managePeer,
		tracer:     otel.Tracer("livetorrent/peeradder"),
		logger:     logger,
	}
}

// AddPeerIfNotSeen is the entry point tracker monitors use to submit an
// address.
func (a *PeerAdder) AddPeerIfNotSeen(addr string) {
	a.queue.Push(addr)
}

// Run drains the queue until ctx is cancelled (the session's broadcast
// cancellation signal).
func (a *PeerAdder) Run(ctx context.Context) {
	defer a.queue.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		addr, ok := a.popWithContext(ctx)
		if !ok {
			return
		}

		entry, _ := a.table.AddIfNotSeen(addr, a.newBackoff)
		if a.isFinished() {
			entry.Lock()
			a.table.MarkNotNeededIfQueued(entry)
			entry.Unlock()
			continue
		}

		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		peerCtx, span := a.tracer.Start(ctx, "manage_peer", trace.WithAttributes(attribute.String("peer.addr", addr)))
		go func(ctx context.Context, addr string) {
			defer span.End()
			defer a.sem.Release(1)
			a.managePeer(ctx, addr)
		}(peerCtx, addr)
	}
}

// popWithContext pops the next address, unblocking if ctx is cancelled
// while the queue is empty.
func (a *PeerAdder) popWithContext(ctx context.Context) (string, bool) {
	type result struct {
		addr string
		ok   bool
	}
	done := make(chan result, 1)
	go func() {
		addr, ok := a.queue.pop()
		done <- result{addr, ok}
	}()
	select {
	case <-ctx.Done():
		return "", false
	case r := <-done:
		return r.addr, r.ok
	}
}

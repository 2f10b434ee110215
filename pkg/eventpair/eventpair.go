// Package eventpair models the engine's async event-pair: a bidirectional
// signal channel between the engine and a single instrumented process.
// Each end can set or clear named signal bits on itself or its peer; a
// waiter resolves when any bit in its mask becomes set, or fails when the
// peer has closed.
package eventpair

import (
	"context"
	"sync"

	"github.com/google/realmfuzzer/pkg/fault"
)

// Signal is a bitmask over the vocabulary the engine and process exchange.
type Signal uint32

const (
	KSync Signal = 1 << iota
	KStart
	KStartLeakCheck
	KFinish
	KFinishWithLeaks
)

// Pair is one end of a two-ended event-pair. New returns both ends linked
// to each other.
type Pair struct {
	mu     sync.Mutex
	cond   *sync.Cond
	self   Signal
	peer   *Pair
	closed bool
}

// New creates a linked pair of event-pair ends.
func New() (a, b *Pair) {
	a = &Pair{}
	b = &Pair{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

// SignalSelf sets bits on this end and wakes any waiter on it.
func (p *Pair) SignalSelf(bits Signal) {
	p.mu.Lock()
	p.self |= bits
	p.mu.Unlock()
	p.cond.Broadcast()
}

// ClearSelf clears bits on this end.
func (p *Pair) ClearSelf(bits Signal) {
	p.mu.Lock()
	p.self &^= bits
	p.mu.Unlock()
}

// SignalPeer sets bits on the peer end and wakes any waiter on it. It is a
// no-op if the peer has closed.
func (p *Pair) SignalPeer(bits Signal) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	p.peer.SignalSelf(bits)
}

// Close marks this end closed; the peer's pending and future waits fail
// with PeerClosed. This is the primary means by which the engine learns a
// process has crashed or exited.
func (p *Pair) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.peer.mu.Lock()
	p.peer.closed = true
	p.peer.mu.Unlock()
	p.peer.cond.Broadcast()
}

// WaitFor blocks until any signal in mask is set on this end, returning the
// bits that were set, or fails if the peer has closed first or ctx ends.
func (p *Pair) WaitFor(ctx context.Context, mask Signal) (Signal, error) {
	done := make(chan struct{})
	var once sync.Once
	stop := context.AfterFunc(ctx, func() {
		once.Do(func() { close(done) })
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.self&mask != 0 {
			got := p.self & mask
			return got, nil
		}
		if p.closed {
			return 0, fault.New(fault.PeerClosed, "eventpair: peer closed while waiting for %v", mask)
		}
		select {
		case <-done:
			return 0, ctx.Err()
		default:
		}
		p.cond.Wait()
	}
}

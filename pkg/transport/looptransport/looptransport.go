// Package looptransport implements transport.Transport entirely in-process
// over goroutines and channels. It is the transport every unit test and
// cmd/vtrun's --ranks mode run over: deterministic, no wall-clock
// dependency, and it still
// exercises the exact same Transport contract a real multi-process
// transport must satisfy (FIFO per (sender, tag), non-blocking send/recv,
// barrier, broadcast).
package looptransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/pkg/transport"
)

// Network is shared state for a whole loopback job: one Network per test or
// example process, one Transport per simulated rank.
type Network struct {
	mu        sync.Mutex
	mailboxes []*mailbox
	size      int

	barrierMu    sync.Mutex
	barrierCount int
	barrierGen   int
	barrierCh    chan struct{}

	bcastMu   sync.Mutex
	bcastSeq  int
	bcastSlot map[int]*bcastSlot
}

type bcastSlot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	set     bool
	arrived int
}

// NewNetwork creates a loopback job of the given size. Call Transport(rank)
// for each rank in 0..size-1 before use.
func NewNetwork(size int) *Network {
	n := &Network{
		size:      size,
		mailboxes: make([]*mailbox, size),
		bcastSlot: make(map[int]*bcastSlot),
	}
	for i := range n.mailboxes {
		n.mailboxes[i] = newMailbox()
	}
	n.barrierCh = make(chan struct{})
	return n
}

// Transport returns the Transport handle for rank.
func (n *Network) Transport(rank int) *Transport {
	return &Transport{net: n, rank: rank}
}

type msg struct {
	source int
	tag    int
	data   []byte
}

type pendingRecv struct {
	tag    int
	source int
	buf    []byte
	done   chan struct{}
	n      int
}

type mailbox struct {
	mu      sync.Mutex
	msgs    []msg
	waiters []*pendingRecv
}

func newMailbox() *mailbox { return &mailbox{} }

// Transport is one rank's view of a Network. It implements transport.Transport.
type Transport struct {
	net  *Network
	rank int
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.net.size }

type sendRequest struct{}

func (sendRequest) Test() (bool, error) { return true, nil }

func (t *Transport) ISend(dest int, tag int, data []byte) (transport.SendRequest, error) {
	if dest < 0 || dest >= t.net.size {
		return nil, fmt.Errorf("looptransport: send to invalid rank %d", dest)
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	mb := t.net.mailboxes[dest]
	mb.mu.Lock()
	matched := false
	for i, w := range mb.waiters {
		if w.tag == tag && (w.source < 0 || w.source == t.rank) {
			n := copy(w.buf, cp)
			w.n = n
			mb.waiters = append(mb.waiters[:i], mb.waiters[i+1:]...)
			close(w.done)
			matched = true
			break
		}
	}
	if !matched {
		mb.msgs = append(mb.msgs, msg{source: t.rank, tag: tag, data: cp})
	}
	mb.mu.Unlock()

	return sendRequest{}, nil
}

type recvRequest struct {
	immediate bool
	n         int
	waiter    *pendingRecv
}

func (r *recvRequest) Test() (bool, int, error) {
	if r.immediate {
		return true, r.n, nil
	}
	select {
	case <-r.waiter.done:
		return true, r.waiter.n, nil
	default:
		return false, 0, nil
	}
}

func (t *Transport) IRecv(tag int, source int, buf []byte) (transport.RecvRequest, error) {
	mb := t.net.mailboxes[t.rank]
	mb.mu.Lock()
	for i, m := range mb.msgs {
		if m.tag == tag && (source < 0 || source == m.source) {
			n := copy(buf, m.data)
			mb.msgs = append(mb.msgs[:i], mb.msgs[i+1:]...)
			mb.mu.Unlock()
			return &recvRequest{immediate: true, n: n}, nil
		}
	}
	w := &pendingRecv{tag: tag, source: source, buf: buf, done: make(chan struct{})}
	mb.waiters = append(mb.waiters, w)
	mb.mu.Unlock()
	return &recvRequest{waiter: w}, nil
}

func (t *Transport) ProbeAny() (source, tag, size int, ok bool) {
	mb := t.net.mailboxes[t.rank]
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.msgs) == 0 {
		return 0, 0, 0, false
	}
	m := mb.msgs[0]
	return m.source, m.tag, len(m.data), true
}

// Barrier implements a simple generation-counted rendezvous: the last
// arrival closes the channel that releases everyone waiting in this
// generation, then installs a fresh channel for the next one.
func (t *Transport) Barrier(ctx context.Context) error {
	n := t.net
	n.barrierMu.Lock()
	ch := n.barrierCh
	n.barrierCount++
	if n.barrierCount == n.size {
		n.barrierCount = 0
		n.barrierGen++
		n.barrierCh = make(chan struct{})
		close(ch)
		n.barrierMu.Unlock()
		return nil
	}
	n.barrierMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bcast distributes data from root to every rank, keyed by a shared
// monotonic sequence number so concurrent unrelated broadcasts in a test
// don't interleave.
func (t *Transport) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	n := t.net
	n.bcastMu.Lock()
	seq := n.bcastSeq
	slot, ok := n.bcastSlot[seq]
	if !ok {
		slot = &bcastSlot{}
		slot.cond = sync.NewCond(&slot.mu)
		n.bcastSlot[seq] = slot
	}
	n.bcastMu.Unlock()

	slot.mu.Lock()
	if t.rank == root {
		slot.data = append([]byte(nil), data...)
		slot.set = true
	}
	slot.arrived++
	allArrived := slot.arrived == n.size
	slot.cond.Broadcast()
	for !slot.set {
		slot.cond.Wait()
	}
	result := append([]byte(nil), slot.data...)
	slot.mu.Unlock()

	if allArrived {
		n.bcastMu.Lock()
		delete(n.bcastSlot, seq)
		n.bcastSeq++
		n.bcastMu.Unlock()
	}
	return result, nil
}

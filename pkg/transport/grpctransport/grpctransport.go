// Package grpctransport's Transport type wires the hand-declared service in
// service.go into a working transport.Transport: every rank runs a server
// (Deliver fills the local mailbox; BarrierJoin/BcastJoin run only on the
// designated coordinator rank) and dials every peer as a client.
package grpctransport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/transport"
)

// Config describes one rank's view of the job.
type Config struct {
	Rank int
	// Addresses is the listen address for every rank, indexed by rank.
	// Addresses[Rank] is what this process listens on.
	Addresses []string
	// CoordinatorRank serves Barrier and Bcast rendezvous. Defaults to 0.
	CoordinatorRank int
	DialOptions      []grpc.DialOption
	ServerOptions    []grpc.ServerOption
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

// Transport is a gRPC-backed transport.Transport for one rank.
type Transport struct {
	rank            int
	size            int
	coordinatorRank int

	mu      sync.Mutex
	msgs    []msg
	waiters []*pendingRecv

	server   *grpc.Server
	lis      net.Listener
	conns    []*grpc.ClientConn
	clients  []transportClient

	coord *coordinator
}

var _ transport.Transport = (*Transport)(nil)

type coordinator struct {
	mu           sync.Mutex
	barrierCount int
	barrierGen   int
	barrierCh    chan struct{}

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

func newCoordinator() *coordinator {
	return &coordinator{barrierCh: make(chan struct{}), bcastSlot: make(map[int]*bcastSlot)}
}

// New starts the local gRPC server and dials every peer. Callers must call
// Close when done.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	size := len(cfg.Addresses)
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fmt.Errorf("grpctransport: rank %d out of range [0,%d)", cfg.Rank, size)
	}

	t := &Transport{rank: cfg.Rank, size: size, coordinatorRank: cfg.CoordinatorRank}
	if cfg.Rank == cfg.CoordinatorRank {
		t.coord = newCoordinator()
	}

	lis, err := net.Listen("tcp", cfg.Addresses[cfg.Rank])
	if err != nil {
		return nil, fmt.Errorf("grpctransport: listen: %w", err)
	}
	t.lis = lis
	t.server = grpc.NewServer(cfg.ServerOptions...)
	registerTransportServer(t.server, (*transportServerImpl)(t))
	go func() {
		if err := t.server.Serve(lis); err != nil {
			log.Warn("grpctransport server stopped", "rank", t.rank, "error", err)
		}
	}()

	t.conns = make([]*grpc.ClientConn, size)
	t.clients = make([]transportClient, size)
	dialOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, cfg.DialOptions...)
	for i, addr := range cfg.Addresses {
		conn, err := grpc.NewClient(addr, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("grpctransport: dial rank %d: %w", i, err)
		}
		t.conns[i] = conn
		t.clients[i] = newTransportClient(conn)
	}
	return t, nil
}

// Close shuts down the server and every outbound connection.
func (t *Transport) Close() error {
	t.server.GracefulStop()
	var firstErr error
	for _, c := range t.conns {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Rank() int { return t.rank }
func (t *Transport) Size() int { return t.size }

type sendRequest struct{ err error }

func (r sendRequest) Test() (bool, error) { return true, r.err }

func (t *Transport) ISend(dest int, tag int, data []byte) (transport.SendRequest, error) {
	if dest < 0 || dest >= t.size {
		return nil, fmt.Errorf("grpctransport: send to invalid rank %d", dest)
	}
	frame := encodeFrame(t.rank, tag, data)
	_, err := t.clients[dest].Deliver(context.Background(), wrapperspb.Bytes(frame))
	return sendRequest{err: err}, err
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
	t.mu.Lock()
	for i, m := range t.msgs {
		if m.tag == tag && (source < 0 || source == m.source) {
			n := copy(buf, m.data)
			t.msgs = append(t.msgs[:i], t.msgs[i+1:]...)
			t.mu.Unlock()
			return &recvRequest{immediate: true, n: n}, nil
		}
	}
	w := &pendingRecv{tag: tag, source: source, buf: buf, done: make(chan struct{})}
	t.waiters = append(t.waiters, w)
	t.mu.Unlock()
	return &recvRequest{waiter: w}, nil
}

func (t *Transport) ProbeAny() (source, tag, size int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.msgs) == 0 {
		return 0, 0, 0, false
	}
	m := t.msgs[0]
	return m.source, m.tag, len(m.data), true
}

func (t *Transport) deliverLocal(source, tag int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range t.waiters {
		if w.tag == tag && (w.source < 0 || w.source == source) {
			w.n = copy(w.buf, data)
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			close(w.done)
			return
		}
	}
	t.msgs = append(t.msgs, msg{source: source, tag: tag, data: append([]byte(nil), data...)})
}

func (t *Transport) Barrier(ctx context.Context) error {
	_, err := t.clients[t.coordinatorRank].BarrierJoin(ctx, wrapperspb.Bytes(nil))
	return err
}

func (t *Transport) Bcast(ctx context.Context, root int, data []byte) ([]byte, error) {
	payload := make([]byte, 1+len(data))
	if t.rank == root {
		payload[0] = 1
		copy(payload[1:], data)
	}
	out, err := t.clients[t.coordinatorRank].BcastJoin(ctx, wrapperspb.Bytes(payload))
	if err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

// transportServerImpl adapts *Transport to the transportServer RPC
// interface without polluting Transport's public method set.
type transportServerImpl Transport

func (s *transportServerImpl) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	source, tag, data, err := decodeFrame(in.GetValue())
	if err != nil {
		return nil, err
	}
	(*Transport)(s).deliverLocal(source, tag, data)
	return &emptypb.Empty{}, nil
}

func (s *transportServerImpl) BarrierJoin(ctx context.Context, _ *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	t := (*Transport)(s)
	if t.coord == nil {
		return nil, fmt.Errorf("grpctransport: rank %d is not the barrier coordinator", t.rank)
	}
	c := t.coord
	c.mu.Lock()
	ch := c.barrierCh
	c.barrierCount++
	if c.barrierCount == t.size {
		c.barrierCount = 0
		c.barrierGen++
		c.barrierCh = make(chan struct{})
		close(ch)
		c.mu.Unlock()
		return &emptypb.Empty{}, nil
	}
	c.mu.Unlock()

	select {
	case <-ch:
		return &emptypb.Empty{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *transportServerImpl) BcastJoin(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	t := (*Transport)(s)
	if t.coord == nil {
		return nil, fmt.Errorf("grpctransport: rank %d is not the broadcast coordinator", t.rank)
	}
	c := t.coord

	payload := in.GetValue()
	isRoot := len(payload) > 0 && payload[0] == 1
	var data []byte
	if len(payload) > 1 {
		data = payload[1:]
	}

	c.mu.Lock()
	seq := c.bcastSeq
	slot, ok := c.bcastSlot[seq]
	if !ok {
		slot = &bcastSlot{}
		slot.cond = sync.NewCond(&slot.mu)
		c.bcastSlot[seq] = slot
	}
	c.mu.Unlock()

	slot.mu.Lock()
	if isRoot {
		slot.data = append([]byte(nil), data...)
		slot.set = true
	}
	slot.arrived++
	allArrived := slot.arrived == t.size
	slot.cond.Broadcast()
	for !slot.set {
		slot.cond.Wait()
	}
	result := append([]byte(nil), slot.data...)
	slot.mu.Unlock()

	if allArrived {
		c.mu.Lock()
		delete(c.bcastSlot, seq)
		c.bcastSeq++
		c.mu.Unlock()
	}
	return wrapperspb.Bytes(result), nil
}

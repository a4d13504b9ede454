// Package collective implements tree-based barriers and reductions shared
// by every rank, gathering up a binary spanning tree and releasing back
// down it, the same shape pkg/termination's wave algorithm and
// pkg/messenger's broadcast use for their own spanning trees.
package collective

import (
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// Op combines two partial reduction values into one. Must be associative
// and commutative: the tree imposes no particular combination order across
// ranks.
type Op func(a, b int64) int64

var (
	Sum     Op = func(a, b int64) int64 { return a + b }
	Product Op = func(a, b int64) int64 { return a * b }
	Max     Op = func(a, b int64) int64 {
		if a > b {
			return a
		}
		return b
	}
	Min Op = func(a, b int64) int64 {
		if a < b {
			return a
		}
		return b
	}
)

func spanningChildren(root, rank, size int) []int {
	rel := (rank - root + size) % size
	var children []int
	for _, c := range []int{rel*2 + 1, rel*2 + 2} {
		if c < size {
			children = append(children, (c+root)%size)
		}
	}
	return children
}

func spanningParent(root, rank, size int) int {
	if rank == root {
		return -1
	}
	rel := (rank - root + size) % size
	parentRel := (rel - 1) / 2
	return (parentRel + root) % size
}

type barrierState struct {
	root     int
	parent   int
	children []int
	arrived  map[int]struct{}
	entered  bool
	released bool
	actions  []func()
}

type reduceState struct {
	root     int
	parent   int
	children []int
	acc      int64
	op       Op
	reported map[int]struct{}
	entered  bool
	released bool
	actions  []func(int64)
}

// Manager is the per-rank singleton driving every named barrier and
// reduction on this rank. The zero value is not usable; use New.
type Manager struct {
	rank int
	size int
	msgr *messenger.Messenger

	mu       sync.Mutex
	barriers map[string]*barrierState
	reduces  map[string]*reduceState

	gatherHandlerID        envelope.HandlerID
	releaseHandlerID       envelope.HandlerID
	reduceGatherHandlerID  envelope.HandlerID
	reduceReleaseHandlerID envelope.HandlerID
}

// New creates a Manager and registers its control handlers with msgr.
func New(rank, size int, msgr *messenger.Messenger) *Manager {
	m := &Manager{
		rank:     rank,
		size:     size,
		msgr:     msgr,
		barriers: make(map[string]*barrierState),
		reduces:  make(map[string]*reduceState),
	}
	m.gatherHandlerID = msgr.RegisterHandler(m.handleGather, registry.NoTag)
	m.releaseHandlerID = msgr.RegisterHandler(m.handleRelease, registry.NoTag)
	m.reduceGatherHandlerID = msgr.RegisterHandler(m.handleReduceGather, registry.NoTag)
	m.reduceReleaseHandlerID = msgr.RegisterHandler(m.handleReduceRelease, registry.NoTag)
	return m
}

func (m *Manager) barrierFor(name string, root int) *barrierState {
	if st, ok := m.barriers[name]; ok {
		return st
	}
	st := &barrierState{
		root:     root,
		parent:   spanningParent(root, m.rank, m.size),
		children: spanningChildren(root, m.rank, m.size),
		arrived:  make(map[int]struct{}),
	}
	m.barriers[name] = st
	return st
}

// Barrier enters the named barrier rooted at rank 0, calling onDone once
// every rank has entered it. Call with an empty name for a single unnamed
// barrier per call site; a reused name synchronizes repeated passes through
// the same code path across ranks.
func (m *Manager) Barrier(name string, onDone func()) {
	m.mu.Lock()
	st := m.barrierFor(name, 0)
	if st.released {
		m.mu.Unlock()
		if onDone != nil {
			onDone()
		}
		return
	}
	st.entered = true
	if onDone != nil {
		st.actions = append(st.actions, onDone)
	}
	m.maybeAdvanceBarrier(name, st)
}

// maybeAdvanceBarrier must be called with m.mu held; it releases the lock
// itself before returning, since sending requires it to be free.
func (m *Manager) maybeAdvanceBarrier(name string, st *barrierState) {
	ready := st.entered && len(st.arrived) == len(st.children)
	parent := st.parent
	m.mu.Unlock()
	if !ready {
		return
	}
	if parent < 0 {
		m.releaseBarrier(name, st)
		return
	}
	if _, err := m.msgr.Send(parent, m.gatherHandlerID, encodeGather(name), 0); err != nil {
		log.Error("collective: failed to send barrier gather", "rank", m.rank, "parent", parent, "error", err)
	}
}

func (m *Manager) handleGather(_ envelope.Envelope, body []byte) {
	name, err := decodeGather(body)
	if err != nil {
		log.Error("collective: malformed barrier gather", "rank", m.rank, "error", err)
		return
	}
	fromNode, _ := m.msgr.GetFromNode()

	m.mu.Lock()
	st := m.barrierFor(name, 0)
	st.arrived[fromNode] = struct{}{}
	m.maybeAdvanceBarrier(name, st)
}

func (m *Manager) releaseBarrier(name string, st *barrierState) {
	m.mu.Lock()
	st.released = true
	actions := st.actions
	st.actions = nil
	children := append([]int(nil), st.children...)
	m.mu.Unlock()

	payload := encodeRelease(name)
	for _, c := range children {
		if _, err := m.msgr.Send(c, m.releaseHandlerID, payload, 0); err != nil {
			log.Error("collective: failed to send barrier release", "rank", m.rank, "child", c, "error", err)
		}
	}
	for _, a := range actions {
		a()
	}
}

func (m *Manager) handleRelease(_ envelope.Envelope, body []byte) {
	name, err := decodeRelease(body)
	if err != nil {
		log.Error("collective: malformed barrier release", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	st := m.barrierFor(name, 0)
	m.mu.Unlock()
	m.releaseBarrier(name, st)
}

func (m *Manager) reduceFor(name string, root int, op Op) *reduceState {
	if st, ok := m.reduces[name]; ok {
		return st
	}
	st := &reduceState{
		root:     root,
		parent:   spanningParent(root, m.rank, m.size),
		children: spanningChildren(root, m.rank, m.size),
		op:       op,
		reported: make(map[int]struct{}),
	}
	m.reduces[name] = st
	return st
}

// Reduce combines value from every rank using op and delivers the final
// result to onDone on every rank (an allreduce), keyed by name the same way
// Barrier is: reuse a name to repeat the same reduction at the same call
// site across iterations.
func (m *Manager) Reduce(name string, value int64, op Op, onDone func(result int64)) {
	m.mu.Lock()
	st := m.reduceFor(name, 0, op)
	if st.entered {
		m.mu.Unlock()
		log.Error("collective: Reduce called twice for the same name before it completed", "rank", m.rank, "name", name)
		return
	}
	st.entered = true
	st.acc = value
	if onDone != nil {
		st.actions = append(st.actions, onDone)
	}
	m.maybeAdvanceReduce(name, st)
}

func (m *Manager) maybeAdvanceReduce(name string, st *reduceState) {
	ready := st.entered && len(st.reported) == len(st.children)
	parent := st.parent
	acc := st.acc
	m.mu.Unlock()
	if !ready {
		return
	}
	if parent < 0 {
		m.releaseReduce(name, st, acc)
		return
	}
	if _, err := m.msgr.Send(parent, m.reduceGatherHandlerID, encodeReduceGather(reduceGather{name: name, value: acc}), 0); err != nil {
		log.Error("collective: failed to send reduce gather", "rank", m.rank, "parent", parent, "error", err)
	}
}

func (m *Manager) handleReduceGather(_ envelope.Envelope, body []byte) {
	msg, err := decodeReduceGather(body)
	if err != nil {
		log.Error("collective: malformed reduce gather", "rank", m.rank, "error", err)
		return
	}
	fromNode, _ := m.msgr.GetFromNode()

	m.mu.Lock()
	st := m.reduceFor(msg.name, 0, nil)
	if st.op == nil {
		st.op = Sum
		log.Warn("collective: reduce gather arrived before this rank entered; defaulting to Sum", "rank", m.rank, "name", msg.name)
	}
	if _, already := st.reported[fromNode]; !already {
		st.reported[fromNode] = struct{}{}
		st.acc = st.op(st.acc, msg.value)
	}
	m.maybeAdvanceReduce(msg.name, st)
}

func (m *Manager) releaseReduce(name string, st *reduceState, result int64) {
	m.mu.Lock()
	st.released = true
	actions := st.actions
	st.actions = nil
	children := append([]int(nil), st.children...)
	m.mu.Unlock()

	payload := encodeReduceRelease(reduceRelease{name: name, value: result})
	for _, c := range children {
		if _, err := m.msgr.Send(c, m.reduceReleaseHandlerID, payload, 0); err != nil {
			log.Error("collective: failed to send reduce release", "rank", m.rank, "child", c, "error", err)
		}
	}
	for _, a := range actions {
		a(result)
	}
}

func (m *Manager) handleReduceRelease(_ envelope.Envelope, body []byte) {
	msg, err := decodeReduceRelease(body)
	if err != nil {
		log.Error("collective: malformed reduce release", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	st := m.reduceFor(msg.name, 0, Sum)
	m.mu.Unlock()
	m.releaseReduce(msg.name, st, msg.value)
}

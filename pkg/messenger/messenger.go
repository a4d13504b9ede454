// Package messenger implements the active-messaging core: handler
// registration, send/broadcast, raw byte transfers for RDMA, and the
// single progress loop that drains the transport and dispatches to
// handlers.
package messenger

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/transport"
)

// Handler is the untyped shape every registered handler is normalized to.
// Typed/functor/member registration (pkg/entity) wraps a user function into
// this shape before handing it to Register.
type Handler func(env envelope.Envelope, body []byte)

// DataContinuation runs when a sendData/recvData pair completes.
type DataContinuation func(body []byte)

// SendCompletion runs after a send's bytes have left the rank, with the
// message buffer already released.
type SendCompletion func()

// TerminationHook lets pkg/termination observe traffic without messenger
// importing it back (termination sends control messages through messenger,
// so the dependency must run the other way). Produce/Consume carry the peer
// rank so a rooted detector can track per-edge debt; PushEpoch/PopEpoch let
// the detector maintain its own epoch stack in step with handler entry/exit.
type TerminationHook interface {
	CurrentEpoch() envelope.Epoch
	Produce(epoch envelope.Epoch, n uint64, dest int)
	Consume(epoch envelope.Epoch, n uint64, source int)
	PushEpoch(epoch envelope.Epoch, fromNode int)
	PopEpoch()
}

type noopHook struct{}

func (noopHook) CurrentEpoch() envelope.Epoch                        { return envelope.AnyEpoch }
func (noopHook) Produce(epoch envelope.Epoch, n uint64, dest int)    {}
func (noopHook) Consume(epoch envelope.Epoch, n uint64, source int)  {}
func (noopHook) PushEpoch(epoch envelope.Epoch, fromNode int)        {}
func (noopHook) PopEpoch()                                           {}

type parkedActiveMsg struct {
	env      envelope.Envelope
	body     []byte
	block    *pool.Block // non-nil when body is backed by pool memory awaiting release
	fromNode int
}

type dataKey struct {
	tag    envelope.Tag
	source int
}

// Messenger is the per-rank ActiveMessenger singleton. The zero value is not
// usable; use New.
type Messenger struct {
	rank int

	transport transport.Transport
	registry  *registry.Registry
	pool      *pool.Pool
	events    *event.System
	term      TerminationHook

	mu                 sync.Mutex
	pendingHandlerMsgs map[envelope.HandlerID][]parkedActiveMsg
	dataContinuations  map[dataKey]DataContinuation
	pendingRecvs       map[dataKey][][]byte

	// Handler-scoped context, valid only while a handler is executing.
	// Single-threaded by construction: there is exactly one progress loop.
	currentHandler  envelope.HandlerID
	currentNode     int
	currentCallback *envelope.HandlerID
	inHandler       bool
}

// New creates a Messenger. reg and p are typically shared with the rest of
// the runtime (see pkg/runtime).
func New(rank int, tr transport.Transport, reg *registry.Registry, p *pool.Pool, ev *event.System) *Messenger {
	return &Messenger{
		rank:               rank,
		transport:          tr,
		registry:           reg,
		pool:               p,
		events:             ev,
		term:               noopHook{},
		pendingHandlerMsgs: make(map[envelope.HandlerID][]parkedActiveMsg),
		dataContinuations:  make(map[dataKey]DataContinuation),
		pendingRecvs:       make(map[dataKey][][]byte),
	}
}

// SetTerminationHook wires the termination detector's produce/consume
// bookkeeping into every send and active-message dispatch.
func (m *Messenger) SetTerminationHook(h TerminationHook) {
	if h == nil {
		h = noopHook{}
	}
	m.term = h
}

// RegisterHandler assigns a fresh rank-local handler ID for fn, then
// delivers any message that arrived for this ID before it was registered.
func (m *Messenger) RegisterHandler(fn Handler, tag registry.Tag) envelope.HandlerID {
	id := m.registry.Register(fn, tag)
	m.DeliverParked(id)
	return id
}

// RegisterCollectiveHandler assigns a handler ID with no home-node stamp;
// fn must be registered in identical order on every rank. Like
// RegisterHandler, it delivers anything parked for the ID it mints.
func (m *Messenger) RegisterCollectiveHandler(fn Handler) (envelope.HandlerID, error) {
	id, err := m.registry.RegisterCollective(fn)
	if err != nil {
		return id, err
	}
	m.DeliverParked(id)
	return id, nil
}

// GetCurrentHandler, GetFromNode, and GetCurrentCallback are valid only
// while called from within a handler invoked by Progress.
func (m *Messenger) GetCurrentHandler() (envelope.HandlerID, bool) {
	return m.currentHandler, m.inHandler
}

func (m *Messenger) GetFromNode() (int, bool) {
	return m.currentNode, m.inHandler
}

func (m *Messenger) GetCurrentCallback() (envelope.HandlerID, bool) {
	if !m.inHandler || m.currentCallback == nil {
		return envelope.InvalidHandlerID, false
	}
	return *m.currentCallback, true
}

// Send posts a point-to-point active message to dest for handler, returning
// an event that triggers once the bytes have left the rank.
func (m *Messenger) Send(dest int, handler envelope.HandlerID, body []byte, tag envelope.Tag) (event.Holder, error) {
	if dest < 0 || dest >= m.transport.Size() {
		fe := fatalerr.New(m.rank, "messenger", fatalerr.CodeInvalidDestination,
			fmt.Sprintf("send to invalid rank %d", dest))
		fatalerr.Abort(fe)
		return event.Holder{}, fe
	}
	env := envelope.New(dest, handler)
	if tag != 0 {
		env.SetTag(tag)
	}
	ep := m.term.CurrentEpoch()
	if ep != envelope.AnyEpoch {
		env.SetEpoch(ep)
		m.term.Produce(ep, 1, dest)
	}
	return m.postActiveMessage(dest, env, body, nil)
}

// SendWithCompletion is Send plus a callback that runs once the send
// completes, after the message buffer has been released.
func (m *Messenger) SendWithCompletion(dest int, handler envelope.HandlerID, body []byte, tag envelope.Tag, onComplete SendCompletion) (event.Holder, error) {
	h, err := m.Send(dest, handler, body, tag)
	if err != nil {
		return h, err
	}
	if onComplete != nil {
		h.AddAction(func(event.ID) { onComplete() })
	}
	return h, nil
}

func (m *Messenger) postActiveMessage(dest int, env envelope.Envelope, body []byte, afterSend func()) (event.Holder, error) {
	buf := new(bytes.Buffer)
	if err := envelope.Encode(buf, env); err != nil {
		return event.Holder{}, fmt.Errorf("messenger: encode envelope: %w", err)
	}
	buf.Write(body)

	req, err := m.transport.ISend(dest, transport.ActiveMsgTag, buf.Bytes())
	if err != nil {
		return event.Holder{}, fmt.Errorf("messenger: send: %w", err)
	}
	h := m.events.CreateTransport(func() bool {
		done, _ := req.Test()
		return done
	})
	if afterSend != nil {
		h.AddAction(func(event.ID) { afterSend() })
	}
	return h, nil
}

// groupChildren returns this rank's children in the binary spanning tree
// rooted at root, within a group of size ranks.
func groupChildren(root, rank, size int) []int {
	rel := (rank - root + size) % size
	var children []int
	for _, c := range []int{rel*2 + 1, rel*2 + 2} {
		if c < size {
			children = append(children, (c+root)%size)
		}
	}
	return children
}

// Broadcast sends body to handler on every rank (including the sender
// unless skipSender is set) by stamping the Broadcast bit and routing down
// this rank's spanning tree; each forwarding rank re-delivers locally and
// forwards once to its own children.
func (m *Messenger) Broadcast(handler envelope.HandlerID, body []byte, tag envelope.Tag, skipSender bool) ([]event.Holder, error) {
	env := envelope.New(envelope.UninitializedDest, handler)
	env.SetBroadcast(m.rank)
	if tag != 0 {
		env.SetTag(tag)
	}
	ep := m.term.CurrentEpoch()
	if ep != envelope.AnyEpoch {
		env.SetEpoch(ep)
	}

	holders := m.forwardBroadcast(env, body)
	if !skipSender {
		m.dispatchLocal(env, body, nil, m.rank)
	}
	return holders, nil
}

// forwardBroadcast sends env down this rank's subtree of the spanning tree
// rooted at env.BroadcastRoot(). Called both by the rank that originates a
// broadcast and by every rank that receives one, so a message traverses
// each tree edge exactly once.
func (m *Messenger) forwardBroadcast(env envelope.Envelope, body []byte) []event.Holder {
	root := env.BroadcastRoot()
	children := groupChildren(root, m.rank, m.transport.Size())
	ep, hasEpoch := env.Epoch()
	var holders []event.Holder
	for _, c := range children {
		if hasEpoch {
			m.term.Produce(ep, 1, c)
		}
		h, err := m.postActiveMessage(c, env, body, nil)
		if err != nil {
			log.Error("broadcast forward failed", "rank", m.rank, "child", c, "error", err)
			continue
		}
		holders = append(holders, h)
	}
	return holders
}

// SendData transfers raw bytes using tag itself as the transport tag, used
// by pkg/rdma to move payloads outside the envelope/handler machinery.
func (m *Messenger) SendData(body []byte, dest int, tag envelope.Tag) (event.Holder, error) {
	req, err := m.transport.ISend(dest, int(tag), body)
	if err != nil {
		return event.Holder{}, fmt.Errorf("messenger: sendData: %w", err)
	}
	h := m.events.CreateTransport(func() bool {
		done, _ := req.Test()
		return done
	})
	return h, nil
}

// RecvData registers continuation to run when a SendData transfer from
// sender under tag arrives (Progress treats every arrival whose transport
// tag is not ActiveMsgTag as such a transfer). If a matching transfer
// already arrived and was parked, the continuation runs immediately.
func (m *Messenger) RecvData(tag envelope.Tag, sender int, continuation DataContinuation) {
	key := dataKey{tag: tag, source: sender}
	m.mu.Lock()
	if bodies, ok := m.pendingRecvs[key]; ok && len(bodies) > 0 {
		body := bodies[0]
		m.pendingRecvs[key] = bodies[1:]
		m.mu.Unlock()
		continuation(body)
		return
	}
	m.dataContinuations[key] = continuation
	m.mu.Unlock()
}

// Progress drains one round of transport activity: it posts non-blocking
// receives for anything the transport has ready, ticks the event system to
// fire completed sends/receives, and dispatches any active messages that
// just finished arriving. It returns the number of events it triggered.
func (m *Messenger) Progress(maxEventsPerTick int) int {
	for {
		source, tag, size, ok := m.transport.ProbeAny()
		if !ok {
			break
		}
		switch tag {
		case transport.ActiveMsgTag:
			m.postActiveReceive(source, size)
		default:
			m.postDataReceive(source, tag, size)
		}
	}
	return m.events.Tick(maxEventsPerTick)
}

// dealloc returns block to the pool, aborting the rank if it was already
// freed: a double free means some handler held onto a buffer past its
// lifetime, which corrupts whatever block gets handed out next.
func (m *Messenger) dealloc(block *pool.Block) {
	if err := m.pool.Dealloc(block); err != nil {
		fatalerr.Abort(fatalerr.New(m.rank, "messenger", fatalerr.CodeDoubleFree, err.Error()))
	}
}

func (m *Messenger) postActiveReceive(source, size int) {
	block := m.pool.Alloc(size)
	req, err := m.transport.IRecv(transport.ActiveMsgTag, source, block.Data)
	if err != nil {
		log.Error("active message receive failed to post", "rank", m.rank, "source", source, "error", err)
		return
	}
	h := m.events.CreateTransport(func() bool {
		done, _, _ := req.Test()
		return done
	})
	h.AddAction(func(event.ID) {
		env, body, err := envelope.Decode(block.Data)
		if err != nil {
			log.Error("failed to decode envelope", "rank", m.rank, "error", err)
			m.dealloc(block)
			return
		}
		if env.TypeBits.Has(envelope.Broadcast) {
			m.forwardBroadcast(env, body)
		}
		if m.dispatchLocal(env, body, block, source) {
			m.dealloc(block)
		}
	})
}

func (m *Messenger) postDataReceive(source, tag, size int) {
	block := m.pool.Alloc(size)
	req, err := m.transport.IRecv(tag, source, block.Data)
	if err != nil {
		log.Error("data receive failed to post", "rank", m.rank, "source", source, "error", err)
		return
	}
	h := m.events.CreateTransport(func() bool {
		done, _, _ := req.Test()
		return done
	})
	h.AddAction(func(event.ID) {
		key := dataKey{tag: envelope.Tag(tag), source: source}
		m.mu.Lock()
		cont, ok := m.dataContinuations[key]
		if ok {
			delete(m.dataContinuations, key)
		} else {
			m.pendingRecvs[key] = append(m.pendingRecvs[key], block.Data)
		}
		m.mu.Unlock()
		if ok {
			cont(block.Data)
		}
	})
}

func tagOf(env envelope.Envelope) registry.Tag {
	if t, ok := env.Tag(); ok {
		return registry.Tag(fmt.Sprintf("%d", t))
	}
	return registry.NoTag
}

// dispatchLocal runs env's handler against body on this rank (used both for
// messages delivered fresh off the transport and broadcasts re-delivered to
// the sender itself). block, if non-nil, is the pool allocation backing
// body; dispatchLocal never frees it itself, it only reports via its return
// value whether the caller may now do so. fromNode is the sender rank,
// exposed to the handler via GetFromNode. Returns false when the message
// was parked instead of run, meaning ownership of block (if any) transfers
// to the pending-handler buffer.
func (m *Messenger) dispatchLocal(env envelope.Envelope, body []byte, block *pool.Block, fromNode int) bool {
	any, ok := m.registry.Get(env.Handler, registry.Tag(tagOf(env)))
	if !ok {
		m.mu.Lock()
		m.pendingHandlerMsgs[env.Handler] = append(m.pendingHandlerMsgs[env.Handler], parkedActiveMsg{env: env, body: body, block: block, fromNode: fromNode})
		m.mu.Unlock()
		return false
	}
	fn, ok := any.(Handler)
	if !ok {
		log.Error("registered value is not a messenger.Handler", "rank", m.rank, "handler", uint64(env.Handler))
		return true
	}

	ep, hasEpoch := env.Epoch()
	if hasEpoch {
		m.term.Consume(ep, 1, fromNode)
		m.term.PushEpoch(ep, fromNode)
	}

	prevHandler, prevNode, prevCallback, prevIn := m.currentHandler, m.currentNode, m.currentCallback, m.inHandler
	m.currentHandler = env.Handler
	m.currentNode = fromNode
	if env.TypeBits.Has(envelope.Callback) {
		cb := env.Handler
		m.currentCallback = &cb
	} else {
		m.currentCallback = nil
	}
	m.inHandler = true

	fn(env, body)

	m.currentHandler, m.currentNode, m.currentCallback, m.inHandler = prevHandler, prevNode, prevCallback, prevIn
	if hasEpoch {
		m.term.PopEpoch()
	}
	return true
}

// DeliverParked re-dispatches any messages parked for handler, called right
// after a late registration. It returns the number of messages delivered.
func (m *Messenger) DeliverParked(handler envelope.HandlerID) int {
	m.mu.Lock()
	parked := m.pendingHandlerMsgs[handler]
	delete(m.pendingHandlerMsgs, handler)
	m.mu.Unlock()

	for _, p := range parked {
		if m.dispatchLocal(p.env, p.body, p.block, p.fromNode) && p.block != nil {
			m.dealloc(p.block)
		}
	}
	return len(parked)
}

// OutstandingParked reports handler IDs with messages still parked, for the
// termination detector's "unmatched handler" fatal-error check.
func (m *Messenger) OutstandingParked() []envelope.HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]envelope.HandlerID, 0, len(m.pendingHandlerMsgs))
	for id, msgs := range m.pendingHandlerMsgs {
		if len(msgs) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Package rdma implements one-sided get/put against locally registered
// memory regions: a pull (get) or push (put) protocol built from a control
// message plus a raw payload transfer through messenger's SendData/RecvData,
// and persistent direct channels that skip the control round trip for
// repeated transfers between the same pair of ranks.
package rdma

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// dataTagBase separates RDMA payload transfers from user-level SendData
// traffic sharing the same messenger; the operation ID is added on top.
const dataTagBase envelope.Tag = 1 << 40

// MapFn converts a collective handle's element index to the owning rank.
type MapFn func(elementIndex uint64) int

// GetFn synthesizes the bytes returned for a get at [offset, offset+n).
// Associated per handle (and optionally per tag) in place of the default
// direct read from the registered buffer.
type GetFn func(offset, numBytes uint64) []byte

// PutFn applies data received for a put at offset, in place of the default
// direct write into the registered buffer.
type PutFn func(offset uint64, data []byte)

// GetContinuation runs once a get's bytes have arrived (or the get failed).
type GetContinuation func(body []byte, err error)

// PutSentContinuation runs once a put's payload has left the initiator.
type PutSentContinuation func(err error)

// PutAppliedContinuation runs once the owner has applied a put.
type PutAppliedContinuation func(err error)

type region struct {
	buf          []byte
	bytesTotal   uint64
	collective   bool
	bytesLocal   uint64
	elemSize     uint64
	mapFn        MapFn
}

type fnKey struct {
	handle HandleID
	tag    envelope.Tag
}

type pendingGet struct {
	localBuf     []byte
	offset       uint64
	continuation GetContinuation
}

type pendingPut struct {
	onApplied PutAppliedContinuation
}

// Manager is the per-rank RDMAManager singleton.
type Manager struct {
	rank int
	msgr *messenger.Messenger

	mu             sync.Mutex
	nextLocal      uint64
	collectiveSeq  uint64
	regions        map[HandleID]*region
	getFns         map[fnKey]GetFn
	putFns         map[fnKey]PutFn
	nextOpID       uint64
	pendingGets    map[uint64]pendingGet
	pendingPuts    map[uint64]pendingPut

	getHandlerID     envelope.HandlerID
	getBackHandlerID envelope.HandlerID
	putHandlerID     envelope.HandlerID
	putBackHandlerID envelope.HandlerID

	channels map[channelKey]*Channel
}

// New creates an RDMAManager and registers its control handlers with msgr.
func New(rank int, msgr *messenger.Messenger) *Manager {
	m := &Manager{
		rank:        rank,
		msgr:        msgr,
		regions:     make(map[HandleID]*region),
		getFns:      make(map[fnKey]GetFn),
		putFns:      make(map[fnKey]PutFn),
		pendingGets: make(map[uint64]pendingGet),
		pendingPuts: make(map[uint64]pendingPut),
		channels:    make(map[channelKey]*Channel),
	}
	m.getHandlerID = msgr.RegisterHandler(m.handleGet, registry.NoTag)
	m.getBackHandlerID = msgr.RegisterHandler(m.handleGetBack, registry.NoTag)
	m.putHandlerID = msgr.RegisterHandler(m.handlePut, registry.NoTag)
	m.putBackHandlerID = msgr.RegisterHandler(m.handlePutBack, registry.NoTag)
	return m
}

// RegisterHandle registers bytes worth of local memory as a handle. If ptr
// is nil and bytes > 0, the manager allocates default storage.
func (m *Manager) RegisterHandle(ptr []byte, bytes uint64, isCollective bool) HandleID {
	if ptr == nil && bytes > 0 {
		ptr = make([]byte, bytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLocal++
	id := NewHandleID(m.nextLocal, m.rank, isCollective)
	m.regions[id] = &region{buf: ptr, bytesTotal: bytes, collective: isCollective}
	return id
}

// RegisterCollective registers a handle striped across ranks: map converts
// an element index to its owning rank, and every participating rank must
// call RegisterCollective in the same order so the minted HandleID matches
// everywhere, the same way registry.RegisterCollective mints handler IDs.
func (m *Manager) RegisterCollective(ptrLocal []byte, bytesLocal, bytesTotal, elemSize uint64, mapFn MapFn) (HandleID, error) {
	if elemSize == 0 {
		return InvalidHandleID, fmt.Errorf("rdma: RegisterCollective: elemSize must be > 0")
	}
	if ptrLocal == nil && bytesLocal > 0 {
		ptrLocal = make([]byte, bytesLocal)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := NewHandleID(m.collectiveSeq, 0, true)
	m.collectiveSeq++
	m.regions[id] = &region{
		buf:        ptrLocal,
		bytesTotal: bytesTotal,
		collective: true,
		bytesLocal: bytesLocal,
		elemSize:   elemSize,
		mapFn:      mapFn,
	}
	return id, nil
}

// AssociateGetFn installs fn as the payload source for gets against handle,
// optionally scoped to tag. Without one, get reads directly from the
// registered buffer.
func (m *Manager) AssociateGetFn(handle HandleID, fn GetFn, tag envelope.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getFns[fnKey{handle, tag}] = fn
}

// AssociatePutFn installs fn as the payload sink for puts against handle,
// optionally scoped to tag. Without one, put writes directly into the
// registered buffer.
func (m *Manager) AssociatePutFn(handle HandleID, fn PutFn, tag envelope.Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putFns[fnKey{handle, tag}] = fn
}

// ownerRank resolves which rank services handle. For collective handles,
// elemIndex selects the owner via the registered map function; offset (a
// byte offset into whichever rank ends up owning the data) plays no part in
// ownership, since the map function makes no promise about how elements lay
// out in byte space.
func (m *Manager) ownerRank(handle HandleID, elemIndex uint64) (int, error) {
	if !handle.IsCollective() {
		return handle.OwnerRank(), nil
	}
	m.mu.Lock()
	r, ok := m.regions[handle]
	m.mu.Unlock()
	if !ok || r.mapFn == nil {
		return 0, fmt.Errorf("rdma: collective handle %#x has no local map function", uint64(handle))
	}
	return r.mapFn(elemIndex), nil
}

// Get fetches numBytes at the owner's local offset into localBuf, invoking
// continuation once the bytes have arrived (or with a non-nil error if the
// owner could not service the request). elemIndex selects the owning rank
// for collective handles and is ignored otherwise.
func (m *Manager) Get(handle HandleID, localBuf []byte, numBytes, offset, elemIndex uint64, tag envelope.Tag, continuation GetContinuation) error {
	if uint64(len(localBuf)) < numBytes {
		return fmt.Errorf("rdma: Get: localBuf too small for %d bytes", numBytes)
	}
	owner, err := m.ownerRank(handle, elemIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.nextOpID++
	opID := m.nextOpID
	m.pendingGets[opID] = pendingGet{localBuf: localBuf, offset: offset, continuation: continuation}
	m.mu.Unlock()

	msg := getMessage{opID: opID, initiator: int32(m.rank), handle: handle, offset: offset, numBytes: numBytes, dataTag: dataTagBase + envelope.Tag(opID), assocTag: tag}
	if _, err := m.msgr.Send(owner, m.getHandlerID, encodeGetMessage(msg), 0); err != nil {
		m.mu.Lock()
		delete(m.pendingGets, opID)
		m.mu.Unlock()
		return fmt.Errorf("rdma: send GetMessage: %w", err)
	}
	return nil
}

// GetTyped is Get in terms of elements of T rather than raw bytes: offset
// and the element count are scaled by T's encoded size, and the reply bytes
// are decoded back into local before continuation runs. T must have a fixed
// binary.Size (no pointers, slices, or strings).
func GetTyped[T any](m *Manager, handle HandleID, local []T, offsetElems, elemIndex uint64, tag envelope.Tag, continuation func([]T, error)) error {
	var zero T
	elemSize := binary.Size(zero)
	if elemSize <= 0 {
		return fmt.Errorf("rdma: GetTyped: %T has no fixed wire size", zero)
	}
	numBytes := uint64(elemSize) * uint64(len(local))
	byteOffset := uint64(elemSize) * offsetElems
	buf := make([]byte, numBytes)
	return m.Get(handle, buf, numBytes, byteOffset, elemIndex, tag, func(data []byte, err error) {
		if err != nil {
			if continuation != nil {
				continuation(nil, err)
			}
			return
		}
		out := make([]T, len(data)/elemSize)
		if err := binary.Read(bytes.NewReader(data), binary.BigEndian, out); err != nil {
			if continuation != nil {
				continuation(nil, fmt.Errorf("rdma: GetTyped: decode: %w", err))
			}
			return
		}
		n := copy(local, out)
		if continuation != nil {
			continuation(local[:n], nil)
		}
	})
}

func (m *Manager) handleGet(_ envelope.Envelope, body []byte) {
	msg, err := decodeGetMessage(body)
	if err != nil {
		log.Error("rdma: malformed GetMessage", "rank", m.rank, "error", err)
		return
	}

	m.mu.Lock()
	r, ok := m.regions[msg.handle]
	fn := m.getFns[fnKey{msg.handle, msg.assocTag}]
	m.mu.Unlock()

	if !ok {
		m.replyBack(int(msg.initiator), m.getBackHandlerID, backMessage{opID: msg.opID, ok: false, reason: "unknown handle"})
		return
	}

	var data []byte
	if fn != nil {
		data = fn(msg.offset, msg.numBytes)
	} else {
		if msg.offset+msg.numBytes > uint64(len(r.buf)) {
			m.replyBack(int(msg.initiator), m.getBackHandlerID, backMessage{opID: msg.opID, ok: false, reason: "offset out of range"})
			return
		}
		data = r.buf[msg.offset : msg.offset+msg.numBytes]
	}

	m.replyBack(int(msg.initiator), m.getBackHandlerID, backMessage{opID: msg.opID, ok: true, numBytes: uint64(len(data))})
	if _, err := m.msgr.SendData(data, int(msg.initiator), msg.dataTag); err != nil {
		log.Error("rdma: failed to send get payload", "rank", m.rank, "error", err)
	}
}

func (m *Manager) handleGetBack(_ envelope.Envelope, body []byte) {
	back, err := decodeBackMessage(body)
	if err != nil {
		log.Error("rdma: malformed GetBack", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	pg, ok := m.pendingGets[back.opID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if !back.ok {
		m.mu.Lock()
		delete(m.pendingGets, back.opID)
		m.mu.Unlock()
		if pg.continuation != nil {
			pg.continuation(nil, fmt.Errorf("rdma: get failed: %s", back.reason))
		}
		return
	}

	owner, _ := m.msgr.GetFromNode()
	dataTag := dataTagBase + envelope.Tag(back.opID)
	m.msgr.RecvData(dataTag, owner, func(payload []byte) {
		m.mu.Lock()
		delete(m.pendingGets, back.opID)
		m.mu.Unlock()
		n := copy(pg.localBuf, payload)
		if pg.continuation != nil {
			pg.continuation(pg.localBuf[:n], nil)
		}
	})
}

// Put pushes bytes into handle's owner at the owner's local offset,
// invoking onSent once the payload has left this rank and onApplied once
// the owner confirms it applied the write. elemIndex selects the owning
// rank for collective handles and is ignored otherwise.
func (m *Manager) Put(handle HandleID, ptr []byte, offset, elemIndex uint64, tag envelope.Tag, onSent PutSentContinuation, onApplied PutAppliedContinuation) error {
	owner, err := m.ownerRank(handle, elemIndex)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.nextOpID++
	opID := m.nextOpID
	m.pendingPuts[opID] = pendingPut{onApplied: onApplied}
	m.mu.Unlock()

	dataTag := dataTagBase + envelope.Tag(opID)
	msg := putMessage{opID: opID, initiator: int32(m.rank), handle: handle, offset: offset, numBytes: uint64(len(ptr)), dataTag: dataTag, assocTag: tag}
	if _, err := m.msgr.Send(owner, m.putHandlerID, encodePutMessage(msg), 0); err != nil {
		m.mu.Lock()
		delete(m.pendingPuts, opID)
		m.mu.Unlock()
		return fmt.Errorf("rdma: send PutMessage: %w", err)
	}

	h, err := m.msgr.SendData(ptr, owner, dataTag)
	if err != nil {
		return fmt.Errorf("rdma: send put payload: %w", err)
	}
	if onSent != nil {
		h.AddAction(func(event.ID) { onSent(nil) })
	}
	return nil
}

// PutTyped is Put in terms of elements of T rather than raw bytes: data is
// encoded to its wire bytes and offsetElems is scaled by T's encoded size
// before delegating to Put. T must have a fixed binary.Size.
func PutTyped[T any](m *Manager, handle HandleID, data []T, offsetElems, elemIndex uint64, tag envelope.Tag, onSent PutSentContinuation, onApplied PutAppliedContinuation) error {
	var zero T
	elemSize := binary.Size(zero)
	if elemSize <= 0 {
		return fmt.Errorf("rdma: PutTyped: %T has no fixed wire size", zero)
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, data); err != nil {
		return fmt.Errorf("rdma: PutTyped: encode: %w", err)
	}
	byteOffset := uint64(elemSize) * offsetElems
	return m.Put(handle, buf.Bytes(), byteOffset, elemIndex, tag, onSent, onApplied)
}

func (m *Manager) handlePut(_ envelope.Envelope, body []byte) {
	msg, err := decodePutMessage(body)
	if err != nil {
		log.Error("rdma: malformed PutMessage", "rank", m.rank, "error", err)
		return
	}

	m.mu.Lock()
	r, ok := m.regions[msg.handle]
	fn := m.putFns[fnKey{msg.handle, msg.assocTag}]
	m.mu.Unlock()

	if !ok {
		m.replyBack(int(msg.initiator), m.putBackHandlerID, backMessage{opID: msg.opID, ok: false, reason: "unknown handle"})
		return
	}

	m.msgr.RecvData(msg.dataTag, int(msg.initiator), func(payload []byte) {
		if fn != nil {
			fn(msg.offset, payload)
		} else if msg.offset+uint64(len(payload)) <= uint64(len(r.buf)) {
			copy(r.buf[msg.offset:], payload)
		} else {
			m.replyBack(int(msg.initiator), m.putBackHandlerID, backMessage{opID: msg.opID, ok: false, reason: "offset out of range"})
			return
		}
		m.replyBack(int(msg.initiator), m.putBackHandlerID, backMessage{opID: msg.opID, ok: true, numBytes: uint64(len(payload))})
	})
}

func (m *Manager) handlePutBack(_ envelope.Envelope, body []byte) {
	back, err := decodeBackMessage(body)
	if err != nil {
		log.Error("rdma: malformed PutBack", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	pp, ok := m.pendingPuts[back.opID]
	delete(m.pendingPuts, back.opID)
	m.mu.Unlock()
	if !ok || pp.onApplied == nil {
		return
	}
	if back.ok {
		pp.onApplied(nil)
	} else {
		pp.onApplied(fmt.Errorf("rdma: put failed: %s", back.reason))
	}
}

func (m *Manager) replyBack(dest int, handler envelope.HandlerID, back backMessage) {
	if _, err := m.msgr.Send(dest, handler, encodeBackMessage(back), 0); err != nil {
		log.Error("rdma: failed to send ack", "rank", m.rank, "dest", dest, "error", err)
	}
}

package entity

import (
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/collective"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/location"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// CollectionID identifies a collection created by CollectionManager.
// NewCollection, not a Manager entity.
type CollectionID uint64

// CyclicMap is the only element-to-rank distribution CollectionManager
// supports: round-robin by index. This is what makes an element
// addressable from any rank without a metadata broadcast, since it agrees
// with location.HomeRank's own id%size formula for the IDs
// elementEntityID derives (see DESIGN.md).
func CyclicMap(index uint64, size int) int {
	return int(index % uint64(size))
}

// elementIDStride separates distinct collections' element ID ranges. It is
// always a multiple of size, so id%size (location.HomeRank) reduces to
// index%size regardless of which collection or rank produced id.
func elementIDStride(size int) uint64 {
	return uint64(size) << 24
}

func elementEntityID(collection CollectionID, index uint64, size int) location.EntityID {
	return location.EntityID(index + uint64(collection)*elementIDStride(size))
}

// Collection tracks the elements of one NewCollection call that are local
// to this rank.
type Collection struct {
	id          CollectionID
	cardinality uint64
	elements    map[uint64]location.EntityID // index -> entity id, local elements only
}

// Cardinality returns the number of indices the collection was created
// with.
func (c *Collection) Cardinality() uint64 { return c.cardinality }

// CollectionManager creates and addresses indexed collections of
// VirtualContext values on top of a Manager, and fans broadcasts and
// reductions out over their elements through pkg/collective's tree.
type CollectionManager struct {
	rank, size int
	vcm        *Manager
	col        *collective.Manager
	msgr       *messenger.Messenger

	mu             sync.Mutex
	nextCollective uint64
	collections    map[CollectionID]*Collection

	elementHandlerID envelope.HandlerID
	bcastHandlerID   envelope.HandlerID
}

// NewCollectionManager creates a CollectionManager and registers its
// control handlers with msgr.
func NewCollectionManager(rank, size int, msgr *messenger.Messenger, vcm *Manager, col *collective.Manager) *CollectionManager {
	cm := &CollectionManager{
		rank:        rank,
		size:        size,
		vcm:         vcm,
		col:         col,
		msgr:        msgr,
		collections: make(map[CollectionID]*Collection),
	}
	cm.elementHandlerID = msgr.RegisterHandler(cm.handleElementMessage, registry.NoTag)
	cm.bcastHandlerID = msgr.RegisterHandler(cm.handleBroadcast, registry.NoTag)
	return cm
}

// NewCollection creates a collection of cardinality elements, one per
// index in [0, cardinality), distributed by CyclicMap. ctor is called once
// per index this rank owns. Every rank must call NewCollection the same
// number of times in the same order, with the same cardinality each time,
// exactly like pkg/registry's collective registration: there is no
// negotiation message, only an ordering contract.
func (cm *CollectionManager) NewCollection(cardinality uint64, ctor func(index uint64) VirtualContext) CollectionID {
	cm.mu.Lock()
	id := CollectionID(cm.nextCollective)
	cm.nextCollective++
	cm.mu.Unlock()

	col := &Collection{id: id, cardinality: cardinality, elements: make(map[uint64]location.EntityID)}
	for i := uint64(0); i < cardinality; i++ {
		if CyclicMap(i, cm.size) != cm.rank {
			continue
		}
		eid := elementEntityID(id, i, cm.size)
		cm.vcm.adopt(eid, ctor(i))
		col.elements[i] = eid
	}

	cm.mu.Lock()
	cm.collections[id] = col
	cm.mu.Unlock()
	return id
}

// SendToElement addresses element index of collection directly: the target
// rank is computed locally via CyclicMap, with no lookup required even when
// index is not local to this rank.
func (cm *CollectionManager) SendToElement(collection CollectionID, index uint64, handler envelope.HandlerID, body []byte, tag envelope.Tag) error {
	addr := envelope.CollectionEnvelope{CollectionID: uint64(collection), ElementIndex: index}
	if tag != 0 {
		addr.SetTag(tag)
	}
	target := CyclicMap(index, cm.size)
	payload := encodeElementMessage(addr, handler, body)
	_, err := cm.msgr.Send(target, cm.elementHandlerID, payload, 0)
	return err
}

func (cm *CollectionManager) handleElementMessage(_ envelope.Envelope, body []byte) {
	addr, handler, inner, err := decodeElementMessage(body)
	if err != nil {
		log.Error("entity: malformed element message", "rank", cm.rank, "error", err)
		return
	}
	eid := elementEntityID(CollectionID(addr.CollectionID), addr.ElementIndex, cm.size)

	cm.vcm.mu.Lock()
	ctx, ok := cm.vcm.contexts[eid]
	fn, hasFn := cm.vcm.handlers[handler]
	cm.vcm.mu.Unlock()
	if !ok {
		log.Debug("entity: element message for non-local or departed element, dropping", "rank", cm.rank, "collection", addr.CollectionID, "index", addr.ElementIndex)
		return
	}
	if !hasFn {
		log.Error("entity: no handler registered for element message", "rank", cm.rank, "handler", uint64(handler))
		return
	}
	fn(ctx, addr.Envelope, inner)
}

// BroadcastToElements fans body out to every element of collection, on
// whichever rank currently owns each index.
func (cm *CollectionManager) BroadcastToElements(collection CollectionID, handler envelope.HandlerID, body []byte, tag envelope.Tag) error {
	payload := encodeCollectionBroadcast(collection, handler, tag, body)
	_, err := cm.msgr.Broadcast(cm.bcastHandlerID, payload, 0, false)
	return err
}

func (cm *CollectionManager) handleBroadcast(_ envelope.Envelope, body []byte) {
	collection, handler, tag, inner, err := decodeCollectionBroadcast(body)
	if err != nil {
		log.Error("entity: malformed collection broadcast", "rank", cm.rank, "error", err)
		return
	}

	cm.mu.Lock()
	col, ok := cm.collections[collection]
	cm.mu.Unlock()
	if !ok {
		return
	}

	cm.vcm.mu.Lock()
	fn, hasFn := cm.vcm.handlers[handler]
	cm.vcm.mu.Unlock()
	if !hasFn {
		log.Error("entity: no handler registered for broadcast", "rank", cm.rank, "handler", uint64(handler))
		return
	}

	env := envelope.New(cm.rank, handler)
	if tag != 0 {
		env.SetTag(tag)
	}
	for _, eid := range col.elements {
		cm.vcm.mu.Lock()
		ctx, ok := cm.vcm.contexts[eid]
		cm.vcm.mu.Unlock()
		if !ok {
			continue
		}
		fn(ctx, env, inner)
	}
}

// ReduceOverElements combines value(index, ctx) across every element this
// rank owns locally, then folds that into the cross-rank reduction named
// name via pkg/collective, delivering the final combined result to onDone
// on every rank. A rank that owns no element of the collection contributes
// the zero value, which is correct for Sum but not a true identity for
// Product, Max, or Min; collections are expected to have more indices than
// ranks in practice, but an empty local share on a skewed cardinality will
// skew those reductions.
func (cm *CollectionManager) ReduceOverElements(collection CollectionID, name string, op collective.Op, value func(index uint64, ctx VirtualContext) int64, onDone func(result int64)) {
	cm.mu.Lock()
	col, ok := cm.collections[collection]
	cm.mu.Unlock()
	if !ok {
		log.Error("entity: reduce over unknown collection", "rank", cm.rank, "collection", uint64(collection))
		return
	}

	var local int64
	first := true
	for idx, eid := range col.elements {
		cm.vcm.mu.Lock()
		ctx := cm.vcm.contexts[eid]
		cm.vcm.mu.Unlock()
		v := value(idx, ctx)
		if first {
			local = v
			first = false
		} else {
			local = op(local, v)
		}
	}
	cm.col.Reduce(name, local, op, onDone)
}

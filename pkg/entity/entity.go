// Package entity implements addressable, migratable units of user state on
// top of pkg/location: single entities (VirtualContext) managed by a
// Manager, and indexed collections of them managed by a CollectionManager.
package entity

import (
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/location"
	"github.com/ember-hpc/vt/pkg/messenger"
)

// VirtualContext is a migratable, addressable unit of user state. OnArrive
// runs once the context is ready to receive messages on its current rank
// (right after creation, and again after every migration in); OnDepart runs
// just before a migrating context is serialized away.
type VirtualContext interface {
	OnArrive()
	OnDepart()
}

// Serializable lets a VirtualContext opt into migration. A context that
// does not implement it can still be created and addressed locally, but
// Migrate refuses to move it.
type Serializable interface {
	VirtualContext
	Marshal() []byte
}

// Factory reconstructs a VirtualContext of a registered type from the bytes
// a prior Marshal produced, on the receiving end of a migration.
type Factory func(id location.EntityID, payload []byte) VirtualContext

// HandlerFunc is a user message handler bound to a VirtualContext, looked
// up by the envelope.HandlerID RegisterHandler returns.
type HandlerFunc func(ctx VirtualContext, env envelope.Envelope, body []byte)

// Manager is the per-rank VirtualContextManager: it creates local entities,
// dispatches inbound messages to the right one, and drives migration
// through pkg/location. The zero value is not usable; use New.
type Manager struct {
	rank, size int
	msgr       *messenger.Messenger
	loc        *location.Manager

	mu          sync.Mutex
	nextLocal   uint64
	contexts    map[location.EntityID]VirtualContext
	handlers    map[envelope.HandlerID]HandlerFunc
	nextHandler uint64
	factories   map[string]Factory
}

// New creates a Manager and wires it into loc as the deliver/arrive
// handler. loc must not already have a deliver or arrive handler installed.
func New(rank, size int, msgr *messenger.Messenger, loc *location.Manager) *Manager {
	m := &Manager{
		rank:      rank,
		size:      size,
		msgr:      msgr,
		loc:       loc,
		contexts:  make(map[location.EntityID]VirtualContext),
		handlers:  make(map[envelope.HandlerID]HandlerFunc),
		factories: make(map[string]Factory),
	}
	loc.SetDeliverHandler(m.deliver)
	loc.SetArriveHandler(m.arrive)
	return m
}

// RegisterType associates name with factory, so entities of that type can
// be reconstructed on the receiving end of a migration. name travels on the
// wire; it must match across every rank that might migrate or receive this
// type.
func (m *Manager) RegisterType(name string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = factory
}

// RegisterHandler binds fn to a handler ID derived purely from call order,
// the same scheme pkg/registry's RegisterCollective uses for its own
// cross-rank IDs. Callers must invoke RegisterHandler in the same order on
// every rank: an entity can migrate to any rank, and whichever rank ends up
// hosting it must resolve the sender's handler ID to the same logical
// handler, which a home-rank-stamped ID (the scheme Manager.NewLocal uses
// for entity IDs) cannot guarantee.
func (m *Manager) RegisterHandler(fn HandlerFunc) envelope.HandlerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := envelope.NewHandlerID(m.nextHandler, 0, false)
	m.nextHandler++
	m.handlers[id] = fn
	return id
}

// NewLocal creates a new entity on this rank, whose home (per
// location.HomeRank) is always this rank: the ID packs rank into its low
// bits via a per-rank stride, so RegisterLocal's home-table update always
// fires locally instead of silently depending on a message from elsewhere.
func (m *Manager) NewLocal(ctor func(id location.EntityID) VirtualContext) location.EntityID {
	m.mu.Lock()
	id := location.EntityID(uint64(m.rank) + uint64(m.size)*m.nextLocal)
	m.nextLocal++
	m.mu.Unlock()

	ctx := ctor(id)
	m.adopt(id, ctx)
	return id
}

// adopt registers ctx under an explicitly chosen id and fires OnArrive.
// Used directly by NewLocal, and by CollectionManager whose element IDs are
// derived from collection id and index rather than minted here.
func (m *Manager) adopt(id location.EntityID, ctx VirtualContext) {
	m.mu.Lock()
	m.contexts[id] = ctx
	m.mu.Unlock()
	m.loc.RegisterLocal(id)
	ctx.OnArrive()
}

// Send routes body to id's current rank for delivery to handler, wherever
// id currently lives.
func (m *Manager) Send(id location.EntityID, handler envelope.HandlerID, body []byte, tag envelope.Tag, onFailure func(error)) error {
	env := envelope.New(envelope.UninitializedDest, handler)
	if tag != 0 {
		env.SetTag(tag)
	}
	return m.loc.Route(id, env, body, onFailure)
}

// Migrate moves id, which must be local and Serializable, to newRank.
func (m *Manager) Migrate(id location.EntityID, typeName string, newRank int, onComplete func(error)) error {
	m.mu.Lock()
	ctx, ok := m.contexts[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("entity: %d is not local to rank %d", id, m.rank)
	}
	sc, ok := ctx.(Serializable)
	if !ok {
		return fmt.Errorf("entity: %d does not implement Serializable, cannot migrate", id)
	}

	ctx.OnDepart()
	payload := encodeMigratePayload(typeName, sc.Marshal())

	m.mu.Lock()
	delete(m.contexts, id)
	m.mu.Unlock()

	return m.loc.Migrate(id, newRank, payload, onComplete)
}

func (m *Manager) arrive(id location.EntityID, payload []byte) {
	typeName, raw, err := decodeMigratePayload(payload)
	if err != nil {
		log.Error("entity: malformed migrate payload", "rank", m.rank, "entity", uint64(id), "error", err)
		return
	}

	m.mu.Lock()
	factory, ok := m.factories[typeName]
	m.mu.Unlock()
	if !ok {
		log.Error("entity: no factory registered for migrated type", "rank", m.rank, "type", typeName)
		return
	}

	ctx := factory(id, raw)
	m.mu.Lock()
	m.contexts[id] = ctx
	m.mu.Unlock()
	ctx.OnArrive()
}

func (m *Manager) deliver(id location.EntityID, env envelope.Envelope, body []byte) {
	m.mu.Lock()
	ctx, hasCtx := m.contexts[id]
	fn, hasFn := m.handlers[env.Handler]
	m.mu.Unlock()

	if !hasCtx {
		log.Debug("entity: dispatch for departed entity, dropping", "rank", m.rank, "entity", uint64(id))
		return
	}
	if !hasFn {
		log.Error("entity: no handler registered", "rank", m.rank, "handler", uint64(env.Handler))
		return
	}
	fn(ctx, env, body)
}

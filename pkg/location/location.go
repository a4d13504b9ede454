// Package location implements per-entity home/current-rank resolution: a
// deterministic home rank, an authoritative current-rank table kept on that
// home rank, and a bounded-hop eager cache everywhere else so that repeat
// traffic to a migrated entity doesn't pay the home round trip every time.
package location

import (
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// EntityID addresses a virtual entity, independent of where it currently
// lives. HomeRank is a pure function of the ID.
type EntityID uint64

// HomeRank returns the deterministic rank that owns entity id's
// authoritative current-location table, for a group of size ranks.
func HomeRank(id EntityID, size int) int {
	return int(uint64(id) % uint64(size))
}

// Config bounds the eager-cache routing algorithm. CacheHopLimit is the
// number of hops a message may take through guessed (cached) locations
// before being bounced to the entity's home rank for an authoritative
// lookup. MaxHops is the hard ceiling on total hops (including home
// round trips); exceeding it fails the route instead of looping forever
// on a stale or inconsistent cache.
type Config struct {
	CacheHopLimit int
	MaxHops       int
}

// Handler dispatches a routed message once it reaches the rank that
// currently materializes the entity.
type Handler func(id EntityID, env envelope.Envelope, body []byte)

// ArriveHandler runs when an entity's serialized state arrives via
// migration, before the entity is marked local.
type ArriveHandler func(id EntityID, payload []byte)

// Manager is the per-rank LocationManager singleton.
type Manager struct {
	rank int
	size int
	msgr *messenger.Messenger
	cfg  Config

	routeHandlerID  envelope.HandlerID
	failHandlerID   envelope.HandlerID
	arriveHandlerID envelope.HandlerID
	movedHandlerID  envelope.HandlerID
	ackHandlerID    envelope.HandlerID

	mu            sync.Mutex
	home          map[EntityID]int // authoritative; only meaningful when HomeRank(id) == rank
	cache         map[EntityID]int // best-guess current rank, any entity
	local         map[EntityID]struct{}
	nextRequestID uint64
	pendingRoute  map[uint64]func(error)
	pendingAck    map[EntityID]func(error)

	deliver Handler
	arrive  ArriveHandler
}

// NewManager creates a LocationManager and registers its control handlers
// with msgr. cfg.CacheHopLimit and cfg.MaxHops of zero disable cache
// forwarding and hop-limit enforcement respectively (every route goes
// straight to home, and routes never fail on hop count).
func NewManager(rank, size int, msgr *messenger.Messenger, cfg Config) *Manager {
	m := &Manager{
		rank:         rank,
		size:         size,
		msgr:         msgr,
		cfg:          cfg,
		home:         make(map[EntityID]int),
		cache:        make(map[EntityID]int),
		local:        make(map[EntityID]struct{}),
		pendingRoute: make(map[uint64]func(error)),
		pendingAck:   make(map[EntityID]func(error)),
	}
	m.routeHandlerID = msgr.RegisterHandler(m.handleRoute, registry.NoTag)
	m.failHandlerID = msgr.RegisterHandler(m.handleFail, registry.NoTag)
	m.arriveHandlerID = msgr.RegisterHandler(m.handleArrive, registry.NoTag)
	m.movedHandlerID = msgr.RegisterHandler(m.handleMoved, registry.NoTag)
	m.ackHandlerID = msgr.RegisterHandler(m.handleAck, registry.NoTag)
	return m
}

// SetDeliverHandler installs the callback run when a routed message reaches
// the rank currently materializing its entity.
func (m *Manager) SetDeliverHandler(h Handler) { m.deliver = h }

// SetArriveHandler installs the callback run when migrated entity state
// arrives, before the entity is marked local.
func (m *Manager) SetArriveHandler(h ArriveHandler) { m.arrive = h }

// RegisterLocal marks id as materialized on this rank: an entity created
// here for the first time, or one that just finished migrating in via
// SetArriveHandler.
func (m *Manager) RegisterLocal(id EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local[id] = struct{}{}
	m.cache[id] = m.rank
	if HomeRank(id, m.size) == m.rank {
		m.home[id] = m.rank
	}
}

// UnregisterLocal marks id as no longer materialized on this rank, called
// immediately before migrating it away.
func (m *Manager) UnregisterLocal(id EntityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.local, id)
}

func (m *Manager) isLocal(id EntityID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.local[id]
	return ok
}

// Route resolves id's current rank and delivers env/body there, forwarding
// hop by hop through the eager cache and falling back to the home rank as
// needed. onFailure, if non-nil, runs if the route exceeds cfg.MaxHops
// before reaching the entity.
func (m *Manager) Route(id EntityID, env envelope.Envelope, body []byte, onFailure func(error)) error {
	if m.isLocal(id) {
		m.dispatch(id, env, body)
		return nil
	}

	tag, hasTag := env.Tag()
	rm := routeMessage{
		entityID: id,
		origin:   int32(m.rank),
		handler:  env.Handler,
		tag:      tag,
		hasTag:   hasTag,
	}

	target, viaHome := m.resolve(id, 0)
	if viaHome {
		rm.cacheHops = 0
	}

	m.mu.Lock()
	m.nextRequestID++
	rm.requestID = m.nextRequestID
	if onFailure != nil {
		m.pendingRoute[rm.requestID] = onFailure
	}
	m.mu.Unlock()

	payload := encodeRouteMessage(rm, body)
	_, err := m.msgr.Send(target, m.routeHandlerID, payload, 0)
	if err != nil {
		return fmt.Errorf("location: route entity %d: %w", id, err)
	}
	return nil
}

// resolve picks the next hop for id. Ranks that are id's home consult the
// authoritative table; every other rank consults its eager cache (only
// while within cacheHops of the limit) and otherwise bounces to home.
func (m *Manager) resolve(id EntityID, cacheHops int32) (target int, viaHome bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if HomeRank(id, m.size) == m.rank {
		if cur, ok := m.home[id]; ok {
			return cur, false
		}
		return m.rank, true // unknown to home too; handleRoute will fail it
	}

	if int(cacheHops) < m.cfg.CacheHopLimit {
		if cur, ok := m.cache[id]; ok {
			return cur, false
		}
	}
	return HomeRank(id, m.size), true
}

func (m *Manager) dispatch(id EntityID, env envelope.Envelope, body []byte) {
	if m.deliver == nil {
		log.Warn("location: routed message delivered with no deliver handler installed", "rank", m.rank, "entity", uint64(id))
		return
	}
	m.deliver(id, env, body)
}

func (m *Manager) handleRoute(_ envelope.Envelope, body []byte) {
	msg, inner, err := decodeRouteMessage(body)
	if err != nil {
		log.Error("location: malformed route message", "rank", m.rank, "error", err)
		return
	}

	msg.totalHops++
	if m.cfg.MaxHops > 0 && int(msg.totalHops) > m.cfg.MaxHops {
		failPayload := encodeFailMessage(msg.requestID, msg.entityID)
		if _, err := m.msgr.Send(int(msg.origin), m.failHandlerID, failPayload, 0); err != nil {
			log.Error("location: failed to report max-hops routing failure", "rank", m.rank, "error", err)
		}
		return
	}

	if m.isLocal(msg.entityID) {
		env := envelope.New(m.rank, msg.handler)
		if msg.hasTag {
			env.SetTag(msg.tag)
		}
		m.dispatch(msg.entityID, env, inner)
		return
	}

	target, viaHome := m.resolve(msg.entityID, msg.cacheHops)
	if viaHome {
		msg.cacheHops = 0
	} else {
		msg.cacheHops++
	}

	payload := encodeRouteMessage(msg, inner)
	if _, err := m.msgr.Send(target, m.routeHandlerID, payload, 0); err != nil {
		log.Error("location: failed to forward route", "rank", m.rank, "entity", uint64(msg.entityID), "error", err)
	}
}

func (m *Manager) handleFail(_ envelope.Envelope, body []byte) {
	requestID, id, err := decodeFailMessage(body)
	if err != nil {
		log.Error("location: malformed fail message", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	cb, ok := m.pendingRoute[requestID]
	delete(m.pendingRoute, requestID)
	m.mu.Unlock()
	if ok && cb != nil {
		cb(fmt.Errorf("location: routing for entity %d exceeded max hops", id))
	}
}

// Migrate serializes entity id out of this rank to newRank: it sends the
// payload to newRank as EntityArrive, tells id's home rank that the
// current location changed, and stops treating id as local here. onComplete,
// if non-nil, runs once home acknowledges the location update.
func (m *Manager) Migrate(id EntityID, newRank int, payload []byte, onComplete func(error)) error {
	if !m.isLocal(id) {
		return fmt.Errorf("location: entity %d is not local to rank %d", id, m.rank)
	}

	m.mu.Lock()
	delete(m.local, id)
	m.cache[id] = newRank // future routes landing here bounce straight onward
	if onComplete != nil {
		m.pendingAck[id] = onComplete
	}
	m.mu.Unlock()

	log.Info("location: migrating entity", "rank", m.rank, "entity", uint64(id), "to", newRank)

	if _, err := m.msgr.Send(newRank, m.arriveHandlerID, encodeArriveMessage(id, payload), 0); err != nil {
		return fmt.Errorf("location: send EntityArrive: %w", err)
	}
	moved := encodeMovedMessage(id, int32(newRank), int32(m.rank))
	if _, err := m.msgr.Send(HomeRank(id, m.size), m.movedHandlerID, moved, 0); err != nil {
		return fmt.Errorf("location: send EntityMoved: %w", err)
	}
	return nil
}

func (m *Manager) handleArrive(_ envelope.Envelope, body []byte) {
	id, payload, err := decodeArriveMessage(body)
	if err != nil {
		log.Error("location: malformed arrive message", "rank", m.rank, "error", err)
		return
	}
	if m.arrive != nil {
		m.arrive(id, payload)
	}
	m.RegisterLocal(id)
	log.Info("location: entity arrived", "rank", m.rank, "entity", uint64(id))
}

func (m *Manager) handleMoved(_ envelope.Envelope, body []byte) {
	id, newRank, origin, err := decodeMovedMessage(body)
	if err != nil {
		log.Error("location: malformed moved message", "rank", m.rank, "error", err)
		return
	}
	if HomeRank(id, m.size) != m.rank {
		log.Warn("location: EntityMoved delivered to non-home rank", "rank", m.rank, "entity", uint64(id))
		return
	}
	m.mu.Lock()
	m.home[id] = int(newRank)
	m.cache[id] = int(newRank)
	m.mu.Unlock()
	log.Info("location: home updated current rank", "rank", m.rank, "entity", uint64(id), "current", newRank)

	if _, err := m.msgr.Send(int(origin), m.ackHandlerID, encodeAckMessage(id), 0); err != nil {
		log.Error("location: failed to ack migration", "rank", m.rank, "error", err)
	}
}

func (m *Manager) handleAck(_ envelope.Envelope, body []byte) {
	id, err := decodeAckMessage(body)
	if err != nil {
		log.Error("location: malformed ack message", "rank", m.rank, "error", err)
		return
	}
	m.mu.Lock()
	cb, ok := m.pendingAck[id]
	delete(m.pendingAck, id)
	m.mu.Unlock()
	if ok && cb != nil {
		cb(nil)
	}
}

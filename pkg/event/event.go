// Package event implements the per-rank event system: monotonically-numbered
// completion trackers that run attached actions when their completion
// predicate becomes true.
package event

import "sync"

// ID identifies an event as (owner rank, sequence number). The owner bits
// let any rank compute which rank to ask when attaching an action to an
// event ID it did not create itself.
type ID uint64

const (
	ownerBits = 24
	ownerMask = uint64(1)<<ownerBits - 1
	seqShift  = ownerBits
)

// NewID packs an owner rank and a per-rank sequence number into an ID.
func NewID(owner int, seq uint64) ID {
	return ID((seq << seqShift) | (uint64(owner) & ownerMask))
}

// OwnerNode extracts the rank that created (and exclusively owns) this
// event.
func (id ID) OwnerNode() int { return int(uint64(id) & ownerMask) }

// Sequence extracts the per-rank monotonic sequence number.
func (id ID) Sequence() uint64 { return uint64(id) >> seqShift }

// State is an event's position in its pending -> ready -> triggered
// lifecycle.
type State int

const (
	StatePending State = iota
	StateReady
	StateTriggered
)

// Kind selects how an event's completion predicate is evaluated.
type Kind int

const (
	// KindNormal events are ready the instant they are created.
	KindNormal Kind = iota
	// KindTransport events poll a transport request's Test method.
	KindTransport
	// KindParent events are ready once every child event has triggered.
	KindParent
)

// Action runs once when an event transitions from ready to triggered. It
// receives the event's own ID so one closure can be shared across events.
type Action func(ID)

// TestFunc reports whether an event's completion predicate currently holds.
// KindNormal events use a TestFunc that always returns true; KindTransport
// wraps a transport.SendRequest/RecvRequest's Test method; KindParent wraps
// a check over child event states.
type TestFunc func() bool

type event struct {
	id      ID
	kind    Kind
	test    TestFunc
	actions []Action
	state   State
}

// System is the per-rank EventSystem singleton. The zero value is not
// usable; use New.
type System struct {
	mu      sync.Mutex
	rank    int
	nextSeq uint64
	events  map[ID]*event
	order   []ID // creation order, for FIFO-bounded progress ticks
}

// New creates an EventSystem for the given rank.
func New(rank int) *System {
	return &System{rank: rank, events: make(map[ID]*event)}
}

// Holder is a borrowed handle to a live event, valid only until the event
// triggers and is destroyed. The System exclusively owns event state; a
// Holder never outlives what it points to.
type Holder struct {
	id ID
	es *System
}

// ID returns the event's identifier.
func (h Holder) ID() ID { return h.id }

// AddAction attaches an action to run when the event triggers. If the event
// has already triggered (and been destroyed), the action runs immediately
// rather than being silently dropped.
func (h Holder) AddAction(a Action) {
	h.es.mu.Lock()
	ev, ok := h.es.events[h.id]
	if !ok {
		h.es.mu.Unlock()
		a(h.id)
		return
	}
	ev.actions = append(ev.actions, a)
	h.es.mu.Unlock()
}

// createLocked allocates a new event. Caller holds s.mu.
func (s *System) createLocked(kind Kind, test TestFunc) *event {
	id := NewID(s.rank, s.nextSeq)
	s.nextSeq++
	ev := &event{id: id, kind: kind, test: test, state: StatePending}
	s.events[id] = ev
	s.order = append(s.order, id)
	return ev
}

// CreateNormal creates an event that is ready immediately.
func (s *System) CreateNormal() Holder {
	s.mu.Lock()
	ev := s.createLocked(KindNormal, func() bool { return true })
	s.mu.Unlock()
	return Holder{ev.id, s}
}

// CreateTransport creates an event whose readiness is driven by test,
// typically a transport request's Test method.
func (s *System) CreateTransport(test TestFunc) Holder {
	s.mu.Lock()
	ev := s.createLocked(KindTransport, test)
	s.mu.Unlock()
	return Holder{ev.id, s}
}

// CreateParent creates an event that becomes ready once every child in
// children has triggered. Children must belong to this System (cross-rank
// parent events are not supported; compose via remote attach instead, see
// pkg/messenger).
func (s *System) CreateParent(children []ID) Holder {
	s.mu.Lock()
	// Tick calls test with s.mu already held, so test must not lock it.
	test := func() bool {
		for _, c := range children {
			ev, ok := s.events[c]
			if ok && ev.state != StateTriggered {
				return false
			}
			// A missing event is one that already triggered and was
			// destroyed, which counts as done.
		}
		return true
	}
	ev := s.createLocked(KindParent, test)
	s.mu.Unlock()
	return Holder{ev.id, s}
}

// AttachAction attaches an action to a locally owned event by ID. Returns
// false if the event is unknown (already triggered, or never existed on
// this rank), in which case the action has NOT run — callers that need the
// "run immediately if already gone" semantics should go through Holder.
func (s *System) AttachAction(id ID, a Action) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return false
	}
	ev.actions = append(ev.actions, a)
	return true
}

// IsTriggered reports whether id has triggered. A destroyed (unknown) event
// reports true, matching CreateParent's treatment of already-fired children.
func (s *System) IsTriggered(id ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return true
	}
	return ev.state == StateTriggered
}

// Tick tests up to k pending/ready events in FIFO creation order, runs the
// actions of any that become ready-to-triggered, and destroys them. It
// returns the number of events triggered this tick. Bounding by k prevents
// a flood of long-pending events from starving newly created ones.
func (s *System) Tick(k int) int {
	s.mu.Lock()
	candidates := make([]*event, 0, k)
	newOrder := s.order[:0:0]
	tested := 0
	for _, id := range s.order {
		ev, ok := s.events[id]
		if !ok {
			continue // already destroyed
		}
		if tested < k && ev.state != StateTriggered {
			tested++
			if ev.test() {
				ev.state = StateTriggered
				candidates = append(candidates, ev)
				delete(s.events, id)
				continue
			}
		}
		newOrder = append(newOrder, id)
	}
	s.order = newOrder
	s.mu.Unlock()

	for _, ev := range candidates {
		for _, a := range ev.actions {
			a(ev.id)
		}
	}
	return len(candidates)
}

// Pending returns the number of events not yet triggered, for diagnostics.
// pkg/runtime does not publish it as a metric.
func (s *System) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

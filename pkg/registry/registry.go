// Package registry assigns and resolves handler IDs.
//
// It is a mutex-guarded set of maps, one per kind of registration, with
// Register/Get/Unregister verbs. A handler may additionally be scoped under
// a secondary tag: when set, the registry consults a (id, tag) -> fn
// sub-map before falling back to the untagged entry.
package registry

import (
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/pkg/envelope"
)

// Tag scopes a secondary dispatch table under a single handler ID.
type Tag string

// NoTag is the zero value meaning "untagged".
const NoTag Tag = ""

type taggedKey struct {
	id  envelope.HandlerID
	tag Tag
}

// Registry resolves handler IDs to the Go values registered for them. The
// registry deliberately stores `any`: it has no opinion on what a "handler"
// looks like, so pkg/messenger, pkg/rdma, and pkg/sequencer can each store
// their own function-shaped types without a dependency cycle back into
// this package.
type Registry struct {
	mu       sync.RWMutex
	rankLocal map[envelope.HandlerID]any
	tagged    map[taggedKey]any
	rank      int
	nextLocal uint64

	// collective state: registerCollective must be called in the same
	// order on every rank, and the sequence number IS the identifier, so
	// that identical call order yields identical IDs everywhere.
	collectiveSeq   uint64
	collectiveOpen  bool
}

// New creates a registry for the given rank. rank is stamped into the
// home-node bits of every rank-locally registered handler ID.
func New(rank int) *Registry {
	return &Registry{
		rankLocal: make(map[envelope.HandlerID]any),
		tagged:    make(map[taggedKey]any),
		rank:      rank,
		collectiveOpen: true,
	}
}

// Register assigns a new rank-local handler ID for fn. If tag is non-empty,
// the registration scopes to (id, tag) rather than the bare id.
func (r *Registry) Register(fn any, tag Tag) envelope.HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := envelope.NewHandlerID(r.nextLocal, r.rank, true)
	r.nextLocal++

	if tag != NoTag {
		r.tagged[taggedKey{id, tag}] = fn
	} else {
		r.rankLocal[id] = fn
	}
	return id
}

// CloseCollectiveWindow ends the program-initialization window during which
// RegisterCollective may be called. Calls after this point fail.
func (r *Registry) CloseCollectiveWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectiveOpen = false
}

// RegisterCollective assigns a handler ID with no home-node stamp. It must
// be called in the same source-code order on every rank, for the same
// sequence of handlers, so that the resulting ID (which is purely a
// function of call order) is identical across ranks.
func (r *Registry) RegisterCollective(fn any) (envelope.HandlerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.collectiveOpen {
		fe := fatalerr.New(r.rank, "registry", fatalerr.CodeUnregisteredCollective,
			"collective registration window is closed")
		fatalerr.Abort(fe)
		return envelope.InvalidHandlerID, fe
	}

	id := envelope.NewHandlerID(r.collectiveSeq, 0, false)
	r.collectiveSeq++
	r.rankLocal[id] = fn
	return id, nil
}

// Swap replaces the handler registered at id (and tag, if given). Returns
// an error if nothing was registered there.
func (r *Registry) Swap(id envelope.HandlerID, fn any, tag Tag) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tag != NoTag {
		key := taggedKey{id, tag}
		if _, ok := r.tagged[key]; !ok {
			return fmt.Errorf("registry: no handler registered for id=%#x tag=%q", uint64(id), tag)
		}
		r.tagged[key] = fn
		return nil
	}
	if _, ok := r.rankLocal[id]; !ok {
		return fmt.Errorf("registry: no handler registered for id=%#x", uint64(id))
	}
	r.rankLocal[id] = fn
	return nil
}

// Unregister removes the handler at id (and tag, if given).
func (r *Registry) Unregister(id envelope.HandlerID, tag Tag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tag != NoTag {
		delete(r.tagged, taggedKey{id, tag})
		return
	}
	delete(r.rankLocal, id)
}

// Get resolves id, preferring a tagged match over the untagged fallback. It
// returns (nil, false) rather than erroring: callers are responsible for
// deciding whether an unresolved handler is a deferred-delivery case (buffer
// and retry) or a fatal error.
func (r *Registry) Get(id envelope.HandlerID, tag Tag) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tag != NoTag {
		if fn, ok := r.tagged[taggedKey{id, tag}]; ok {
			return fn, true
		}
	}
	fn, ok := r.rankLocal[id]
	return fn, ok
}

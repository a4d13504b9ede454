// Package sequencer expresses ordered, parallel, and iterated reactions to
// incoming messages as a tree of wait/sequenced/parallel/for-loop nodes,
// dispatched cooperatively on the messenger's progress thread.
//
// A sequence is built once (a list of nodes per nesting level) and then
// driven by the dispatcher: it runs nodes in order, pausing at each wait
// until a matching message arrives, descending into nested branches for
// sequenced/for-loop nodes, and fanning out into independent sub-runners
// for parallel nodes.
package sequencer

import (
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// SequenceID identifies one top-level sequence started via Begin.
type SequenceID uint64

// frame is one nesting level's position within a runner's node list.
type frame struct {
	nodes []node
	idx   int
}

// runner drives one independent branch (a top-level sequence, or one
// parallel fork of it) through its own frame stack.
type runner struct {
	seqID SequenceID
	stack []*frame
	done  func() // called once the runner's frame stack is fully exhausted
}

type waitKey struct {
	handler envelope.HandlerID
	tag     envelope.Tag
}

type bufferedMsg struct {
	env  envelope.Envelope
	body []byte
}

// DeadlockedWait describes one wait node still unmatched when the caller
// asks for a deadlock report, typically once the runtime observes global
// termination.
type DeadlockedWait struct {
	SequenceID SequenceID
	Handler    envelope.HandlerID
	Tag        envelope.Tag
}

// Sequencer is the per-rank singleton driving every sequence on this rank.
// The zero value is not usable; use New.
type Sequencer struct {
	rank int
	msgr *messenger.Messenger

	mu           sync.Mutex
	nextSeqID    uint64
	waitHandlers map[envelope.HandlerID]struct{}
	expected     map[waitKey][]*runner
	buffered     map[waitKey][]bufferedMsg
	active       map[SequenceID]*runner
}

// New creates a Sequencer bound to msgr.
func New(rank int, msgr *messenger.Messenger) *Sequencer {
	return &Sequencer{
		rank:         rank,
		msgr:         msgr,
		waitHandlers: make(map[envelope.HandlerID]struct{}),
		expected:     make(map[waitKey][]*runner),
		buffered:     make(map[waitKey][]bufferedMsg),
		active:       make(map[SequenceID]*runner),
	}
}

// NewWaitHandler registers a fresh handler ID that wait nodes can target.
// Messages addressed to it never run a fixed user function directly:
// instead the messenger hands them to the sequencer's expected-waits table,
// keyed by (handler, tag), matching the dispatcher contract in 4.8.
func (s *Sequencer) NewWaitHandler() envelope.HandlerID {
	var id envelope.HandlerID
	id = s.msgr.RegisterHandler(func(env envelope.Envelope, body []byte) {
		s.dispatch(id, env, body)
	}, registry.NoTag)

	s.mu.Lock()
	s.waitHandlers[id] = struct{}{}
	s.mu.Unlock()
	return id
}

func (s *Sequencer) dispatch(handler envelope.HandlerID, env envelope.Envelope, body []byte) {
	tag, _ := env.Tag()
	key := waitKey{handler: handler, tag: tag}

	s.mu.Lock()
	queue := s.expected[key]
	if len(queue) == 0 {
		s.buffered[key] = append(s.buffered[key], bufferedMsg{env: env, body: body})
		s.mu.Unlock()
		return
	}
	r := queue[0]
	s.expected[key] = queue[1:]
	s.mu.Unlock()

	s.resumeWait(r, env, body)
}

// Begin builds a fresh sequence from fn's node list and starts driving it.
func (s *Sequencer) Begin(fn func(b *Builder)) SequenceID {
	b := &Builder{}
	fn(b)

	s.mu.Lock()
	s.nextSeqID++
	id := SequenceID(s.nextSeqID)
	s.mu.Unlock()

	r := &runner{seqID: id, stack: []*frame{{nodes: b.nodes}}}
	r.done = func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.active[id] = r
	s.mu.Unlock()

	s.advance(r)
	return id
}

// IsRunning reports whether id's top-level sequence has not yet completed.
func (s *Sequencer) IsRunning(id SequenceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// DetectDeadlockedWaits lists every wait node still unmatched across every
// sequence on this rank, for a caller (pkg/runtime) to fold into a
// global-termination fatal-error check per fatalerr.CodeDeadlockedSequence.
func (s *Sequencer) DetectDeadlockedWaits() []DeadlockedWait {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []DeadlockedWait
	for key, runners := range s.expected {
		for _, r := range runners {
			out = append(out, DeadlockedWait{SequenceID: r.seqID, Handler: key.handler, Tag: key.tag})
		}
	}
	return out
}

// LogDeadlocks logs each outstanding wait as an error, per the failure
// clause in 4.8, and reports whether it found any.
func (s *Sequencer) LogDeadlocks() bool {
	deadlocks := s.DetectDeadlockedWaits()
	for _, d := range deadlocks {
		log.Error("sequencer: deadlocked wait at termination", "rank", s.rank,
			"sequence", uint64(d.SequenceID), "handler", uint64(d.Handler), "tag", fmt.Sprint(d.Tag))
	}
	return len(deadlocks) > 0
}

package sequencer

import (
	"github.com/ember-hpc/vt/pkg/envelope"
)

// Continuation runs once a wait node's (handler, tag) pair matches an
// arriving message.
type Continuation func(env envelope.Envelope, body []byte)

type nodeKind int

const (
	kindWait nodeKind = iota
	kindSequenced
	kindParallel
	kindForLoop
)

// node is one entry in a sequence's node list. Only the fields for its own
// kind are meaningful; the others are zero.
type node struct {
	kind nodeKind

	handler envelope.HandlerID
	tag     envelope.Tag
	onMatch Continuation

	closure func(*Builder)

	branches []func(*Builder)

	begin, end, step int
	body             func(i int, b *Builder)
}

// Builder accumulates the node list for one level of a sequence tree. A
// Sequencer hands a fresh Builder to Begin's top-level closure and to every
// sequenced/parallel/for-loop closure, so continuations build their own
// nested structure the same way the outer sequence does.
type Builder struct {
	nodes []node
}

// Wait blocks this branch until the next message addressed to handler
// carrying tag arrives, then runs fn with that message before the branch
// continues to its next sibling.
func (b *Builder) Wait(handler envelope.HandlerID, tag envelope.Tag, fn Continuation) *Builder {
	b.nodes = append(b.nodes, node{kind: kindWait, handler: handler, tag: tag, onMatch: fn})
	return b
}

// Sequenced introduces a nested branch that runs to completion before this
// branch moves on to its next sibling.
func (b *Builder) Sequenced(closure func(*Builder)) *Builder {
	b.nodes = append(b.nodes, node{kind: kindSequenced, closure: closure})
	return b
}

// Parallel forks independent branches; this branch resumes only once every
// one of them has completed.
func (b *Builder) Parallel(branches ...func(*Builder)) *Builder {
	b.nodes = append(b.nodes, node{kind: kindParallel, branches: branches})
	return b
}

// ForLoop expands to a fresh sequenced body for each i from begin to end
// (exclusive) by step; the loop node completes only once every iteration
// has completed, in order.
func (b *Builder) ForLoop(begin, end, step int, body func(i int, b *Builder)) *Builder {
	b.nodes = append(b.nodes, node{kind: kindForLoop, begin: begin, end: end, step: step, body: body})
	return b
}

func expandForLoop(n *node) []node {
	var nodes []node
	switch {
	case n.step > 0:
		for i := n.begin; i < n.end; i += n.step {
			nodes = append(nodes, sequencedIteration(i, n.body))
		}
	case n.step < 0:
		for i := n.begin; i > n.end; i += n.step {
			nodes = append(nodes, sequencedIteration(i, n.body))
		}
	}
	return nodes
}

func sequencedIteration(i int, body func(int, *Builder)) node {
	return node{kind: kindSequenced, closure: func(b *Builder) { body(i, b) }}
}

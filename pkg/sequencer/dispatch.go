package sequencer

import "github.com/ember-hpc/vt/pkg/envelope"

// advance drives r forward from its current position until it blocks on an
// unmatched wait, forks into a parallel join it must wait on, or its entire
// frame stack empties out (the runner is done).
func (s *Sequencer) advance(r *runner) {
	for {
		if len(r.stack) == 0 {
			if r.done != nil {
				r.done()
			}
			return
		}
		top := r.stack[len(r.stack)-1]
		if top.idx >= len(top.nodes) {
			r.stack = r.stack[:len(r.stack)-1]
			continue
		}
		n := &top.nodes[top.idx]

		switch n.kind {
		case kindWait:
			key := waitKey{handler: n.handler, tag: n.tag}
			if msg, ok := s.popBuffered(key); ok {
				top.idx++
				n.onMatch(msg.env, msg.body)
				continue
			}
			s.registerWait(key, r)
			return

		case kindSequenced:
			b := &Builder{}
			n.closure(b)
			top.idx++
			r.stack = append(r.stack, &frame{nodes: b.nodes})
			continue

		case kindForLoop:
			nodes := expandForLoop(n)
			top.idx++
			r.stack = append(r.stack, &frame{nodes: nodes})
			continue

		case kindParallel:
			top.idx++
			s.spawnParallel(r, n.branches)
			return
		}
	}
}

// resumeWait is called once a message matching a blocked wait node arrives:
// the runner's current frame still points at that node, unadvanced.
func (s *Sequencer) resumeWait(r *runner, env envelope.Envelope, body []byte) {
	top := r.stack[len(r.stack)-1]
	n := &top.nodes[top.idx]
	top.idx++
	n.onMatch(env, body)
	s.advance(r)
}

// registerWait records that r is blocked on key until a matching message
// arrives via dispatch.
func (s *Sequencer) registerWait(key waitKey, r *runner) {
	s.mu.Lock()
	s.expected[key] = append(s.expected[key], r)
	s.mu.Unlock()
}

// popBuffered returns and removes the earliest message that arrived for key
// before any wait node was registered for it, if one is queued.
func (s *Sequencer) popBuffered(key waitKey) (bufferedMsg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.buffered[key]
	if len(queue) == 0 {
		return bufferedMsg{}, false
	}
	msg := queue[0]
	s.buffered[key] = queue[1:]
	return msg, true
}

// spawnParallel forks branches into independent sub-runners; parent resumes
// only once every one of them has completed.
func (s *Sequencer) spawnParallel(parent *runner, branches []func(*Builder)) {
	if len(branches) == 0 {
		s.advance(parent)
		return
	}
	remaining := len(branches)
	for _, branch := range branches {
		b := &Builder{}
		branch(b)
		child := &runner{seqID: parent.seqID, stack: []*frame{{nodes: b.nodes}}}
		child.done = func() {
			remaining--
			if remaining == 0 {
				s.advance(parent)
			}
		}
		s.advance(child)
	}
}

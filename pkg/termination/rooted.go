package termination

import (
	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
)

// NewRootedEpoch creates a Dijkstra-Scholten-style epoch rooted at this
// rank, which must be the caller. Unlike a collective epoch, other ranks
// don't create it in advance: they become engaged lazily, the first time a
// message carrying this epoch arrives, recording the sender as their
// parent. This is a single-parent simplification of credit-recovery
// termination detection: a rank that is sent its first message under the
// epoch by more than one distinct rank tracks only the first as its parent,
// which holds for the fan-out-then-gather patterns this runtime targets.
func (d *Detector) NewRootedEpoch() Token {
	d.mu.Lock()
	d.nextRootedSeq++
	epoch := rootedEpochBase | (envelope.Epoch(d.rank) << rootedRankShift) | envelope.Epoch(d.nextRootedSeq)
	st := &epochState{
		self:       epoch,
		kind:       kindRooted,
		dsRoot:     d.rank,
		dsIsRoot:   true,
		dsEngaged:  true,
		dsParent:   -1,
		dsChildren: make(map[int]struct{}),
	}
	d.epochs[epoch] = st
	d.stack = append(d.stack, epoch)
	d.mu.Unlock()
	// Idle is checked once the creating scope calls Token.End, mirroring a
	// handler's PopEpoch: the root must get to issue its own sends first.
	return Token{epoch: epoch, d: d}
}

// produceRooted records a send made to dest under a rooted epoch: the first
// send to a given dest makes dest a tracked child, owed exactly one ack
// before this rank can consider itself settled with it.
func (d *Detector) produceRooted(st *epochState, dest int) {
	d.mu.Lock()
	if _, already := st.dsChildren[dest]; !already {
		st.dsChildren[dest] = struct{}{}
		st.dsOutstand++
	}
	st.dsAcked = false
	d.mu.Unlock()
}

// consumeRooted records that this rank just ran a handler for a message
// received from source under a rooted epoch: the first such message engages
// this rank and fixes source as its parent.
// consumeRooted only records engagement; the idle check runs in PopEpoch
// once the handler this message triggered has fully run, since that
// handler's own sends (new debt) must be counted first.
func (d *Detector) consumeRooted(st *epochState, source int) {
	d.mu.Lock()
	if !st.dsEngaged {
		st.dsEngaged = true
		st.dsParent = source
	}
	d.mu.Unlock()
}

// checkDSIdle fires when this rank's outstanding debt to every child it has
// activated reaches zero: the root declares the epoch terminated, and every
// other engaged rank acknowledges its own parent exactly once per debt-zero
// transition.
func (d *Detector) checkDSIdle(st *epochState) {
	d.mu.Lock()
	if st.dsAcked || st.dsOutstand != 0 || !st.dsEngaged {
		d.mu.Unlock()
		return
	}
	st.dsAcked = true
	isRoot := st.dsIsRoot
	parent := st.dsParent
	epoch := st.self
	d.mu.Unlock()

	if isRoot {
		d.fireRooted(epoch, st)
		return
	}
	if parent < 0 {
		return
	}
	ack := encodeDSAck(dsAck{epoch: epoch})
	if err := d.rawSend(parent, d.dsAckHandlerID, ack); err != nil {
		log.Error("termination: failed to send dsAck", "rank", d.rank, "parent", parent, "error", err)
	}
}

func (d *Detector) handleDSAck(_ envelope.Envelope, body []byte) {
	msg, err := decodeDSAck(body)
	if err != nil {
		log.Error("termination: malformed dsAck", "rank", d.rank, "error", err)
		return
	}
	d.mu.Lock()
	st, ok := d.epochs[msg.epoch]
	if !ok {
		d.mu.Unlock()
		log.Error("termination: dsAck for unknown epoch", "rank", d.rank, "epoch", uint64(msg.epoch))
		return
	}
	if st.dsOutstand > 0 {
		st.dsOutstand--
	}
	d.mu.Unlock()
	d.checkDSIdle(st)
}

// fireRooted runs only on the root once it is fully quiescent: it
// broadcasts dsDone down the spanning tree implied by dsChildren so every
// rank that ever engaged fires its local actions, then fires its own.
func (d *Detector) fireRooted(epoch envelope.Epoch, st *epochState) {
	payload := encodeDSDone(dsDone{epoch: epoch})
	d.mu.Lock()
	children := make([]int, 0, len(st.dsChildren))
	for c := range st.dsChildren {
		children = append(children, c)
	}
	d.mu.Unlock()
	for _, c := range children {
		if err := d.rawSend(c, d.dsDoneHandlerID, payload); err != nil {
			log.Error("termination: failed to send dsDone", "rank", d.rank, "child", c, "error", err)
		}
	}
	d.fire(epoch)
}

func (d *Detector) handleDSDone(_ envelope.Envelope, body []byte) {
	msg, err := decodeDSDone(body)
	if err != nil {
		log.Error("termination: malformed dsDone", "rank", d.rank, "error", err)
		return
	}
	d.mu.Lock()
	st, ok := d.epochs[msg.epoch]
	children := make([]int, 0)
	if ok {
		for c := range st.dsChildren {
			children = append(children, c)
		}
	}
	d.mu.Unlock()
	if !ok {
		log.Error("termination: dsDone for unknown epoch", "rank", d.rank, "epoch", uint64(msg.epoch))
		return
	}
	for _, c := range children {
		if err := d.rawSend(c, d.dsDoneHandlerID, body); err != nil {
			log.Error("termination: failed to forward dsDone", "rank", d.rank, "child", c, "error", err)
		}
	}
	d.fire(msg.epoch)
}

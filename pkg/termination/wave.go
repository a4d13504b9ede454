package termination

import (
	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
)

// spanningChildren returns rank's children in the binary tree rooted at
// root, over a group of size ranks. Same shape as the tree messenger uses
// for broadcast, so both algorithms route down identical topologies.
func spanningChildren(root, rank, size int) []int {
	rel := (rank - root + size) % size
	var children []int
	for _, c := range []int{rel*2 + 1, rel*2 + 2} {
		if c < size {
			children = append(children, (c+root)%size)
		}
	}
	return children
}

func spanningParent(root, rank, size int) int {
	if rank == root {
		return -1
	}
	rel := (rank - root + size) % size
	parentRel := (rel - 1) / 2
	return (parentRel + root) % size
}

// NewCollectiveEpoch creates a collective-quiescence epoch tracked by the
// 4-counter wave algorithm. Must be called in identical order on every
// rank, like a collective handler registration, so every rank derives the
// same epoch ID and the same spanning-tree position. The epoch is pushed
// onto this rank's stack; call Token.End once the creating scope is done
// issuing sends directly under it.
func (d *Detector) NewCollectiveEpoch(root int) Token {
	d.mu.Lock()
	d.nextCollectiveSeq++
	epoch := collectiveEpochBase + envelope.Epoch(d.nextCollectiveSeq)
	st := &epochState{
		self:     epoch,
		kind:     kindCollective,
		root:     root,
		parent:   spanningParent(root, d.rank, d.size),
		children: spanningChildren(root, d.rank, d.size),
		reports:  make(map[int]waveReport),
	}
	d.epochs[epoch] = st
	d.stack = append(d.stack, epoch)
	d.mu.Unlock()

	if d.rank == root {
		d.startWave(epoch, st, 1)
	}
	return Token{epoch: epoch, d: d}
}

// startWave asks this rank's children to submit wave's sums; a rank with no
// children answers immediately using only its own counters.
func (d *Detector) startWave(epoch envelope.Epoch, st *epochState, wave uint64) {
	d.mu.Lock()
	st.wave = wave
	st.reports = make(map[int]waveReport)
	children := append([]int(nil), st.children...)
	d.mu.Unlock()

	if len(children) == 0 {
		d.collectiveSubtreeSettled(epoch, st, wave)
		return
	}
	req := encodeWaveRequest(waveRequest{epoch: epoch, wave: wave})
	for _, c := range children {
		if err := d.rawSend(c, d.waveRequestHandlerID, req); err != nil {
			log.Error("termination: failed to send waveRequest", "rank", d.rank, "child", c, "error", err)
		}
	}
}

func (d *Detector) handleWaveRequest(_ envelope.Envelope, body []byte) {
	msg, err := decodeWaveRequest(body)
	if err != nil {
		log.Error("termination: malformed waveRequest", "rank", d.rank, "error", err)
		return
	}
	d.mu.Lock()
	st, ok := d.epochs[msg.epoch]
	d.mu.Unlock()
	if !ok {
		log.Error("termination: waveRequest for unknown epoch", "rank", d.rank, "epoch", uint64(msg.epoch))
		return
	}
	d.startWave(msg.epoch, st, msg.wave)
}

// collectiveSubtreeSettled runs once this rank has every child's report for
// wave (or has no children): it sums its own counters with theirs and
// either forwards up to its parent or, if this rank is the root, evaluates
// the wave's outcome.
func (d *Detector) collectiveSubtreeSettled(epoch envelope.Epoch, st *epochState, wave uint64) {
	d.mu.Lock()
	prod, cons := st.lProd, st.lCons
	for _, r := range st.reports {
		prod += r.prod
		cons += r.cons
	}
	parent := st.parent
	d.mu.Unlock()

	if parent < 0 {
		d.evaluateWave(epoch, st, wave, prod, cons)
		return
	}
	report := encodeWaveReport(waveReport{epoch: epoch, wave: wave, prod: prod, cons: cons})
	if err := d.rawSend(parent, d.waveReportHandlerID, report); err != nil {
		log.Error("termination: failed to send waveReport", "rank", d.rank, "parent", parent, "error", err)
	}
}

func (d *Detector) handleWaveReport(_ envelope.Envelope, body []byte) {
	msg, err := decodeWaveReport(body)
	if err != nil {
		log.Error("termination: malformed waveReport", "rank", d.rank, "error", err)
		return
	}
	fromNode, _ := d.msgr.GetFromNode()

	d.mu.Lock()
	st, ok := d.epochs[msg.epoch]
	if !ok {
		d.mu.Unlock()
		log.Error("termination: waveReport for unknown epoch", "rank", d.rank, "epoch", uint64(msg.epoch))
		return
	}
	st.reports[fromNode] = msg
	complete := len(st.reports) == len(st.children)
	d.mu.Unlock()

	if complete {
		d.collectiveSubtreeSettled(msg.epoch, st, msg.wave)
	}
}

// evaluateWave runs only on the epoch's root: it compares this wave's
// global sums against the previous wave's, declaring termination when two
// consecutive waves agree and are balanced.
func (d *Detector) evaluateWave(epoch envelope.Epoch, st *epochState, wave, prod, cons uint64) {
	if cons > prod {
		d.reportInconsistent(epoch, prod, cons)
		return
	}

	d.mu.Lock()
	quiescent := st.haveWave && st.prevProd == prod && st.prevCons == cons && prod == cons
	st.prevProd, st.prevCons, st.haveWave = prod, cons, true
	d.mu.Unlock()

	result := encodeWaveResult(waveResult{epoch: epoch, wave: wave, terminated: quiescent})
	d.mu.Lock()
	children := append([]int(nil), st.children...)
	d.mu.Unlock()
	for _, c := range children {
		if err := d.rawSend(c, d.waveResultHandlerID, result); err != nil {
			log.Error("termination: failed to forward wave result", "rank", d.rank, "child", c, "error", err)
		}
	}
	if quiescent {
		d.fire(epoch)
	} else {
		d.startWave(epoch, st, wave+1)
	}
}

func (d *Detector) handleWaveResult(_ envelope.Envelope, body []byte) {
	msg, err := decodeWaveResult(body)
	if err != nil {
		log.Error("termination: malformed waveResult", "rank", d.rank, "error", err)
		return
	}
	d.mu.Lock()
	st, ok := d.epochs[msg.epoch]
	d.mu.Unlock()
	if !ok {
		log.Error("termination: waveResult for unknown epoch", "rank", d.rank, "epoch", uint64(msg.epoch))
		return
	}

	for _, c := range st.children {
		if err := d.rawSend(c, d.waveResultHandlerID, body); err != nil {
			log.Error("termination: failed to forward wave result", "rank", d.rank, "child", c, "error", err)
		}
	}
	if msg.terminated {
		d.fire(msg.epoch)
	}
}

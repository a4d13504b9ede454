// Package termination implements epoch-scoped quiescence detection: a
// 4-counter wave algorithm for collective epochs shared by every rank, and a
// rooted Dijkstra-Scholten-style parental-debt algorithm for epochs rooted
// at a single activating rank. It satisfies messenger.TerminationHook so the
// active-messaging core can stamp and account for epochs without depending
// on this package.
package termination

import (
	"fmt"
	"sync"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/registry"
)

// Action fires once when an epoch is declared terminated on this rank.
type Action func()

const (
	// collectiveEpochBase and rootedEpochBase partition the 64-bit epoch
	// space so IDs minted by the two algorithms never collide.
	collectiveEpochBase envelope.Epoch = 1 << 62
	rootedEpochBase     envelope.Epoch = 1 << 61
	rootedRankShift                    = 32
)

type kind int

const (
	kindCollective kind = iota
	kindRooted
)

// epochState holds bookkeeping common to both algorithms plus whichever
// kind-specific fields apply; Detector keeps exactly one of these per epoch
// this rank has ever heard of.
type epochState struct {
	self       envelope.Epoch
	kind       kind
	terminated bool
	actions    []Action

	// collective (wave) fields, meaningful when kind == kindCollective
	root      int
	parent    int
	children  []int
	wave      uint64
	prevProd  uint64
	prevCons  uint64
	haveWave  bool // has at least one wave completed, so prev* is meaningful
	reports   map[int]waveReport
	lProd     uint64
	lCons     uint64

	// rooted (DS) fields, meaningful when kind == kindRooted
	dsRoot      int
	dsIsRoot    bool
	dsEngaged   bool
	dsParent    int
	dsChildren  map[int]struct{}
	dsOutstand  uint64
	dsAcked     bool
}

// Detector is the per-rank termination-detection singleton. The zero value
// is not usable; use New.
type Detector struct {
	rank int
	size int
	msgr *messenger.Messenger

	mu         sync.Mutex
	stack      []envelope.Epoch
	suppressed bool // true while sending the detector's own control messages, so they don't self-stamp
	epochs     map[envelope.Epoch]*epochState

	nextCollectiveSeq uint64
	nextRootedSeq     uint64

	waveRequestHandlerID envelope.HandlerID
	waveReportHandlerID  envelope.HandlerID
	waveResultHandlerID  envelope.HandlerID
	dsAckHandlerID       envelope.HandlerID
	dsDoneHandlerID      envelope.HandlerID
}

// New creates a Detector and registers its control handlers with msgr. The
// caller is responsible for msgr.SetTerminationHook(detector).
func New(rank, size int, msgr *messenger.Messenger) *Detector {
	d := &Detector{
		rank:   rank,
		size:   size,
		msgr:   msgr,
		epochs: make(map[envelope.Epoch]*epochState),
	}
	d.waveRequestHandlerID = msgr.RegisterHandler(d.handleWaveRequest, registry.NoTag)
	d.waveReportHandlerID = msgr.RegisterHandler(d.handleWaveReport, registry.NoTag)
	d.waveResultHandlerID = msgr.RegisterHandler(d.handleWaveResult, registry.NoTag)
	d.dsAckHandlerID = msgr.RegisterHandler(d.handleDSAck, registry.NoTag)
	d.dsDoneHandlerID = msgr.RegisterHandler(d.handleDSDone, registry.NoTag)
	return d
}

// --- messenger.TerminationHook ---

// CurrentEpoch returns the epoch on top of this rank's stack, or AnyEpoch if
// nothing is active.
func (d *Detector) CurrentEpoch() envelope.Epoch {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suppressed || len(d.stack) == 0 {
		return envelope.AnyEpoch
	}
	return d.stack[len(d.stack)-1]
}

// rawSend posts a detector-internal control message (wave/DS protocol
// traffic) without letting it stamp or produce against whatever epoch is
// currently on the stack: the detector's own bookkeeping traffic must not
// count as application work under the epoch it is measuring.
func (d *Detector) rawSend(dest int, handler envelope.HandlerID, body []byte) error {
	d.mu.Lock()
	d.suppressed = true
	d.mu.Unlock()
	_, err := d.msgr.Send(dest, handler, body, 0)
	d.mu.Lock()
	d.suppressed = false
	d.mu.Unlock()
	return err
}

// PushEpoch is called by the messenger right before running a handler whose
// incoming message carries an epoch, so any send the handler makes picks it
// up as the current epoch.
func (d *Detector) PushEpoch(epoch envelope.Epoch, fromNode int) {
	d.mu.Lock()
	d.stack = append(d.stack, epoch)
	d.mu.Unlock()
}

// PopEpoch undoes the push made on handler entry. For a rooted epoch, this
// is also the right moment to check whether the handler that just finished
// left this rank idle: any sends it made already landed in Produce before
// PopEpoch runs.
func (d *Detector) PopEpoch() {
	d.mu.Lock()
	var ep envelope.Epoch
	popped := false
	if n := len(d.stack); n > 0 {
		ep = d.stack[n-1]
		d.stack = d.stack[:n-1]
		popped = true
	}
	st, ok := d.epochs[ep]
	d.mu.Unlock()

	if popped && ok && st.kind == kindRooted {
		d.checkDSIdle(st)
	}
}

// state looks up epoch's tracking state, lazily creating it for a
// rooted epoch this rank has never seen before: unlike a collective epoch,
// a rooted epoch is only created up front by its root, and every other rank
// engages with it the first time traffic under it arrives.
func (d *Detector) state(epoch envelope.Epoch) *epochState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.epochs[epoch]; ok {
		return st
	}
	if epoch&rootedEpochBase == 0 {
		return nil
	}
	st := &epochState{
		self:       epoch,
		kind:       kindRooted,
		dsParent:   -1,
		dsChildren: make(map[int]struct{}),
	}
	d.epochs[epoch] = st
	return st
}

// Produce records that this rank sent a message to dest under epoch.
func (d *Detector) Produce(epoch envelope.Epoch, n uint64, dest int) {
	st := d.state(epoch)
	if st == nil {
		return
	}
	switch st.kind {
	case kindCollective:
		d.mu.Lock()
		st.lProd += n
		d.mu.Unlock()
	case kindRooted:
		d.produceRooted(st, dest)
	}
}

// Consume records that this rank just ran a handler for a message received
// from source under epoch.
func (d *Detector) Consume(epoch envelope.Epoch, n uint64, source int) {
	st := d.state(epoch)
	if st == nil {
		return
	}
	switch st.kind {
	case kindCollective:
		d.mu.Lock()
		st.lCons += n
		d.mu.Unlock()
	case kindRooted:
		d.consumeRooted(st, source)
	}
}

// --- epoch lifecycle ---

// Token lets the scope that created an epoch pop it from the stack once
// that scope is done issuing sends under it. The epoch's own termination
// bookkeeping keeps running independently until the algorithm declares it
// quiescent.
type Token struct {
	epoch envelope.Epoch
	d     *Detector
}

// Epoch returns the underlying epoch identifier.
func (t Token) Epoch() envelope.Epoch { return t.epoch }

// End pops this epoch from the creating rank's stack.
func (t Token) End() { t.d.PopEpoch() }

// AddAction registers fn to run once epoch is declared terminated on this
// rank. If the epoch already terminated, fn runs immediately.
func (d *Detector) AddAction(epoch envelope.Epoch, fn Action) {
	st := d.state(epoch)
	if st == nil {
		log.Warn("termination: AddAction for unknown epoch", "rank", d.rank, "epoch", uint64(epoch))
		return
	}
	d.mu.Lock()
	if st.terminated {
		d.mu.Unlock()
		fn()
		return
	}
	st.actions = append(st.actions, fn)
	d.mu.Unlock()
}

// IsTerminated reports whether epoch has been declared quiescent on this
// rank.
func (d *Detector) IsTerminated(epoch envelope.Epoch) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.epochs[epoch]
	return ok && st.terminated
}

func (d *Detector) fire(epoch envelope.Epoch) {
	d.mu.Lock()
	st, ok := d.epochs[epoch]
	if !ok || st.terminated {
		d.mu.Unlock()
		return
	}
	st.terminated = true
	actions := st.actions
	st.actions = nil
	d.mu.Unlock()

	log.Info("termination: epoch terminated", "rank", d.rank, "epoch", uint64(epoch))
	for _, a := range actions {
		a()
	}
}

// DetectUnmatchedHandlers surfaces handler IDs this rank still has parked
// messages for, for a caller (pkg/runtime) to fold into a global-termination
// fatal-error check per CodeUnmatchedHandler.
func (d *Detector) DetectUnmatchedHandlers() []envelope.HandlerID {
	return d.msgr.OutstandingParked()
}

func (d *Detector) reportInconsistent(epoch envelope.Epoch, prod, cons uint64) {
	fatalerr.Abort(fatalerr.New(d.rank, "termination", fatalerr.CodeConsumedExceedsProduced,
		fmt.Sprintf("epoch %d: consumed exceeds produced (%d > %d)", uint64(epoch), cons, prod)))
}

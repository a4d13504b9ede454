// Package runtime assembles every component package into one per-rank
// Runtime: a single struct that owns and injects borrowed references to the
// messenger, location manager, RDMA manager, termination detector,
// sequencer, collective manager, and entity/collection managers, in place of
// package-level globals. Application code (such as cmd/vtrun) builds one
// Runtime per rank and drives it with Run.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ember-hpc/vt/internal/fatalerr"
	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/collective"
	"github.com/ember-hpc/vt/pkg/config"
	"github.com/ember-hpc/vt/pkg/entity"
	"github.com/ember-hpc/vt/pkg/event"
	"github.com/ember-hpc/vt/pkg/location"
	"github.com/ember-hpc/vt/pkg/messenger"
	"github.com/ember-hpc/vt/pkg/pool"
	"github.com/ember-hpc/vt/pkg/rdma"
	"github.com/ember-hpc/vt/pkg/registry"
	"github.com/ember-hpc/vt/pkg/sequencer"
	"github.com/ember-hpc/vt/pkg/termination"
	"github.com/ember-hpc/vt/pkg/transport"
	"github.com/ember-hpc/vt/pkg/transport/grpctransport"
	"github.com/ember-hpc/vt/pkg/transport/looptransport"
)

// DefaultEventsPerTick bounds how many events Progress drains per call to
// Messenger.Progress, the same way a single MPI test loop would cap the
// number of completions it drains before looping back to check for new work.
const DefaultEventsPerTick = 256

// DefaultShutdownGrace is how long Shutdown waits for in-flight sequences
// to settle before running its fatal-error checks.
const DefaultShutdownGrace = 2 * time.Second

// Runtime wires together one rank's worth of the AMT runtime. Every field
// is populated once by New and never reassigned afterward, so Runtime's
// accessor methods need no locking.
type Runtime struct {
	rank int
	size int

	cfg *config.Config

	transport transport.Transport
	registry  *registry.Registry
	pool      *pool.Pool
	events    *event.System
	messenger *messenger.Messenger
	location  *location.Manager
	rdma      *rdma.Manager
	term      *termination.Detector
	seq       *sequencer.Sequencer
	col       *collective.Manager
	entities  *entity.Manager
	colls     *entity.CollectionManager

	closeTransport func() error
}

// New constructs every component in dependency order, selecting a
// transport.Transport binding according to cfg.Transport.Kind. The returned
// Runtime owns all of it; call Close when the process shuts down.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	tr, closeTransport, err := newTransport(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("runtime: build transport: %w", err)
	}
	return NewWithTransport(cfg, tr, closeTransport)
}

// NewWithTransport wires a Runtime around a caller-supplied transport
// instead of building one from cfg.Transport. NewLoopbackGroup and tests
// that simulate several ranks in one process share a single
// looptransport.Network this way, handing each Runtime its own
// *looptransport.Transport view of it.
func NewWithTransport(cfg *config.Config, tr transport.Transport, closeTransport func() error) (*Runtime, error) {
	rank, size := tr.Rank(), tr.Size()

	reg := registry.New(rank)
	p := pool.New()
	ev := event.New(rank)
	msgr := messenger.New(rank, tr, reg, p, ev)

	loc := location.NewManager(rank, size, msgr, location.Config{
		CacheHopLimit: cfg.Location.CacheHopLimit,
		MaxHops:       cfg.Location.MaxHops,
	})
	rdmaMgr := rdma.New(rank, msgr)

	det := termination.New(rank, size, msgr)
	msgr.SetTerminationHook(det)

	seq := sequencer.New(rank, msgr)
	col := collective.New(rank, size, msgr)

	vcm := entity.New(rank, size, msgr, loc)
	cm := entity.NewCollectionManager(rank, size, msgr, vcm, col)

	rt := &Runtime{
		rank:           rank,
		size:           size,
		cfg:            cfg,
		transport:      tr,
		registry:       reg,
		pool:           p,
		events:         ev,
		messenger:      msgr,
		location:       loc,
		rdma:           rdmaMgr,
		term:           det,
		seq:            seq,
		col:            col,
		entities:       vcm,
		colls:          cm,
		closeTransport: closeTransport,
	}

	log.Info("runtime initialized", "rank", rank, "size", size, "transport", cfg.Transport.Kind)
	return rt, nil
}

// NewLoopbackGroup builds size Runtimes sharing one in-process
// looptransport.Network, for cmd/vtrun and tests that simulate a multi-rank
// job inside a single process.
func NewLoopbackGroup(cfg *config.Config, size int) ([]*Runtime, error) {
	net := looptransport.NewNetwork(size)
	group := make([]*Runtime, size)
	for r := 0; r < size; r++ {
		rt, err := NewWithTransport(cfg, net.Transport(r), func() error { return nil })
		if err != nil {
			return nil, fmt.Errorf("runtime: build rank %d: %w", r, err)
		}
		group[r] = rt
	}
	return group, nil
}

func newTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func() error, error) {
	switch cfg.Transport.Kind {
	case "loopback":
		ranks := cfg.Transport.Ranks
		if ranks < 1 {
			ranks = 1
		}
		net := looptransport.NewNetwork(ranks)
		return net.Transport(0), func() error { return nil }, nil

	case "grpc":
		gcfg := grpctransport.Config{
			Rank:            rankFromAddr(cfg.Transport.GRPC.ListenAddr, cfg.Transport.GRPC.Peers),
			Addresses:       cfg.Transport.GRPC.Peers,
			CoordinatorRank: 0,
		}
		tr, err := grpctransport.New(ctx, gcfg)
		if err != nil {
			return nil, nil, err
		}
		return tr, tr.Close, nil

	default:
		return nil, nil, fmt.Errorf("runtime: unknown transport kind %q", cfg.Transport.Kind)
	}
}

func rankFromAddr(self string, peers []string) int {
	for i, addr := range peers {
		if addr == self {
			return i
		}
	}
	return 0
}

func (r *Runtime) Rank() int { return r.rank }
func (r *Runtime) Size() int { return r.size }

func (r *Runtime) Messenger() *messenger.Messenger      { return r.messenger }
func (r *Runtime) Location() *location.Manager          { return r.location }
func (r *Runtime) RDMA() *rdma.Manager                  { return r.rdma }
func (r *Runtime) Termination() *termination.Detector   { return r.term }
func (r *Runtime) Sequencer() *sequencer.Sequencer      { return r.seq }
func (r *Runtime) Collective() *collective.Manager      { return r.col }
func (r *Runtime) Entities() *entity.Manager            { return r.entities }
func (r *Runtime) Collections() *entity.CollectionManager { return r.colls }
func (r *Runtime) Config() *config.Config               { return r.cfg }

// Run drives the messenger's progress loop until ctx is cancelled. Callers
// that need to interleave their own work with progress (building a sequence,
// waiting on a collective) should call Progress directly instead.
func (r *Runtime) Run(ctx context.Context) error {
	log.Info("runtime progress loop starting", "rank", r.rank)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("runtime progress loop stopping", "rank", r.rank, "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			r.Progress()
		}
	}
}

// Progress drains up to DefaultEventsPerTick completed events from the
// transport. Safe to call directly from a caller's own loop instead of Run.
func (r *Runtime) Progress() int {
	return r.messenger.Progress(DefaultEventsPerTick)
}

// Shutdown runs the fatal-error checks every AMT runtime must perform before
// exiting cleanly: any handler ID still outstanding when termination was
// detected, and any sequence still parked on a wait that nothing ever
// resolved, both indicate a broken protocol rather than a clean finish.
// Detected violations go through fatalerr.Abort, which flushes registered
// flushers (stats, trace) before the process exits.
func (r *Runtime) Shutdown() error {
	time.Sleep(DefaultShutdownGrace)

	if unmatched := r.term.DetectUnmatchedHandlers(); len(unmatched) > 0 {
		err := fatalerr.New(r.rank, "termination", fatalerr.CodeUnmatchedHandler,
			fmt.Sprintf("%d handler(s) parked with no matching send at termination", len(unmatched)))
		fatalerr.Abort(err)
		return err
	}

	if r.seq.LogDeadlocks() {
		err := fatalerr.New(r.rank, "sequencer", fatalerr.CodeDeadlockedSequence,
			"one or more sequences are parked on a wait nothing resolved")
		fatalerr.Abort(err)
		return err
	}

	return r.Close()
}

// Close releases the transport without running the fatal-error checks.
// Use this for ordinary process exit; use Shutdown when you want the
// termination and deadlock audits run first.
func (r *Runtime) Close() error {
	if r.closeTransport == nil {
		return nil
	}
	return r.closeTransport()
}

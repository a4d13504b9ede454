// Package transport defines the byte-oriented message-passing contract the
// active-messaging core is built on. The core never talks to MPI, a socket,
// or anything else directly: every send, probe, and collective goes through
// this interface, so the same core runs unmodified over an in-process
// loopback (tests, cmd/vtrun --ranks) or a real multi-process
// transport.
package transport

import "context"

// Reserved tags. UserTagBase marks where user tags may start; pkg/config
// has no setting for it.
const (
	ActiveMsgTag = -1
	DataMsgTag   = -2
	UserTagBase  = 1000
)

// SendRequest tracks a non-blocking send's completion.
type SendRequest interface {
	// Test reports whether the send has completed. Non-blocking: callers
	// poll it from the progress loop via an event.System transport event.
	Test() (done bool, err error)
}

// RecvRequest tracks a non-blocking receive's completion.
type RecvRequest interface {
	// Test reports whether the matching bytes have arrived, and if so how
	// many were written into the buffer passed to IRecv.
	Test() (done bool, n int, err error)
}

// Transport is the minimal byte-oriented message-passing surface the core
// depends on. Implementations must guarantee FIFO delivery per
// (sender, tag) pair and are responsible for reassembling any chunking they
// perform internally before Test reports done.
type Transport interface {
	// Rank returns this process's rank in the job.
	Rank() int
	// Size returns the number of ranks in the job.
	Size() int

	// ISend posts a non-blocking send of data to dest under tag.
	ISend(dest int, tag int, data []byte) (SendRequest, error)
	// IRecv posts a non-blocking receive into buf, matching a send from
	// source (or any source if source < 0) under tag.
	IRecv(tag int, source int, buf []byte) (RecvRequest, error)
	// ProbeAny reports the source, tag, and byte length of the next
	// unconsumed incoming message without consuming it, or ok=false if
	// none is available.
	ProbeAny() (source, tag, size int, ok bool)

	// Barrier blocks until every rank has called Barrier. It is separate
	// from pkg/collective's named barriers, which are built from active
	// messages and do not use this method.
	Barrier(ctx context.Context) error
	// Bcast distributes data from root to every rank. Non-root callers
	// pass a nil/empty data slice and receive the broadcast value back.
	Bcast(ctx context.Context, root int, data []byte) ([]byte, error)
}

package rdma

import (
	"fmt"

	"github.com/ember-hpc/vt/internal/log"
	"github.com/ember-hpc/vt/pkg/envelope"
)

// ChannelKind selects which endpoint a direct channel's data flows from.
type ChannelKind int

const (
	// ChannelPut flows data from the non-target endpoint to the target
	// (owner), applied as soon as it arrives.
	ChannelPut ChannelKind = iota
	// ChannelGet flows data from the target to the non-target endpoint,
	// sent when the target calls SyncLocal.
	ChannelGet
)

// channelTagBase separates channel payload traffic from both user SendData
// traffic and the non-channel get/put protocol's per-operation tags.
const channelTagBase envelope.Tag = 1 << 41

type channelKey struct {
	handle    HandleID
	target    int
	nonTarget int
}

// channelTag is deterministic from the channel's identity alone: both
// endpoints compute the same value independently, standing in for the
// window-exchange handshake a real one-sided transport would perform.
func channelTag(handle HandleID, target, nonTarget int) envelope.Tag {
	return channelTagBase + envelope.Tag(handle) + envelope.Tag(target)<<16 + envelope.Tag(nonTarget)<<32
}

// Channel is a persistent direct path between a handle's owner (target) and
// one other rank (nonTarget), set up once and reused across many transfers
// without a control message per operation.
type Channel struct {
	kind      ChannelKind
	handle    HandleID
	target    int
	nonTarget int
	tag       envelope.Tag
	rank      int
	mgr       *Manager
	action    func(data []byte)
	closed    bool
}

// NewChannel sets up a direct channel for handle between target and
// nonTarget; action runs on whichever endpoint receives data (the target
// for ChannelPut, the non-target for ChannelGet) every time a transfer
// completes. Must be called on both target and nonTarget.
func (m *Manager) NewChannel(kind ChannelKind, handle HandleID, target, nonTarget int, action func(data []byte)) (*Channel, error) {
	if m.rank != target && m.rank != nonTarget {
		return nil, fmt.Errorf("rdma: NewChannel: rank %d is neither target %d nor non-target %d", m.rank, target, nonTarget)
	}
	key := channelKey{handle: handle, target: target, nonTarget: nonTarget}
	c := &Channel{kind: kind, handle: handle, target: target, nonTarget: nonTarget, tag: channelTag(handle, target, nonTarget), rank: m.rank, mgr: m, action: action}

	m.mu.Lock()
	m.channels[key] = c
	m.mu.Unlock()

	sink := target
	if kind == ChannelGet {
		sink = nonTarget
	}
	if m.rank == sink {
		c.armReceive()
	}
	return c, nil
}

// armReceive re-registers a one-shot RecvData continuation that applies the
// next payload and immediately re-arms itself, giving the channel a
// standing receive for as long as it exists.
func (c *Channel) armReceive() {
	source := c.target
	if c.kind == ChannelPut {
		source = c.nonTarget
	}
	c.mgr.msgr.RecvData(c.tag, source, func(payload []byte) {
		if c.closed {
			return
		}
		m := c.mgr
		m.mu.Lock()
		r, ok := m.regions[c.handle]
		m.mu.Unlock()
		if ok && c.kind == ChannelPut {
			copy(r.buf, payload)
		}
		if c.action != nil {
			c.action(payload)
		}
		c.armReceive()
	})
}

// SyncLocal pushes this endpoint's current data across the channel: for a
// ChannelPut channel, the non-target sends data to the target; for a
// ChannelGet channel, the target proactively sends its registered buffer.
func (c *Channel) SyncLocal(data []byte) error {
	dest := c.target
	if c.kind == ChannelGet {
		if c.rank != c.target {
			return fmt.Errorf("rdma: SyncLocal on ChannelGet is only valid on the target")
		}
		dest = c.nonTarget
	} else if c.rank != c.nonTarget {
		return fmt.Errorf("rdma: SyncLocal on ChannelPut is only valid on the non-target")
	}
	_, err := c.mgr.msgr.SendData(data, dest, c.tag)
	if err != nil {
		return fmt.Errorf("rdma: channel SyncLocal: %w", err)
	}
	return nil
}

// SyncRemote installs continuation to run once, with the next payload the
// channel's armed receive delivers. It sends nothing to the other endpoint
// and does not block. Only meaningful on the receiving side of the
// channel's data flow.
func (c *Channel) SyncRemote(continuation func(data []byte)) {
	prevAction := c.action
	c.action = func(data []byte) {
		if prevAction != nil {
			prevAction(data)
		}
		continuation(data)
		c.action = prevAction
	}
}

// RemoveChannel tears down a previously created channel. A payload that
// arrives on the receive side after removal is discarded without being
// applied, and the receive is not re-armed.
func (m *Manager) RemoveChannel(handle HandleID, target, nonTarget int) {
	key := channelKey{handle: handle, target: target, nonTarget: nonTarget}
	m.mu.Lock()
	if c, ok := m.channels[key]; ok {
		c.closed = true
	}
	delete(m.channels, key)
	m.mu.Unlock()
	log.Debug("rdma: channel removed", "rank", m.rank, "handle", uint64(handle))
}

// Package envelope implements the fixed-layout message header prefixing
// every active message.
package envelope

import "fmt"

// Type is a bitset over the envelope's control flags. Bits are independent
// except that Broadcast implies Normal.
type Type uint8

const (
	Normal Type = 1 << iota
	Get
	Put
	Term
	Broadcast
	HasEpoch
	HasTag
	Callback
)

func (t Type) Has(bit Type) bool { return t&bit != 0 }

func (t Type) String() string {
	names := []struct {
		bit  Type
		name string
	}{
		{Normal, "Normal"}, {Get, "Get"}, {Put, "Put"}, {Term, "Term"},
		{Broadcast, "Broadcast"}, {HasEpoch, "HasEpoch"}, {HasTag, "HasTag"}, {Callback, "Callback"},
	}
	s := ""
	for _, n := range names {
		if t.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "(none)"
	}
	return s
}

// UninitializedDest is the sentinel destination meaning "broadcast to the
// group of the sender" rather than an explicit rank.
const UninitializedDest = -1

// UnmanagedRef is the reference-count sentinel meaning "not shared": the
// sender owns the single copy and it is deleted immediately after send,
// rather than kept alive by ref-count bookkeeping.
const UnmanagedRef = -1

// Tag identifies a user-level or reserved matching channel. ActiveMsgTag and
// DataMsgTag (see pkg/transport) are reserved; user tags default to values
// >= 1000.
type Tag int64

// Epoch is the 64-bit termination-detection scope a message was produced
// under. See pkg/termination for the bit layout and algorithms.
type Epoch uint64

// AnyEpoch is the implicit ambient epoch active when no epoch has been
// explicitly pushed.
const AnyEpoch Epoch = 0

// NoEpoch marks "this message is not tracked by any termination epoch".
const NoEpoch Epoch = ^Epoch(0)

// Envelope is the trivially-copyable (POD) header prefixing every message.
// It carries at most one epoch, and Ref == UnmanagedRef means "not shared".
type Envelope struct {
	TypeBits Type
	Dest     int
	Handler  HandlerID
	Ref      int32

	epoch Epoch
	tag   Tag
}

// New builds an envelope addressed to dest for handler. Ref starts
// unmanaged; call SetRef to make the message shared.
func New(dest int, handler HandlerID) Envelope {
	return Envelope{TypeBits: Normal, Dest: dest, Handler: handler, Ref: UnmanagedRef}
}

// SetBroadcast stamps the Broadcast bit and records the tree root in Dest.
// This overrides Dest's normal meaning: routing code must consult
// Type.Has(Broadcast) before treating Dest as a destination rank, and a
// forwarding rank reads it back via BroadcastRoot to compute its own
// children in the spanning tree.
func (e *Envelope) SetBroadcast(senderGroupRoot int) {
	e.TypeBits |= Broadcast | Normal
	e.Dest = senderGroupRoot
}

// BroadcastRoot returns the rank that originated this broadcast. Only
// meaningful when Type.Has(Broadcast) is true.
func (e *Envelope) BroadcastRoot() int { return e.Dest }

// Epoch returns the envelope's epoch and whether HasEpoch is set.
func (e *Envelope) Epoch() (Epoch, bool) {
	if !e.TypeBits.Has(HasEpoch) {
		return AnyEpoch, false
	}
	return e.epoch, true
}

// SetEpoch stamps the epoch and sets HasEpoch. A message carries at most one
// epoch: calling SetEpoch twice simply overwrites it, mirroring "last write
// wins" for what is ultimately one stack slot value.
func (e *Envelope) SetEpoch(ep Epoch) {
	e.TypeBits |= HasEpoch
	e.epoch = ep
}

// Tag returns the envelope's tag and whether HasTag is set.
func (e *Envelope) Tag() (Tag, bool) {
	if !e.TypeBits.Has(HasTag) {
		return 0, false
	}
	return e.tag, true
}

// SetTag stamps the tag and sets HasTag.
func (e *Envelope) SetTag(t Tag) {
	e.TypeBits |= HasTag
	e.tag = t
}

// Unmanaged reports whether Ref == UnmanagedRef.
func (e *Envelope) Unmanaged() bool { return e.Ref == UnmanagedRef }

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{type=%s dest=%d handler=%#x ref=%d}", e.TypeBits, e.Dest, uint64(e.Handler), e.Ref)
}

// CollectionEnvelope is appended to a base Envelope for messages addressed
// to an indexed collection element, composed onto Envelope rather than
// expressed via inheritance.
type CollectionEnvelope struct {
	Envelope
	CollectionID uint64
	ElementIndex uint64
}

// Routable is the capability-traits layer asserting a message type carries
// enough addressing information to be routed: either a plain Envelope or a
// CollectionEnvelope satisfy it.
type Routable interface {
	Base() *Envelope
}

func (e *Envelope) Base() *Envelope { return e }

func (c *CollectionEnvelope) Base() *Envelope { return &c.Envelope }

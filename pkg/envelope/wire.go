package envelope

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire encoding for the envelope header: a big-endian, fixed-field framing
// where every multi-byte field is written/read with binary.BigEndian and the
// header has a fixed size, so decoding never needs a length prefix for
// itself.
//
// Layout (37 bytes):
//
//	[0]    type bits   (1 byte)
//	[1:9]  dest        (int64, big-endian; UninitializedDest encodes as -1)
//	[9:17] handler     (uint64, big-endian)
//	[17:21] ref        (int32, big-endian)
//	[21:29] epoch      (uint64, big-endian; 0 if HasEpoch unset)
//	[29:37] tag        (int64, big-endian; 0 if HasTag unset)
const WireSize = 37

// Encode appends the wire form of e to buf, returning any write error.
func Encode(buf *bytes.Buffer, e Envelope) error {
	if err := binary.Write(buf, binary.BigEndian, byte(e.TypeBits)); err != nil {
		return fmt.Errorf("encode envelope type: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, int64(e.Dest)); err != nil {
		return fmt.Errorf("encode envelope dest: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, uint64(e.Handler)); err != nil {
		return fmt.Errorf("encode envelope handler: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, e.Ref); err != nil {
		return fmt.Errorf("encode envelope ref: %w", err)
	}
	ep, _ := e.Epoch()
	if err := binary.Write(buf, binary.BigEndian, uint64(ep)); err != nil {
		return fmt.Errorf("encode envelope epoch: %w", err)
	}
	tag, _ := e.Tag()
	if err := binary.Write(buf, binary.BigEndian, int64(tag)); err != nil {
		return fmt.Errorf("encode envelope tag: %w", err)
	}
	return nil
}

// Decode reads a wire-encoded envelope header from the front of data and
// returns it along with the remaining payload bytes.
func Decode(data []byte) (Envelope, []byte, error) {
	if len(data) < WireSize {
		return Envelope{}, nil, fmt.Errorf("envelope: short buffer (%d < %d)", len(data), WireSize)
	}
	r := bytes.NewReader(data[:WireSize])

	var typeBits byte
	if err := binary.Read(r, binary.BigEndian, &typeBits); err != nil {
		return Envelope{}, nil, err
	}
	var dest int64
	if err := binary.Read(r, binary.BigEndian, &dest); err != nil {
		return Envelope{}, nil, err
	}
	var handler uint64
	if err := binary.Read(r, binary.BigEndian, &handler); err != nil {
		return Envelope{}, nil, err
	}
	var ref int32
	if err := binary.Read(r, binary.BigEndian, &ref); err != nil {
		return Envelope{}, nil, err
	}
	var epoch uint64
	if err := binary.Read(r, binary.BigEndian, &epoch); err != nil {
		return Envelope{}, nil, err
	}
	var tag int64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return Envelope{}, nil, err
	}

	e := Envelope{
		TypeBits: Type(typeBits),
		Dest:     int(dest),
		Handler:  HandlerID(handler),
		Ref:      ref,
	}
	if e.TypeBits.Has(HasEpoch) {
		e.epoch = Epoch(epoch)
	}
	if e.TypeBits.Has(HasTag) {
		e.tag = Tag(tag)
	}
	return e, data[WireSize:], nil
}

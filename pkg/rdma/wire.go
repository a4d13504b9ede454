package rdma

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ember-hpc/vt/pkg/envelope"
)

// getMessage/putMessage are the control headers for the non-channel
// pull/push protocols. The actual payload moves separately via
// messenger.SendData under dataTag, never inline in these control messages.
type getMessage struct {
	opID      uint64
	initiator int32
	handle    HandleID
	offset    uint64
	numBytes  uint64
	dataTag   envelope.Tag
	assocTag  envelope.Tag
}

type putMessage struct {
	opID      uint64
	initiator int32
	handle    HandleID
	offset    uint64
	numBytes  uint64
	dataTag   envelope.Tag
	assocTag  envelope.Tag
}

// backMessage acknowledges a get or put: ok reports whether the owner could
// service the request (handle known, offset in range); numBytes is the
// actual transfer size when ok.
type backMessage struct {
	opID     uint64
	ok       bool
	numBytes uint64
	reason   string
}

func encodeGetMessage(m getMessage) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.opID)
	binary.Write(buf, binary.BigEndian, m.initiator)
	binary.Write(buf, binary.BigEndian, uint64(m.handle))
	binary.Write(buf, binary.BigEndian, m.offset)
	binary.Write(buf, binary.BigEndian, m.numBytes)
	binary.Write(buf, binary.BigEndian, int64(m.dataTag))
	binary.Write(buf, binary.BigEndian, int64(m.assocTag))
	return buf.Bytes()
}

func decodeGetMessage(data []byte) (getMessage, error) {
	r := bytes.NewReader(data)
	var m getMessage
	var h uint64
	var dataTag, assocTag int64
	for _, f := range []any{&m.opID, &m.initiator, &h, &m.offset, &m.numBytes, &dataTag, &assocTag} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return m, fmt.Errorf("rdma: decode getMessage: %w", err)
		}
	}
	m.handle = HandleID(h)
	m.dataTag = envelope.Tag(dataTag)
	m.assocTag = envelope.Tag(assocTag)
	return m, nil
}

func encodePutMessage(m putMessage) []byte {
	return encodeGetMessage(getMessage(m))
}

func decodePutMessage(data []byte) (putMessage, error) {
	m, err := decodeGetMessage(data)
	return putMessage(m), err
}

func encodeBackMessage(m backMessage) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.opID)
	var ok byte
	if m.ok {
		ok = 1
	}
	buf.WriteByte(ok)
	binary.Write(buf, binary.BigEndian, m.numBytes)
	buf.WriteString(m.reason)
	return buf.Bytes()
}

func decodeBackMessage(data []byte) (backMessage, error) {
	r := bytes.NewReader(data)
	var m backMessage
	if err := binary.Read(r, binary.BigEndian, &m.opID); err != nil {
		return m, fmt.Errorf("rdma: decode backMessage opID: %w", err)
	}
	ok, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("rdma: decode backMessage ok: %w", err)
	}
	m.ok = ok != 0
	if err := binary.Read(r, binary.BigEndian, &m.numBytes); err != nil {
		return m, fmt.Errorf("rdma: decode backMessage numBytes: %w", err)
	}
	rest := make([]byte, r.Len())
	_, _ = r.Read(rest)
	m.reason = string(rest)
	return m, nil
}

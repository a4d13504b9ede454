package location

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ember-hpc/vt/pkg/envelope"
)

// routeMessage is the control payload forwarded hop to hop while resolving
// an entity-addressed send. cacheHops resets to zero every time the message
// is bounced to an entity's home rank; totalHops never resets and is what
// maxHops guards against.
type routeMessage struct {
	requestID  uint64
	entityID   EntityID
	cacheHops  int32
	totalHops  int32
	origin     int32
	handler    envelope.HandlerID
	tag        envelope.Tag
	hasTag     bool
}

func encodeRouteMessage(m routeMessage, body []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, m.requestID)
	binary.Write(buf, binary.BigEndian, uint64(m.entityID))
	binary.Write(buf, binary.BigEndian, m.cacheHops)
	binary.Write(buf, binary.BigEndian, m.totalHops)
	binary.Write(buf, binary.BigEndian, m.origin)
	binary.Write(buf, binary.BigEndian, uint64(m.handler))
	binary.Write(buf, binary.BigEndian, int64(m.tag))
	var hasTag byte
	if m.hasTag {
		hasTag = 1
	}
	buf.WriteByte(hasTag)
	buf.Write(body)
	return buf.Bytes()
}

func decodeRouteMessage(data []byte) (routeMessage, []byte, error) {
	r := bytes.NewReader(data)
	var m routeMessage
	if err := binary.Read(r, binary.BigEndian, &m.requestID); err != nil {
		return m, nil, fmt.Errorf("location: decode requestID: %w", err)
	}
	var eid uint64
	if err := binary.Read(r, binary.BigEndian, &eid); err != nil {
		return m, nil, fmt.Errorf("location: decode entityID: %w", err)
	}
	m.entityID = EntityID(eid)
	if err := binary.Read(r, binary.BigEndian, &m.cacheHops); err != nil {
		return m, nil, fmt.Errorf("location: decode cacheHops: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.totalHops); err != nil {
		return m, nil, fmt.Errorf("location: decode totalHops: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.origin); err != nil {
		return m, nil, fmt.Errorf("location: decode origin: %w", err)
	}
	var h uint64
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return m, nil, fmt.Errorf("location: decode handler: %w", err)
	}
	m.handler = envelope.HandlerID(h)
	var tag int64
	if err := binary.Read(r, binary.BigEndian, &tag); err != nil {
		return m, nil, fmt.Errorf("location: decode tag: %w", err)
	}
	m.tag = envelope.Tag(tag)
	hasTag, err := r.ReadByte()
	if err != nil {
		return m, nil, fmt.Errorf("location: decode hasTag: %w", err)
	}
	m.hasTag = hasTag != 0
	rest, err := io.ReadAll(r)
	if err != nil {
		return m, nil, fmt.Errorf("location: decode body: %w", err)
	}
	return m, rest, nil
}

func encodeFailMessage(requestID uint64, id EntityID) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, requestID)
	binary.Write(buf, binary.BigEndian, uint64(id))
	return buf.Bytes()
}

func decodeFailMessage(data []byte) (requestID uint64, id EntityID, err error) {
	r := bytes.NewReader(data)
	if err = binary.Read(r, binary.BigEndian, &requestID); err != nil {
		return 0, 0, fmt.Errorf("location: decode fail requestID: %w", err)
	}
	var eid uint64
	if err = binary.Read(r, binary.BigEndian, &eid); err != nil {
		return 0, 0, fmt.Errorf("location: decode fail entityID: %w", err)
	}
	return requestID, EntityID(eid), nil
}

func encodeArriveMessage(id EntityID, payload []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(id))
	buf.Write(payload)
	return buf.Bytes()
}

func decodeArriveMessage(data []byte) (EntityID, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("location: arrive message too short")
	}
	id := EntityID(binary.BigEndian.Uint64(data[:8]))
	return id, data[8:], nil
}

func encodeMovedMessage(id EntityID, newRank, origin int32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(id))
	binary.Write(buf, binary.BigEndian, newRank)
	binary.Write(buf, binary.BigEndian, origin)
	return buf.Bytes()
}

func decodeMovedMessage(data []byte) (id EntityID, newRank, origin int32, err error) {
	r := bytes.NewReader(data)
	var eid uint64
	if err = binary.Read(r, binary.BigEndian, &eid); err != nil {
		return 0, 0, 0, fmt.Errorf("location: decode moved entityID: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &newRank); err != nil {
		return 0, 0, 0, fmt.Errorf("location: decode moved newRank: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &origin); err != nil {
		return 0, 0, 0, fmt.Errorf("location: decode moved origin: %w", err)
	}
	return EntityID(eid), newRank, origin, nil
}

func encodeAckMessage(id EntityID) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(id))
	return buf.Bytes()
}

func decodeAckMessage(data []byte) (EntityID, error) {
	if len(data) < 8 {
		return 0, fmt.Errorf("location: ack message too short")
	}
	return EntityID(binary.BigEndian.Uint64(data[:8])), nil
}

package entity

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ember-hpc/vt/pkg/envelope"
)

func encodeMigratePayload(typeName string, raw []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint32(len(typeName)))
	buf.WriteString(typeName)
	buf.Write(raw)
	return buf.Bytes()
}

func decodeMigratePayload(data []byte) (typeName string, raw []byte, err error) {
	r := bytes.NewReader(data)
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", nil, fmt.Errorf("entity: decode migrate payload type length: %w", err)
	}
	nameBuf := make([]byte, n)
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", nil, fmt.Errorf("entity: decode migrate payload type name: %w", err)
	}
	rest := make([]byte, r.Len())
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", nil, fmt.Errorf("entity: decode migrate payload body: %w", err)
	}
	return string(nameBuf), rest, nil
}

// encodeElementMessage frames a point-to-point send to one collection
// element. It carries the addressing fields of an envelope.CollectionEnvelope
// (CollectionID, ElementIndex) plus the inner user handler and tag, since
// pkg/messenger's wire format only understands a plain envelope.Envelope and
// has nowhere else to put element addressing.
func encodeElementMessage(addr envelope.CollectionEnvelope, handler envelope.HandlerID, inner []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, addr.CollectionID)
	binary.Write(buf, binary.BigEndian, addr.ElementIndex)
	binary.Write(buf, binary.BigEndian, uint64(handler))
	tag, hasTag := addr.Tag()
	binary.Write(buf, binary.BigEndian, hasTag)
	binary.Write(buf, binary.BigEndian, int64(tag))
	buf.Write(inner)
	return buf.Bytes()
}

func decodeElementMessage(data []byte) (addr envelope.CollectionEnvelope, handler envelope.HandlerID, inner []byte, err error) {
	r := bytes.NewReader(data)
	if err = binary.Read(r, binary.BigEndian, &addr.CollectionID); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message collection id: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &addr.ElementIndex); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message index: %w", err)
	}
	var h uint64
	if err = binary.Read(r, binary.BigEndian, &h); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message handler: %w", err)
	}
	handler = envelope.HandlerID(h)
	var hasTag bool
	if err = binary.Read(r, binary.BigEndian, &hasTag); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message has-tag: %w", err)
	}
	var t int64
	if err = binary.Read(r, binary.BigEndian, &t); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message tag: %w", err)
	}
	if hasTag {
		addr.SetTag(envelope.Tag(t))
	}
	rest := make([]byte, r.Len())
	if _, err = io.ReadFull(r, rest); err != nil {
		return addr, 0, nil, fmt.Errorf("entity: decode element message body: %w", err)
	}
	return addr, handler, rest, nil
}

// encodeCollectionBroadcast frames a fan-out to every element of a
// collection, regardless of which ranks own which indices.
func encodeCollectionBroadcast(collection CollectionID, handler envelope.HandlerID, tag envelope.Tag, inner []byte) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(collection))
	binary.Write(buf, binary.BigEndian, uint64(handler))
	binary.Write(buf, binary.BigEndian, int64(tag))
	buf.Write(inner)
	return buf.Bytes()
}

func decodeCollectionBroadcast(data []byte) (collection CollectionID, handler envelope.HandlerID, tag envelope.Tag, inner []byte, err error) {
	r := bytes.NewReader(data)
	var c, h uint64
	var t int64
	if err = binary.Read(r, binary.BigEndian, &c); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("entity: decode collection broadcast collection id: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &h); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("entity: decode collection broadcast handler: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &t); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("entity: decode collection broadcast tag: %w", err)
	}
	rest := make([]byte, r.Len())
	if _, err = io.ReadFull(r, rest); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("entity: decode collection broadcast body: %w", err)
	}
	return CollectionID(c), envelope.HandlerID(h), envelope.Tag(t), rest, nil
}

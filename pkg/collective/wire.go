package collective

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Every collective control message starts with a length-prefixed name so
// one shared handler ID can multiplex arbitrarily many named barriers or
// reductions.

func encodeName(buf *bytes.Buffer, name string) {
	binary.Write(buf, binary.BigEndian, uint32(len(name)))
	buf.WriteString(name)
}

func decodeName(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", fmt.Errorf("collective: decode name length: %w", err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("collective: decode name: %w", err)
	}
	return string(buf), nil
}

func encodeGather(name string) []byte {
	buf := new(bytes.Buffer)
	encodeName(buf, name)
	return buf.Bytes()
}

func decodeGather(data []byte) (string, error) {
	return decodeName(bytes.NewReader(data))
}

func encodeRelease(name string) []byte {
	buf := new(bytes.Buffer)
	encodeName(buf, name)
	return buf.Bytes()
}

func decodeRelease(data []byte) (string, error) {
	return decodeName(bytes.NewReader(data))
}

type reduceGather struct {
	name  string
	value int64
}

func encodeReduceGather(m reduceGather) []byte {
	buf := new(bytes.Buffer)
	encodeName(buf, m.name)
	binary.Write(buf, binary.BigEndian, m.value)
	return buf.Bytes()
}

func decodeReduceGather(data []byte) (reduceGather, error) {
	var m reduceGather
	r := bytes.NewReader(data)
	name, err := decodeName(r)
	if err != nil {
		return m, err
	}
	m.name = name
	if err := binary.Read(r, binary.BigEndian, &m.value); err != nil {
		return m, fmt.Errorf("collective: decode reduceGather value: %w", err)
	}
	return m, nil
}

type reduceRelease struct {
	name  string
	value int64
}

func encodeReduceRelease(m reduceRelease) []byte {
	buf := new(bytes.Buffer)
	encodeName(buf, m.name)
	binary.Write(buf, binary.BigEndian, m.value)
	return buf.Bytes()
}

func decodeReduceRelease(data []byte) (reduceRelease, error) {
	var m reduceRelease
	r := bytes.NewReader(data)
	name, err := decodeName(r)
	if err != nil {
		return m, err
	}
	m.name = name
	if err := binary.Read(r, binary.BigEndian, &m.value); err != nil {
		return m, fmt.Errorf("collective: decode reduceRelease value: %w", err)
	}
	return m, nil
}

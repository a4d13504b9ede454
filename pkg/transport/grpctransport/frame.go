package grpctransport

import (
	"encoding/binary"
	"fmt"
)

// frameHeaderSize is the fixed prefix every Deliver payload carries: source
// rank and tag, both as int32 big-endian, ahead of the raw message bytes.
const frameHeaderSize = 8

func encodeFrame(source, tag int, data []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(source)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(tag)))
	copy(buf[frameHeaderSize:], data)
	return buf
}

func decodeFrame(buf []byte) (source, tag int, data []byte, err error) {
	if len(buf) < frameHeaderSize {
		return 0, 0, nil, fmt.Errorf("grpctransport: short frame (%d bytes)", len(buf))
	}
	source = int(int32(binary.BigEndian.Uint32(buf[0:4])))
	tag = int(int32(binary.BigEndian.Uint32(buf[4:8])))
	data = buf[frameHeaderSize:]
	return source, tag, data, nil
}

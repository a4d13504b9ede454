package termination

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ember-hpc/vt/pkg/envelope"
)

// waveRequest flows down the collective spanning tree: the root (or a
// relaying rank) asking its children to submit their subtree's (prod, cons)
// sums for the given wave.
type waveRequest struct {
	epoch envelope.Epoch
	wave  uint64
}

// waveReport flows up the tree: a rank's own counters summed with every
// child report already collected for this wave.
type waveReport struct {
	epoch envelope.Epoch
	wave  uint64
	prod  uint64
	cons  uint64
}

// waveResult is broadcast down the tree once the root decides the wave's
// outcome.
type waveResult struct {
	epoch      envelope.Epoch
	wave       uint64
	terminated bool
}

// dsAck flows from a rooted-epoch child up to its parent once the child's
// own outstanding debt reaches zero.
type dsAck struct {
	epoch envelope.Epoch
}

// dsDone is broadcast by a rooted epoch's root once it determines global
// quiescence, so every engaged rank can fire its local actions.
type dsDone struct {
	epoch envelope.Epoch
}

func encodeWaveRequest(m waveRequest) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(m.epoch))
	binary.Write(buf, binary.BigEndian, m.wave)
	return buf.Bytes()
}

func decodeWaveRequest(data []byte) (waveRequest, error) {
	var m waveRequest
	r := bytes.NewReader(data)
	var ep uint64
	if err := binary.Read(r, binary.BigEndian, &ep); err != nil {
		return m, fmt.Errorf("termination: decode waveRequest epoch: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.wave); err != nil {
		return m, fmt.Errorf("termination: decode waveRequest wave: %w", err)
	}
	m.epoch = envelope.Epoch(ep)
	return m, nil
}

func encodeWaveReport(m waveReport) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(m.epoch))
	binary.Write(buf, binary.BigEndian, m.wave)
	binary.Write(buf, binary.BigEndian, m.prod)
	binary.Write(buf, binary.BigEndian, m.cons)
	return buf.Bytes()
}

func decodeWaveReport(data []byte) (waveReport, error) {
	var m waveReport
	r := bytes.NewReader(data)
	var ep uint64
	for _, f := range []any{&ep, &m.wave, &m.prod, &m.cons} {
		if err := binary.Read(r, binary.BigEndian, f); err != nil {
			return m, fmt.Errorf("termination: decode waveReport: %w", err)
		}
	}
	m.epoch = envelope.Epoch(ep)
	return m, nil
}

func encodeWaveResult(m waveResult) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(m.epoch))
	binary.Write(buf, binary.BigEndian, m.wave)
	var t byte
	if m.terminated {
		t = 1
	}
	buf.WriteByte(t)
	return buf.Bytes()
}

func decodeWaveResult(data []byte) (waveResult, error) {
	var m waveResult
	r := bytes.NewReader(data)
	var ep uint64
	if err := binary.Read(r, binary.BigEndian, &ep); err != nil {
		return m, fmt.Errorf("termination: decode waveResult epoch: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &m.wave); err != nil {
		return m, fmt.Errorf("termination: decode waveResult wave: %w", err)
	}
	t, err := r.ReadByte()
	if err != nil {
		return m, fmt.Errorf("termination: decode waveResult flag: %w", err)
	}
	m.terminated = t != 0
	m.epoch = envelope.Epoch(ep)
	return m, nil
}

func encodeDSAck(m dsAck) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(m.epoch))
	return buf.Bytes()
}

func decodeDSAck(data []byte) (dsAck, error) {
	var m dsAck
	r := bytes.NewReader(data)
	var ep uint64
	if err := binary.Read(r, binary.BigEndian, &ep); err != nil {
		return m, fmt.Errorf("termination: decode dsAck: %w", err)
	}
	m.epoch = envelope.Epoch(ep)
	return m, nil
}

func encodeDSDone(m dsDone) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint64(m.epoch))
	return buf.Bytes()
}

func decodeDSDone(data []byte) (dsDone, error) {
	var m dsDone
	r := bytes.NewReader(data)
	var ep uint64
	if err := binary.Read(r, binary.BigEndian, &ep); err != nil {
		return m, fmt.Errorf("termination: decode dsDone: %w", err)
	}
	m.epoch = envelope.Epoch(ep)
	return m, nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
)

// BuildPacket serializes a tunnel packet for UDP transmission. The payload
// may be nil for control packets; its length is written into the header.
func BuildPacket(packetType uint8, seq uint32, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], MagicNumber)
	binary.BigEndian.PutUint16(buf[4:6], ProtocolVersion)
	buf[6] = packetType
	buf[7] = 0 // reserved
	binary.BigEndian.PutUint32(buf[8:12], seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(payload)))
	if len(payload) > 0 {
		copy(buf[HeaderSize:], payload)
	}
	return buf
}

// ParseHeader validates and decodes the fixed header of a received datagram.
// It checks length, magic number, and version; payload consistency against
// the datagram size is left to the caller, which knows the dispatch rules.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	if magic := binary.BigEndian.Uint32(data[0:4]); magic != MagicNumber {
		return Header{}, fmt.Errorf("invalid magic number: 0x%08X", magic)
	}
	if version := binary.BigEndian.Uint16(data[4:6]); version != ProtocolVersion {
		return Header{}, fmt.Errorf("unsupported protocol version: %d", version)
	}
	return Header{
		Type:       data[6],
		Sequence:   binary.BigEndian.Uint32(data[8:12]),
		PayloadLen: binary.BigEndian.Uint32(data[12:16]),
	}, nil
}

// Payload returns the payload bytes of a MESSAGE datagram, copied out of the
// receive buffer. Returns an error when the declared length overruns the
// datagram.
func Payload(data []byte, h Header) ([]byte, error) {
	if HeaderSize+int(h.PayloadLen) > len(data) {
		return nil, fmt.Errorf("payload length %d exceeds packet size %d", h.PayloadLen, len(data))
	}
	payload := make([]byte, h.PayloadLen)
	copy(payload, data[HeaderSize:HeaderSize+int(h.PayloadLen)])
	return payload, nil
}
